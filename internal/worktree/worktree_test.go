package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/testutil"
)

func TestFindGitRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)

	tests := []struct {
		name    string
		setup   func(t *testing.T) (startDir string, wantRoot string)
		wantErr bool
	}{
		{
			name: "from repository root",
			setup: func(t *testing.T) (string, string) {
				repoDir := testutil.SetupTestRepo(t)
				return repoDir, repoDir
			},
		},
		{
			name: "from subdirectory",
			setup: func(t *testing.T) (string, string) {
				repoDir := testutil.SetupTestRepo(t)
				subDir := filepath.Join(repoDir, "src", "pkg")
				if err := os.MkdirAll(subDir, 0755); err != nil {
					t.Fatalf("failed to create subdirectory: %v", err)
				}
				return subDir, repoDir
			},
		},
		{
			name: "non-git directory",
			setup: func(t *testing.T) (string, string) {
				return t.TempDir(), ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startDir, wantRoot := tt.setup(t)
			gotRoot, err := FindGitRoot(startDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FindGitRoot() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			// Resolve symlinks for comparison (macOS /var -> /private/var)
			wantResolved, _ := filepath.EvalSymlinks(wantRoot)
			gotResolved, _ := filepath.EvalSymlinks(gotRoot)
			if gotResolved != wantResolved {
				t.Errorf("FindGitRoot() = %q, want %q", gotResolved, wantResolved)
			}
		})
	}
}

func TestValidateRepo(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	if !ValidateRepo(repoDir) {
		t.Error("ValidateRepo should accept a git repository")
	}
	if ValidateRepo(t.TempDir()) {
		t.Error("ValidateRepo should reject a plain directory")
	}
	if ValidateRepo(filepath.Join(repoDir, "README.md")) {
		t.Error("ValidateRepo should reject a file path")
	}
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if branch, err := m.GetBranch(wtPath); err != nil || branch != "task-1" {
		t.Errorf("GetBranch = %q, %v; want task-1", branch, err)
	}

	worktrees, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(worktrees) != 2 { // primary checkout + the new worktree
		t.Errorf("List returned %d worktrees, want 2", len(worktrees))
	}

	if err := m.Remove(wtPath); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone after Remove")
	}
}

func TestCreateCollision(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	err = m.Create(filepath.Join(t.TempDir(), "wt-2"), "task-1")
	if err == nil {
		t.Fatal("creating a second worktree on the same branch should fail")
	}
	var provErr *errors.ProvisioningError
	if !errors.As(err, &provErr) {
		t.Errorf("error = %v, want *ProvisioningError", err)
	}
}

func TestCommitAll(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Clean worktree: nothing to commit.
	if _, err := m.CommitAll(wtPath, "empty"); !errors.Is(err, errors.ErrNothingToCommit) {
		t.Errorf("CommitAll on clean worktree = %v, want ErrNothingToCommit", err)
	}

	testutil.WriteFile(t, wtPath, "feature.go", "package feature\n")
	hash, err := m.CommitAll(wtPath, "Add feature")
	if err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	if len(hash) != 40 {
		t.Errorf("commit hash = %q, want a 40-char sha", hash)
	}

	dirty, err := m.HasUncommittedChanges(wtPath)
	if err != nil {
		t.Fatalf("HasUncommittedChanges failed: %v", err)
	}
	if dirty {
		t.Error("worktree should be clean after CommitAll")
	}
}

func TestMergeBranchClean(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	testutil.WriteFile(t, wtPath, "feature.go", "package feature\n")
	if _, err := m.CommitAll(wtPath, "Add feature"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	result, err := m.MergeBranch("task-1")
	if err != nil {
		t.Fatalf("MergeBranch failed: %v", err)
	}
	if result.Conflict {
		t.Fatalf("unexpected conflict: %s", result.Output)
	}

	content := testutil.FileOnBranch(t, repoDir, "main", "feature.go")
	if content != "package feature\n" {
		t.Errorf("merged content = %q", content)
	}
}

func TestMergeBranchConflict(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Diverge: both main and the task branch rewrite README.md.
	testutil.WriteFile(t, wtPath, "README.md", "# Task version\n")
	if _, err := m.CommitAll(wtPath, "Task change"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	testutil.CommitFile(t, repoDir, "README.md", "# Main version\n", "Main change")

	result, err := m.MergeBranch("task-1")
	if err != nil {
		t.Fatalf("MergeBranch failed: %v", err)
	}
	if !result.Conflict {
		t.Fatal("expected a conflict")
	}
	if len(result.ConflictFiles) != 1 || result.ConflictFiles[0] != "README.md" {
		t.Errorf("ConflictFiles = %v, want [README.md]", result.ConflictFiles)
	}
	if !m.MergeInProgress() {
		t.Error("merge should be left in progress for the resolution pass")
	}

	if err := m.AbortMerge(); err != nil {
		t.Fatalf("AbortMerge failed: %v", err)
	}
	if m.MergeInProgress() {
		t.Error("merge should be rolled back after AbortMerge")
	}
}

func TestCommitMergeAfterResolution(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	testutil.WriteFile(t, wtPath, "README.md", "# Task version\n")
	if _, err := m.CommitAll(wtPath, "Task change"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	testutil.CommitFile(t, repoDir, "README.md", "# Main version\n", "Main change")

	result, err := m.MergeBranch("task-1")
	if err != nil || !result.Conflict {
		t.Fatalf("expected conflict, got result=%+v err=%v", result, err)
	}

	// Resolve by hand, the way the resolution agent would.
	testutil.WriteFile(t, repoDir, "README.md", "# Resolved\n")

	if err := m.CommitMerge("task-1"); err != nil {
		t.Fatalf("CommitMerge failed: %v", err)
	}
	if m.MergeInProgress() {
		t.Error("merge should be complete")
	}

	content := testutil.FileOnBranch(t, repoDir, "main", "README.md")
	if content != "# Resolved\n" {
		t.Errorf("merged content = %q, want resolved version", content)
	}
}

func TestDiffAgainstMain(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	m, err := New(repoDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt-1")
	if err := m.Create(wtPath, "task-1"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	testutil.WriteFile(t, wtPath, "feature.go", "package feature\n")
	if _, err := m.CommitAll(wtPath, "Add feature"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	diff, err := m.DiffAgainstMain(wtPath)
	if err != nil {
		t.Fatalf("DiffAgainstMain failed: %v", err)
	}
	if !strings.Contains(diff, "feature.go") {
		t.Errorf("diff does not mention feature.go:\n%s", diff)
	}

	files, err := m.ChangedFiles(wtPath)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(files) != 1 || files[0] != "feature.go" {
		t.Errorf("ChangedFiles = %v, want [feature.go]", files)
	}
}
