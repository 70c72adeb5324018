// Package worktree provides the isolated-checkout capability: one branch and
// working directory per task, created from and merged back into the primary
// repository. Version-control mechanics are delegated to the git CLI; this
// package shells out and classifies the results.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
)

// Manager handles git worktree operations for one primary repository.
type Manager struct {
	repoDir string
}

// FindGitRoot finds the root of the git repository by traversing up from
// startDir. It returns the directory containing .git (either a directory or
// a file for worktrees). Returns an error if no git repository is found.
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNotGitRepository
		}
		dir = parent
	}
}

// ValidateRepo reports whether path points at a valid git repository.
func ValidateRepo(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = FindGitRoot(path)
	return err == nil
}

// New creates a worktree Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNotGitRepository, "%s", repoDir)
	}
	return &Manager{repoDir: gitRoot}, nil
}

// RepoDir returns the repository root this manager operates on.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Create creates a new worktree at the given path with a new branch.
// Branch and worktree are created in one step so a failure leaves neither.
func (m *Manager) Create(path, branch string) error {
	cmd := exec.Command("git", "worktree", "add", "-b", branch, path)
	cmd.Dir = m.repoDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			return errors.NewProvisioningError("worktree path or branch collision", errors.ErrWorktreeExists).
				WithBranch(branch).
				WithWorktree(path).
				WithGitOutput(string(output))
		}
		return errors.NewProvisioningError("failed to create worktree", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// Remove removes a worktree and prunes stale references. Removal is
// best-effort: if git refuses, the directory is deleted manually and the
// reference pruned.
func (m *Manager) Remove(path string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(path)

		pruneCmd := exec.Command("git", "worktree", "prune")
		pruneCmd.Dir = m.repoDir
		_ = pruneCmd.Run()

		return fmt.Errorf("failed to remove worktree cleanly: %w\n%s", err, string(output))
	}
	return nil
}

// DeleteBranch deletes a branch in the primary repository.
func (m *Manager) DeleteBranch(branch string) error {
	cmd := exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to delete branch: %w\n%s", err, string(output))
	}
	return nil
}

// HasUncommittedChanges checks if a worktree has uncommitted changes.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// CommitAll stages and commits all changes in a worktree and returns the
// resulting commit hash. Returns ErrNothingToCommit when the worktree is
// clean and no new commit was created.
func (m *Manager) CommitAll(path, message string) (string, error) {
	addCmd := exec.Command("git", "add", "-A")
	addCmd.Dir = path
	if output, err := addCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to add changes: %w\n%s", err, string(output))
	}

	commitCmd := exec.Command("git", "commit", "-m", message)
	commitCmd.Dir = path
	if output, err := commitCmd.CombinedOutput(); err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return "", errors.ErrNothingToCommit
		}
		return "", fmt.Errorf("failed to commit: %w\n%s", err, string(output))
	}

	return m.Head(path)
}

// Head returns the commit hash at HEAD of the given directory.
func (m *Manager) Head(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetBranch returns the branch checked out at path.
func (m *Manager) GetBranch(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get branch: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// MergeResult describes the outcome of a MergeBranch call.
type MergeResult struct {
	// Conflict is true when the merge stopped on conflicts.
	Conflict bool
	// ConflictFiles lists the unmerged files when Conflict is true.
	ConflictFiles []string
	// Output is the raw git output, useful for conflict detail.
	Output string
}

// MergeBranch merges the given branch into the main branch of the primary
// repository. On conflict the merge is left in progress in the repository so
// a resolution pass can run; callers must either complete it with
// CommitMerge or roll it back with AbortMerge.
func (m *Manager) MergeBranch(branch string) (*MergeResult, error) {
	mainBranch := m.FindMainBranch()

	checkoutCmd := exec.Command("git", "checkout", mainBranch)
	checkoutCmd.Dir = m.repoDir
	if output, err := checkoutCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w\n%s", mainBranch, err, string(output))
	}

	mergeCmd := exec.Command("git", "merge", "--no-ff", branch, "-m",
		fmt.Sprintf("Merge branch '%s'", branch))
	mergeCmd.Dir = m.repoDir

	output, err := mergeCmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "CONFLICT") {
			files, filesErr := m.ConflictingFiles(m.repoDir)
			if filesErr != nil {
				files = nil
			}
			return &MergeResult{
				Conflict:      true,
				ConflictFiles: files,
				Output:        string(output),
			}, nil
		}
		return nil, fmt.Errorf("failed to merge branch %s: %w\n%s", branch, err, string(output))
	}

	return &MergeResult{Output: string(output)}, nil
}

// CommitMerge completes an in-progress merge after conflicts were resolved.
// The resolution is staged first; the index keeps files in the unmerged
// state until they are re-added, so leftover conflicts are detected by
// scanning for conflict markers instead.
func (m *Manager) CommitMerge(branch string) error {
	addCmd := exec.Command("git", "add", "-A")
	addCmd.Dir = m.repoDir
	if output, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stage resolution: %w\n%s", err, string(output))
	}

	remaining, err := m.filesWithConflictMarkers()
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return errors.NewMergeConflictError(branch, "unresolved conflict markers remain").
			WithConflictFiles(remaining)
	}

	commitCmd := exec.Command("git", "commit", "--no-edit")
	commitCmd.Dir = m.repoDir
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to commit merge: %w\n%s", err, string(output))
	}
	return nil
}

// filesWithConflictMarkers lists tracked files still containing a conflict
// marker. git grep exits 1 on no matches, which is not an error.
func (m *Manager) filesWithConflictMarkers() ([]string, error) {
	cmd := exec.Command("git", "grep", "-l", "-e", "^<<<<<<< ")
	cmd.Dir = m.repoDir

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan for conflict markers: %w", err)
	}

	lines := strings.TrimSpace(string(output))
	if lines == "" {
		return nil, nil
	}
	return strings.Split(lines, "\n"), nil
}

// AbortMerge rolls back an in-progress merge.
func (m *Manager) AbortMerge() error {
	cmd := exec.Command("git", "merge", "--abort")
	cmd.Dir = m.repoDir

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to abort merge: %w\n%s", err, string(output))
	}
	return nil
}

// MergeInProgress returns true if the primary repository has a merge in
// progress.
func (m *Manager) MergeInProgress() bool {
	_, err := os.Stat(filepath.Join(m.repoDir, ".git", "MERGE_HEAD"))
	return err == nil
}

// ConflictingFiles returns files with merge conflicts in the given directory.
func (m *Manager) ConflictingFiles(path string) ([]string, error) {
	cmd := exec.Command("git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get conflicting files: %w", err)
	}

	lines := strings.TrimSpace(string(output))
	if lines == "" {
		return []string{}, nil
	}
	return strings.Split(lines, "\n"), nil
}

// DiffAgainstMain returns the diff of the worktree's branch against main.
func (m *Manager) DiffAgainstMain(path string) (string, error) {
	mainBranch := m.FindMainBranch()

	cmd := exec.Command("git", "diff", mainBranch+"...HEAD")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get diff: %w", err)
	}
	return string(output), nil
}

// ChangedFiles returns the files changed on the worktree's branch compared
// to main.
func (m *Manager) ChangedFiles(path string) ([]string, error) {
	mainBranch := m.FindMainBranch()

	cmd := exec.Command("git", "diff", "--name-only", mainBranch+"...HEAD")
	cmd.Dir = path

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}

	files := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(files) == 1 && files[0] == "" {
		return []string{}, nil
	}
	return files, nil
}

// FindMainBranch returns the name of the main branch (main or master).
func (m *Manager) FindMainBranch() string {
	cmd := exec.Command("git", "rev-parse", "--verify", "main")
	cmd.Dir = m.repoDir
	if err := cmd.Run(); err == nil {
		return "main"
	}
	return "master"
}

// List returns all worktree paths registered in the primary repository.
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}
