package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/process"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// CommitTask stages and commits everything in the task's worktree and
// records the commit hash. Returns ErrNothingToCommit when the worktree is
// clean.
func (s *Store) CommitTask(id, message string) (string, error) {
	e := s.entry(id)
	if e == nil {
		return "", errors.NewNotFoundError("task", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.WorktreePath == "" {
		return "", errors.NewInvalidStateError("task has no worktree to commit").
			WithTaskID(id).
			WithState(string(e.task.Phase))
	}

	wm, err := s.worktreeManager(e.task.RepoPath)
	if err != nil {
		return "", err
	}
	if message == "" {
		message = fmt.Sprintf("Changes for %s", taskLabel(e.task))
	}

	hash, err := wm.CommitAll(e.task.WorktreePath, message)
	if err != nil {
		return "", err
	}

	if err := s.applyLocked(e, func(t *task.Task) error {
		if t.CommitHash == "" {
			t.CommitHash = hash
		}
		t.Outputs.Append(task.OutputRecord{
			Phase:     t.Phase,
			Content:   "committed " + hash[:8],
			Timestamp: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		return "", err
	}

	s.logger.Info("task committed", "task_id", id, "commit", hash)
	return hash, nil
}

// DiffTask returns the diff of the task's branch against the main branch.
func (s *Store) DiffTask(id string) (string, error) {
	e := s.entry(id)
	if e == nil {
		return "", errors.NewNotFoundError("task", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.task.WorktreePath == "" {
		return "", errors.NewInvalidStateError("task has no worktree to diff").
			WithTaskID(id).
			WithState(string(e.task.Phase))
	}

	wm, err := s.worktreeManager(e.task.RepoPath)
	if err != nil {
		return "", err
	}
	return wm.DiffAgainstMain(e.task.WorktreePath)
}

// MergeTask merges the task's branch into main. The caller must hold the
// merge lock for id before calling; a missing lock is reported as
// contention with the current owner and queue depth, before any merge work
// starts. The lock is always released before MergeTask returns, success or
// not, so a failed merge can never wedge the queue.
//
// On conflict one automatic resolution pass is delegated to an agent
// process; if conflicts remain after that, the merge is rolled back and a
// conflict error carrying the branch and failure detail is returned.
func (s *Store) MergeTask(ctx context.Context, id string) error {
	e := s.entry(id)
	if e == nil {
		s.lock.Release(id)
		return errors.NewNotFoundError("task", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Ownership is checked under the entry lock and given up before the
	// entry lock is (defers run in reverse order). Acquire is idempotent
	// for the owner, so a duplicate flow for the same id can block on the
	// entry lock while the first flow merges; by the time the duplicate
	// gets here the first flow has released the lock, and the duplicate is
	// turned away before any repository work.
	if !s.lock.IsLockedBy(id) {
		return errors.NewLockContentionError(s.lock.Owner(), s.lock.QueueLength())
	}
	defer s.lock.Release(id)

	if e.task.Status == task.StatusMerged {
		return errors.NewInvalidStateError("task is already merged").WithTaskID(id)
	}
	if e.task.WorktreePath == "" || e.task.BranchName == "" {
		return errors.NewInvalidStateError("task has no worktree to merge").
			WithTaskID(id).
			WithState(string(e.task.Phase))
	}

	wm, err := s.worktreeManager(e.task.RepoPath)
	if err != nil {
		return err
	}
	branch := e.task.BranchName

	// Commit-if-needed: agents often leave uncommitted work behind.
	dirty, err := wm.HasUncommittedChanges(e.task.WorktreePath)
	if err != nil {
		return err
	}
	if dirty {
		if _, err := wm.CommitAll(e.task.WorktreePath, fmt.Sprintf("Changes for %s", taskLabel(e.task))); err != nil &&
			!errors.Is(err, errors.ErrNothingToCommit) {
			return err
		}
	}

	result, err := wm.MergeBranch(branch)
	if err != nil {
		return errors.Wrapf(err, "merge of branch %s failed", branch)
	}

	if result.Conflict {
		s.logger.Warn("merge conflict, attempting resolution pass",
			"task_id", id, "files", strings.Join(result.ConflictFiles, ","))

		if err := s.resolveConflicts(ctx, wm.RepoDir(), branch, result.ConflictFiles); err != nil {
			if abortErr := wm.AbortMerge(); abortErr != nil {
				s.logger.Error("merge abort failed", "task_id", id, "error", abortErr)
			}
			return errors.NewMergeConflictError(branch, err.Error()).
				WithConflictFiles(result.ConflictFiles)
		}
		if err := wm.CommitMerge(branch); err != nil {
			if abortErr := wm.AbortMerge(); abortErr != nil {
				s.logger.Error("merge abort failed", "task_id", id, "error", abortErr)
			}
			return err
		}
	}

	mergedHash, err := wm.Head(wm.RepoDir())
	if err != nil {
		s.logger.Warn("could not resolve merge commit", "task_id", id, "error", err)
	}

	worktreePath := e.task.WorktreePath
	if err := s.applyLocked(e, func(t *task.Task) error {
		t.Status = task.StatusMerged
		if t.CommitHash == "" {
			t.CommitHash = mergedHash
		}
		t.WorktreePath = ""
		t.Outputs.Append(task.OutputRecord{
			Phase:     t.Phase,
			Content:   "branch merged into main",
			Timestamp: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		return err
	}

	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}
	if err := wm.Remove(worktreePath); err != nil {
		s.logger.Warn("merged worktree removal failed", "task_id", id, "error", err)
	}

	s.logger.Info("task merged", "task_id", id, "branch", branch)
	return nil
}

// resolveConflicts runs one agent pass over an in-progress merge. The
// agent works in the primary repository where the conflicted state lives.
func (s *Store) resolveConflicts(ctx context.Context, repoDir, branch string, files []string) error {
	if len(s.opts.AgentCommand) == 0 {
		return errors.New("no agent available for conflict resolution")
	}
	prompt := fmt.Sprintf(
		"A merge of branch %s into main stopped on conflicts in these files:\n%s\n"+
			"Resolve every conflict marker, keep both sides' intent, and exit zero when the tree is clean.",
		branch, strings.Join(files, "\n"))

	output, err := process.RunOnce(ctx, s.opts.AgentCommand, repoDir, prompt)
	if err != nil {
		s.logger.Warn("conflict resolution agent failed", "branch", branch, "error", err)
		return errors.Wrap(err, "resolution agent failed")
	}
	s.logger.Debug("conflict resolution agent finished", "branch", branch, "output_bytes", len(output))
	return nil
}

// SendPromptToTask delivers ad-hoc text to the task's live phase agent.
func (s *Store) SendPromptToTask(id, text string) error {
	e := s.entry(id)
	if e == nil {
		return errors.NewNotFoundError("task", id)
	}
	if text == "" {
		return errors.NewValidationError("prompt text is required").WithField("text")
	}
	return e.manager.SendPrompt(text)
}

// StartPreview launches the task's live-preview process.
func (s *Store) StartPreview(ctx context.Context, id string) error {
	e := s.entry(id)
	if e == nil {
		return errors.NewNotFoundError("task", id)
	}
	return e.manager.StartPreview(ctx)
}

// StopPreview terminates the task's preview process.
func (s *Store) StopPreview(id string) error {
	e := s.entry(id)
	if e == nil {
		return errors.NewNotFoundError("task", id)
	}
	if !e.manager.PreviewRunning() {
		return errors.NewInvalidStateError("no preview process running").WithTaskID(id)
	}
	e.manager.StopPreview()
	return nil
}
