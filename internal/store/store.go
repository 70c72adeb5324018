// Package store is the aggregate root of the orchestration engine: the
// single authoritative registry and mutation gateway for all tasks.
//
// Every mutation flows through the store's update path, which applies the
// change as a read-modify-write unit under a per-task lock, persists a
// durable snapshot, and emits events in mutation order. The process
// managers, the merge pipeline, and the API surface all route through it.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
	"github.com/michaellee1/ClaudeGod-sub002/internal/mergelock"
	"github.com/michaellee1/ClaudeGod-sub002/internal/persist"
	"github.com/michaellee1/ClaudeGod-sub002/internal/process"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
	"github.com/michaellee1/ClaudeGod-sub002/internal/worktree"
)

const taskKeyPrefix = "tasks/"

// Options configures a Store.
type Options struct {
	// WorktreeRoot is the directory task worktrees are provisioned under.
	WorktreeRoot string
	// AgentCommand is the argv prefix for phase agents.
	AgentCommand []string
	// PreviewCommand is the argv for preview processes, empty to disable.
	PreviewCommand []string
	// OutputCap bounds each task's output log. Zero selects the default.
	OutputCap int
	// DisableWatcher turns off the worktree file watcher (used in tests).
	DisableWatcher bool
}

// entry pairs a task record with its process manager. The entry mutex
// serializes all read-modify-write cycles for that task.
type entry struct {
	mu      sync.Mutex
	task    *task.Task
	manager *process.Manager
}

// Store owns all task records.
type Store struct {
	opts    Options
	persist *persist.Store
	bus     *event.Bus
	lock    *mergelock.Lock
	logger  *logging.Logger
	watcher *worktree.Watcher

	mu      sync.RWMutex
	entries map[string]*entry

	wtMu       sync.Mutex
	wtManagers map[string]*worktree.Manager
}

// NewStore creates the store, reloads persisted tasks, and reconnects to
// any phase processes that survived the previous engine run.
func NewStore(opts Options, ps *persist.Store, bus *event.Bus, lock *mergelock.Lock, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.OutputCap <= 0 {
		opts.OutputCap = task.DefaultOutputCap
	}

	s := &Store{
		opts:       opts,
		persist:    ps,
		bus:        bus,
		lock:       lock,
		logger:     logger.WithComponent("store"),
		entries:    make(map[string]*entry),
		wtManagers: make(map[string]*worktree.Manager),
	}

	if !opts.DisableWatcher {
		watcher, err := worktree.NewWatcher(s.onFileChange)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create worktree watcher")
		}
		s.watcher = watcher
		watcher.Start()
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload restores persisted tasks and re-derives their state from the live
// process table.
func (s *Store) reload() error {
	keys, err := s.persist.List(taskKeyPrefix)
	if err != nil {
		return errors.Wrap(err, "failed to list persisted tasks")
	}

	for _, key := range keys {
		var t task.Task
		if err := s.persist.LoadJSON(key, &t); err != nil {
			s.logger.Error("skipping unreadable task snapshot", "key", key, "error", err)
			continue
		}

		e := &entry{task: &t, manager: s.newManager(&t)}
		s.mu.Lock()
		s.entries[t.ID] = e
		s.mu.Unlock()

		if t.Terminal() {
			continue
		}

		res := e.manager.Reconnect(&t)
		if err := s.Update(t.ID, func(t *task.Task) error {
			t.Phase = res.Phase
			t.Status = res.Status
			return nil
		}); err != nil {
			s.logger.Error("failed to apply reconnection result", "task_id", t.ID, "error", err)
			continue
		}

		if res.Restart {
			s.startPhaseOne(t.ID, e.manager)
		}
		if s.watcher != nil && !res.Phase.Terminal() && t.WorktreePath != "" {
			_ = s.watcher.Watch(t.ID, t.WorktreePath)
		}
	}

	s.logger.Info("task registry restored", "tasks", len(keys))
	return nil
}

func (s *Store) newManager(t *task.Task) *process.Manager {
	return process.NewManager(process.Config{
		TaskID:         t.ID,
		WorktreePath:   t.WorktreePath,
		Prompt:         t.Prompt,
		ThinkMode:      t.ThinkMode,
		AgentCommand:   s.opts.AgentCommand,
		PreviewCommand: s.opts.PreviewCommand,
	}, s, s.bus, s.logger)
}

// CreateTask validates input, provisions an isolated worktree, registers
// the task, and starts phase one asynchronously. A provisioning failure
// leaves no partial record behind.
func (s *Store) CreateTask(ctx context.Context, prompt, repoPath string, mode task.ThinkMode) (*task.Task, error) {
	if prompt == "" {
		return nil, errors.NewValidationError("prompt is required").WithField("prompt")
	}
	if repoPath == "" {
		return nil, errors.NewValidationError("repository path is required").WithField("repoPath")
	}
	if !mode.IsValid() {
		return nil, errors.NewValidationError("unrecognized think mode").
			WithField("thinkMode").
			WithValue(string(mode))
	}
	if !worktree.ValidateRepo(repoPath) {
		return nil, errors.NewValidationError("path is not a git repository").
			WithField("repoPath").
			WithValue(repoPath)
	}

	t := task.New(prompt, repoPath, mode, s.opts.OutputCap)
	t.BranchName = "task-" + t.ID[:8]
	t.WorktreePath = filepath.Join(s.opts.WorktreeRoot, t.ID)

	wm, err := s.worktreeManager(repoPath)
	if err != nil {
		return nil, err
	}
	if err := wm.Create(t.WorktreePath, t.BranchName); err != nil {
		return nil, err
	}

	e := &entry{task: t, manager: s.newManager(t)}
	s.mu.Lock()
	s.entries[t.ID] = e
	s.mu.Unlock()

	if err := s.persist.SaveJSON(taskKeyPrefix+t.ID, t); err != nil {
		// Roll the registration back; the caller sees no task.
		s.mu.Lock()
		delete(s.entries, t.ID)
		s.mu.Unlock()
		_ = wm.Remove(t.WorktreePath)
		_ = wm.DeleteBranch(t.BranchName)
		return nil, errors.Wrap(err, "failed to persist new task")
	}

	s.bus.Publish(event.NewTaskUpdatedEvent(t.Clone()))
	s.logger.Info("task created",
		"task_id", t.ID, "branch", t.BranchName, "think_mode", t.ThinkMode)

	if s.watcher != nil {
		if err := s.watcher.Watch(t.ID, t.WorktreePath); err != nil {
			s.logger.Warn("failed to watch worktree", "task_id", t.ID, "error", err)
		}
	}

	s.startPhaseOne(t.ID, e.manager)
	return t.Clone(), nil
}

// startPhaseOne launches the first phase in the background. Failures are
// recorded on the task by the manager, not surfaced to the creator.
func (s *Store) startPhaseOne(taskID string, m *process.Manager) {
	go func() {
		if err := m.Start(context.Background()); err != nil {
			s.logger.Error("phase one failed to start", "task_id", taskID, "error", err)
		}
	}()
}

// GetTask returns a snapshot of one task.
func (s *Store) GetTask(id string) (*task.Task, error) {
	e := s.entry(id)
	if e == nil {
		return nil, errors.NewNotFoundError("task", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// GetTasks returns snapshots of all tasks ordered by creation time.
func (s *Store) GetTasks() []*task.Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	tasks := make([]*task.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tasks = append(tasks, e.task.Clone())
		e.mu.Unlock()
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Update applies fn to the task as a read-modify-write unit, persists the
// result, and emits events. It implements the process manager's mutation
// gateway. When persistence fails the in-memory record keeps its prior
// state and the error is surfaced to the caller.
func (s *Store) Update(taskID string, fn func(*task.Task) error) error {
	e := s.entry(taskID)
	if e == nil {
		return errors.NewNotFoundError("task", taskID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.applyLocked(e, fn)
}

// applyLocked mutates a clone, persists it, and only then swaps it in, so a
// failed write never leaves the in-memory record ahead of the durable one.
// Caller must hold e.mu.
func (s *Store) applyLocked(e *entry, fn func(*task.Task) error) error {
	before := outputTotal(e.task)

	next := e.task.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()

	if err := s.persist.SaveJSON(taskKeyPrefix+next.ID, next); err != nil {
		s.logger.Error("task snapshot write failed", "task_id", next.ID, "error", err)
		return errors.Wrap(err, "failed to persist task")
	}
	e.task = next

	snapshot := next.Clone()
	for _, rec := range newOutputs(snapshot, before) {
		s.bus.Publish(event.NewOutputEvent(snapshot.ID, rec))
	}
	s.bus.Publish(event.NewTaskUpdatedEvent(snapshot))
	return nil
}

// outputTotal is the monotonic count of records ever appended.
func outputTotal(t *task.Task) int {
	if t.Outputs == nil {
		return 0
	}
	return t.Outputs.Len() + t.Outputs.Evicted()
}

// newOutputs returns the records appended since the given total.
func newOutputs(t *task.Task, before int) []task.OutputRecord {
	if t.Outputs == nil {
		return nil
	}
	added := outputTotal(t) - before
	if added <= 0 {
		return nil
	}
	records := t.Outputs.Records()
	if added > len(records) {
		added = len(records)
	}
	return records[len(records)-added:]
}

// RemoveTask stops the task's processes, discards its worktree, releases
// the merge lock if held, and deletes the record. Removing an unknown or
// already-removed id is not an error.
func (s *Store) RemoveTask(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	t := e.task.Clone()
	e.mu.Unlock()

	// Termination is best-effort; teardown proceeds regardless.
	e.manager.Stop()
	s.lock.Release(id)
	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}

	if t.WorktreePath != "" {
		if wm, err := s.worktreeManager(t.RepoPath); err == nil {
			if err := wm.Remove(t.WorktreePath); err != nil {
				s.logger.Warn("worktree removal failed", "task_id", id, "error", err)
			}
			if t.BranchName != "" && t.Status != task.StatusMerged {
				if err := wm.DeleteBranch(t.BranchName); err != nil {
					s.logger.Warn("branch removal failed", "task_id", id, "error", err)
				}
			}
		}
	}

	if err := s.persist.Delete(taskKeyPrefix + id); err != nil && !errors.Is(err, persist.ErrNotFound) {
		s.logger.Warn("failed to delete task snapshot", "task_id", id, "error", err)
	}

	s.bus.Publish(event.NewTaskRemovedEvent(id))
	s.logger.Info("task removed", "task_id", id)
	return nil
}

// CleanupTask is RemoveTask under its administrative name.
func (s *Store) CleanupTask(id string) error {
	return s.RemoveTask(id)
}

// ClearAllProcessManagers detaches the engine's bookkeeping from every
// still-running agent session without terminating the sessions. User-owned
// terminals survive engine restarts by design.
func (s *Store) ClearAllProcessManagers() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.manager.Detach()
	}
	s.logger.Info("detached all process managers", "count", len(entries))
	return len(entries)
}

// GetActiveTerminalSessions returns the ids of tasks that still have a live
// external process attached.
func (s *Store) GetActiveTerminalSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, e := range s.entries {
		if e.manager.HasLiveProcess() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MergeLock exposes the engine's merge lock for contention queries and
// caller-side acquisition.
func (s *Store) MergeLock() *mergelock.Lock {
	return s.lock
}

// Close detaches process managers (running sessions survive) and stops the
// worktree watcher.
func (s *Store) Close() error {
	s.ClearAllProcessManagers()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// worktreeManager returns the cached manager for a repository.
func (s *Store) worktreeManager(repoPath string) (*worktree.Manager, error) {
	s.wtMu.Lock()
	defer s.wtMu.Unlock()

	if wm, ok := s.wtManagers[repoPath]; ok {
		return wm, nil
	}
	wm, err := worktree.New(repoPath)
	if err != nil {
		return nil, err
	}
	s.wtManagers[repoPath] = wm
	return wm, nil
}

// onFileChange forwards debounced worktree changes to the bus.
func (s *Store) onFileChange(taskID string, paths []string) {
	if s.entry(taskID) == nil {
		return
	}
	s.bus.Publish(event.NewFileChangeEvent(taskID, paths))
}

// taskLabel formats a task id for commit messages.
func taskLabel(t *task.Task) string {
	return fmt.Sprintf("task %s", t.ID[:8])
}
