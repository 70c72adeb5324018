package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked when files change inside a watched worktree.
// Events are debounced; the callback receives the task id and the relative
// paths touched since the last flush.
type ChangeCallback func(taskID string, paths []string)

// Watcher observes task worktrees for file modifications made by agent
// processes, so the engine can broadcast change activity without polling git.
type Watcher struct {
	watcher *fsnotify.Watcher

	// taskID -> worktree path
	worktrees map[string]string

	// pending changes per task, flushed on the debounce interval
	pending map[string]map[string]time.Time

	onChange    ChangeCallback
	ignorePaths []string
	debounce    time.Duration

	mu     sync.RWMutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a worktree watcher.
func NewWatcher(onChange ChangeCallback) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     watcher,
		worktrees:   make(map[string]string),
		pending:     make(map[string]map[string]time.Time),
		onChange:    onChange,
		ignorePaths: []string{".git", "node_modules", ".DS_Store"},
		debounce:    500 * time.Millisecond,
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins dispatching change notifications. Must be called once.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.flushLoop()
}

// Watch starts watching a task's worktree.
func (w *Watcher) Watch(taskID, worktreePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.worktrees[taskID] = worktreePath
	if err := w.watcher.Add(worktreePath); err != nil {
		return err
	}
	return w.watchDirRecursive(worktreePath)
}

// Unwatch stops watching a task's worktree. Unknown ids are a no-op.
func (w *Watcher) Unwatch(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path, ok := w.worktrees[taskID]
	if !ok {
		return
	}
	delete(w.worktrees, taskID)
	delete(w.pending, taskID)

	// Removal of subdirectory watches is implicit when directories vanish
	// with the worktree; removing the root is enough for live teardown.
	_ = w.watcher.Remove(path)
}

// Close stops the watcher and waits for its goroutines.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// watchDirRecursive adds all subdirectories to the watcher. fsnotify does
// not recurse on its own.
func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Worktree may be mutating under us; skip what we can't read.
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		_ = w.watcher.Add(path)
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, ignore := range w.ignorePaths {
		if strings.Contains(path, string(os.PathSeparator)+ignore) ||
			filepath.Base(path) == ignore {
			return true
		}
	}
	return false
}

// eventLoop collects raw fsnotify events into the pending sets.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}

			// New directories need explicit watches.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.watchDirRecursive(ev.Name)
				}
			}

			w.record(ev.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; the flush loop keeps running.
		}
	}
}

// record attributes a changed path to the task whose worktree contains it.
func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for taskID, root := range w.worktrees {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if w.pending[taskID] == nil {
			w.pending[taskID] = make(map[string]time.Time)
		}
		w.pending[taskID][rel] = time.Now()
		return
	}
}

// flushLoop periodically delivers accumulated changes to the callback.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batches := make(map[string][]string, len(w.pending))
	for taskID, paths := range w.pending {
		batch := make([]string, 0, len(paths))
		for p := range paths {
			batch = append(batch, p)
		}
		batches[taskID] = batch
	}
	w.pending = make(map[string]map[string]time.Time)
	cb := w.onChange
	w.mu.Unlock()

	if cb == nil {
		return
	}
	for taskID, paths := range batches {
		cb(taskID, paths)
	}
}
