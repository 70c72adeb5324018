package process

import (
	"context"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// StartPreview launches the task's live-preview process in the worktree.
// The preview is auxiliary: its exit never touches the phase machine.
func (m *Manager) StartPreview(ctx context.Context) error {
	if len(m.cfg.PreviewCommand) == 0 {
		return errors.NewInvalidStateError("no preview command configured").
			WithTaskID(m.cfg.TaskID)
	}

	m.mu.Lock()
	if m.preview != nil && m.preview.Running() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	preview := NewAgent(
		m.cfg.PreviewCommand,
		m.cfg.WorktreePath,
		func(line string) { m.appendOutput("preview", line) },
		func(code int) { m.onPreviewExit(code) },
	)
	if err := preview.Start(ctx); err != nil {
		return errors.NewProcessError("failed to start preview", err).
			WithTaskID(m.cfg.TaskID)
	}

	m.mu.Lock()
	m.preview = preview
	m.mu.Unlock()

	m.logger.Info("preview started", "pid", preview.PID())
	return nil
}

// StopPreview terminates the preview process. No-op when none is running.
func (m *Manager) StopPreview() {
	m.mu.Lock()
	preview := m.preview
	m.preview = nil
	m.mu.Unlock()

	if preview != nil {
		preview.Stop()
		m.logger.Info("preview stopped")
	}
}

// PreviewRunning reports whether the preview process is alive.
func (m *Manager) PreviewRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preview != nil && m.preview.Running()
}

func (m *Manager) onPreviewExit(code int) {
	m.mu.Lock()
	m.preview = nil
	detached := m.detached
	m.mu.Unlock()
	if detached {
		return
	}

	m.logger.Info("preview exited", "exit_code", code)
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		t.Outputs.Append(task.OutputRecord{
			Phase:     "preview",
			Content:   "preview process exited",
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to record preview exit", "error", err)
	}
}
