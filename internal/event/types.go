// Package event defines the in-process pub-sub layer between the task store
// and the broadcast hub. Events for a single task are dispatched synchronously
// in mutation order, which is what gives the hub its per-task ordering
// guarantee.
package event

import (
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.updated", "phase.completed")
	EventType() string

	// TaskID returns the id of the task the event concerns.
	TaskID() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Recognized event type identifiers.
const (
	TypeTaskUpdated   = "task.updated"
	TypeTaskRemoved   = "task.removed"
	TypeOutputAppend  = "task.output"
	TypePhaseComplete = "phase.completed"
	TypeFileChange    = "task.files"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	taskID    string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) TaskID() string       { return e.taskID }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType, taskID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		taskID:    taskID,
		timestamp: time.Now().UTC(),
	}
}

// TaskUpdatedEvent is emitted after any mutation to a task record. Snapshot
// is a deep copy taken under the store's task lock.
type TaskUpdatedEvent struct {
	baseEvent
	Snapshot *task.Task
}

// NewTaskUpdatedEvent creates a TaskUpdatedEvent.
func NewTaskUpdatedEvent(snapshot *task.Task) TaskUpdatedEvent {
	return TaskUpdatedEvent{
		baseEvent: newBaseEvent(TypeTaskUpdated, snapshot.ID),
		Snapshot:  snapshot,
	}
}

// TaskRemovedEvent is emitted when a task record is removed.
type TaskRemovedEvent struct {
	baseEvent
}

// NewTaskRemovedEvent creates a TaskRemovedEvent.
func NewTaskRemovedEvent(taskID string) TaskRemovedEvent {
	return TaskRemovedEvent{
		baseEvent: newBaseEvent(TypeTaskRemoved, taskID),
	}
}

// OutputEvent is emitted for every output record appended to a task.
type OutputEvent struct {
	baseEvent
	Record task.OutputRecord
}

// NewOutputEvent creates an OutputEvent.
func NewOutputEvent(taskID string, record task.OutputRecord) OutputEvent {
	return OutputEvent{
		baseEvent: newBaseEvent(TypeOutputAppend, taskID),
		Record:    record,
	}
}

// FileChangeEvent is emitted when the worktree watcher observes file
// modifications in a task's checkout. Paths are relative to the worktree
// root and debounced.
type FileChangeEvent struct {
	baseEvent
	Paths []string
}

// NewFileChangeEvent creates a FileChangeEvent.
func NewFileChangeEvent(taskID string, paths []string) FileChangeEvent {
	return FileChangeEvent{
		baseEvent: newBaseEvent(TypeFileChange, taskID),
		Paths:     paths,
	}
}

// PhaseCompleteEvent is emitted when a phase process exits and the phase
// machine advances.
type PhaseCompleteEvent struct {
	baseEvent
	Phase    task.Phase
	Next     task.Phase
	ExitCode int
}

// NewPhaseCompleteEvent creates a PhaseCompleteEvent.
func NewPhaseCompleteEvent(taskID string, phase, next task.Phase, exitCode int) PhaseCompleteEvent {
	return PhaseCompleteEvent{
		baseEvent: newBaseEvent(TypePhaseComplete, taskID),
		Phase:     phase,
		Next:      next,
		ExitCode:  exitCode,
	}
}
