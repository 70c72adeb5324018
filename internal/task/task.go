// Package task defines the task data model for the orchestration engine:
// the lifecycle phase machine, think mode policy, and the bounded output log.
// Mutation of task records is reserved to the store package; everything here
// is the shared vocabulary between the store, the process manager, and the
// broadcast layer.
package task

import (
	"time"

	"github.com/google/uuid"
)

// ThinkMode selects which phases a task runs and how much reasoning the
// editor agent is asked to do. Immutable after creation.
type ThinkMode string

const (
	// ThinkNone runs editor then reviewer with default reasoning.
	ThinkNone ThinkMode = "none"
	// ThinkNoReview runs only the editor phase.
	ThinkNoReview ThinkMode = "no_review"
	// ThinkLevel1 runs editor then reviewer with extended reasoning.
	ThinkLevel1 ThinkMode = "level1"
	// ThinkLevel2 runs editor then reviewer with maximum reasoning.
	ThinkLevel2 ThinkMode = "level2"
	// ThinkPlanning inserts a planner phase before the editor.
	ThinkPlanning ThinkMode = "planning"
)

// ValidThinkModes returns the accepted think mode values.
func ValidThinkModes() []ThinkMode {
	return []ThinkMode{ThinkNone, ThinkNoReview, ThinkLevel1, ThinkLevel2, ThinkPlanning}
}

// IsValid reports whether m is a recognized think mode.
func (m ThinkMode) IsValid() bool {
	switch m {
	case ThinkNone, ThinkNoReview, ThinkLevel1, ThinkLevel2, ThinkPlanning:
		return true
	}
	return false
}

// ReviewExpected reports whether this mode runs a reviewer phase after the
// editor. Only no_review skips review.
func (m ThinkMode) ReviewExpected() bool {
	return m != ThinkNoReview
}

// PlansFirst reports whether this mode runs a planner phase before the editor.
func (m ThinkMode) PlansFirst() bool {
	return m == ThinkPlanning
}

// Phase is a named stage of a task's execution. Each non-terminal phase after
// pending maps to one external agent process.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhasePlanner  Phase = "planner"
	PhaseEditor   Phase = "editor"
	PhaseReviewer Phase = "reviewer"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether the phase is terminal.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// transitions is the phase edge table. A transition not listed here is a
// programming error and is rejected by CanTransition.
var transitions = map[Phase][]Phase{
	PhasePending:  {PhasePlanner, PhaseEditor, PhaseFailed},
	PhasePlanner:  {PhaseEditor, PhaseFailed},
	PhaseEditor:   {PhaseReviewer, PhaseDone, PhaseFailed},
	PhaseReviewer: {PhaseDone, PhaseFailed},
}

// CanTransition reports whether the edge from -> to exists in the phase
// machine. Terminal phases have no outgoing edges.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is the derived, observable summary of a task.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusMerged   Status = "merged"
	StatusFailed   Status = "failed"
)

// StatusForPhase derives the observable status from a lifecycle phase.
// Merged is set explicitly by the store after a successful merge and is
// never derived from a phase.
func StatusForPhase(p Phase) Status {
	switch p {
	case PhaseDone:
		return StatusFinished
	case PhaseFailed:
		return StatusFailed
	default:
		return StatusActive
	}
}

// Task is one unit of agent work against an isolated checkout.
//
// The store package is the single writer for all fields. The process manager
// is granted writes to Phase, Status, PIDs, and Outputs, routed through the
// store's update path so persistence and broadcast stay consistent.
type Task struct {
	ID           string        `json:"id"`
	Prompt       string        `json:"prompt"`
	RepoPath     string        `json:"repoPath"`
	WorktreePath string        `json:"worktreePath"`
	BranchName   string        `json:"branchName"`
	ThinkMode    ThinkMode     `json:"thinkMode"`
	Phase        Phase         `json:"phase"`
	Status       Status        `json:"status"`
	PIDs         map[Phase]int `json:"pids"`
	Outputs      *OutputLog    `json:"outputs"`
	CommitHash   string        `json:"commitHash,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// New creates a task in the pending phase with a fresh id.
func New(prompt, repoPath string, mode ThinkMode, outputCap int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		RepoPath:  repoPath,
		ThinkMode: mode,
		Phase:     PhasePending,
		Status:    StatusActive,
		PIDs:      make(map[Phase]int),
		Outputs:   NewOutputLog(outputCap),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the task is in a terminal state. A merged task is
// terminal and immutable except for worktree cleanup.
func (t *Task) Terminal() bool {
	return t.Status == StatusMerged || t.Phase.Terminal()
}

// Clone returns a deep copy safe to hand to readers and the broadcast layer.
func (t *Task) Clone() *Task {
	cp := *t
	cp.PIDs = make(map[Phase]int, len(t.PIDs))
	for k, v := range t.PIDs {
		cp.PIDs[k] = v
	}
	if t.Outputs != nil {
		cp.Outputs = t.Outputs.Clone()
	}
	return &cp
}
