package process

import (
	"syscall"

	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// PidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything. EPERM means the
// process exists but belongs to another user, which still counts as alive.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// Resolution is the outcome of re-deriving a task's state after an engine
// restart.
type Resolution struct {
	Phase  task.Phase
	Status task.Status
	// Live lists phases whose recorded process is still running and should
	// be re-attached and watched.
	Live []task.Phase
	// Restart is true when no phase was ever started and the first phase
	// should be launched fresh.
	Restart bool
}

// Resolve derives the post-restart state of a task from its last persisted
// snapshot. It is a pure function of (phase, pids, thinkMode) plus a pid
// liveness probe, and never infers intent from pid presence alone: the
// think mode decides whether a finished editor means done or a missing
// review handoff.
func Resolve(phase task.Phase, pids map[task.Phase]int, mode task.ThinkMode, alive func(int) bool) Resolution {
	if phase.Terminal() {
		return Resolution{Phase: phase, Status: task.StatusForPhase(phase)}
	}

	editorPID, editorStarted := pids[task.PhaseEditor]
	reviewerPID, reviewerStarted := pids[task.PhaseReviewer]
	plannerPID, plannerStarted := pids[task.PhasePlanner]

	// Nothing was ever started: relaunch phase one.
	if !editorStarted && !plannerStarted {
		return Resolution{Phase: task.PhasePending, Status: task.StatusActive, Restart: true}
	}

	if plannerStarted && !editorStarted {
		if alive(plannerPID) {
			return Resolution{
				Phase:  task.PhasePlanner,
				Status: task.StatusActive,
				Live:   []task.Phase{task.PhasePlanner},
			}
		}
		// Planner finished but the editor was never launched: the handoff
		// was lost with the old engine process.
		return Resolution{Phase: task.PhaseFailed, Status: task.StatusFailed}
	}

	if alive(editorPID) {
		// Still in flight regardless of think mode.
		return Resolution{
			Phase:  task.PhaseEditor,
			Status: task.StatusActive,
			Live:   []task.Phase{task.PhaseEditor},
		}
	}

	if reviewerStarted {
		if alive(reviewerPID) {
			return Resolution{
				Phase:  task.PhaseReviewer,
				Status: task.StatusActive,
				Live:   []task.Phase{task.PhaseReviewer},
			}
		}
		return Resolution{Phase: task.PhaseDone, Status: task.StatusFinished}
	}

	// Editor is gone and no reviewer was ever started.
	if mode.ReviewExpected() {
		// Review was intended but never began: failed, never done.
		return Resolution{Phase: task.PhaseFailed, Status: task.StatusFailed}
	}
	return Resolution{Phase: task.PhaseDone, Status: task.StatusFinished}
}
