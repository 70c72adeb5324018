package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
	"github.com/michaellee1/ClaudeGod-sub002/internal/task"
)

// reviewerPrompt is the instruction handed to the reviewer phase agent.
const reviewerPrompt = "Review the changes made on this branch against the original task. " +
	"Fix any defects you find and exit zero when the branch is ready to merge."

// defaultPollInterval is how often reconnected (non-child) pids are probed.
const defaultPollInterval = 2 * time.Second

// Updater is the store's mutation gateway. The manager routes every task
// mutation through it so persistence and broadcast stay consistent.
type Updater interface {
	// Update applies fn to the task under the store's per-task lock, then
	// persists the record and emits an update event.
	Update(taskID string, fn func(*task.Task) error) error
}

// Config describes the task a Manager supervises.
type Config struct {
	TaskID       string
	WorktreePath string
	Prompt       string
	ThinkMode    task.ThinkMode

	// AgentCommand is the argv prefix for phase agents. Phase flags and the
	// phase prompt are appended to it.
	AgentCommand []string
	// PreviewCommand is the argv for the optional live-preview process.
	PreviewCommand []string

	// PollInterval overrides the liveness probe interval for reconnected
	// processes. Zero selects the default.
	PollInterval time.Duration
}

// Manager supervises the phase processes for one task.
type Manager struct {
	cfg     Config
	updater Updater
	bus     *event.Bus
	logger  *logging.Logger

	mu       sync.Mutex
	agents   map[task.Phase]*Agent
	watched  map[task.Phase]int
	preview  *Agent
	detached bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a Manager. A nil logger is replaced with a no-op.
func NewManager(cfg Config, updater Updater, bus *event.Bus, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Manager{
		cfg:     cfg,
		updater: updater,
		bus:     bus,
		logger:  logger.WithTask(cfg.TaskID),
		agents:  make(map[task.Phase]*Agent),
		watched: make(map[task.Phase]int),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the task's first phase: planner when the think mode plans
// first, editor otherwise.
func (m *Manager) Start(ctx context.Context) error {
	first := task.PhaseEditor
	prompt := m.cfg.Prompt
	if m.cfg.ThinkMode.PlansFirst() {
		first = task.PhasePlanner
		prompt = "Produce an implementation plan for the following task, then exit.\n\n" + m.cfg.Prompt
	}
	return m.startPhase(ctx, first, prompt)
}

// startPhase launches one phase agent. The phase transition is recorded
// before the process starts so a fast-exiting agent can never observe a
// stale phase; the pid is recorded right after launch without touching the
// phase again.
func (m *Manager) startPhase(ctx context.Context, phase task.Phase, prompt string) error {
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		if !task.CanTransition(t.Phase, phase) && t.Phase != phase {
			return errors.NewInvalidStateError("illegal phase transition").
				WithTaskID(t.ID).
				WithState(string(t.Phase))
		}
		t.Phase = phase
		t.Status = task.StatusForPhase(phase)
		return nil
	})
	if err != nil {
		// A refused transition means the task is no longer where the
		// handoff expected it. Anything else leaves the task stranded in
		// the old phase with no process, which is a failure.
		var stateErr *errors.InvalidStateError
		if !errors.As(err, &stateErr) {
			m.failTask(phase, fmt.Sprintf("could not enter %s phase: %v", phase, err))
		}
		return err
	}

	agent := NewAgent(
		m.phaseArgs(phase, prompt),
		m.cfg.WorktreePath,
		func(line string) { m.appendOutput(phase, line) },
		func(code int) { m.onPhaseExit(phase, code) },
	)

	if err := agent.Start(ctx); err != nil {
		m.logger.Error("failed to start phase agent", "phase", phase, "error", err)
		m.failTask(phase, fmt.Sprintf("failed to start %s agent: %v", phase, err))
		return errors.NewProcessError("failed to start phase agent", err).
			WithTaskID(m.cfg.TaskID).
			WithPhase(string(phase))
	}

	pid := agent.PID()
	m.mu.Lock()
	m.agents[phase] = agent
	m.mu.Unlock()

	m.logger.Info("phase started", "phase", phase, "pid", pid)

	return m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		t.PIDs[phase] = pid
		t.Outputs.Append(task.OutputRecord{
			Phase:     phase,
			Content:   fmt.Sprintf("%s phase started (pid %d)", phase, pid),
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

// phaseArgs builds the argv for a phase agent: the configured command, the
// think-mode reasoning flags, and the prompt as the final argument.
func (m *Manager) phaseArgs(phase task.Phase, prompt string) []string {
	args := append([]string{}, m.cfg.AgentCommand...)
	switch m.cfg.ThinkMode {
	case task.ThinkLevel1:
		args = append(args, "--think")
	case task.ThinkLevel2:
		args = append(args, "--think-hard")
	}
	if phase == task.PhasePlanner {
		args = append(args, "--plan")
	}
	return append(args, prompt)
}

// onPhaseExit advances the phase machine when a supervised agent exits.
func (m *Manager) onPhaseExit(phase task.Phase, code int) {
	m.mu.Lock()
	delete(m.agents, phase)
	detached := m.detached
	m.mu.Unlock()
	if detached {
		return
	}

	m.logger.Info("phase exited", "phase", phase, "exit_code", code)
	m.appendOutput(phase, fmt.Sprintf("%s phase exited with code %d", phase, code))

	if code != 0 {
		m.completePhase(phase, task.PhaseFailed, code)
		m.failTask(phase, fmt.Sprintf("%s agent exited with code %d", phase, code))
		return
	}

	switch phase {
	case task.PhasePlanner:
		m.completePhase(phase, task.PhaseEditor, code)
		if err := m.startPhase(context.Background(), task.PhaseEditor, m.cfg.Prompt); err != nil {
			m.logger.Error("editor handoff failed", "error", err)
		}
	case task.PhaseEditor:
		if m.cfg.ThinkMode.ReviewExpected() {
			m.completePhase(phase, task.PhaseReviewer, code)
			if err := m.startPhase(context.Background(), task.PhaseReviewer, reviewerPrompt); err != nil {
				m.logger.Error("reviewer handoff failed", "error", err)
			}
			return
		}
		m.completePhase(phase, task.PhaseDone, code)
		m.finishTask()
	case task.PhaseReviewer:
		m.completePhase(phase, task.PhaseDone, code)
		m.finishTask()
	}
}

// completePhase publishes the phase-complete event.
func (m *Manager) completePhase(phase, next task.Phase, code int) {
	if m.bus != nil {
		m.bus.Publish(event.NewPhaseCompleteEvent(m.cfg.TaskID, phase, next, code))
	}
}

// finishTask marks the task done.
func (m *Manager) finishTask() {
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		t.Phase = task.PhaseDone
		t.Status = task.StatusFinished
		return nil
	})
	if err != nil {
		m.logger.Error("failed to record task completion", "error", err)
	}
}

// failTask marks the task failed with a reason in its output log.
func (m *Manager) failTask(phase task.Phase, reason string) {
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		t.Phase = task.PhaseFailed
		t.Status = task.StatusFailed
		t.Outputs.Append(task.OutputRecord{
			Phase:     phase,
			Content:   reason,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		m.logger.Error("failed to record task failure", "error", err)
	}
}

// appendOutput records one output line on the task and lets the store
// broadcast it.
func (m *Manager) appendOutput(phase task.Phase, line string) {
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		t.Outputs.Append(task.OutputRecord{
			Phase:     phase,
			Content:   line,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to append output", "phase", phase, "error", err)
	}
}

// SendPrompt delivers ad-hoc text to the task's live phase agent.
// Fails with ErrNoProcess when no supervised agent is running.
func (m *Manager) SendPrompt(text string) error {
	m.mu.Lock()
	var agent *Agent
	for _, phase := range []task.Phase{task.PhaseEditor, task.PhaseReviewer, task.PhasePlanner} {
		if a, ok := m.agents[phase]; ok && a.Running() {
			agent = a
			break
		}
	}
	m.mu.Unlock()

	if agent == nil {
		return errors.NewInvalidStateError("no live process to address").
			WithTaskID(m.cfg.TaskID)
	}
	return agent.SendInput(text + "\n")
}

// HasLiveProcess reports whether any phase agent or watched pid is alive.
func (m *Manager) HasLiveProcess() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Running() {
			return true
		}
	}
	for _, pid := range m.watched {
		if PidAlive(pid) {
			return true
		}
	}
	return false
}

// Stop terminates all supervised processes, the preview included, and halts
// liveness watchers. Best-effort and idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents)+1)
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	if m.preview != nil {
		agents = append(agents, m.preview)
		m.preview = nil
	}
	m.agents = make(map[task.Phase]*Agent)
	m.watched = make(map[task.Phase]int)
	m.detached = true
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()

	for _, a := range agents {
		a.Stop()
	}
	m.wg.Wait()
}

// Detach abandons the manager's bookkeeping without terminating any
// external process. Running agent sessions survive; the engine simply
// stops supervising them.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.detached = true
	m.agents = make(map[task.Phase]*Agent)
	m.watched = make(map[task.Phase]int)
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Reconnect re-attaches the manager to processes recorded in a persisted
// snapshot. The snapshot's phase, pids, and think mode decide the outcome;
// live pids are watched for exit by polling since they are not children of
// this engine process.
func (m *Manager) Reconnect(t *task.Task) Resolution {
	res := Resolve(t.Phase, t.PIDs, t.ThinkMode, PidAlive)

	m.mu.Lock()
	for _, phase := range res.Live {
		pid := t.PIDs[phase]
		m.watched[phase] = pid
		m.wg.Add(1)
		go m.watchPID(phase, pid)
	}
	m.mu.Unlock()

	m.logger.Info("reconnected to task",
		"phase", res.Phase, "status", res.Status, "live_phases", len(res.Live))
	return res
}

// watchPID polls a reconnected pid and re-resolves the task when it dies.
// The exit code of a non-child process is unknowable, so the resolution
// rules decide the outcome exactly as they would at startup.
func (m *Manager) watchPID(phase task.Phase, pid int) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if PidAlive(pid) {
				continue
			}

			m.mu.Lock()
			delete(m.watched, phase)
			detached := m.detached
			m.mu.Unlock()
			if detached {
				return
			}

			m.logger.Info("reconnected process exited", "phase", phase, "pid", pid)
			m.resolveAfterWatchedExit()
			return
		}
	}
}

// resolveAfterWatchedExit re-derives the task state once a watched pid is
// gone and applies the result through the store.
func (m *Manager) resolveAfterWatchedExit() {
	err := m.updater.Update(m.cfg.TaskID, func(t *task.Task) error {
		res := Resolve(t.Phase, t.PIDs, t.ThinkMode, PidAlive)
		if res.Phase == t.Phase {
			return nil
		}
		m.completePhase(t.Phase, res.Phase, 0)
		t.Phase = res.Phase
		t.Status = res.Status
		t.Outputs.Append(task.OutputRecord{
			Phase:     res.Phase,
			Content:   fmt.Sprintf("resolved to %s after reconnected process exit", res.Phase),
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		m.logger.Error("failed to resolve after watched exit", "error", err)
	}
}
