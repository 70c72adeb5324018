package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/michaellee1/ClaudeGod-sub002/internal/errors"
)

// stopGracePeriod is how long a signaled agent gets to exit before SIGKILL.
const stopGracePeriod = 5 * time.Second

// Agent is one running phase subprocess. It captures line-oriented output
// and reports the exit code when the process finishes.
type Agent struct {
	argv []string
	dir  string

	// onOutput receives each line of combined stdout/stderr.
	onOutput func(line string)
	// onExit receives the exit code once, after the process finishes.
	// Not called when the agent is stopped via Stop.
	onExit func(code int)

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// NewAgent prepares an agent process. argv must be non-empty; dir is the
// working directory (the task's worktree).
func NewAgent(argv []string, dir string, onOutput func(string), onExit func(int)) *Agent {
	return &Agent{
		argv:     argv,
		dir:      dir,
		onOutput: onOutput,
		onExit:   onExit,
	}
}

// Start launches the process and begins capturing output. The process is
// detached from ctx once started; it is stopped explicitly via Stop, not by
// context cancellation, because agent work must survive request lifetimes.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.NewProcessError("agent already running", nil)
	}
	if len(a.argv) == 0 {
		return errors.NewValidationError("empty agent command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(a.argv[0], a.argv[1:]...)
	cmd.Dir = a.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.NewProcessError("failed to open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.NewProcessError("failed to open agent stdout", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return errors.NewProcessError("failed to start agent", err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.running = true

	a.wg.Add(1)
	go a.capture(stdout)
	go a.wait()

	return nil
}

// capture forwards output lines until the pipe closes.
func (a *Agent) capture(r io.Reader) {
	defer a.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if a.onOutput != nil {
			a.onOutput(scanner.Text())
		}
	}
}

// wait reaps the process and reports its exit code.
func (a *Agent) wait() {
	err := a.cmd.Wait()
	a.wg.Wait() // output fully drained before the exit is reported

	code := 0
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	a.mu.Lock()
	a.running = false
	stopped := a.stopped
	a.mu.Unlock()

	if !stopped && a.onExit != nil {
		a.onExit(code)
	}
}

// PID returns the process id, or 0 if the agent never started.
func (a *Agent) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

// Running reports whether the process is still alive.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// SendInput writes text to the agent's stdin. A trailing newline is the
// caller's responsibility.
func (a *Agent) SendInput(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running || a.stdin == nil {
		return errors.ErrNoProcess
	}
	if _, err := a.stdin.Write([]byte(text)); err != nil {
		return errors.NewProcessError("failed to write to agent stdin", err).
			WithPID(a.cmd.Process.Pid)
	}
	return nil
}

// Stop terminates the process: SIGTERM first, SIGKILL after the grace
// period. The exit callback is suppressed so a deliberate stop is never
// classified as a phase outcome. No-op if the process already exited.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running || a.cmd == nil || a.cmd.Process == nil {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	proc := a.cmd.Process
	a.mu.Unlock()

	_ = proc.Signal(syscall.SIGTERM)

	deadline := time.After(stopGracePeriod)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = proc.Kill()
			return
		case <-tick.C:
			a.mu.Lock()
			running := a.running
			a.mu.Unlock()
			if !running {
				return
			}
		}
	}
}

// RunOnce executes an agent command synchronously and returns its combined
// output. prompt is delivered on stdin. Used for one-shot work such as the
// automatic conflict-resolution pass during a merge.
func RunOnce(ctx context.Context, argv []string, dir, prompt string) (string, error) {
	if len(argv) == 0 {
		return "", errors.NewValidationError("empty agent command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if prompt != "" {
		cmd.Stdin = strings.NewReader(prompt)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), errors.NewProcessError("agent run failed", err).
			WithExitCode(exitCode(err))
	}
	return string(output), nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
