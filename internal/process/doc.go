// Package process supervises the external agent subprocesses that execute a
// task's phases.
//
// Each task gets one [Manager]. The manager starts an agent process per
// phase, observes its exit, and advances the phase machine: planner hands
// off to editor, editor hands off to reviewer unless the task's think mode
// skips review, and the reviewer's exit decides done or failed. An editor
// that finishes while review was expected but never started is classified
// as failed, never done.
//
// # Restart Reconnection
//
// When the engine restarts, phase processes it started earlier may still be
// running. [Manager.Reconnect] re-attaches to them by recorded pid instead
// of restarting them. The resulting phase is derived by [Resolve], a pure
// function of (phase, pids, thinkMode, liveness); it never infers intent
// from pid presence alone. Reconnected processes are not children of the
// engine, so their liveness is polled and their exit codes are unknown.
//
// # Mutation Routing
//
// The manager never writes task records directly. All mutations go through
// the [Updater] it was constructed with, so that persistence and broadcast
// stay consistent with the rest of the engine.
package process
