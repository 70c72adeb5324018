// Package errors provides centralized error definitions and error handling
// utilities for the orchestration engine. It defines domain-specific errors,
// error constructors with context wrapping, and classification helpers used
// by the API layer to map failures to user-visible responses.
//
// # Error Types
//
// Domain-specific errors represent failures from specific subsystems:
//   - ProvisioningError: worktree/branch creation failures
//   - MergeConflictError: merge failures that carry conflict detail
//   - LockContentionError: merge lock held by another task
//   - ProcessError: agent phase process failures
//
// Semantic errors represent common conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input
//   - InvalidStateError: operation not supported in the task's current state
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewProvisioningError("worktree creation failed", baseErr).WithBranch("task-x")
//	err := errors.NewNotFoundError("task", "abc123")
//
// Checking errors:
//
//	var conflict *errors.MergeConflictError
//	if errors.As(err, &conflict) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrTaskTerminal indicates that a task is in a terminal state and immutable.
	ErrTaskTerminal = New("task is in a terminal state")
	// ErrNoWorktree indicates that a task has no provisioned worktree.
	ErrNoWorktree = New("task has no worktree")
	// ErrNoProcess indicates that a task has no live process to address.
	ErrNoProcess = New("task has no live process")
)

// Process-related sentinel errors
var (
	// ErrProcessExited indicates that a phase process exited non-zero.
	ErrProcessExited = New("phase process exited with failure")
	// ErrMissingHandoff indicates that an editor finished without starting
	// the expected reviewer phase.
	ErrMissingHandoff = New("editor exited without handing off to review")
	// ErrProcessNotFound indicates that a recorded pid no longer maps to a
	// running process.
	ErrProcessNotFound = New("process not found")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrNothingToCommit indicates that the worktree has no changes to commit.
	ErrNothingToCommit = New("nothing to commit")
)

// Lock-related sentinel errors
var (
	// ErrLockHeld indicates that the merge lock is held by another task.
	ErrLockHeld = New("merge lock held by another task")
	// ErrLockNotHeld indicates a release attempt by a non-owner.
	ErrLockNotHeld = New("merge lock not held")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrInvalidState indicates an operation attempted in an unsupported state.
	ErrInvalidState = New("invalid state for operation")
	// ErrPersistRollback indicates that a failed snapshot write could not be
	// rolled back to the previous durable state.
	ErrPersistRollback = New("snapshot rollback failed")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// EngineError is the base interface for all orchestration engine errors.
// It extends the standard error interface with classification methods.
type EngineError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func (e *baseError) IsUserFacing() bool { return e.userFacing }

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ProvisioningError represents a failure to provision a task's isolated
// checkout. No partial task record survives a provisioning failure.
//
// Example:
//
//	err := errors.NewProvisioningError("worktree creation failed", baseErr)
//	err = err.WithBranch("task-abc").WithRepository("/repo")
type ProvisioningError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string
}

// NewProvisioningError creates a new ProvisioningError.
func NewProvisioningError(message string, cause error) *ProvisioningError {
	return &ProvisioningError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *ProvisioningError) WithBranch(branch string) *ProvisioningError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *ProvisioningError) WithWorktree(path string) *ProvisioningError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *ProvisioningError) WithRepository(path string) *ProvisioningError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *ProvisioningError) WithGitOutput(output string) *ProvisioningError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *ProvisioningError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "provisioning error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("provisioning error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *ProvisioningError) Is(target error) bool {
	if _, ok := target.(*ProvisioningError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// MergeConflictError represents a merge that failed with conflicts after the
// automatic resolution pass. It carries the branch name and failure detail so
// callers can surface conflict-specific UI distinct from generic failure.
type MergeConflictError struct {
	baseError
	Branch        string
	Detail        string
	ConflictFiles []string
}

// NewMergeConflictError creates a new MergeConflictError.
func NewMergeConflictError(branch, detail string) *MergeConflictError {
	return &MergeConflictError{
		baseError: baseError{
			message:    "merge conflict",
			cause:      ErrMergeConflict,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		Branch: branch,
		Detail: detail,
	}
}

// WithConflictFiles records the files that conflicted.
func (e *MergeConflictError) WithConflictFiles(files []string) *MergeConflictError {
	e.ConflictFiles = files
	return e
}

// Error returns the formatted error message.
func (e *MergeConflictError) Error() string {
	msg := fmt.Sprintf("merge conflict on branch %s", e.Branch)
	if len(e.ConflictFiles) > 0 {
		msg = fmt.Sprintf("%s (files: %s)", msg, strings.Join(e.ConflictFiles, ", "))
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *MergeConflictError) Is(target error) bool {
	if _, ok := target.(*MergeConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LockContentionError indicates that the merge lock is held by another task.
// It is an expected, retryable condition, not a server error: it carries the
// current owner and queue depth so callers can render a retry hint.
type LockContentionError struct {
	baseError
	Owner      string
	QueueDepth int
}

// NewLockContentionError creates a new LockContentionError.
func NewLockContentionError(owner string, queueDepth int) *LockContentionError {
	return &LockContentionError{
		baseError: baseError{
			message:    "merge lock contended",
			cause:      ErrLockHeld,
			severity:   SeverityInfo,
			retryable:  true,
			userFacing: true,
		},
		Owner:      owner,
		QueueDepth: queueDepth,
	}
}

// Error returns the formatted error message.
func (e *LockContentionError) Error() string {
	return fmt.Sprintf("merge lock held by task %s (%d waiting)", e.Owner, e.QueueDepth)
}

// Is checks if this error matches the target.
func (e *LockContentionError) Is(target error) bool {
	if _, ok := target.(*LockContentionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProcessError represents a phase process failure: a non-zero exit, or a
// clean exit that skipped an expected handoff.
type ProcessError struct {
	baseError
	TaskID   string
	Phase    string
	PID      int
	ExitCode int
}

// NewProcessError creates a new ProcessError.
func NewProcessError(message string, cause error) *ProcessError {
	return &ProcessError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		ExitCode: -1,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *ProcessError) WithTaskID(id string) *ProcessError {
	e.TaskID = id
	return e
}

// WithPhase adds a phase name to the error context.
func (e *ProcessError) WithPhase(phase string) *ProcessError {
	e.Phase = phase
	return e
}

// WithPID adds the process identifier to the error context.
func (e *ProcessError) WithPID(pid int) *ProcessError {
	e.PID = pid
	return e
}

// WithExitCode adds the process exit code to the error context.
func (e *ProcessError) WithExitCode(code int) *ProcessError {
	e.ExitCode = code
	return e
}

// Error returns the formatted error message.
func (e *ProcessError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}

	prefix := "process error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("process error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProcessError) Is(target error) bool {
	if _, ok := target.(*ProcessError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			cause:      ErrTaskNotFound,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input.
//
// Example:
//
//	err := errors.NewValidationError("prompt cannot be empty").WithField("prompt")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// InvalidStateError represents an operation attempted against a task whose
// current phase or status does not support it.
//
// Example:
//
//	err := errors.NewInvalidStateError("commit requires a worktree").WithTaskID("abc")
type InvalidStateError struct {
	baseError
	TaskID string
	State  string
}

// NewInvalidStateError creates a new InvalidStateError.
func NewInvalidStateError(message string) *InvalidStateError {
	return &InvalidStateError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidState,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *InvalidStateError) WithTaskID(id string) *InvalidStateError {
	e.TaskID = id
	return e
}

// WithState records the task's current state.
func (e *InvalidStateError) WithState(state string) *InvalidStateError {
	e.State = state
	return e
}

// Error returns the formatted error message.
func (e *InvalidStateError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}

	prefix := "invalid state"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("invalid state [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *InvalidStateError) Is(target error) bool {
	if _, ok := target.(*InvalidStateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry, such as merge lock contention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end
// users rather than being replaced with a generic internal error message.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsUserFacing()
	}

	var notFound *NotFoundError
	var validation *ValidationError
	var invalidState *InvalidStateError
	if As(err, &notFound) || As(err, &validation) || As(err, &invalidState) {
		return true
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement EngineError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.Severity()
	}
	return SeverityError
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *NotFoundError
	return As(err, &notFound) || Is(err, ErrTaskNotFound)
}

// IsContention returns true if the error indicates merge lock contention.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	var contention *LockContentionError
	return As(err, &contention) || Is(err, ErrLockHeld)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
