package domain

import "fmt"

// ValidationError rejects a submission before any row is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// VoiceNotFoundError is returned when a voice name is unknown or disabled.
type VoiceNotFoundError struct {
	Voice string
}

func (e *VoiceNotFoundError) Error() string {
	return fmt.Sprintf("voice not found or disabled: %q", e.Voice)
}

// InvalidTransitionError is returned when a status change breaks the task
// state machine. The store never mutates anything when it raises this.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("task %s: illegal transition %s → %s: %s", e.TaskID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("task %s: illegal transition %s → %s", e.TaskID, e.From, e.To)
}

// EngineError wraps a synthesis engine failure. The message is preserved on
// the failed task verbatim.
type EngineError struct {
	Voice string
	Err   error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("synthesis failed for voice %q: %v", e.Voice, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }
