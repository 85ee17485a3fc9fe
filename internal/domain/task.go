package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType distinguishes the two delivery modes.
type TaskType string

const (
	TaskTypeOnline   TaskType = "online"
	TaskTypeLongText TaskType = "long_text"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PreviewLength caps the text preview stored alongside a task so status
// queries never need the full text.
const PreviewLength = 200

// Text length ceilings per task type, counted in runes. Online requests are
// synthesized inside the HTTP request and must stay short; long-text tasks go
// through the backlog.
const (
	MaxOnlineTextLength = 300
	MaxLongTextLength   = 50000
)

// Task is the unit of requested speech synthesis.
type Task struct {
	ID          string   `json:"task_id"`
	Type        TaskType `json:"task_type"`
	Status      Status   `json:"status"`
	Voice       string   `json:"voice"`
	Text        string   `json:"-"`
	TextPreview string   `json:"text_preview"`
	Payload     []byte   `json:"payload,omitempty"`
	Metadata    []byte   `json:"metadata,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Priority    int      `json:"priority"`

	// Outputs, populated only when Status == StatusCompleted.
	AudioURL        string  `json:"audio_url,omitempty"`
	SRTURL          string  `json:"srt_url,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	ProcessingTime  float64 `json:"processing_time,omitempty"`
	FileSize        int64   `json:"file_size,omitempty"`

	// Populated only when Status == StatusFailed.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask builds a pending task with a fresh id and the submission timestamp.
// Validation against voice and length limits happens before this is called.
func NewTask(taskType TaskType, text, voice string, payload, metadata []byte, priority int, callbackURL string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Status:      StatusPending,
		Voice:       voice,
		Text:        text,
		TextPreview: Preview(text),
		Payload:     payload,
		Metadata:    metadata,
		CallbackURL: callbackURL,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Preview returns the leading PreviewLength runes of text.
func Preview(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= PreviewLength {
		return string(r)
	}
	return string(r[:PreviewLength])
}

// SynthesisOutputs carries everything a completed task must record.
type SynthesisOutputs struct {
	AudioURL        string
	SRTURL          string
	SampleRate      int
	DurationSeconds float64
	ProcessingTime  float64
	FileSize        int64
}

// Transition is a requested status change together with the fields that are
// only valid for its target state. Build one with Claim, Complete, Fail or
// Cancel rather than a struct literal.
type Transition struct {
	To      Status
	Outputs SynthesisOutputs // Complete only
	Message string           // Fail only
}

// Claim moves a pending task to processing. Exactly one concurrent claimant
// may win; the store enforces this with a conditional update.
func Claim() Transition { return Transition{To: StatusProcessing} }

// Complete records synthesis outputs and finishes the task. Both artifact
// URLs are mandatory; Apply rejects a Complete without them.
func Complete(out SynthesisOutputs) Transition {
	return Transition{To: StatusCompleted, Outputs: out}
}

// Fail finishes the task with an error message.
func Fail(message string) Transition {
	return Transition{To: StatusFailed, Message: message}
}

// Cancel withdraws a task that has not been claimed yet.
func Cancel() Transition { return Transition{To: StatusCancelled} }

// Apply validates the transition against the task's current status and, if
// legal, mutates the task in place with the matching timestamps. Any illegal
// combination returns *InvalidTransitionError and leaves the task untouched.
func (t *Task) Apply(tr Transition) error {
	now := time.Now().UTC()

	switch tr.To {
	case StatusProcessing:
		if t.Status != StatusPending {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To}
		}
		t.Status = StatusProcessing
		t.StartedAt = &now

	case StatusCompleted:
		if t.Status != StatusProcessing {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To}
		}
		if tr.Outputs.AudioURL == "" || tr.Outputs.SRTURL == "" {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To,
				Reason: "completed requires audio and subtitle artifacts"}
		}
		t.Status = StatusCompleted
		t.AudioURL = tr.Outputs.AudioURL
		t.SRTURL = tr.Outputs.SRTURL
		t.SampleRate = tr.Outputs.SampleRate
		t.DurationSeconds = tr.Outputs.DurationSeconds
		t.ProcessingTime = tr.Outputs.ProcessingTime
		t.FileSize = tr.Outputs.FileSize
		t.CompletedAt = &now

	case StatusFailed:
		if t.Status != StatusProcessing {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To}
		}
		if tr.Message == "" {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To,
				Reason: "failed requires an error message"}
		}
		t.Status = StatusFailed
		t.ErrorMessage = tr.Message
		t.CompletedAt = &now

	case StatusCancelled:
		if t.Status != StatusPending {
			return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To}
		}
		t.Status = StatusCancelled
		t.CompletedAt = &now

	default:
		return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: tr.To}
	}

	t.UpdatedAt = now
	return nil
}
