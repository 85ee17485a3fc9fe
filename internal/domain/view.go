package domain

import "time"

// StatusView is the externally visible task projection. The status query
// endpoint and the callback dispatcher both emit exactly this shape, so a
// submitter can treat polling and callbacks interchangeably.
type StatusView struct {
	TaskID        string     `json:"task_id"`
	TaskType      TaskType   `json:"task_type"`
	Status        Status     `json:"status"`
	Voice         string     `json:"voice"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TextPreview   string     `json:"text_preview"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	AudioURL      string     `json:"audio_url,omitempty"`
	SRTURL        string     `json:"srt_url,omitempty"`
	QueuePosition *int       `json:"queue_position,omitempty"`
}

// NewStatusView projects a task. queuePosition is attached only for pending
// tasks; output and error fields follow the status they belong to, so a
// half-written row can never leak a stale artifact URL.
func NewStatusView(t *Task, queuePosition *int) StatusView {
	v := StatusView{
		TaskID:      t.ID,
		TaskType:    t.Type,
		Status:      t.Status,
		Voice:       t.Voice,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		TextPreview: t.TextPreview,
	}
	switch t.Status {
	case StatusPending:
		v.QueuePosition = queuePosition
	case StatusCompleted:
		v.AudioURL = t.AudioURL
		v.SRTURL = t.SRTURL
	case StatusFailed:
		v.ErrorMessage = t.ErrorMessage
	}
	return v
}
