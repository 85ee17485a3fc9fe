// Package callback delivers terminal task notifications to client endpoints.
//
// Delivery is strictly best effort: a callback that cannot be delivered after
// the retry budget is logged and dropped, and never changes task state. The
// task row remains the source of truth either way.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/duanfuxing/indexTTS/internal/domain"
	"github.com/duanfuxing/indexTTS/pkg/retry"
	"github.com/duanfuxing/indexTTS/pkg/telemetry"
)

// Payload is the JSON body posted to the client's callback URL.
type Payload struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	AudioURL        string  `json:"audio_url,omitempty"`
	SRTURL          string  `json:"srt_url,omitempty"`
	ProcessingTime  float64 `json:"processing_time,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	FileSize        int64   `json:"file_size,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// PayloadFor builds the notification body for a task in a terminal state.
func PayloadFor(t *domain.Task) Payload {
	p := Payload{
		TaskID: t.ID,
		Status: string(t.Status),
	}
	switch t.Status {
	case domain.StatusCompleted:
		p.AudioURL = t.AudioURL
		p.SRTURL = t.SRTURL
		p.ProcessingTime = t.ProcessingTime
		p.DurationSeconds = t.DurationSeconds
		p.FileSize = t.FileSize
	case domain.StatusFailed:
		p.Error = t.ErrorMessage
	}
	return p
}

// Dispatcher POSTs terminal notifications with bounded retries.
type Dispatcher struct {
	client *http.Client
	retry  retry.Config
	logger *slog.Logger
}

// NewDispatcher builds a Dispatcher. maxAttempts of zero falls back to a
// single attempt.
func NewDispatcher(timeout time.Duration, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		retry: retry.Config{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			OnRetry: func(attempt int, err error) {
				telemetry.CallbackRetries.Inc()
				logger.Warn("callback retry",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)
			},
		},
		logger: logger,
	}
}

// Notify delivers the terminal notification for task to its callback URL.
// Tasks without a callback URL are skipped. The returned error reports
// exhausted retries; callers treat it as advisory and never roll back state.
func (d *Dispatcher) Notify(ctx context.Context, task *domain.Task) error {
	if task.CallbackURL == "" {
		return nil
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("callback for non-terminal task %s in status %s", task.ID, task.Status)
	}

	ctx, span := otel.Tracer("callback").Start(ctx, "callback.notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.status", string(task.Status)),
	)

	body, err := json.Marshal(PayloadFor(task))
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	err = retry.Do(ctx, d.retry, func() error {
		return d.post(ctx, task.CallbackURL, body)
	})
	if err != nil {
		telemetry.CallbackDeliveries.WithLabelValues("failed").Inc()
		span.RecordError(err)
		d.logger.Error("callback delivery abandoned",
			slog.String("task_id", task.ID),
			slog.String("url", task.CallbackURL),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("deliver callback for %s: %w", task.ID, err)
	}

	telemetry.CallbackDeliveries.WithLabelValues("delivered").Inc()
	d.logger.Info("callback delivered",
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)),
	)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
