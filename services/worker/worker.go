// Package worker implements the long-text synthesis loop.
//
// A worker polls the backlog for the next eligible pending task, claims it
// with a conditional status update, runs synthesis, and drives the task to a
// terminal state. Multiple workers share the backlog safely: the claim either
// moves exactly one row from pending to processing or loses the race, and a
// lost race is answered by polling again immediately.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/duanfuxing/indexTTS/internal/domain"
	"github.com/duanfuxing/indexTTS/internal/engine"
	"github.com/duanfuxing/indexTTS/internal/postgres"
	rediscache "github.com/duanfuxing/indexTTS/internal/redis"
	"github.com/duanfuxing/indexTTS/internal/storage"
	"github.com/duanfuxing/indexTTS/internal/subtitle"
	"github.com/duanfuxing/indexTTS/pkg/telemetry"
)

// emptyPollThreshold is how many consecutive empty polls slow the loop down
// to the relaxed interval.
const emptyPollThreshold = 10

// Notifier delivers terminal notifications. Satisfied by callback.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, task *domain.Task) error
}

// Worker drains the long-text backlog.
type Worker struct {
	workerID  string
	repo      postgres.TaskRepository
	voices    postgres.VoiceRepository
	engine    engine.Synthesizer
	files     *storage.FileStore
	uploader  storage.Uploader
	subtitles *subtitle.Generator
	statuses  rediscache.StatusCache // nil = caching disabled
	notifier  Notifier               // nil = callbacks disabled

	pollInterval time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithPollInterval(d time.Duration) Option   { return func(w *Worker) { w.pollInterval = d } }
func WithLogger(l *slog.Logger) Option          { return func(w *Worker) { w.logger = l } }
func WithStatusCache(c rediscache.StatusCache) Option { return func(w *Worker) { w.statuses = c } }
func WithNotifier(n Notifier) Option            { return func(w *Worker) { w.notifier = n } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(
	workerID string,
	repo postgres.TaskRepository,
	voices postgres.VoiceRepository,
	eng engine.Synthesizer,
	files *storage.FileStore,
	uploader storage.Uploader,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:     workerID,
		repo:         repo,
		voices:       voices,
		engine:       eng,
		files:        files,
		uploader:     uploader,
		subtitles:    subtitle.NewGenerator(),
		pollInterval: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls and processes tasks until ctx is cancelled. An idle backlog
// relaxes the poll cadence after emptyPollThreshold consecutive empty polls;
// any claimed task restores the base interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
	)

	consecutiveEmpty := 0
	for {
		claimed, err := w.pollOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			w.logger.Error("poll failed", slog.String("error", err.Error()))
		}

		if claimed {
			consecutiveEmpty = 0
			// Something was just processed; look for the next task right away.
			continue
		}
		consecutiveEmpty++

		interval := w.pollInterval
		if consecutiveEmpty >= emptyPollThreshold {
			interval = 2 * w.pollInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Wait blocks until the in-flight task finishes. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// pollOnce claims and processes at most one task. It reports whether a claim
// succeeded; a claim lost to another worker counts as a successful poll so
// the caller retries without delay.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	task, err := w.repo.NextEligible(ctx)
	if err != nil {
		return false, fmt.Errorf("next eligible: %w", err)
	}
	if task == nil {
		return false, nil
	}

	if err := w.repo.ApplyTransition(ctx, task.ID, domain.Claim()); err != nil {
		var conflict *domain.InvalidTransitionError
		if errors.As(err, &conflict) {
			telemetry.WorkerClaimConflicts.Inc()
			w.logger.Debug("lost claim race", slog.String("task_id", task.ID))
			return true, nil
		}
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			// Purged between poll and claim.
			return true, nil
		}
		return false, fmt.Errorf("claim %s: %w", task.ID, err)
	}
	if err := task.Apply(domain.Claim()); err != nil {
		return false, fmt.Errorf("claim %s: %w", task.ID, err)
	}

	w.wg.Add(1)
	defer w.wg.Done()
	w.process(ctx, task)
	return true, nil
}

// process runs one claimed task to a terminal state. It never returns an
// error: every failure path records a failed transition instead.
func (w *Worker) process(ctx context.Context, task *domain.Task) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.voice", task.Voice),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("worker_id", w.workerID),
	)
	log.Info("task claimed", slog.String("voice", task.Voice))

	telemetry.WorkerTasksInFlight.Inc()
	defer telemetry.WorkerTasksInFlight.Dec()

	start := time.Now()
	outputs, err := w.synthesize(ctx, task)
	elapsed := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		log.Error("task failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		w.finish(ctx, task, domain.Fail(err.Error()), "failed")
		return
	}

	outputs.ProcessingTime = elapsed.Seconds()
	log.Info("task completed",
		slog.Float64("audio_seconds", outputs.DurationSeconds),
		slog.Duration("elapsed", elapsed),
	)
	w.finish(ctx, task, domain.Complete(*outputs), "completed")
}

// synthesize produces the audio and subtitle artifacts for a claimed task.
func (w *Worker) synthesize(ctx context.Context, task *domain.Task) (*domain.SynthesisOutputs, error) {
	voice, err := w.voices.GetByName(ctx, task.Voice)
	if err != nil {
		return nil, fmt.Errorf("resolve voice: %w", err)
	}
	params, err := voice.ResolveParams(task.Payload)
	if err != nil {
		return nil, fmt.Errorf("merge voice params: %w", err)
	}

	res, err := w.engine.Synthesize(ctx, engine.Request{
		TaskID: task.ID,
		Text:   task.Text,
		Voice:  task.Voice,
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	srt := w.subtitles.Generate(task.Text, res.DurationSeconds)
	if _, err := w.files.SaveSubtitle(task.ID, srt); err != nil {
		return nil, fmt.Errorf("store subtitle: %w", err)
	}

	return &domain.SynthesisOutputs{
		AudioURL:        w.uploader.AudioURL(task.ID),
		SRTURL:          w.uploader.SubtitleURL(task.ID),
		SampleRate:      res.SampleRate,
		DurationSeconds: res.DurationSeconds,
		FileSize:        res.FileSize,
	}, nil
}

// finish applies the terminal transition, refreshes the status cache, and
// fires the callback. Cache and callback failures are logged, never fatal;
// the task row already holds the truth.
func (w *Worker) finish(ctx context.Context, task *domain.Task, tr domain.Transition, outcome string) {
	if err := w.repo.ApplyTransition(ctx, task.ID, tr); err != nil {
		// The watchdog may have reclaimed the task mid-flight. Leave the row
		// alone; the reclaimed copy will be processed again.
		w.logger.Error("terminal transition rejected",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := task.Apply(tr); err != nil {
		w.logger.Error("local transition mismatch",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	telemetry.WorkerTasksProcessed.WithLabelValues(outcome).Inc()

	if w.statuses != nil {
		if err := w.statuses.SetView(ctx, domain.NewStatusView(task, nil)); err != nil {
			w.logger.Warn("status cache update failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, task); err != nil {
			w.logger.Warn("callback failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
