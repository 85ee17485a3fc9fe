package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duanfuxing/indexTTS/internal/domain"
)

// TaskRepository abstracts all database access for tasks. The tts_tasks
// table is the single source of truth; the queue is a query over it, never a
// separate structure.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)

	// ApplyTransition is the only mutation entry point. Each transition is a
	// single conditional UPDATE guarded by the current status, so concurrent
	// claimants race safely: exactly one wins, the rest get
	// *domain.InvalidTransitionError.
	ApplyTransition(ctx context.Context, id string, tr domain.Transition) error

	// NextEligible returns the highest-ordered pending long_text task under
	// (priority DESC, created_at ASC), or nil when the backlog is empty.
	NextEligible(ctx context.Context) (*domain.Task, error)

	// QueuePosition returns the task's 1-based rank among pending long_text
	// tasks. Recomputed from current state on every call.
	QueuePosition(ctx context.Context, task *domain.Task) (int, error)

	// ReclaimStale pushes processing tasks whose claim is older than cutoff
	// back to pending, clearing started_at. Returns the ids it reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteTerminalBefore removes terminal tasks created before cutoff and
	// returns the removed ids so callers can clean up their artifacts.
	// Retention only; the queue core itself never calls this.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
}

// VoiceRepository reads the voice registry. Writes happen through an
// administrative channel outside this service.
type VoiceRepository interface {
	GetByName(ctx context.Context, name string) (*domain.Voice, error)
	List(ctx context.Context, enabledOnly bool) ([]*domain.Voice, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `task_id, task_type, status, voice, text_content, text_preview,
	payload, metadata, callback_url, priority,
	audio_url, srt_url, sample_rate, duration_seconds, processing_seconds, file_size,
	error_message, created_at, updated_at, started_at, completed_at`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tts_tasks
			(task_id, task_type, status, voice, text_content, text_preview,
			 payload, metadata, callback_url, priority, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, string(task.Type), string(task.Status), task.Voice,
		task.Text, task.TextPreview,
		task.Payload, task.Metadata, nullableString(task.CallbackURL),
		task.Priority, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tts_tasks
		WHERE task_id = $1
	`, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ApplyTransition(ctx context.Context, id string, tr domain.Transition) error {
	now := time.Now().UTC()

	var tag pgconn.CommandTag
	var err error

	switch tr.To {
	case domain.StatusProcessing:
		tag, err = r.pool.Exec(ctx, `
			UPDATE tts_tasks
			SET status = 'processing', started_at = $2, updated_at = $2
			WHERE task_id = $1 AND status = 'pending'
		`, id, now)

	case domain.StatusCompleted:
		if tr.Outputs.AudioURL == "" || tr.Outputs.SRTURL == "" {
			return &domain.InvalidTransitionError{TaskID: id, To: tr.To,
				Reason: "completed requires audio and subtitle artifacts"}
		}
		tag, err = r.pool.Exec(ctx, `
			UPDATE tts_tasks
			SET status = 'completed',
			    audio_url = $2, srt_url = $3,
			    sample_rate = $4, duration_seconds = $5,
			    processing_seconds = $6, file_size = $7,
			    completed_at = $8, updated_at = $8
			WHERE task_id = $1 AND status = 'processing'
		`, id, tr.Outputs.AudioURL, tr.Outputs.SRTURL,
			tr.Outputs.SampleRate, tr.Outputs.DurationSeconds,
			tr.Outputs.ProcessingTime, tr.Outputs.FileSize, now)

	case domain.StatusFailed:
		if tr.Message == "" {
			return &domain.InvalidTransitionError{TaskID: id, To: tr.To,
				Reason: "failed requires an error message"}
		}
		tag, err = r.pool.Exec(ctx, `
			UPDATE tts_tasks
			SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
			WHERE task_id = $1 AND status = 'processing'
		`, id, tr.Message, now)

	case domain.StatusCancelled:
		tag, err = r.pool.Exec(ctx, `
			UPDATE tts_tasks
			SET status = 'cancelled', completed_at = $2, updated_at = $2
			WHERE task_id = $1 AND status = 'pending'
		`, id, now)

	default:
		return &domain.InvalidTransitionError{TaskID: id, To: tr.To}
	}

	if err != nil {
		return fmt.Errorf("transition task %s to %s: %w", id, tr.To, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the task does not exist or its status failed the
	// guard. Read it back to report which.
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return getErr
	}
	return &domain.InvalidTransitionError{TaskID: id, From: current.Status, To: tr.To}
}

func (r *repository) NextEligible(ctx context.Context) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tts_tasks
		WHERE status = 'pending' AND task_type = 'long_text'
		ORDER BY priority DESC, created_at ASC, task_id ASC
		LIMIT 1
	`)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next eligible: %w", err)
	}
	return task, nil
}

func (r *repository) QueuePosition(ctx context.Context, task *domain.Task) (int, error) {
	var ahead int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tts_tasks
		WHERE status = 'pending' AND task_type = 'long_text'
		  AND (priority > $1
		       OR (priority = $1 AND created_at < $2)
		       OR (priority = $1 AND created_at = $2 AND task_id < $3))
	`, task.Priority, task.CreatedAt, task.ID).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue position for %s: %w", task.ID, err)
	}
	return ahead + 1, nil
}

func (r *repository) ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE tts_tasks
		SET status = 'pending', started_at = NULL, updated_at = $2
		WHERE status = 'processing' AND started_at < $1
		RETURNING task_id
	`, cutoff, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM tts_tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
		RETURNING task_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete terminal tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tts_tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task          domain.Task
		taskType      string
		statusStr     string
		callbackURL   *string
		audioURL      *string
		srtURL        *string
		sampleRate    *int
		duration      *float64
		processing    *float64
		fileSize      *int64
		errorMessage  *string
	)
	err := row.Scan(
		&task.ID, &taskType, &statusStr, &task.Voice, &task.Text, &task.TextPreview,
		&task.Payload, &task.Metadata, &callbackURL, &task.Priority,
		&audioURL, &srtURL, &sampleRate, &duration, &processing, &fileSize,
		&errorMessage, &task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Type = domain.TaskType(taskType)
	task.Status = domain.Status(statusStr)
	task.CallbackURL = deref(callbackURL)
	task.AudioURL = deref(audioURL)
	task.SRTURL = deref(srtURL)
	if sampleRate != nil {
		task.SampleRate = *sampleRate
	}
	if duration != nil {
		task.DurationSeconds = *duration
	}
	if processing != nil {
		task.ProcessingTime = *processing
	}
	if fileSize != nil {
		task.FileSize = *fileSize
	}
	task.ErrorMessage = deref(errorMessage)
	return &task, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
