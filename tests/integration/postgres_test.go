//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duanfuxing/indexTTS/internal/domain"
	"github.com/duanfuxing/indexTTS/internal/postgres"
)

// newRepo creates a repository connected to the test Postgres container and
// truncates the task table on cleanup. The seeded voices stay.
func newRepo(t *testing.T) (postgres.TaskRepository, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE tts_tasks") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewRepository(pool), pool
}

func makeTask(priority int) *domain.Task {
	return domain.NewTask(domain.TaskTypeLongText, "集成测试文本。", "jay", nil, nil, priority, "")
}

func completeOutputs(id string) domain.SynthesisOutputs {
	return domain.SynthesisOutputs{
		AudioURL:        "http://files/" + id + ".wav",
		SRTURL:          "http://files/" + id + ".srt",
		SampleRate:      24000,
		DurationSeconds: 4.2,
		ProcessingTime:  1.1,
		FileSize:        200000,
	}
}

func TestPostgres_CreateAndGetByID(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	task := makeTask(3)
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.TaskTypeLongText, got.Type)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "集成测试文本。", got.Text)
	assert.Equal(t, "集成测试文本。", got.TextPreview)
	assert.Equal(t, 3, got.Priority)
	assert.Nil(t, got.StartedAt)
}

func TestPostgres_GetByID_NotFound(t *testing.T) {
	repo, _ := newRepo(t)

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Lifecycle(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	task := makeTask(0)
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.ApplyTransition(ctx, task.ID, domain.Claim()))
	claimed, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	require.NoError(t, repo.ApplyTransition(ctx, task.ID, domain.Complete(completeOutputs(task.ID))))
	done, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, "http://files/"+task.ID+".wav", done.AudioURL)
	assert.Equal(t, "http://files/"+task.ID+".srt", done.SRTURL)
	assert.Equal(t, 4.2, done.DurationSeconds)
	require.NotNil(t, done.CompletedAt)
}

func TestPostgres_TransitionGuards(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	task := makeTask(0)
	require.NoError(t, repo.Create(ctx, task))

	var invalid *domain.InvalidTransitionError

	// Completing a pending task skips processing.
	err := repo.ApplyTransition(ctx, task.ID, domain.Complete(completeOutputs(task.ID)))
	require.ErrorAs(t, err, &invalid)

	// Failing a pending task is equally illegal.
	err = repo.ApplyTransition(ctx, task.ID, domain.Fail("boom"))
	require.ErrorAs(t, err, &invalid)

	// The guard left the row untouched.
	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	// Unknown task id maps to not found, not a guard failure.
	var notFound *domain.TaskNotFoundError
	err = repo.ApplyTransition(ctx, uuid.New().String(), domain.Claim())
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_ClaimRace_ExactlyOneWinner(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	task := makeTask(0)
	require.NoError(t, repo.Create(ctx, task))

	const claimants = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ApplyTransition(ctx, task.ID, domain.Claim())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			var invalid *domain.InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			losses++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, claimants-1, losses)
}

func TestPostgres_NextEligible_Ordering(t *testing.T) {
	repo, pool := newRepo(t)
	ctx := context.Background()

	low := makeTask(1)
	high := makeTask(9)
	older := makeTask(9)
	require.NoError(t, repo.Create(ctx, low))
	require.NoError(t, repo.Create(ctx, high))
	require.NoError(t, repo.Create(ctx, older))

	// Make "older" the earliest submission at the top priority.
	_, err := pool.Exec(ctx,
		"UPDATE tts_tasks SET created_at = created_at - interval '1 hour' WHERE task_id = $1", older.ID)
	require.NoError(t, err)

	// Online tasks never enter the backlog.
	online := domain.NewTask(domain.TaskTypeOnline, "hi", "jay", nil, nil, 99, "")
	require.NoError(t, repo.Create(ctx, online))

	next, err := repo.NextEligible(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, older.ID, next.ID)

	// Claiming the head reveals the next candidate at the same priority.
	require.NoError(t, repo.ApplyTransition(ctx, older.ID, domain.Claim()))
	next, err = repo.NextEligible(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)
}

func TestPostgres_NextEligible_EmptyBacklog(t *testing.T) {
	repo, _ := newRepo(t)

	next, err := repo.NextEligible(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPostgres_QueuePosition(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	first := makeTask(9)
	second := makeTask(5)
	third := makeTask(1)
	for _, task := range []*domain.Task{first, second, third} {
		require.NoError(t, repo.Create(ctx, task))
	}

	pos, err := repo.QueuePosition(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	// Claiming the head moves everyone up.
	require.NoError(t, repo.ApplyTransition(ctx, first.ID, domain.Claim()))
	pos, err = repo.QueuePosition(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	pos, err = repo.QueuePosition(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestPostgres_CancelOnlyPending(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	task := makeTask(0)
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.ApplyTransition(ctx, task.ID, domain.Cancel()))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// A claimed task cannot be cancelled.
	running := makeTask(0)
	require.NoError(t, repo.Create(ctx, running))
	require.NoError(t, repo.ApplyTransition(ctx, running.ID, domain.Claim()))

	var invalid *domain.InvalidTransitionError
	err = repo.ApplyTransition(ctx, running.ID, domain.Cancel())
	require.ErrorAs(t, err, &invalid)
}

func TestPostgres_ReclaimStale(t *testing.T) {
	repo, pool := newRepo(t)
	ctx := context.Background()

	task := makeTask(7)
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.ApplyTransition(ctx, task.ID, domain.Claim()))

	// Fresh claims survive a reclaim pass.
	ids, err := repo.ReclaimStale(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Backdate the claim so it looks abandoned.
	_, err = pool.Exec(ctx,
		"UPDATE tts_tasks SET started_at = started_at - interval '2 hours' WHERE task_id = $1", task.ID)
	require.NoError(t, err)

	ids, err = repo.ReclaimStale(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	// Priority and submission time survive the reclaim, so the task resumes
	// its old queue position.
	assert.Equal(t, 7, got.Priority)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Second)
}

func TestPostgres_DeleteTerminalBefore(t *testing.T) {
	repo, pool := newRepo(t)
	ctx := context.Background()

	old := makeTask(0)
	require.NoError(t, repo.Create(ctx, old))
	require.NoError(t, repo.ApplyTransition(ctx, old.ID, domain.Cancel()))
	_, err := pool.Exec(ctx,
		"UPDATE tts_tasks SET created_at = created_at - interval '30 days' WHERE task_id = $1", old.ID)
	require.NoError(t, err)

	fresh := makeTask(0)
	require.NoError(t, repo.Create(ctx, fresh))

	ids, err := repo.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	// Pending tasks are never purged regardless of age.
	_, err = repo.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPostgres_ListByStatus(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	a := makeTask(0)
	b := makeTask(0)
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.ApplyTransition(ctx, b.ID, domain.Cancel()))

	pending, err := repo.ListByStatus(ctx, domain.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	cancelled, err := repo.ListByStatus(ctx, domain.StatusCancelled, 10)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, b.ID, cancelled[0].ID)
}

func TestPostgres_Voices(t *testing.T) {
	_, pool := newRepo(t)
	ctx := context.Background()
	voices := postgres.NewVoiceRepository(pool)

	jay, err := voices.GetByName(ctx, "jay")
	require.NoError(t, err)
	assert.Equal(t, "jay", jay.Name)
	assert.True(t, jay.Enabled)
	assert.NotEmpty(t, jay.DefaultParams)

	var notFound *domain.VoiceNotFoundError
	_, err = voices.GetByName(ctx, "ghost")
	require.ErrorAs(t, err, &notFound)

	list, err := voices.List(ctx, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(list), 2)
}