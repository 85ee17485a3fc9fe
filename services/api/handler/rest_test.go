package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duanfuxing/indexTTS/internal/domain"
	"github.com/duanfuxing/indexTTS/internal/engine"
	"github.com/duanfuxing/indexTTS/internal/storage"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeRepo() *fakeRepo { return &fakeRepo{tasks: map[string]*domain.Task{}} }

func (r *fakeRepo) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) ApplyTransition(_ context.Context, id string, tr domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Apply(tr)
}

func (r *fakeRepo) NextEligible(context.Context) (*domain.Task, error) { return nil, nil }

func (r *fakeRepo) QueuePosition(_ context.Context, task *domain.Task) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*domain.Task
	for _, t := range r.tasks {
		if t.Status == domain.StatusPending && t.Type == domain.TaskTypeLongText {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	for i, t := range pending {
		if t.ID == task.ID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (r *fakeRepo) ReclaimStale(context.Context, time.Time) ([]string, error) { return nil, nil }
func (r *fakeRepo) DeleteTerminalBefore(context.Context, time.Time) ([]string, error) {
	return nil, nil
}
func (r *fakeRepo) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeVoices struct {
	voices map[string]*domain.Voice
	err    error
}

func (v *fakeVoices) GetByName(_ context.Context, name string) (*domain.Voice, error) {
	if v.err != nil {
		return nil, v.err
	}
	voice, ok := v.voices[name]
	if !ok {
		return nil, &domain.VoiceNotFoundError{Voice: name}
	}
	return voice, nil
}

func (v *fakeVoices) List(context.Context, bool) ([]*domain.Voice, error) {
	if v.err != nil {
		return nil, v.err
	}
	var out []*domain.Voice
	for _, voice := range v.voices {
		out = append(out, voice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── fixtures ─────────────────────────────────────────────────────────────────

type fixture struct {
	rest   *REST
	repo   *fakeRepo
	engine *engine.MockSynthesizer
	router *chi.Mux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newFakeRepo()
	voices := &fakeVoices{voices: map[string]*domain.Voice{
		"jay":    {Name: "jay", DisplayName: "Jay", Gender: "male", Enabled: true, DefaultParams: []byte(`{"speed":1.0}`)},
		"xiaoyu": {Name: "xiaoyu", DisplayName: "Xiaoyu", Gender: "female", Enabled: true},
	}}
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	eng := &engine.MockSynthesizer{
		Result: &engine.Result{FileSize: 9600, SampleRate: 24000, DurationSeconds: 1.8},
	}

	rest := NewREST(repo, voices, nil, eng, files, storage.NewLocalUploader("http://api:8000"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tts/online", rest.SynthesizeOnline)
		r.Post("/tts/task", rest.SubmitTask)
		r.Get("/tts/tasks", rest.ListTasks)
		r.Get("/tts/task/{id}", rest.GetTaskStatus)
		r.Post("/tts/task/{id}/cancel", rest.CancelTask)
		r.Get("/voices", rest.ListVoices)
	})
	return &fixture{rest: rest, repo: repo, engine: eng, router: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitTask_Accepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{
		Text:        "很长的一段文本。",
		Voice:       "jay",
		Priority:    5,
		CallbackURL: "https://client.example.com/done",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[SubmitResponse](t, rec)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 1, resp.QueuePosition)

	stored, err := f.repo.GetByID(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTypeLongText, stored.Type)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 5, stored.Priority)
	assert.Equal(t, "https://client.example.com/done", stored.CallbackURL)
	// Voice defaults were snapshotted onto the task.
	assert.JSONEq(t, `{"speed":1.0}`, string(stored.Payload))
}

func TestSubmitTask_Validation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  SynthesisRequest
	}{
		{"empty text", SynthesisRequest{Voice: "jay"}},
		{"text too long", SynthesisRequest{Text: strings.Repeat("字", domain.MaxLongTextLength+1), Voice: "jay"}},
		{"missing voice", SynthesisRequest{Text: "hello"}},
		{"unknown voice", SynthesisRequest{Text: "hello", Voice: "ghost"}},
		{"bad callback scheme", SynthesisRequest{Text: "hello", Voice: "jay", CallbackURL: "ftp://x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/tts/task", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.repo.tasks)
}

func TestSynthesizeOnline_ReturnsResultSynchronously(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tts/online", SynthesisRequest{Text: "你好。", Voice: "jay"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[OnlineResponse](t, rec)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "http://api:8000/storage/tasks/"+resp.TaskID+"/"+resp.TaskID+".wav", resp.AudioURL)
	assert.Equal(t, 24000, resp.SampleRate)
	assert.Equal(t, 1.8, resp.DurationSeconds)

	stored, err := f.repo.GetByID(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskTypeOnline, stored.Type)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestSynthesizeOnline_RejectsLongText(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tts/online", SynthesisRequest{
		Text:  strings.Repeat("字", domain.MaxOnlineTextLength+1),
		Voice: "jay",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.engine.Requests)
}

func TestSynthesizeOnline_EngineFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t)
	f.engine.Result = nil
	f.engine.Err = errors.New("model not loaded")

	rec := f.do(t, http.MethodPost, "/api/v1/tts/online", SynthesisRequest{Text: "你好。", Voice: "jay"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// The audit row records the failure.
	require.Len(t, f.repo.tasks, 1)
	for _, stored := range f.repo.tasks {
		assert.Equal(t, domain.StatusFailed, stored.Status)
		assert.Contains(t, stored.ErrorMessage, "model not loaded")
	}
}

func TestGetTaskStatus_PendingIncludesQueuePosition(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "one", Voice: "jay", Priority: 9})
	second := f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "two", Voice: "jay", Priority: 1})
	secondID := decode[SubmitResponse](t, second).TaskID

	rec := f.do(t, http.MethodGet, "/api/v1/tts/task/"+secondID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	view := decode[domain.StatusView](t, rec)
	assert.Equal(t, domain.Status("pending"), view.Status)
	require.NotNil(t, view.QueuePosition)
	assert.Equal(t, 2, *view.QueuePosition)
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tts/task/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)

	submitted := decode[SubmitResponse](t, f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "x", Voice: "jay"}))

	rec := f.do(t, http.MethodPost, "/api/v1/tts/task/"+submitted.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[domain.StatusView](t, rec)
	assert.Equal(t, domain.Status("cancelled"), view.Status)

	// Cancelling again conflicts: the task is already terminal.
	rec = f.do(t, http.MethodPost, "/api/v1/tts/task/"+submitted.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTask_ProcessingConflicts(t *testing.T) {
	f := newFixture(t)

	submitted := decode[SubmitResponse](t, f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "x", Voice: "jay"}))
	require.NoError(t, f.repo.ApplyTransition(context.Background(), submitted.TaskID, domain.Claim()))

	rec := f.do(t, http.MethodPost, "/api/v1/tts/task/"+submitted.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTask_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tts/task/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "one", Voice: "jay"})
	cancelled := decode[SubmitResponse](t, f.do(t, http.MethodPost, "/api/v1/tts/task", SynthesisRequest{Text: "two", Voice: "jay"}))
	f.do(t, http.MethodPost, "/api/v1/tts/task/"+cancelled.TaskID+"/cancel", nil)

	// Default listing shows the pending backlog.
	rec := f.do(t, http.MethodGet, "/api/v1/tts/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string][]domain.StatusView](t, rec)
	require.Len(t, resp["tasks"], 1)
	assert.Equal(t, domain.StatusPending, resp["tasks"][0].Status)

	rec = f.do(t, http.MethodGet, "/api/v1/tts/tasks?status=cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[map[string][]domain.StatusView](t, rec)
	require.Len(t, resp["tasks"], 1)
	assert.Equal(t, cancelled.TaskID, resp["tasks"][0].TaskID)

	rec = f.do(t, http.MethodGet, "/api/v1/tts/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/tts/tasks?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListVoices(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/voices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string][]VoiceInfo](t, rec)
	voices := resp["voices"]
	require.Len(t, voices, 2)
	assert.Equal(t, "jay", voices[0].Name)
	assert.Equal(t, "xiaoyu", voices[1].Name)
}