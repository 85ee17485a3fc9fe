// Package handler implements the HTTP surface of the API service.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
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

// REST handles HTTP requests for the API service.
type REST struct {
	repo      postgres.TaskRepository
	voices    postgres.VoiceRepository
	cache     rediscache.Cache // nil = caching disabled
	engine    engine.Synthesizer
	files     *storage.FileStore
	uploader  storage.Uploader
	subtitles *subtitle.Generator
	logger    *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(
	repo postgres.TaskRepository,
	voices postgres.VoiceRepository,
	cache rediscache.Cache,
	eng engine.Synthesizer,
	files *storage.FileStore,
	uploader storage.Uploader,
	logger *slog.Logger,
) *REST {
	return &REST{
		repo:      repo,
		voices:    voices,
		cache:     cache,
		engine:    eng,
		files:     files,
		uploader:  uploader,
		subtitles: subtitle.NewGenerator(),
		logger:    logger,
	}
}

// SynthesisRequest is the JSON body for both submission endpoints.
type SynthesisRequest struct {
	Text        string          `json:"text"`
	Voice       string          `json:"voice"`
	Params      json.RawMessage `json:"params,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// OnlineResponse is the 200 body of POST /api/v1/tts/online.
type OnlineResponse struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	AudioURL        string  `json:"audio_url"`
	SRTURL          string  `json:"srt_url"`
	SampleRate      int     `json:"sample_rate"`
	DurationSeconds float64 `json:"duration"`
	ProcessingTime  float64 `json:"processing_time"`
	FileSize        int64   `json:"file_size"`
}

// SubmitResponse is the 202 body of POST /api/v1/tts/task.
type SubmitResponse struct {
	TaskID        string    `json:"task_id"`
	Status        string    `json:"status"`
	QueuePosition int       `json:"queue_position"`
	CreatedAt     time.Time `json:"created_at"`
}

// SynthesizeOnline handles POST /api/v1/tts/online. The request is served
// synchronously: the task exists as a row for audit and artifact naming, but
// it never enters the backlog because it is claimed in the same request that
// created it.
func (h *REST) SynthesizeOnline(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.synthesize_online")
	defer span.End()

	req, voice, ok := h.decodeSubmission(w, r, domain.TaskTypeOnline)
	if !ok {
		return
	}

	params, err := voice.ResolveParams(req.Params)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	task := domain.NewTask(domain.TaskTypeOnline, req.Text, req.Voice, params, req.Metadata, 0, "")
	span.SetAttributes(attribute.String("task.id", task.ID))

	if err := h.repo.Create(ctx, task); err != nil {
		h.logger.Error("failed to persist task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if _, err := h.files.SaveText(task.ID, req.Text); err != nil {
		h.logger.Error("failed to store text", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if err := h.repo.ApplyTransition(ctx, task.ID, domain.Claim()); err != nil {
		h.logger.Error("failed to claim online task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	telemetry.APITasksSubmitted.WithLabelValues(string(domain.TaskTypeOnline)).Inc()

	start := time.Now()
	res, err := h.engine.Synthesize(ctx, engine.Request{
		TaskID: task.ID,
		Text:   req.Text,
		Voice:  req.Voice,
		Params: params,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		h.logger.Error("online synthesis failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		_ = h.repo.ApplyTransition(ctx, task.ID, domain.Fail(err.Error()))
		writeError(w, http.StatusBadGateway, "synthesis failed")
		return
	}

	srt := h.subtitles.Generate(req.Text, res.DurationSeconds)
	if _, err := h.files.SaveSubtitle(task.ID, srt); err != nil {
		h.logger.Error("failed to store subtitle", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		_ = h.repo.ApplyTransition(ctx, task.ID, domain.Fail("subtitle storage failed"))
		writeError(w, http.StatusInternalServerError, "failed to store artifacts")
		return
	}

	elapsed := time.Since(start).Seconds()
	telemetry.APIOnlineDurationSeconds.Observe(elapsed)

	outputs := domain.SynthesisOutputs{
		AudioURL:        h.uploader.AudioURL(task.ID),
		SRTURL:          h.uploader.SubtitleURL(task.ID),
		SampleRate:      res.SampleRate,
		DurationSeconds: res.DurationSeconds,
		ProcessingTime:  elapsed,
		FileSize:        res.FileSize,
	}
	if err := h.repo.ApplyTransition(ctx, task.ID, domain.Complete(outputs)); err != nil {
		h.logger.Error("failed to complete online task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}

	h.logger.Info("online synthesis served",
		slog.String("task_id", task.ID),
		slog.Float64("audio_seconds", res.DurationSeconds),
		slog.Float64("elapsed_seconds", elapsed),
	)

	writeJSON(w, http.StatusOK, OnlineResponse{
		TaskID:          task.ID,
		Status:          string(domain.StatusCompleted),
		AudioURL:        outputs.AudioURL,
		SRTURL:          outputs.SRTURL,
		SampleRate:      outputs.SampleRate,
		DurationSeconds: outputs.DurationSeconds,
		ProcessingTime:  elapsed,
		FileSize:        outputs.FileSize,
	})
}

// SubmitTask handles POST /api/v1/tts/task: long-text submission into the
// backlog.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.submit_task")
	defer span.End()

	req, voice, ok := h.decodeSubmission(w, r, domain.TaskTypeLongText)
	if !ok {
		return
	}
	if req.CallbackURL != "" && !strings.HasPrefix(req.CallbackURL, "http://") && !strings.HasPrefix(req.CallbackURL, "https://") {
		telemetry.APIValidationRejected.WithLabelValues(string(domain.TaskTypeLongText)).Inc()
		writeError(w, http.StatusBadRequest, "callback_url must be an http(s) URL")
		return
	}

	params, err := voice.ResolveParams(req.Params)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	task := domain.NewTask(domain.TaskTypeLongText, req.Text, req.Voice, params, req.Metadata, req.Priority, req.CallbackURL)
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("task.priority", task.Priority),
	)

	if _, err := h.files.SaveText(task.ID, req.Text); err != nil {
		h.logger.Error("failed to store text", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if err := h.repo.Create(ctx, task); err != nil {
		h.logger.Error("failed to persist task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	position, err := h.repo.QueuePosition(ctx, task)
	if err != nil {
		h.logger.Warn("queue position unavailable", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		position = 0
	}

	telemetry.APITasksSubmitted.WithLabelValues(string(domain.TaskTypeLongText)).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.Int("priority", task.Priority),
		slog.Int("queue_position", position),
	)

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TaskID:        task.ID,
		Status:        string(domain.StatusPending),
		QueuePosition: position,
		CreatedAt:     task.CreatedAt,
	})
}

// GetTaskStatus handles GET /api/v1/tts/task/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()

	// Fast path: terminal views live in Redis until their TTL expires.
	if h.cache != nil {
		if view, err := h.cache.GetView(ctx, taskID); err == nil && view != nil {
			writeJSON(w, http.StatusOK, view)
			return
		}
	}

	task, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	var position *int
	if task.Status == domain.StatusPending && task.Type == domain.TaskTypeLongText {
		if p, err := h.repo.QueuePosition(ctx, task); err == nil {
			position = &p
		}
	}

	view := domain.NewStatusView(task, position)
	if h.cache != nil && task.Status.IsTerminal() {
		if err := h.cache.SetView(ctx, view); err != nil {
			h.logger.Warn("status cache update failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelTask handles POST /api/v1/tts/task/{id}/cancel. Only pending tasks
// can be cancelled; a task already claimed by a worker runs to its natural
// terminal state.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()
	if err := h.repo.ApplyTransition(ctx, taskID, domain.Cancel()); err != nil {
		h.writeDomainError(w, err)
		return
	}

	task, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	view := domain.NewStatusView(task, nil)
	if h.cache != nil {
		if err := h.cache.SetView(ctx, view); err != nil {
			h.logger.Warn("status cache update failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}

	h.logger.Info("task cancelled", slog.String("task_id", taskID))
	writeJSON(w, http.StatusOK, view)
}

// ListTasks handles GET /api/v1/tts/tasks?status=pending&limit=50. It is an
// operational endpoint for inspecting the backlog, so views carry no queue
// positions.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	tasks, err := h.repo.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list tasks", slog.String("status", string(status)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	views := make([]domain.StatusView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, domain.NewStatusView(t, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// VoiceInfo is one entry of the GET /api/v1/voices response.
type VoiceInfo struct {
	Name          string          `json:"name"`
	DisplayName   string          `json:"display_name"`
	Description   string          `json:"description,omitempty"`
	Gender        string          `json:"gender,omitempty"`
	DefaultParams json.RawMessage `json:"default_params,omitempty"`
}

// ListVoices handles GET /api/v1/voices.
func (h *REST) ListVoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var voices []*domain.Voice
	if h.cache != nil {
		if cached, err := h.cache.GetVoices(ctx); err == nil && cached != nil {
			voices = cached
		}
	}
	if voices == nil {
		fresh, err := h.voices.List(ctx, true)
		if err != nil {
			h.logger.Error("failed to list voices", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list voices")
			return
		}
		voices = fresh
		if h.cache != nil {
			if err := h.cache.SetVoices(ctx, voices); err != nil {
				h.logger.Warn("voice cache update failed", slog.String("error", err.Error()))
			}
		}
	}

	infos := make([]VoiceInfo, 0, len(voices))
	for _, v := range voices {
		infos = append(infos, VoiceInfo{
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			Description:   v.Description,
			Gender:        v.Gender,
			DefaultParams: v.DefaultParams,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": infos})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz by checking database connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.voices.List(ctx, true); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// decodeSubmission parses and validates the shared submission body, resolving
// the referenced voice. On failure it writes the error response and returns
// ok=false.
func (h *REST) decodeSubmission(w http.ResponseWriter, r *http.Request, taskType domain.TaskType) (*SynthesisRequest, *domain.Voice, bool) {
	var req SynthesisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, nil, false
	}

	reject := func(msg string) {
		telemetry.APIValidationRejected.WithLabelValues(string(taskType)).Inc()
		writeError(w, http.StatusBadRequest, msg)
	}

	if strings.TrimSpace(req.Text) == "" {
		reject("field 'text' is required")
		return nil, nil, false
	}
	limit := domain.MaxLongTextLength
	if taskType == domain.TaskTypeOnline {
		limit = domain.MaxOnlineTextLength
	}
	if utf8.RuneCountInString(req.Text) > limit {
		reject("field 'text' exceeds maximum length")
		return nil, nil, false
	}
	if strings.TrimSpace(req.Voice) == "" {
		reject("field 'voice' is required")
		return nil, nil, false
	}

	voice, err := h.voices.GetByName(r.Context(), req.Voice)
	if err != nil {
		var notFound *domain.VoiceNotFoundError
		if errors.As(err, &notFound) {
			reject("unknown voice: " + req.Voice)
			return nil, nil, false
		}
		h.logger.Error("voice lookup failed", slog.String("voice", req.Voice), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to resolve voice")
		return nil, nil, false
	}
	return &req, voice, true
}

// writeDomainError maps typed domain errors onto HTTP statuses.
func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		voice      *domain.VoiceNotFoundError
		transition *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &voice):
		writeError(w, http.StatusNotFound, "voice not found")
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	default:
		h.logger.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
