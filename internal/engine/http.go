package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/duanfuxing/indexTTS/internal/domain"
	"github.com/duanfuxing/indexTTS/internal/storage"
)

// Response headers set by the inference service alongside the WAV body.
const (
	headerSampleRate = "X-Sample-Rate"
	headerDuration   = "X-Duration-Seconds"
)

// HTTPEngine synthesizes speech by calling an inference service over HTTP.
// The service returns raw WAV bytes; HTTPEngine stores them and reports the
// audio metadata from the response headers.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
	files   *storage.FileStore
	logger  *slog.Logger
}

// NewHTTPEngine builds an engine client for the inference service at baseURL.
// timeout bounds a single synthesis call end to end; long-text requests can
// legitimately run for minutes.
func NewHTTPEngine(baseURL string, timeout time.Duration, files *storage.FileStore, logger *slog.Logger) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		files:   files,
		logger:  logger,
	}
}

type synthesizeRequest struct {
	TaskID string          `json:"task_id"`
	Text   string          `json:"text"`
	Voice  string          `json:"voice"`
	Params json.RawMessage `json:"params,omitempty"`
}

type engineErrorBody struct {
	Error string `json:"error"`
}

// Synthesize posts the request to /synthesize, stores the returned WAV under
// the task's directory, and reads sample rate and duration from the response
// headers.
func (e *HTTPEngine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("task.voice", req.Voice),
		attribute.Int("task.text_len", len(req.Text)),
	)

	body, err := json.Marshal(synthesizeRequest{
		TaskID: req.TaskID,
		Text:   req.Text,
		Voice:  req.Voice,
		Params: req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine unreachable")
		return nil, &domain.EngineError{Voice: req.Voice, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readEngineError(resp.Body)
		span.SetStatus(codes.Error, "engine returned error")
		return nil, &domain.EngineError{
			Voice: req.Voice,
			Err:   fmt.Errorf("engine returned %d: %s", resp.StatusCode, msg),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, &domain.EngineError{Voice: req.Voice, Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(audio) == 0 {
		return nil, &domain.EngineError{Voice: req.Voice, Err: fmt.Errorf("engine returned empty audio")}
	}

	audioPath, size, err := e.files.SaveAudio(req.TaskID, audio)
	if err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}

	sampleRate, _ := strconv.Atoi(resp.Header.Get(headerSampleRate))
	duration, _ := strconv.ParseFloat(resp.Header.Get(headerDuration), 64)

	e.logger.Info("synthesis complete",
		slog.String("task_id", req.TaskID),
		slog.String("voice", req.Voice),
		slog.Int64("file_size", size),
		slog.Float64("audio_seconds", duration),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &Result{
		AudioPath:       audioPath,
		FileSize:        size,
		SampleRate:      sampleRate,
		DurationSeconds: duration,
	}, nil
}

func readEngineError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no error body"
	}
	var parsed engineErrorBody
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(data)
}
