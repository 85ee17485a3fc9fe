// Package engine defines the boundary to the speech synthesis backend.
//
// The orchestration services never link model code directly. They speak to
// an inference process over this interface, which keeps GPU scheduling and
// model lifecycle outside the task pipeline.
package engine

import "context"

// Request carries one synthesis job to the backend.
type Request struct {
	TaskID string
	Text   string
	Voice  string
	// Params is the merged voice parameter object as JSON (voice defaults
	// overlaid with per-task overrides).
	Params []byte
}

// Result describes the synthesized audio written by the backend.
type Result struct {
	// AudioPath is where the WAV file was stored.
	AudioPath string
	// FileSize is the WAV size in bytes.
	FileSize int64
	// SampleRate of the audio in Hz.
	SampleRate int
	// DurationSeconds is the playback length of the audio.
	DurationSeconds float64
}

// Synthesizer converts text to audio. Implementations must be safe for
// concurrent use; the worker may overlap a synthesis call with shutdown.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
