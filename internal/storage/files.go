// Package storage manages per-task artifact files on the local filesystem.
//
// Every task owns one directory under <root>/tasks/<task-id>/ holding the
// source text, the synthesized audio, and the subtitle file, all named after
// the task id. The layout keeps retention cleanup a single directory removal.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads and writes task artifacts under a storage root.
type FileStore struct {
	root string
}

// NewFileStore creates the storage root and tasks directory if missing.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// TaskDir returns the directory holding a task's artifacts.
func (s *FileStore) TaskDir(taskID string) string {
	return filepath.Join(s.root, "tasks", taskID)
}

// TextPath returns the path of a task's source text file.
func (s *FileStore) TextPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), taskID+".txt")
}

// AudioPath returns the path of a task's synthesized WAV file.
func (s *FileStore) AudioPath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), taskID+".wav")
}

// SubtitlePath returns the path of a task's SRT file.
func (s *FileStore) SubtitlePath(taskID string) string {
	return filepath.Join(s.TaskDir(taskID), taskID+".srt")
}

func (s *FileStore) ensureTaskDir(taskID string) error {
	if err := os.MkdirAll(s.TaskDir(taskID), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return nil
}

// SaveText writes the source text for a task and returns the file path.
func (s *FileStore) SaveText(taskID, text string) (string, error) {
	if err := s.ensureTaskDir(taskID); err != nil {
		return "", err
	}
	p := s.TextPath(taskID)
	if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write text file: %w", err)
	}
	return p, nil
}

// ReadText loads the source text saved for a task.
func (s *FileStore) ReadText(taskID string) (string, error) {
	data, err := os.ReadFile(s.TextPath(taskID))
	if err != nil {
		return "", fmt.Errorf("read text file: %w", err)
	}
	return string(data), nil
}

// SaveAudio writes synthesized audio bytes and returns the file path and size.
func (s *FileStore) SaveAudio(taskID string, audio []byte) (string, int64, error) {
	if err := s.ensureTaskDir(taskID); err != nil {
		return "", 0, err
	}
	p := s.AudioPath(taskID)
	if err := os.WriteFile(p, audio, 0o644); err != nil {
		return "", 0, fmt.Errorf("write audio file: %w", err)
	}
	return p, int64(len(audio)), nil
}

// SaveSubtitle writes SRT content for a task and returns the file path.
func (s *FileStore) SaveSubtitle(taskID, srt string) (string, error) {
	if err := s.ensureTaskDir(taskID); err != nil {
		return "", err
	}
	p := s.SubtitlePath(taskID)
	if err := os.WriteFile(p, []byte(srt), 0o644); err != nil {
		return "", fmt.Errorf("write subtitle file: %w", err)
	}
	return p, nil
}

// DeleteTask removes a task's directory and everything in it. Removing a
// directory that does not exist is not an error.
func (s *FileStore) DeleteTask(taskID string) error {
	if err := os.RemoveAll(s.TaskDir(taskID)); err != nil {
		return fmt.Errorf("delete task dir: %w", err)
	}
	return nil
}

// Uploader turns a stored artifact into a client-reachable URL. The local
// implementation serves files from the storage root; an object-store
// implementation would copy the file out and return its public URL.
type Uploader interface {
	AudioURL(taskID string) string
	SubtitleURL(taskID string) string
}

// LocalUploader maps task artifacts to URLs under a static base, matching
// the /storage file server exposed by the API service.
type LocalUploader struct {
	baseURL string
}

// NewLocalUploader trims any trailing slash from baseURL.
func NewLocalUploader(baseURL string) *LocalUploader {
	return &LocalUploader{baseURL: strings.TrimRight(baseURL, "/")}
}

func (u *LocalUploader) AudioURL(taskID string) string {
	return fmt.Sprintf("%s/storage/tasks/%s/%s.wav", u.baseURL, taskID, taskID)
}

func (u *LocalUploader) SubtitleURL(taskID string) string {
	return fmt.Sprintf("%s/storage/tasks/%s/%s.srt", u.baseURL, taskID, taskID)
}
