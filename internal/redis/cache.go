package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duanfuxing/indexTTS/internal/domain"
)

const (
	// Terminal task views are immutable, so a generous TTL is safe.
	statusTTL = 2 * time.Hour
	voicesTTL = 24 * time.Hour

	voicesKey = "tts:voices"
)

func statusKey(taskID string) string { return "tts:task:status:" + taskID }

// StatusCache keeps terminal status views in Redis so repeated polling of
// finished tasks never touches Postgres. Pending and processing tasks are
// deliberately not cached: their queue position must always be recomputed.
type StatusCache interface {
	SetView(ctx context.Context, view domain.StatusView) error
	GetView(ctx context.Context, taskID string) (*domain.StatusView, error)
}

// VoiceCache caches the enabled-voice listing.
type VoiceCache interface {
	SetVoices(ctx context.Context, voices []*domain.Voice) error
	GetVoices(ctx context.Context) ([]*domain.Voice, error)
}

// Cache is the combined Redis surface the api service wires in.
type Cache interface {
	StatusCache
	VoiceCache
}

type cache struct {
	client *redis.Client
}

// NewCache creates a Redis-backed Cache.
func NewCache(client *redis.Client) Cache {
	return &cache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *cache) SetView(ctx context.Context, view domain.StatusView) error {
	if !view.Status.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal status view: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(view.TaskID), data, statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", view.TaskID, err)
	}
	return nil
}

func (c *cache) GetView(ctx context.Context, taskID string) (*domain.StatusView, error) {
	data, err := c.client.Get(ctx, statusKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	var view domain.StatusView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal status view: %w", err)
	}
	return &view, nil
}

func (c *cache) SetVoices(ctx context.Context, voices []*domain.Voice) error {
	data, err := json.Marshal(voices)
	if err != nil {
		return fmt.Errorf("marshal voices: %w", err)
	}
	if err := c.client.Set(ctx, voicesKey, data, voicesTTL).Err(); err != nil {
		return fmt.Errorf("redis set voices: %w", err)
	}
	return nil
}

func (c *cache) GetVoices(ctx context.Context) ([]*domain.Voice, error) {
	data, err := c.client.Get(ctx, voicesKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get voices: %w", err)
	}
	var voices []*domain.Voice
	if err := json.Unmarshal(data, &voices); err != nil {
		return nil, fmt.Errorf("unmarshal voices: %w", err)
	}
	return voices, nil
}
