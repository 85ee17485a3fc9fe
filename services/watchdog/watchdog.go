// Package watchdog recovers tasks stranded by dead workers and enforces
// retention on finished ones.
//
// Any number of watchdog replicas may run; a Redis lease elects one leader
// per tick so reclaim and cleanup never run concurrently. A reclaimed task
// keeps its priority and original creation time, so it returns to the exact
// queue position it held before the failed claim.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/duanfuxing/indexTTS/internal/postgres"
	"github.com/duanfuxing/indexTTS/internal/storage"
	"github.com/duanfuxing/indexTTS/pkg/telemetry"
)

const (
	leaderKey     = "watchdog:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// Watchdog reclaims stale processing tasks and purges old terminal ones.
type Watchdog struct {
	repo       postgres.TaskRepository
	redis      *redis.Client
	files      *storage.FileStore
	instanceID string

	staleAfter    time.Duration
	retention     time.Duration
	retentionSpec string
	logger        *slog.Logger

	cron *cron.Cron
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithStaleAfter sets how long a task may sit in processing before its claim
// is considered abandoned. Must exceed the longest legitimate synthesis.
func WithStaleAfter(d time.Duration) Option { return func(w *Watchdog) { w.staleAfter = d } }

// WithRetention sets how long terminal tasks are kept.
func WithRetention(d time.Duration) Option { return func(w *Watchdog) { w.retention = d } }

// WithRetentionSchedule sets the cron expression for the cleanup job.
func WithRetentionSchedule(spec string) Option { return func(w *Watchdog) { w.retentionSpec = spec } }

func WithLogger(l *slog.Logger) Option { return func(w *Watchdog) { w.logger = l } }

// NewWatchdog constructs a Watchdog with the given dependencies and options.
func NewWatchdog(
	repo postgres.TaskRepository,
	redisClient *redis.Client,
	files *storage.FileStore,
	instanceID string,
	opts ...Option,
) *Watchdog {
	w := &Watchdog{
		repo:          repo,
		redis:         redisClient,
		files:         files,
		instanceID:    instanceID,
		staleAfter:    30 * time.Minute,
		retention:     7 * 24 * time.Hour,
		retentionSpec: "0 3 * * *",
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run is the main loop: reclaim on a fixed tick, retention on the cron
// schedule, both gated on leadership. Blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.retentionSpec, func() {
		if !w.acquireOrRenewLeadership(ctx) {
			return
		}
		w.purge(ctx)
	}); err != nil {
		return err
	}
	w.cron.Start()
	defer w.cron.Stop()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	if !w.acquireOrRenewLeadership(ctx) {
		return
	}
	w.reclaim(ctx)
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is
// the leader.
func (w *Watchdog) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := w.redis.SetNX(ctx, leaderKey, w.instanceID, leaderTTL).Result()
	if err != nil {
		w.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		w.logger.Info("acquired watchdog leadership", slog.String("instance_id", w.instanceID))
		return true
	}

	// Already set: renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, w.redis,
		[]string{leaderKey},
		w.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		w.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// reclaim returns tasks with an expired claim to the pending backlog.
func (w *Watchdog) reclaim(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.staleAfter)
	ids, err := w.repo.ReclaimStale(ctx, cutoff)
	if err != nil {
		w.logger.Error("reclaim stale tasks", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	telemetry.WatchdogReclaimed.Add(float64(len(ids)))
	for _, id := range ids {
		w.logger.Warn("reclaimed stale task",
			slog.String("task_id", id),
			slog.Duration("stale_after", w.staleAfter),
		)
	}
}

// purge removes terminal tasks past the retention window along with their
// stored artifacts.
func (w *Watchdog) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)
	ids, err := w.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("purge terminal tasks", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		w.logger.Info("retention pass found nothing to purge")
		return
	}

	for _, id := range ids {
		if err := w.files.DeleteTask(id); err != nil {
			w.logger.Error("delete task artifacts",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	telemetry.WatchdogPurged.Add(float64(len(ids)))
	w.logger.Info("retention pass complete",
		slog.Int("purged", len(ids)),
		slog.Time("cutoff", cutoff),
	)
}
