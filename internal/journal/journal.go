// Package journal persists the last-known-good snapshot to Redis so a
// restart can show warm state before the first fetch completes.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"trading-sync-client/config"
	"trading-sync-client/internal/events"
	"trading-sync-client/internal/models"
	"trading-sync-client/internal/state"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout per mode
const (
	keySnapshot = "sync:%s:snapshot"
)

// Journal writes snapshots to Redis with graceful degradation: when
// Redis is unavailable the journal goes unhealthy and writes become
// no-ops instead of surfacing errors to the sync path.
type Journal struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration

	mu      sync.RWMutex
	healthy bool

	log zerolog.Logger
}

// New creates a journal. With Redis disabled in config, the journal is
// inert and every operation is a no-op.
func New(cfg config.RedisConfig) *Journal {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "journal").Logger()

	j := &Journal{
		enabled: cfg.Enabled,
		ttl:     time.Duration(cfg.SnapshotTTLMinutes) * time.Minute,
		log:     logger,
	}
	if j.ttl <= 0 {
		j.ttl = 24 * time.Hour
	}
	if !cfg.Enabled {
		return j
	}

	j.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.client.Ping(ctx).Err(); err != nil {
		j.log.Warn().Err(err).Msg("initial redis connection failed, journal degraded")
		return j
	}

	j.healthy = true
	j.log.Info().Str("addr", cfg.Address).Msg("journal connected")
	return j
}

// Healthy reports whether the journal can reach Redis
func (j *Journal) Healthy() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.enabled && j.healthy
}

// SaveSnapshot persists the snapshot under its mode's key
func (j *Journal) SaveSnapshot(ctx context.Context, snap state.Snapshot) error {
	if !j.Healthy() || !snap.Mode.IsActive() {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := fmt.Sprintf(keySnapshot, snap.Mode)
	if err := j.client.Set(ctx, key, data, j.ttl).Err(); err != nil {
		j.markUnhealthy(err)
		return nil
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot for a mode, or nil when
// none exists.
func (j *Journal) LoadSnapshot(ctx context.Context, mode models.TradingMode) (*state.Snapshot, error) {
	if !j.Healthy() {
		return nil, nil
	}

	key := fmt.Sprintf(keySnapshot, mode)
	data, err := j.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		j.markUnhealthy(err)
		return nil, nil
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode persisted snapshot: %w", err)
	}
	return &snap, nil
}

// Clear removes the persisted snapshot for a mode
func (j *Journal) Clear(ctx context.Context, mode models.TradingMode) error {
	if !j.Healthy() {
		return nil
	}
	key := fmt.Sprintf(keySnapshot, mode)
	if err := j.client.Del(ctx, key).Err(); err != nil {
		j.markUnhealthy(err)
	}
	return nil
}

// Watch persists the store on every state update notification
func (j *Journal) Watch(bus *events.Bus, store *state.Store) {
	if !j.enabled {
		return
	}
	bus.Subscribe(events.EventStateUpdated, func(events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := j.SaveSnapshot(ctx, store.Snapshot()); err != nil {
			j.log.Warn().Err(err).Msg("snapshot persist failed")
		}
	})
}

// Close releases the Redis connection
func (j *Journal) Close() error {
	if j.client == nil {
		return nil
	}
	return j.client.Close()
}

func (j *Journal) markUnhealthy(err error) {
	j.mu.Lock()
	wasHealthy := j.healthy
	j.healthy = false
	j.mu.Unlock()

	if wasHealthy {
		j.log.Warn().Err(err).Msg("redis unavailable, journal degraded")
	}
}
