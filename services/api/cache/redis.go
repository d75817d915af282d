package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecoalerta/monitor-ambiental/services/api/ingest"
	"github.com/ecoalerta/monitor-ambiental/services/api/models"
)

const keyPrefix = "realtime:"

// Loader produces the snapshot for a zone (nil for all active zones) on a
// cache miss.
type Loader func(ctx context.Context, zoneID *int64) ([]models.ZoneSnapshot, error)

// Realtime caches the latest-readings snapshots served by the realtime
// endpoints. A nil *Realtime is valid and always misses.
type Realtime struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRealtime creates a cache backed by redisClient.
func NewRealtime(redisClient *redis.Client, ttl time.Duration, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{redis: redisClient, ttl: ttl, logger: logger}
}

func snapshotKey(zoneID *int64) string {
	if zoneID == nil {
		return keyPrefix + "all"
	}
	return keyPrefix + "zone:" + strconv.FormatInt(*zoneID, 10)
}

// Get returns the cached snapshot. ok is false on a miss.
func (c *Realtime) Get(ctx context.Context, zoneID *int64) (snaps []models.ZoneSnapshot, ok bool, err error) {
	if c == nil {
		return nil, false, nil
	}
	data, err := c.redis.Get(ctx, snapshotKey(zoneID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &snaps); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snaps, true, nil
}

// Set stores a snapshot with the configured TTL.
func (c *Realtime) Set(ctx context.Context, zoneID *int64, snaps []models.ZoneSnapshot) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.redis.Set(ctx, snapshotKey(zoneID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}
	return nil
}

// Invalidate drops the zone's snapshot and the all-zones snapshot.
func (c *Realtime) Invalidate(ctx context.Context, zoneID int64) error {
	if c == nil {
		return nil
	}
	return c.redis.Del(ctx, snapshotKey(&zoneID), snapshotKey(nil)).Err()
}

// GetOrLoad serves from the cache and falls back to load on a miss. Cache
// errors are logged and never fail the request.
func (c *Realtime) GetOrLoad(ctx context.Context, zoneID *int64, load Loader) ([]models.ZoneSnapshot, error) {
	snaps, ok, err := c.Get(ctx, zoneID)
	if err != nil {
		c.logger.Warn("realtime cache read failed", "key", snapshotKey(zoneID), "error", err)
	}
	if ok {
		return snaps, nil
	}

	snaps, err = load(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, zoneID, snaps); err != nil {
		c.logger.Warn("realtime cache write failed", "key", snapshotKey(zoneID), "error", err)
	}
	return snaps, nil
}

// ZoneSynced invalidates the zone's cached snapshot once new rows are written.
func (c *Realtime) ZoneSynced(ctx context.Context, result ingest.ZoneResult) {
	if c == nil || result.Status == ingest.StatusFailed {
		return
	}
	if err := c.Invalidate(ctx, result.ZoneID); err != nil {
		c.logger.Warn("realtime cache invalidation failed", "zone_id", result.ZoneID, "error", err)
	}
}

// Ping checks the Redis connection.
func (c *Realtime) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}
