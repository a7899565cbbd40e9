package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

const (
	latestKeyPrefix = "envmon:sensor:last:"
	sensorsKey      = "envmon:sensors"
)

// errCacheIncomplete means some cached sensors have expired
var errCacheIncomplete = errors.New("latest-reading cache incomplete")

// LatestCache keeps the newest reading per sensor in Redis in front of
// another store. The wrapped store stays the source of truth: cache
// failures are logged and the call falls through.
type LatestCache struct {
	Store
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLatestCache wraps inner with a Redis hot cache
func NewLatestCache(inner Store, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *LatestCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LatestCache{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "store").Str("backend", "redis").Logger(),
	}
}

// SaveReading persists r and refreshes the cached latest reading
func (c *LatestCache) SaveReading(ctx context.Context, r types.Reading) error {
	if err := c.Store.SaveReading(ctx, r); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKeyPrefix+r.SensorID, data, c.ttl)
		pipe.SAdd(ctx, sensorsKey, r.SensorID)
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("sensor", r.SensorID).Msg("Failed to update latest-reading cache")
	}
	return nil
}

// LatestReadingsPerSensor serves from Redis when it can, else from the wrapped store
func (c *LatestCache) LatestReadingsPerSensor(ctx context.Context) ([]types.Reading, error) {
	readings, err := c.cached(ctx)
	if err == nil && len(readings) > 0 {
		return readings, nil
	}
	switch {
	case errors.Is(err, errCacheIncomplete):
		c.logger.Debug().Msg("Latest-reading cache incomplete, falling back")
	case err != nil:
		c.logger.Warn().Err(err).Msg("Latest-reading cache unavailable, falling back")
	}
	return c.Store.LatestReadingsPerSensor(ctx)
}

func (c *LatestCache) cached(ctx context.Context) ([]types.Reading, error) {
	ids, err := c.client.SMembers(ctx, sensorsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached sensors: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = latestKeyPrefix + id
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached readings: %w", err)
	}

	return decodeCached(ids, values)
}

// decodeCached turns MGET results into readings. A missing value for any
// listed sensor fails with errCacheIncomplete.
func decodeCached(ids []string, values []interface{}) ([]types.Reading, error) {
	out := make([]types.Reading, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("sensor %s: %w", ids[i], errCacheIncomplete)
		}
		var r types.Reading
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("decode cached reading: %w", err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

// Close closes the Redis client and the wrapped store
func (c *LatestCache) Close() error {
	if err := c.client.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close redis client")
	}
	return c.Store.Close()
}
