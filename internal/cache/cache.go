/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/telemetry"
)

// Default TTL values for different cache types
const (
	DefaultChannelListTTL = 5 * time.Minute
	DefaultChannelTTL     = 1 * time.Hour
	DefaultTimelineTTL    = 30 * time.Minute
	DefaultSelectionTTL   = 1 * time.Minute
	DefaultDeviceTTL      = 15 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyChannelList = "tilefeed:cache:channels"
	KeyChannelSlug = "tilefeed:cache:channel_slug:" // + slug
	KeyTimeline    = "tilefeed:cache:timeline:"     // + channel_id
	KeySelection   = "tilefeed:cache:selection:"    // + channel_id
	KeyDeviceToken = "tilefeed:cache:device_token:" // + token
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	ChannelListTTL time.Duration
	ChannelTTL     time.Duration
	TimelineTTL    time.Duration
	SelectionTTL   time.Duration
	DeviceTTL      time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		ChannelListTTL: DefaultChannelListTTL,
		ChannelTTL:     DefaultChannelTTL,
		TimelineTTL:    DefaultTimelineTTL,
		SelectionTTL:   DefaultSelectionTTL,
		DeviceTTL:      DefaultDeviceTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it. The name labels the
// hit/miss metrics.
func (c *Cache) get(ctx context.Context, name, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		telemetry.CacheMissesTotal.WithLabelValues(name).Inc()
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		telemetry.CacheMissesTotal.WithLabelValues(name).Inc()
		return false, nil
	}

	telemetry.CacheHitsTotal.WithLabelValues(name).Inc()
	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Channel caching methods

// CachedChannel represents a cached channel record.
type CachedChannel struct {
	ID                string `json:"id"`
	Slug              string `json:"slug"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Timezone          string `json:"timezone"`
	MinRefreshSeconds int    `json:"min_refresh_seconds"`
	Paused            bool   `json:"paused"`
	CurrentVersion    int64  `json:"current_version"`
}

// GetChannelList retrieves the cached list of channels.
func (c *Cache) GetChannelList(ctx context.Context) ([]CachedChannel, bool) {
	var channels []CachedChannel
	found, err := c.get(ctx, "channel_list", KeyChannelList, &channels)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Int("count", len(channels)).Msg("channel list cache hit")
	return channels, true
}

// SetChannelList caches the list of channels.
func (c *Cache) SetChannelList(ctx context.Context, channels []CachedChannel) error {
	c.logger.Debug().Int("count", len(channels)).Msg("caching channel list")
	return c.set(ctx, KeyChannelList, channels, c.config.ChannelListTTL)
}

// InvalidateChannelList removes the channel list from cache.
func (c *Cache) InvalidateChannelList(ctx context.Context) error {
	c.logger.Debug().Msg("invalidating channel list cache")
	return c.delete(ctx, KeyChannelList)
}

// GetChannelBySlug retrieves a cached channel by its slug.
func (c *Cache) GetChannelBySlug(ctx context.Context, slug string) (*CachedChannel, bool) {
	var channel CachedChannel
	found, err := c.get(ctx, "channel", KeyChannelSlug+slug, &channel)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("slug", slug).Msg("channel cache hit")
	return &channel, true
}

// SetChannelBySlug caches a channel keyed by slug.
func (c *Cache) SetChannelBySlug(ctx context.Context, channel *CachedChannel) error {
	c.logger.Debug().Str("slug", channel.Slug).Msg("caching channel")
	return c.set(ctx, KeyChannelSlug+channel.Slug, channel, c.config.ChannelTTL)
}

// Timeline caching methods

// CachedEntry represents one entry of a cached timeline snapshot.
type CachedEntry struct {
	ID               string          `json:"id"`
	Position         int             `json:"position"`
	Payload          json.RawMessage `json:"payload"`
	StartsAt         *time.Time      `json:"starts_at,omitempty"`
	EndsAt           *time.Time      `json:"ends_at,omitempty"`
	RRule            string          `json:"rrule,omitempty"`
	RDurationSeconds int             `json:"rduration_seconds,omitempty"`
	AssetKey         string          `json:"asset_key,omitempty"`
}

// CachedTimeline represents a cached published timeline.
type CachedTimeline struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	Version     int64         `json:"version"`
	PublishedAt time.Time     `json:"published_at"`
	Entries     []CachedEntry `json:"entries"`
}

// GetTimeline retrieves the cached current timeline for a channel.
func (c *Cache) GetTimeline(ctx context.Context, channelID string) (*CachedTimeline, bool) {
	var tl CachedTimeline
	found, err := c.get(ctx, "timeline", KeyTimeline+channelID, &tl)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("channel_id", channelID).Int64("version", tl.Version).Msg("timeline cache hit")
	return &tl, true
}

// SetTimeline caches the current timeline for a channel.
func (c *Cache) SetTimeline(ctx context.Context, tl *CachedTimeline) error {
	c.logger.Debug().Str("channel_id", tl.ChannelID).Int64("version", tl.Version).Msg("caching timeline")
	return c.set(ctx, KeyTimeline+tl.ChannelID, tl, c.config.TimelineTTL)
}

// InvalidateTimeline removes the timeline cache for a channel.
func (c *Cache) InvalidateTimeline(ctx context.Context, channelID string) error {
	c.logger.Debug().Str("channel_id", channelID).Msg("invalidating timeline cache")
	return c.delete(ctx, KeyTimeline+channelID)
}

// Selection caching methods

// CachedSelection represents the resolved active entry for a channel.
type CachedSelection struct {
	ChannelID  string          `json:"channel_id"`
	Version    int64           `json:"version"`
	EntryID    string          `json:"entry_id,omitempty"`
	EntryIndex int             `json:"entry_index"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	HasEntry   bool            `json:"has_entry"`
	ResolvedAt time.Time       `json:"resolved_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// GetSelection retrieves the cached active selection for a channel.
func (c *Cache) GetSelection(ctx context.Context, channelID string) (*CachedSelection, bool) {
	var sel CachedSelection
	found, err := c.get(ctx, "selection", KeySelection+channelID, &sel)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("channel_id", channelID).Msg("selection cache hit")
	return &sel, true
}

// SetSelection caches the active selection for a channel. The TTL is capped
// at the selection's expiry so a stale selection cannot outlive its window.
func (c *Cache) SetSelection(ctx context.Context, sel *CachedSelection) error {
	ttl := c.config.SelectionTTL
	if sel.ExpiresAt != nil {
		if until := time.Until(*sel.ExpiresAt); until > 0 && until < ttl {
			ttl = until
		}
	}
	c.logger.Debug().Str("channel_id", sel.ChannelID).Dur("ttl", ttl).Msg("caching selection")
	return c.set(ctx, KeySelection+sel.ChannelID, sel, ttl)
}

// InvalidateSelection removes the cached selection for a channel.
func (c *Cache) InvalidateSelection(ctx context.Context, channelID string) error {
	c.logger.Debug().Str("channel_id", channelID).Msg("invalidating selection cache")
	return c.delete(ctx, KeySelection+channelID)
}

// Device caching methods

// CachedDevice represents a cached device record, keyed by poll token.
type CachedDevice struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
}

// GetDeviceByToken retrieves a cached device by its poll token.
func (c *Cache) GetDeviceByToken(ctx context.Context, token string) (*CachedDevice, bool) {
	var device CachedDevice
	found, err := c.get(ctx, "device", KeyDeviceToken+token, &device)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("device_id", device.ID).Msg("device cache hit")
	return &device, true
}

// SetDeviceByToken caches a device keyed by its poll token.
func (c *Cache) SetDeviceByToken(ctx context.Context, token string, device *CachedDevice) error {
	c.logger.Debug().Str("device_id", device.ID).Msg("caching device")
	return c.set(ctx, KeyDeviceToken+token, device, c.config.DeviceTTL)
}

// InvalidateDeviceToken removes a device token from cache.
func (c *Cache) InvalidateDeviceToken(ctx context.Context, token string) error {
	return c.delete(ctx, KeyDeviceToken+token)
}

// Bulk invalidation methods

// InvalidateChannel removes all caches related to a channel.
func (c *Cache) InvalidateChannel(ctx context.Context, channelID, slug string) error {
	c.logger.Debug().Str("channel_id", channelID).Msg("invalidating all channel caches")

	if err := c.InvalidateChannelList(ctx); err != nil {
		return err
	}
	if slug != "" {
		if err := c.delete(ctx, KeyChannelSlug+slug); err != nil {
			return err
		}
	}
	if err := c.InvalidateTimeline(ctx, channelID); err != nil {
		return err
	}
	return c.InvalidateSelection(ctx, channelID)
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, "tilefeed:cache:*")
}
