/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/coordinator/state"
	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/refresh"
	"github.com/friendsincode/tilefeed/internal/telemetry"
	"github.com/friendsincode/tilefeed/internal/timeline"
)

// Defaults for the coordinator loop.
const (
	DefaultTick    = 30 * time.Second
	DefaultHorizon = 48 * time.Hour
)

// Config tunes the coordinator.
type Config struct {
	// Tick is the safety-net cadence at which every channel is
	// re-resolved regardless of armed timers.
	Tick time.Duration
	// Horizon bounds recurrence expansion and timer arming; instants
	// beyond it are re-derived after the next snapshot rebuild.
	Horizon time.Duration
	// MinInterval is the server-wide floor between refresh fires for
	// channels that do not set their own.
	MinInterval time.Duration
	// Clock drives selection instants and refresh timers. Tests inject
	// a fake; nil selects the system clock.
	Clock refresh.Clock
}

// Service drives selection for every channel: it compiles published
// timelines into snapshots, resolves the active entry, and keeps a
// per-channel refresh limiter armed for the next change.
type Service struct {
	db     *gorm.DB
	bus    eventbus.Bus
	cache  *cache.Cache
	store  *state.Store
	logger zerolog.Logger
	clock  refresh.Clock

	tick        time.Duration
	horizon     time.Duration
	minInterval time.Duration

	mu       sync.Mutex
	channels map[string]*channelState
}

// channelState is the coordinator's in-memory view of one channel. The
// limiter pointer and every field below mu are guarded by mu; the
// limiter itself is only invoked with mu released, except for arming,
// which never runs the listener synchronously.
type channelState struct {
	id string

	mu         sync.Mutex
	slug       string
	location   *time.Location
	paused     bool
	interval   time.Duration
	limiter    *refresh.Limiter
	version    int
	snapshot   timeline.Snapshot
	meta       []EntryMeta
	builtAt    time.Time
	hasEntry   bool
	lastEntry  string
	lastPos    int
	resolvedAt time.Time
	expiry     time.Time
	hasExpiry  bool
}

// New constructs the coordinator service.
func New(db *gorm.DB, bus eventbus.Bus, store *state.Store, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = refresh.DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = refresh.SystemClock
	}
	return &Service{
		db:          db,
		bus:         bus,
		store:       store,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		clock:       cfg.Clock,
		tick:        cfg.Tick,
		horizon:     cfg.Horizon,
		minInterval: cfg.MinInterval,
		channels:    make(map[string]*channelState),
	}
}

// SetCache sets the cache instance for the coordinator.
func (s *Service) SetCache(c *cache.Cache) {
	s.cache = c
}

// Run executes the coordinator loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Msg("coordinator loop started")

	published := s.bus.Subscribe(events.EventTimelinePublished)
	refreshReq := s.bus.Subscribe(events.EventRefreshRequested)
	pausedCh := s.bus.Subscribe(events.EventChannelPaused)
	resumedCh := s.bus.Subscribe(events.EventChannelResumed)
	updatedCh := s.bus.Subscribe(events.EventChannelUpdated)
	defer func() {
		s.bus.Unsubscribe(events.EventTimelinePublished, published)
		s.bus.Unsubscribe(events.EventRefreshRequested, refreshReq)
		s.bus.Unsubscribe(events.EventChannelPaused, pausedCh)
		s.bus.Unsubscribe(events.EventChannelResumed, resumedCh)
		s.bus.Unsubscribe(events.EventChannelUpdated, updatedCh)
	}()

	if err := s.syncChannels(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial channel load failed")
		telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("sync_channels").Inc()
	}
	s.resolveAll(ctx, "startup")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			s.logger.Info().Msg("coordinator loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tickOnce(ctx)
		case p := <-published:
			s.handleTimelinePublished(ctx, p)
		case p := <-refreshReq:
			s.handleRefreshRequested(p)
		case p := <-pausedCh:
			s.handlePauseChange(p, true)
		case p := <-resumedCh:
			s.handlePauseChange(p, false)
		case p := <-updatedCh:
			s.handleChannelUpdated(ctx, p)
		}
	}
}

func (s *Service) tickOnce(ctx context.Context) {
	if err := s.syncChannels(ctx); err != nil {
		s.logger.Error().Err(err).Msg("channel sync failed")
		telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("sync_channels").Inc()
		return
	}
	s.resolveAll(ctx, "tick")
}

// syncChannels reconciles the in-memory channel set against the
// database: new channels are adopted, removed ones torn down, config
// changes applied, and snapshots rebuilt once the expansion horizon is
// half spent.
func (s *Service) syncChannels(ctx context.Context) error {
	channels, err := s.listChannels(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		seen[ch.ID] = struct{}{}

		s.mu.Lock()
		st, ok := s.channels[ch.ID]
		if !ok {
			st = s.newChannelState(ch)
			s.channels[ch.ID] = st
		}
		s.mu.Unlock()

		if ok {
			s.applyChannelConfig(st, ch)
		}

		if s.snapshotStale(st) {
			if err := s.reloadTimeline(ctx, st); err != nil {
				s.logger.Warn().Err(err).Str("channel", ch.ID).Msg("timeline reload failed")
				telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("load_timeline").Inc()
			}
		}
	}

	s.mu.Lock()
	var dropped []*channelState
	for id, st := range s.channels {
		if _, ok := seen[id]; !ok {
			dropped = append(dropped, st)
			delete(s.channels, id)
		}
	}
	count := len(s.channels)
	s.mu.Unlock()

	for _, st := range dropped {
		s.teardownChannel(st)
	}
	telemetry.CoordinatorActiveChannels.Set(float64(count))
	return nil
}

func (s *Service) newChannelState(ch models.Channel) *channelState {
	interval := s.minInterval
	if ch.MinRefreshSeconds > 0 {
		interval = time.Duration(ch.MinRefreshSeconds) * time.Second
	}
	st := &channelState{
		id:       ch.ID,
		slug:     ch.Slug,
		location: s.location(ch.Timezone),
		interval: interval,
		paused:   ch.Paused,
	}
	st.limiter = refresh.New(refresh.Config{MinInterval: interval, Clock: s.clock}, func() {
		s.onRefreshFire(st)
	}, s.logger)
	if ch.Paused {
		st.limiter.Disable()
	}
	s.logger.Info().
		Str("channel", ch.ID).
		Str("slug", ch.Slug).
		Dur("min_interval", interval).
		Bool("paused", ch.Paused).
		Msg("channel adopted")
	return st
}

// applyChannelConfig folds a fresh channel row into existing state. A
// changed minimum interval swaps in a new limiter, which restarts
// refresh spacing from now.
func (s *Service) applyChannelConfig(st *channelState, ch models.Channel) {
	interval := s.minInterval
	if ch.MinRefreshSeconds > 0 {
		interval = time.Duration(ch.MinRefreshSeconds) * time.Second
	}

	st.mu.Lock()
	st.slug = ch.Slug
	st.location = s.location(ch.Timezone)
	intervalChanged := interval != st.interval
	pauseChanged := ch.Paused != st.paused
	st.interval = interval
	st.paused = ch.Paused
	var retired *refresh.Limiter
	if intervalChanged {
		retired = st.limiter
		st.limiter = refresh.New(refresh.Config{MinInterval: interval, Clock: s.clock}, func() {
			s.onRefreshFire(st)
		}, s.logger)
		if ch.Paused {
			st.limiter.Disable()
		}
	}
	lim := st.limiter
	st.mu.Unlock()

	if retired != nil {
		retired.Close()
		s.logger.Info().Str("channel", ch.ID).Dur("min_interval", interval).Msg("refresh interval changed")
		return
	}
	if pauseChanged {
		if ch.Paused {
			lim.Disable()
			s.logger.Info().Str("channel", ch.ID).Msg("channel paused, refresh suppressed")
		} else {
			lim.Enable()
			s.logger.Info().Str("channel", ch.ID).Msg("channel resumed")
		}
	}
}

func (s *Service) teardownChannel(st *channelState) {
	st.mu.Lock()
	lim := st.limiter
	st.mu.Unlock()
	lim.Close()
	if s.store != nil {
		s.store.Drop(st.id)
	}
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cache.InvalidateSelection(ctx, st.id); err != nil {
			s.logger.Debug().Err(err).Str("channel", st.id).Msg("failed to invalidate selection cache")
		}
	}
	s.logger.Info().Str("channel", st.id).Msg("channel removed")
}

// snapshotStale reports whether a channel's snapshot needs rebuilding:
// never built, or its recurrence horizon is half spent.
func (s *Service) snapshotStale(st *channelState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.builtAt.IsZero() {
		return true
	}
	return s.clock.Now().Sub(st.builtAt) >= s.horizon/2
}

// reloadTimeline loads the channel's newest timeline and swaps in a
// freshly compiled snapshot. Loads racing a publish keep the newest
// version.
func (s *Service) reloadTimeline(ctx context.Context, st *channelState) error {
	tl, err := s.loadTimeline(ctx, st.id)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	var snap timeline.Snapshot
	var meta []EntryMeta
	version := 0
	if tl != nil {
		st.mu.Lock()
		loc := st.location
		st.mu.Unlock()
		snap, meta, err = BuildSnapshot(tl.Entries, now, s.horizon, loc)
		if err != nil {
			telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("snapshot_build").Inc()
			return err
		}
		version = tl.Version
	}

	st.mu.Lock()
	if version < st.version {
		st.mu.Unlock()
		return nil
	}
	st.snapshot = snap
	st.meta = meta
	st.version = version
	st.builtAt = now
	st.mu.Unlock()

	s.logger.Debug().
		Str("channel", st.id).
		Int("version", version).
		Int("windows", snap.Len()).
		Msg("snapshot rebuilt")
	return nil
}

// resolveAll re-resolves every known channel.
func (s *Service) resolveAll(ctx context.Context, trigger string) {
	s.mu.Lock()
	states := make([]*channelState, 0, len(s.channels))
	for _, st := range s.channels {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		s.resolveAndNudge(ctx, st, trigger)
	}
}

// resolveAndNudge resolves one channel and, when the selection changed,
// pushes a device-facing refresh through the limiter so fan-out still
// honors the minimum spacing.
func (s *Service) resolveAndNudge(ctx context.Context, st *channelState, trigger string) {
	if !s.resolveChannel(ctx, st, trigger) {
		return
	}
	st.mu.Lock()
	lim := st.limiter
	st.mu.Unlock()
	lim.UpdateNow(false)
}

// resolveChannel runs one selection cycle: pick the active entry for
// now, surface a change as an event plus cache write, and arm the
// limiter for the instant the answer changes again. Reports whether
// the selection changed.
func (s *Service) resolveChannel(ctx context.Context, st *channelState, trigger string) bool {
	ctx, span := telemetry.StartSpan(ctx, "coordinator", "resolveChannel")
	defer span.End()

	telemetry.CoordinatorResolvesTotal.WithLabelValues(trigger).Inc()
	now := s.clock.Now()

	st.mu.Lock()

	telemetry.AddSpanAttributes(span, map[string]any{
		"channel.id":   st.id,
		"channel.slug": st.slug,
		"trigger":      trigger,
	})

	sel, ok := st.snapshot.ActiveAt(now)

	var (
		entryID  string
		position int
		payload  json.RawMessage
	)
	if ok {
		m := st.meta[sel.Index]
		entryID, position = m.EntryID, m.Position
		payload = sel.Entry.Payload
	}
	changed := ok != st.hasEntry || (ok && entryID != st.lastEntry)

	var expiry time.Time
	hasExpiry := false
	if ok {
		if exp, will := st.snapshot.ExpiryAfter(sel, now); will {
			expiry, hasExpiry = exp, true
		}
	} else if nxt, will := nextWindowStart(st.snapshot, now); will {
		// Nothing active and no default: wake when the next window opens.
		expiry, hasExpiry = nxt, true
	}
	if hasExpiry && !expiry.Before(now.Add(s.horizon)) {
		// Sentinel or beyond-horizon instants are re-derived after the
		// next snapshot rebuild instead of arming a far-future timer.
		hasExpiry = false
	}

	st.hasEntry = ok
	st.lastEntry = entryID
	st.lastPos = position
	st.resolvedAt = now
	st.expiry = expiry
	st.hasExpiry = hasExpiry

	var expiresAt *time.Time
	if hasExpiry {
		e := expiry
		expiresAt = &e
	}

	version := st.version
	slug := st.slug

	if changed {
		s.publishSelectionChange(st, ok, entryID, position, trigger, now, expiresAt)
	}

	if s.cache != nil {
		cached := &cache.CachedSelection{
			ChannelID:  st.id,
			Version:    int64(version),
			EntryID:    entryID,
			EntryIndex: position,
			Payload:    payload,
			HasEntry:   ok,
			ResolvedAt: now,
			ExpiresAt:  expiresAt,
		}
		if err := s.cache.SetSelection(ctx, cached); err != nil {
			s.logger.Debug().Err(err).Str("channel", st.id).Msg("failed to cache selection")
		}
	}

	if hasExpiry {
		telemetry.SelectionExpirySeconds.Observe(expiry.Sub(now).Seconds())
		telemetry.RefreshScheduledTotal.WithLabelValues(st.id).Inc()
		st.limiter.ScheduleAt(expiry)
	}

	st.mu.Unlock()

	if changed {
		s.logger.Info().
			Str("channel", slug).
			Str("trigger", trigger).
			Bool("active", ok).
			Str("entry", entryID).
			Int("version", version).
			Msg("selection changed")
	}
	return changed
}

// publishSelectionChange emits the change event and records it in the
// state store. Callers hold st.mu; bus publishes never block.
func (s *Service) publishSelectionChange(st *channelState, active bool, entryID string, position int, trigger string, now time.Time, expiresAt *time.Time) {
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	if active {
		s.bus.Publish(events.EventEntryActivated, events.Payload{
			"channel_id":   st.id,
			"channel_slug": st.slug,
			"entry_id":     entryID,
			"position":     position,
			"version":      st.version,
			"expires_at":   expires,
			"trigger":      trigger,
		})
	} else {
		s.bus.Publish(events.EventSelectionCleared, events.Payload{
			"channel_id":   st.id,
			"channel_slug": st.slug,
			"version":      st.version,
			"trigger":      trigger,
		})
	}
	if s.store != nil {
		s.store.Add(state.Activation{
			ChannelID: st.id,
			EntryID:   entryID,
			Index:     position,
			Version:   st.version,
			Cleared:   !active,
			At:        now,
			ExpiresAt: expiresAt,
			Trigger:   trigger,
		})
	}
}

// onRefreshFire is the limiter listener: the scheduled instant arrived
// or a requested refresh cleared the spacing floor. Resolve first so
// pollers see a fresh selection, then announce the fire.
func (s *Service) onRefreshFire(st *channelState) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.resolveChannel(ctx, st, "refresh")

	st.mu.Lock()
	slug := st.slug
	st.mu.Unlock()

	telemetry.RefreshFiredTotal.WithLabelValues(st.id).Inc()
	s.bus.Publish(events.EventRefreshFired, events.Payload{
		"channel_id":   st.id,
		"channel_slug": slug,
		"at":           s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RequestRefresh asks for a device-facing refresh of one channel.
// Unforced requests inside the channel's minimum spacing are deferred
// to the earliest allowed instant rather than dropped.
func (s *Service) RequestRefresh(channelID string, force bool) error {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown channel %q", channelID)
	}

	st.mu.Lock()
	lim := st.limiter
	interval := st.interval
	slug := st.slug
	st.mu.Unlock()

	if !force {
		last := lim.State().LastFire
		if until := last.Add(interval); s.clock.Now().Before(until) {
			telemetry.RefreshDeferredTotal.WithLabelValues(channelID).Inc()
			s.bus.Publish(events.EventRefreshDeferred, events.Payload{
				"channel_id":     channelID,
				"channel_slug":   slug,
				"deferred_until": until.UTC().Format(time.RFC3339Nano),
			})
			s.logger.Debug().
				Str("channel", channelID).
				Time("deferred_until", until).
				Msg("refresh deferred by rate limit")
		}
	}

	lim.UpdateNow(force)
	return nil
}

func (s *Service) handleTimelinePublished(ctx context.Context, p events.Payload) {
	channelID := payloadString(p, "channel_id")
	if channelID == "" {
		return
	}

	s.mu.Lock()
	st, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		// Channel published before the tick adopted it.
		if err := s.syncChannels(ctx); err != nil {
			s.logger.Error().Err(err).Msg("channel sync failed")
			telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("sync_channels").Inc()
			return
		}
		s.mu.Lock()
		st, ok = s.channels[channelID]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn().Str("channel", channelID).Msg("publish event for unknown channel")
			return
		}
	}

	if err := s.reloadTimeline(ctx, st); err != nil {
		s.logger.Error().Err(err).Str("channel", channelID).Msg("timeline reload failed")
		telemetry.CoordinatorResolveErrorsTotal.WithLabelValues("load_timeline").Inc()
		return
	}
	s.resolveAndNudge(ctx, st, "publish")
}

func (s *Service) handleRefreshRequested(p events.Payload) {
	channelID := payloadString(p, "channel_id")
	if channelID == "" {
		return
	}
	force, _ := p["force"].(bool)
	if err := s.RequestRefresh(channelID, force); err != nil {
		s.logger.Warn().Err(err).Str("channel", channelID).Msg("refresh request ignored")
	}
}

func (s *Service) handlePauseChange(p events.Payload, paused bool) {
	channelID := payloadString(p, "channel_id")
	if channelID == "" {
		return
	}
	s.mu.Lock()
	st, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.paused = paused
	lim := st.limiter
	st.mu.Unlock()

	if paused {
		lim.Disable()
		s.logger.Info().Str("channel", channelID).Msg("channel paused, refresh suppressed")
	} else {
		lim.Enable()
		s.logger.Info().Str("channel", channelID).Msg("channel resumed")
	}
}

func (s *Service) handleChannelUpdated(ctx context.Context, p events.Payload) {
	channelID := payloadString(p, "channel_id")
	if channelID == "" {
		return
	}
	var ch models.Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Str("channel", channelID).Msg("channel lookup failed")
		}
		return
	}

	s.mu.Lock()
	st, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.applyChannelConfig(st, ch)
}

func (s *Service) shutdown() {
	s.mu.Lock()
	states := make([]*channelState, 0, len(s.channels))
	for _, st := range s.channels {
		states = append(states, st)
	}
	s.channels = make(map[string]*channelState)
	s.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		lim := st.limiter
		st.mu.Unlock()
		lim.Close()
	}
}

// listChannels retrieves channels, using cache when available.
func (s *Service) listChannels(ctx context.Context) ([]models.Channel, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetChannelList(ctx); ok {
			out := make([]models.Channel, len(cached))
			for i, c := range cached {
				out[i] = models.Channel{
					ID:                c.ID,
					Slug:              c.Slug,
					Name:              c.Name,
					Description:       c.Description,
					Timezone:          c.Timezone,
					MinRefreshSeconds: c.MinRefreshSeconds,
					Paused:            c.Paused,
				}
			}
			return out, nil
		}
	}

	var channels []models.Channel
	if err := s.db.WithContext(ctx).Find(&channels).Error; err != nil {
		return nil, err
	}

	if s.cache != nil {
		cached := make([]cache.CachedChannel, len(channels))
		for i, ch := range channels {
			cached[i] = cache.CachedChannel{
				ID:                ch.ID,
				Slug:              ch.Slug,
				Name:              ch.Name,
				Description:       ch.Description,
				Timezone:          ch.Timezone,
				MinRefreshSeconds: ch.MinRefreshSeconds,
				Paused:            ch.Paused,
			}
		}
		if err := s.cache.SetChannelList(ctx, cached); err != nil {
			s.logger.Debug().Err(err).Msg("failed to cache channel list")
		}
	}
	return channels, nil
}

// loadTimeline retrieves the newest published timeline for a channel,
// using cache when available. Returns nil when the channel has never
// published.
func (s *Service) loadTimeline(ctx context.Context, channelID string) (*models.Timeline, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetTimeline(ctx, channelID); ok {
			return timelineFromCache(cached), nil
		}
	}

	var tl models.Timeline
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("version DESC").
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&tl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetTimeline(ctx, timelineToCache(&tl)); err != nil {
			s.logger.Debug().Err(err).Str("channel", channelID).Msg("failed to cache timeline")
		}
	}
	return &tl, nil
}

func timelineFromCache(cached *cache.CachedTimeline) *models.Timeline {
	tl := &models.Timeline{
		ID:          cached.ID,
		ChannelID:   cached.ChannelID,
		Version:     int(cached.Version),
		PublishedAt: cached.PublishedAt,
		Entries:     make([]models.TimelineEntry, len(cached.Entries)),
	}
	for i, e := range cached.Entries {
		tl.Entries[i] = models.TimelineEntry{
			ID:               e.ID,
			TimelineID:       cached.ID,
			Position:         e.Position,
			Payload:          string(e.Payload),
			StartsAt:         e.StartsAt,
			EndsAt:           e.EndsAt,
			RRule:            e.RRule,
			RDurationSeconds: e.RDurationSeconds,
			AssetKey:         e.AssetKey,
		}
	}
	return tl
}

func timelineToCache(tl *models.Timeline) *cache.CachedTimeline {
	cached := &cache.CachedTimeline{
		ID:          tl.ID,
		ChannelID:   tl.ChannelID,
		Version:     int64(tl.Version),
		PublishedAt: tl.PublishedAt,
		Entries:     make([]cache.CachedEntry, len(tl.Entries)),
	}
	for i, e := range tl.Entries {
		cached.Entries[i] = cache.CachedEntry{
			ID:               e.ID,
			Position:         e.Position,
			Payload:          json.RawMessage(e.Payload),
			StartsAt:         e.StartsAt,
			EndsAt:           e.EndsAt,
			RRule:            e.RRule,
			RDurationSeconds: e.RDurationSeconds,
			AssetKey:         e.AssetKey,
		}
	}
	return cached
}

func (s *Service) location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Warn().Str("timezone", name).Msg("unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

func payloadString(p events.Payload, key string) string {
	v, _ := p[key].(string)
	return v
}

// ChannelStatus is an observable snapshot of one channel's coordinator
// state, for status surfaces.
type ChannelStatus struct {
	ChannelID  string
	Slug       string
	Version    int
	Paused     bool
	HasEntry   bool
	EntryID    string
	Position   int
	ResolvedAt time.Time
	ExpiresAt  *time.Time
	Limiter    refresh.State
}

// ChannelStatus returns the coordinator's view of one channel.
func (s *Service) ChannelStatus(channelID string) (ChannelStatus, bool) {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	s.mu.Unlock()
	if !ok {
		return ChannelStatus{}, false
	}
	return s.statusOf(st), true
}

// Statuses returns the coordinator's view of every channel, ordered by
// slug.
func (s *Service) Statuses() []ChannelStatus {
	s.mu.Lock()
	states := make([]*channelState, 0, len(s.channels))
	for _, st := range s.channels {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]ChannelStatus, 0, len(states))
	for _, st := range states {
		out = append(out, s.statusOf(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (s *Service) statusOf(st *channelState) ChannelStatus {
	st.mu.Lock()
	lim := st.limiter
	status := ChannelStatus{
		ChannelID:  st.id,
		Slug:       st.slug,
		Version:    st.version,
		Paused:     st.paused,
		HasEntry:   st.hasEntry,
		EntryID:    st.lastEntry,
		Position:   st.lastPos,
		ResolvedAt: st.resolvedAt,
	}
	if st.hasExpiry {
		e := st.expiry
		status.ExpiresAt = &e
	}
	st.mu.Unlock()
	status.Limiter = lim.State()
	return status
}

// Store exposes the activation history store.
func (s *Service) Store() *state.Store {
	return s.store
}
