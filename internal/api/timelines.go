/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

// timelineEntryResponse renders one entry with its payload as raw
// JSON instead of a re-encoded string.
type timelineEntryResponse struct {
	ID              string          `json:"id"`
	Position        int             `json:"position"`
	Payload         json.RawMessage `json:"payload"`
	StartsAt        *time.Time      `json:"starts_at,omitempty"`
	EndsAt          *time.Time      `json:"ends_at,omitempty"`
	RRule           string          `json:"rrule,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	AssetKey        string          `json:"asset_key,omitempty"`
}

type timelineResponse struct {
	ID          string                  `json:"id"`
	ChannelID   string                  `json:"channel_id"`
	Version     int                     `json:"version"`
	Source      string                  `json:"source,omitempty"`
	PublishedAt time.Time               `json:"published_at"`
	Entries     []timelineEntryResponse `json:"entries"`
}

func toTimelineResponse(tl models.Timeline) timelineResponse {
	entries := make([]timelineEntryResponse, len(tl.Entries))
	for i, e := range tl.Entries {
		entries[i] = timelineEntryResponse{
			ID:              e.ID,
			Position:        e.Position,
			Payload:         json.RawMessage(e.Payload),
			StartsAt:        e.StartsAt,
			EndsAt:          e.EndsAt,
			RRule:           e.RRule,
			DurationSeconds: e.RDurationSeconds,
			AssetKey:        e.AssetKey,
		}
	}
	return timelineResponse{
		ID:          tl.ID,
		ChannelID:   tl.ChannelID,
		Version:     tl.Version,
		Source:      tl.Source,
		PublishedAt: tl.PublishedAt,
		Entries:     entries,
	}
}

// handleTimelinePublish replaces the channel's timeline wholesale with
// a new generation. Entry order in the request is selection tie-break
// order.
func (a *API) handleTimelinePublish(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	var req struct {
		Source  string `json:"source"`
		Entries []struct {
			Payload         json.RawMessage `json:"payload"`
			StartsAt        *time.Time      `json:"starts_at,omitempty"`
			EndsAt          *time.Time      `json:"ends_at,omitempty"`
			RRule           string          `json:"rrule,omitempty"`
			DurationSeconds int             `json:"duration_seconds,omitempty"`
			AssetKey        string          `json:"asset_key,omitempty"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	for _, e := range req.Entries {
		if len(e.Payload) == 0 || !json.Valid(e.Payload) {
			writeError(w, http.StatusBadRequest, "invalid_payload")
			return
		}
		if e.DurationSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration")
			return
		}
		if rule := strings.TrimSpace(e.RRule); rule != "" {
			if _, err := rrule.StrToRRule(rule); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_rrule")
				return
			}
			if e.StartsAt == nil || e.DurationSeconds <= 0 {
				// Recurrences need an anchor and an occurrence length
				// to expand into windows.
				writeError(w, http.StatusBadRequest, "rrule_requires_anchor")
				return
			}
		}
	}

	ctx := r.Context()
	var created models.Timeline
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var version int
		if err := tx.Model(&models.Timeline{}).
			Where("channel_id = ?", ch.ID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&version).Error; err != nil {
			return err
		}

		created = models.Timeline{
			ID:          uuid.NewString(),
			ChannelID:   ch.ID,
			Version:     version + 1,
			Source:      req.Source,
			PublishedAt: time.Now().UTC(),
		}
		entries := make([]models.TimelineEntry, len(req.Entries))
		for i, e := range req.Entries {
			entries[i] = models.TimelineEntry{
				ID:               uuid.NewString(),
				TimelineID:       created.ID,
				Position:         i,
				Payload:          string(e.Payload),
				StartsAt:         e.StartsAt,
				EndsAt:           e.EndsAt,
				RRule:            strings.TrimSpace(e.RRule),
				RDurationSeconds: e.DurationSeconds,
				AssetKey:         e.AssetKey,
			}
		}
		created.Entries = entries
		return tx.Create(&created).Error
	})
	if err != nil {
		a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to publish timeline")
		writeError(w, http.StatusInternalServerError, "timeline_publish_failed")
		return
	}

	a.invalidateChannelCache(ctx, ch.ID, ch.Slug)
	a.publishAuditEvent(r, events.EventTimelinePublished, events.Payload{
		"channel_id":    ch.ID,
		"channel_slug":  ch.Slug,
		"version":       created.Version,
		"source":        created.Source,
		"entry_count":   len(created.Entries),
		"resource_type": "timeline",
		"resource_id":   created.ID,
	})

	a.logger.Info().
		Str("channel", ch.Slug).
		Int("version", created.Version).
		Int("entries", len(created.Entries)).
		Msg("timeline published")

	writeJSON(w, http.StatusCreated, map[string]any{"timeline": toTimelineResponse(created)})
}

// handleTimelineGet returns the newest timeline generation, or a
// specific one via ?version=N.
func (a *API) handleTimelineGet(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	query := a.db.WithContext(r.Context()).
		Where("channel_id = ?", ch.ID).
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("position")
		})
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "invalid_version")
			return
		}
		query = query.Where("version = ?", version)
	} else {
		query = query.Order("version DESC")
	}

	var tl models.Timeline
	if err := query.First(&tl).Error; err != nil {
		writeError(w, http.StatusNotFound, "timeline_not_found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"timeline": toTimelineResponse(tl)})
}

// activeResponse is the resolved selection for one instant.
type activeResponse struct {
	ChannelID  string          `json:"channel_id"`
	Version    int             `json:"version"`
	HasEntry   bool            `json:"has_entry"`
	EntryID    string          `json:"entry_id,omitempty"`
	Position   int             `json:"position"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	AssetKey   string          `json:"asset_key,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	Nearest    *nearestEntry   `json:"nearest,omitempty"`
}

// nearestEntry points at the window-bound entry closest in time when
// nothing is active.
type nearestEntry struct {
	EntryID  string     `json:"entry_id"`
	Position int        `json:"position"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// handleChannelActive answers what a device should show. Without an
// explicit instant the coordinator's cached selection is authoritative;
// with ?at= the timeline is resolved on the fly.
func (a *API) handleChannelActive(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	at := time.Now().UTC()
	explicit := false
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at")
			return
		}
		at, explicit = t, true
	}

	if !explicit && a.cache != nil {
		if sel, found := a.cache.GetSelection(ctx, ch.ID); found {
			writeJSON(w, http.StatusOK, a.activeFromCache(ctx, sel))
			return
		}
	}

	resp, err := a.resolveActive(ctx, ch, at)
	if err != nil {
		a.logger.Error().Err(err).Str("channel", ch.ID).Msg("selection resolve failed")
		writeError(w, http.StatusInternalServerError, "resolve_failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// activeFromCache converts the coordinator's cached selection,
// attaching the entry's asset key from its source row.
func (a *API) activeFromCache(ctx context.Context, sel *cache.CachedSelection) activeResponse {
	resp := activeResponse{
		ChannelID:  sel.ChannelID,
		Version:    int(sel.Version),
		HasEntry:   sel.HasEntry,
		EntryID:    sel.EntryID,
		Position:   sel.EntryIndex,
		Payload:    sel.Payload,
		ResolvedAt: sel.ResolvedAt,
		ExpiresAt:  sel.ExpiresAt,
	}
	if sel.HasEntry && sel.EntryID != "" {
		var entry models.TimelineEntry
		if err := a.db.WithContext(ctx).First(&entry, "id = ?", sel.EntryID).Error; err == nil {
			resp.AssetKey = entry.AssetKey
		}
	}
	return resp
}

// resolveActive compiles the newest timeline and answers for one
// instant, including the nearest upcoming or past window when nothing
// is active.
func (a *API) resolveActive(ctx context.Context, ch models.Channel, at time.Time) (activeResponse, error) {
	resp := activeResponse{
		ChannelID:  ch.ID,
		ResolvedAt: at,
	}

	var tl models.Timeline
	err := a.db.WithContext(ctx).
		Where("channel_id = ?", ch.ID).
		Order("version DESC").
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("position")
		}).
		First(&tl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return resp, nil
		}
		return resp, err
	}
	resp.Version = tl.Version

	loc := time.UTC
	if ch.Timezone != "" {
		if l, err := time.LoadLocation(ch.Timezone); err == nil {
			loc = l
		}
	}

	snap, meta, err := coordinator.BuildSnapshot(tl.Entries, at, a.cfg.SnapshotHorizon(), loc)
	if err != nil {
		return resp, err
	}

	steps := coordinator.SimulateSnapshot(snap, meta, at, at, time.Minute)
	if len(steps) == 0 {
		return resp, nil
	}
	step := steps[0]
	resp.HasEntry = step.HasEntry
	resp.ExpiresAt = step.ExpiresAt
	if step.HasEntry {
		resp.EntryID = step.EntryID
		resp.Position = step.Position
		for _, e := range tl.Entries {
			if e.ID == step.EntryID {
				resp.Payload = json.RawMessage(e.Payload)
				resp.AssetKey = e.AssetKey
				break
			}
		}
		return resp, nil
	}

	if sel, found := snap.ClosestTo(at); found {
		m := meta[sel.Index]
		for _, e := range tl.Entries {
			if e.ID == m.EntryID {
				resp.Nearest = &nearestEntry{
					EntryID:  e.ID,
					Position: e.Position,
					StartsAt: e.StartsAt,
					EndsAt:   e.EndsAt,
				}
				break
			}
		}
	}
	return resp, nil
}

// handleChannelSimulate replays selection over a requested range,
// reporting only the instants where the answer changes.
func (a *API) handleChannelSimulate(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}
	if a.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator_unavailable")
		return
	}

	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from")
		return
	}
	until, err := time.Parse(time.RFC3339, q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_until")
		return
	}
	step, err := parseStep(q.Get("step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_step")
		return
	}

	steps, err := a.coordinator.Simulate(r.Context(), ch.ID, from, until, step)
	if err != nil {
		writeError(w, http.StatusBadRequest, "simulation_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": ch.ID,
		"from":       from,
		"until":      until,
		"step":       step.String(),
		"steps":      steps,
		"count":      len(steps),
	})
}

// parseStep accepts a bare second count or a duration string. Empty
// means the one minute default.
func parseStep(raw string) (time.Duration, error) {
	if raw == "" {
		return time.Minute, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, strconv.ErrRange
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, strconv.ErrRange
	}
	return d, nil
}

// handleChannelRefresh asks the coordinator to push a refresh to the
// channel's devices. The request is published so whichever instance
// leads picks it up; spacing decisions surface as refresh.deferred
// events, not errors.
func (a *API) handleChannelRefresh(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	var req struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		// An empty body means an unforced request.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	a.bus.Publish(events.EventRefreshRequested, events.Payload{
		"channel_id":   ch.ID,
		"channel_slug": ch.Slug,
		"force":        req.Force,
	})
	a.publishAuditEvent(r, events.EventAuditRefreshRequest, events.Payload{
		"channel_id":    ch.ID,
		"resource_type": "channel",
		"resource_id":   ch.ID,
		"force":         req.Force,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"force":  req.Force,
	})
}
