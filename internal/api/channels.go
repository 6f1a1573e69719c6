/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// channelBySlug loads the channel addressed by the route, writing the
// 404 itself when the slug is unknown.
func (a *API) channelBySlug(w http.ResponseWriter, r *http.Request) (models.Channel, bool) {
	slug := chi.URLParam(r, "slug")
	var ch models.Channel
	if err := a.db.WithContext(r.Context()).First(&ch, "slug = ?", slug).Error; err != nil {
		writeError(w, http.StatusNotFound, "channel_not_found")
		return models.Channel{}, false
	}
	return ch, true
}

// latestVersions maps channel IDs to their newest published timeline
// version. Channels that never published are absent.
func (a *API) latestVersions(ctx context.Context) map[string]int {
	var rows []struct {
		ChannelID  string
		MaxVersion int
	}
	if err := a.db.WithContext(ctx).
		Model(&models.Timeline{}).
		Select("channel_id, MAX(version) AS max_version").
		Group("channel_id").
		Scan(&rows).Error; err != nil {
		a.logger.Warn().Err(err).Msg("version lookup failed")
		return nil
	}
	versions := make(map[string]int, len(rows))
	for _, row := range rows {
		versions[row.ChannelID] = row.MaxVersion
	}
	return versions
}

// latestVersion returns the newest published version for one channel,
// zero when nothing was published yet.
func (a *API) latestVersion(ctx context.Context, channelID string) int {
	var version int
	if err := a.db.WithContext(ctx).
		Model(&models.Timeline{}).
		Where("channel_id = ?", channelID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error; err != nil {
		a.logger.Warn().Err(err).Str("channel", channelID).Msg("version lookup failed")
		return 0
	}
	return version
}

// invalidateChannelCache drops every cache entry derived from the
// channel. A cold cache is never an error.
func (a *API) invalidateChannelCache(ctx context.Context, channelID, slug string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateChannel(ctx, channelID, slug); err != nil {
		a.logger.Warn().Err(err).Str("channel", channelID).Msg("cache invalidation failed")
	}
}

// handleChannelList lists all channels with their newest published
// versions, serving from cache when warm.
func (a *API) handleChannelList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.cache != nil {
		if cached, ok := a.cache.GetChannelList(ctx); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"channels": cached,
				"count":    len(cached),
			})
			return
		}
	}

	var channels []models.Channel
	if err := a.db.WithContext(ctx).Order("slug").Find(&channels).Error; err != nil {
		a.logger.Error().Err(err).Msg("failed to list channels")
		writeError(w, http.StatusInternalServerError, "channel_list_failed")
		return
	}

	versions := a.latestVersions(ctx)
	out := make([]cache.CachedChannel, len(channels))
	for i, ch := range channels {
		out[i] = cache.CachedChannel{
			ID:                ch.ID,
			Slug:              ch.Slug,
			Name:              ch.Name,
			Description:       ch.Description,
			Timezone:          ch.Timezone,
			MinRefreshSeconds: ch.MinRefreshSeconds,
			Paused:            ch.Paused,
			CurrentVersion:    int64(versions[ch.ID]),
		}
	}
	if a.cache != nil {
		_ = a.cache.SetChannelList(ctx, out)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channels": out,
		"count":    len(out),
	})
}

// handleChannelCreate creates a channel. Slugs are immutable after
// creation, so they are validated strictly here.
func (a *API) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug              string `json:"slug"`
		Name              string `json:"name"`
		Description       string `json:"description"`
		Timezone          string `json:"timezone"`
		MinRefreshSeconds int    `json:"min_refresh_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Slug == "" || len(req.Slug) > 64 || !slugPattern.MatchString(req.Slug) {
		writeError(w, http.StatusBadRequest, "invalid_slug")
		return
	}
	if req.Name == "" {
		req.Name = req.Slug
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timezone")
			return
		}
	}
	if req.MinRefreshSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_min_refresh")
		return
	}

	ctx := r.Context()
	var existing models.Channel
	if err := a.db.WithContext(ctx).First(&existing, "slug = ?", req.Slug).Error; err == nil {
		writeError(w, http.StatusConflict, "slug_taken")
		return
	}

	ch := models.Channel{
		ID:                uuid.NewString(),
		Slug:              req.Slug,
		Name:              req.Name,
		Description:       req.Description,
		Timezone:          req.Timezone,
		MinRefreshSeconds: req.MinRefreshSeconds,
	}
	if err := a.db.WithContext(ctx).Create(&ch).Error; err != nil {
		a.logger.Error().Err(err).Str("slug", req.Slug).Msg("failed to create channel")
		writeError(w, http.StatusInternalServerError, "channel_create_failed")
		return
	}

	if a.cache != nil {
		_ = a.cache.InvalidateChannelList(ctx)
	}
	a.bus.Publish(events.EventChannelCreated, events.Payload{
		"channel_id":   ch.ID,
		"channel_slug": ch.Slug,
	})
	a.publishAuditEvent(r, events.EventAuditChannelCreate, events.Payload{
		"channel_id":    ch.ID,
		"resource_type": "channel",
		"resource_id":   ch.ID,
		"slug":          ch.Slug,
	})

	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch})
}

// handleChannelGet returns one channel plus its newest published
// version.
func (a *API) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": ch,
		"version": a.latestVersion(r.Context(), ch.ID),
	})
}

// handleChannelUpdate applies a partial update. The slug never
// changes; devices hold it in their configuration.
func (a *API) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	var req struct {
		Name              *string `json:"name,omitempty"`
		Description       *string `json:"description,omitempty"`
		Timezone          *string `json:"timezone,omitempty"`
		MinRefreshSeconds *int    `json:"min_refresh_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	updates := make(map[string]any)
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Timezone != nil {
		if *req.Timezone != "" {
			if _, err := time.LoadLocation(*req.Timezone); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_timezone")
				return
			}
		}
		updates["timezone"] = *req.Timezone
	}
	if req.MinRefreshSeconds != nil {
		if *req.MinRefreshSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_min_refresh")
			return
		}
		updates["min_refresh_seconds"] = *req.MinRefreshSeconds
	}

	ctx := r.Context()
	if len(updates) > 0 {
		if err := a.db.WithContext(ctx).Model(&ch).Updates(updates).Error; err != nil {
			a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to update channel")
			writeError(w, http.StatusInternalServerError, "channel_update_failed")
			return
		}
		a.db.WithContext(ctx).First(&ch, "id = ?", ch.ID)

		a.invalidateChannelCache(ctx, ch.ID, ch.Slug)
		a.bus.Publish(events.EventChannelUpdated, events.Payload{
			"channel_id": ch.ID,
		})
		a.publishAuditEvent(r, events.EventAuditChannelUpdate, events.Payload{
			"channel_id":    ch.ID,
			"resource_type": "channel",
			"resource_id":   ch.ID,
			"slug":          ch.Slug,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
}

// handleChannelDelete removes a channel and everything hanging off it.
func (a *API) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var timelineIDs []string
		if err := tx.Model(&models.Timeline{}).Where("channel_id = ?", ch.ID).Pluck("id", &timelineIDs).Error; err != nil {
			return err
		}
		if len(timelineIDs) > 0 {
			if err := tx.Where("timeline_id IN ?", timelineIDs).Delete(&models.TimelineEntry{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("channel_id = ?", ch.ID).Delete(&models.Timeline{}).Error; err != nil {
			return err
		}
		if err := tx.Where("channel_id = ?", ch.ID).Delete(&models.Device{}).Error; err != nil {
			return err
		}
		var targetIDs []string
		if err := tx.Model(&models.WebhookTarget{}).Where("channel_id = ?", ch.ID).Pluck("id", &targetIDs).Error; err != nil {
			return err
		}
		if len(targetIDs) > 0 {
			if err := tx.Where("target_id IN ?", targetIDs).Delete(&models.WebhookLog{}).Error; err != nil {
				return err
			}
			if err := tx.Where("channel_id = ?", ch.ID).Delete(&models.WebhookTarget{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&ch).Error
	})
	if err != nil {
		a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to delete channel")
		writeError(w, http.StatusInternalServerError, "channel_delete_failed")
		return
	}

	a.invalidateChannelCache(ctx, ch.ID, ch.Slug)
	a.bus.Publish(events.EventChannelDeleted, events.Payload{
		"channel_id":   ch.ID,
		"channel_slug": ch.Slug,
	})
	a.publishAuditEvent(r, events.EventAuditChannelDelete, events.Payload{
		"channel_id":    ch.ID,
		"resource_type": "channel",
		"resource_id":   ch.ID,
		"slug":          ch.Slug,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "channel deleted"})
}

// handleChannelPause stops refresh scheduling for the channel. The
// coordinator keeps its pending schedule so resuming can fire it.
func (a *API) handleChannelPause(w http.ResponseWriter, r *http.Request) {
	a.setChannelPaused(w, r, true)
}

// handleChannelResume reenables refresh scheduling.
func (a *API) handleChannelResume(w http.ResponseWriter, r *http.Request) {
	a.setChannelPaused(w, r, false)
}

func (a *API) setChannelPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if ch.Paused != paused {
		if err := a.db.WithContext(ctx).Model(&ch).Update("paused", paused).Error; err != nil {
			a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to update pause state")
			writeError(w, http.StatusInternalServerError, "channel_update_failed")
			return
		}
		ch.Paused = paused

		a.invalidateChannelCache(ctx, ch.ID, ch.Slug)
		eventType := events.EventChannelPaused
		if !paused {
			eventType = events.EventChannelResumed
		}
		// One event serves both the coordinator and the audit trail.
		a.publishAuditEvent(r, eventType, events.Payload{
			"channel_id":   ch.ID,
			"channel_slug": ch.Slug,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"channel": ch})
}

// handleChannelStatus reports the coordinator's live view of one
// channel: current selection, expiry, and limiter state.
func (a *API) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}
	if a.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator_unavailable")
		return
	}
	status, ok := a.coordinator.ChannelStatus(ch.ID)
	if !ok {
		// The coordinator adopts new channels on its next sync tick.
		writeError(w, http.StatusServiceUnavailable, "channel_not_tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
