/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

func (h *Handler) channelBySlug(w http.ResponseWriter, r *http.Request) (models.Channel, bool) {
	slug := chi.URLParam(r, "slug")
	var ch models.Channel
	if err := h.db.First(&ch, "slug = ?", slug).Error; err != nil {
		http.Error(w, "Channel not found", http.StatusNotFound)
		return models.Channel{}, false
	}
	return ch, true
}

// ChannelDetail renders one channel: its published timeline, devices,
// webhooks, and the coordinator's live view.
func (h *Handler) ChannelDetail(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channelBySlug(w, r)
	if !ok {
		return
	}

	var tl models.Timeline
	hasTimeline := true
	err := h.db.Where("channel_id = ?", ch.ID).
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("position")
		}).
		Order("version DESC").
		First(&tl).Error
	if err != nil {
		hasTimeline = false
	}

	var devices []models.Device
	h.db.Where("channel_id = ?", ch.ID).Order("created_at").Find(&devices)

	var webhooks []models.WebhookTarget
	h.db.Where("channel_id = ?", ch.ID).Order("created_at").Find(&webhooks)

	var status *coordinator.ChannelStatus
	if h.coordinator != nil {
		if st, ok := h.coordinator.ChannelStatus(ch.ID); ok {
			status = &st
		}
	}

	now := time.Now().UTC()
	h.Render(w, r, "pages/channel", PageData{
		Title: ch.Name,
		Flash: flashFromQuery(r),
		Data: map[string]any{
			"Channel":      ch,
			"Timeline":     tl,
			"HasTimeline":  hasTimeline,
			"Devices":      devices,
			"Webhooks":     webhooks,
			"Status":       status,
			"SimFrom":      now.Format("2006-01-02T15:04"),
			"SimUntil":     now.Add(24 * time.Hour).Format("2006-01-02T15:04"),
			"CanSimulate":  h.coordinator != nil,
		},
	})
}

// ChannelSimulatePartial runs a dry selection over a time range and
// returns the result rows as a fragment for the simulate form.
func (h *Handler) ChannelSimulatePartial(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channelBySlug(w, r)
	if !ok {
		return
	}
	if h.coordinator == nil {
		http.Error(w, "Simulation unavailable", http.StatusServiceUnavailable)
		return
	}

	from, err := parseLocalInstant(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "Invalid start instant", http.StatusBadRequest)
		return
	}
	until, err := parseLocalInstant(r.URL.Query().Get("until"))
	if err != nil {
		http.Error(w, "Invalid end instant", http.StatusBadRequest)
		return
	}
	step := time.Hour
	if raw := r.URL.Query().Get("step"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			step = parsed
		} else if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			step = time.Duration(secs) * time.Second
		} else {
			http.Error(w, "Invalid step", http.StatusBadRequest)
			return
		}
	}

	steps, err := h.coordinator.Simulate(r.Context(), ch.ID, from, until, step)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.RenderPartial(w, r, "partials/simulate_rows", map[string]any{
		"Steps": steps,
	})
}

// parseLocalInstant accepts the datetime-local input format and full
// RFC 3339.
func parseLocalInstant(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ChannelRefreshSubmit asks the coordinator for an immediate refresh
// fan-out.
func (h *Handler) ChannelRefreshSubmit(w http.ResponseWriter, r *http.Request) {
	ch, ok := h.channelBySlug(w, r)
	if !ok {
		return
	}

	force := r.FormValue("force") == "on" || r.FormValue("force") == "true"

	h.bus.Publish(events.EventRefreshRequested, events.Payload{
		"channel_id":   ch.ID,
		"channel_slug": ch.Slug,
		"force":        force,
	})
	h.publishAudit(r, events.EventAuditRefreshRequest, events.Payload{
		"channel_id":    ch.ID,
		"resource_type": "channel",
		"resource_id":   ch.ID,
		"force":         force,
	})

	http.Redirect(w, r, "/dashboard/channels/"+ch.Slug+"?flash=refresh_requested", http.StatusSeeOther)
}

// ChannelPauseSubmit stops refresh scheduling for a channel.
func (h *Handler) ChannelPauseSubmit(w http.ResponseWriter, r *http.Request) {
	h.setChannelPaused(w, r, true)
}

// ChannelResumeSubmit reenables refresh scheduling.
func (h *Handler) ChannelResumeSubmit(w http.ResponseWriter, r *http.Request) {
	h.setChannelPaused(w, r, false)
}

func (h *Handler) setChannelPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	ch, ok := h.channelBySlug(w, r)
	if !ok {
		return
	}

	flash := "channel_resumed"
	eventType := events.EventChannelResumed
	if paused {
		flash = "channel_paused"
		eventType = events.EventChannelPaused
	}

	if ch.Paused != paused {
		if err := h.db.Model(&ch).Update("paused", paused).Error; err != nil {
			h.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to update pause state")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		// One event serves both the coordinator and the audit trail.
		h.publishAudit(r, eventType, events.Payload{
			"channel_id":   ch.ID,
			"channel_slug": ch.Slug,
		})
	}

	http.Redirect(w, r, "/dashboard/channels/"+ch.Slug+"?flash="+flash, http.StatusSeeOther)
}

// publishAudit merges the web session context into data and publishes
// the event for the audit service.
func (h *Handler) publishAudit(r *http.Request, eventType events.EventType, data events.Payload) {
	payload := events.Payload{
		"ip_address": r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}
	if user := h.GetUser(r); user != nil {
		payload["user_id"] = user.ID
		payload["user_email"] = user.Email
	}
	for k, v := range data {
		payload[k] = v
	}
	h.bus.Publish(eventType, payload)
}
