/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/telemetry"
)

// handleDeviceRegister enrolls a display against the channel. The
// token in the response is the device's only credential and is not
// retrievable later.
func (a *API) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}

	device := models.Device{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Name:      req.Name,
		Token:     uuid.NewString(),
	}
	if err := a.db.WithContext(r.Context()).Create(&device).Error; err != nil {
		a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to register device")
		writeError(w, http.StatusInternalServerError, "device_register_failed")
		return
	}

	a.publishAuditEvent(r, events.EventDeviceRegistered, events.Payload{
		"channel_id":    ch.ID,
		"channel_slug":  ch.Slug,
		"resource_type": "device",
		"resource_id":   device.ID,
		"device_name":   device.Name,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"device": device,
		"token":  device.Token,
	})
}

// handleDeviceList lists the channel's registered displays.
func (a *API) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	var devices []models.Device
	if err := a.db.WithContext(r.Context()).
		Where("channel_id = ?", ch.ID).
		Order("created_at").
		Find(&devices).Error; err != nil {
		a.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to list devices")
		writeError(w, http.StatusInternalServerError, "device_list_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleDeviceDelete removes a display and drops its cached token.
func (a *API) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channelBySlug(w, r)
	if !ok {
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	var device models.Device
	ctx := r.Context()
	if err := a.db.WithContext(ctx).First(&device, "id = ? AND channel_id = ?", deviceID, ch.ID).Error; err != nil {
		writeError(w, http.StatusNotFound, "device_not_found")
		return
	}
	if err := a.db.WithContext(ctx).Delete(&device).Error; err != nil {
		a.logger.Error().Err(err).Str("device", deviceID).Msg("failed to delete device")
		writeError(w, http.StatusInternalServerError, "device_delete_failed")
		return
	}

	if a.cache != nil {
		_ = a.cache.InvalidateDeviceToken(ctx, device.Token)
	}
	a.bus.Publish(events.EventDeviceDeleted, events.Payload{
		"channel_id": ch.ID,
		"device_id":  device.ID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "device deleted"})
}

// deviceToken pulls the device credential from the request. The
// dedicated header wins; a bearer token works for clients that cannot
// set custom headers.
func deviceToken(r *http.Request) string {
	if token := r.Header.Get("X-Device-Token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// handleDevicePoll is the device-facing read path: what to show now,
// when it stops being valid, and how soon polling again is welcome.
func (a *API) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	token := deviceToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "device_token_required")
		return
	}

	ctx := r.Context()
	var deviceID, channelID, deviceName string
	if a.cache != nil {
		if cached, found := a.cache.GetDeviceByToken(ctx, token); found {
			deviceID, channelID, deviceName = cached.ID, cached.ChannelID, cached.Name
		}
	}
	if deviceID == "" {
		var device models.Device
		if err := a.db.WithContext(ctx).First(&device, "token = ?", token).Error; err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_device_token")
			return
		}
		deviceID, channelID, deviceName = device.ID, device.ChannelID, device.Name
		if a.cache != nil {
			_ = a.cache.SetDeviceByToken(ctx, token, &cache.CachedDevice{
				ID:        device.ID,
				ChannelID: device.ChannelID,
				Name:      device.Name,
			})
		}
	}

	var ch models.Channel
	if err := a.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error; err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_device_token")
		return
	}

	var active activeResponse
	served := false
	if a.cache != nil {
		if sel, found := a.cache.GetSelection(ctx, ch.ID); found {
			active = a.activeFromCache(ctx, sel)
			served = true
		}
	}
	if !served {
		resolved, err := a.resolveActive(ctx, ch, time.Now().UTC())
		if err != nil {
			a.logger.Error().Err(err).Str("channel", ch.ID).Msg("selection resolve failed")
			writeError(w, http.StatusInternalServerError, "resolve_failed")
			return
		}
		active = resolved
	}

	minRefresh := ch.MinRefreshSeconds
	if minRefresh <= 0 {
		minRefresh = a.cfg.MinRefreshSeconds
	}

	telemetry.DevicesSeenTotal.WithLabelValues(ch.ID).Inc()
	a.bus.Publish(events.EventDeviceSeen, events.Payload{
		"channel_id":  ch.ID,
		"device_id":   deviceID,
		"device_name": deviceName,
		"version":     active.Version,
	})
	go a.markDeviceSeen(deviceID, active.Version)

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":           deviceID,
		"channel_id":          ch.ID,
		"channel_slug":        ch.Slug,
		"paused":              ch.Paused,
		"min_refresh_seconds": minRefresh,
		"version":             active.Version,
		"has_entry":           active.HasEntry,
		"entry_id":            active.EntryID,
		"position":            active.Position,
		"payload":             active.Payload,
		"asset_key":           active.AssetKey,
		"expires_at":          active.ExpiresAt,
	})
}

// markDeviceSeen records the poll without holding up the response.
func (a *API) markDeviceSeen(deviceID string, version int) {
	updates := map[string]any{"last_seen_at": time.Now().UTC()}
	if version > 0 {
		updates["last_version"] = version
	}
	if err := a.db.Model(&models.Device{}).Where("id = ?", deviceID).Updates(updates).Error; err != nil {
		a.logger.Debug().Err(err).Str("device", deviceID).Msg("failed to record device poll")
	}
}
