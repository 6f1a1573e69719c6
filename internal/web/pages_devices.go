/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

// deviceRow pairs a device with its channel for the overview table.
type deviceRow struct {
	models.Device
	ChannelSlug string
	ChannelName string
}

// DevicesPage renders all registered devices across channels.
func (h *Handler) DevicesPage(w http.ResponseWriter, r *http.Request) {
	h.renderDevices(w, r, PageData{
		Title: "Devices",
		Flash: flashFromQuery(r),
	})
}

func (h *Handler) renderDevices(w http.ResponseWriter, r *http.Request, data PageData) {
	var rows []deviceRow
	h.db.Model(&models.Device{}).
		Select("devices.*, channels.slug AS channel_slug, channels.name AS channel_name").
		Joins("JOIN channels ON channels.id = devices.channel_id").
		Order("channels.slug, devices.created_at").
		Scan(&rows)

	var channels []models.Channel
	h.db.Order("slug").Find(&channels)

	extra, _ := data.Data.(map[string]any)
	if extra == nil {
		extra = make(map[string]any)
	}
	extra["Devices"] = rows
	extra["Channels"] = channels
	data.Data = extra

	h.Render(w, r, "pages/devices", data)
}

// DeviceRegisterSubmit registers a display and shows its poll token
// once.
func (h *Handler) DeviceRegisterSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderDevices(w, r, PageData{
			Title: "Devices",
			Flash: &FlashMessage{Type: "error", Message: "Invalid form data"},
		})
		return
	}

	name := r.FormValue("name")
	channelID := r.FormValue("channel_id")
	if name == "" || channelID == "" {
		h.renderDevices(w, r, PageData{
			Title: "Devices",
			Flash: &FlashMessage{Type: "error", Message: "Name and channel are required"},
		})
		return
	}

	var ch models.Channel
	if err := h.db.First(&ch, "id = ?", channelID).Error; err != nil {
		h.renderDevices(w, r, PageData{
			Title: "Devices",
			Flash: &FlashMessage{Type: "error", Message: "Unknown channel"},
		})
		return
	}

	device := models.Device{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		Name:      name,
		Token:     uuid.NewString(),
	}
	if err := h.db.Create(&device).Error; err != nil {
		h.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to register device")
		h.renderDevices(w, r, PageData{
			Title: "Devices",
			Flash: &FlashMessage{Type: "error", Message: "Registration failed"},
		})
		return
	}

	h.publishAudit(r, events.EventDeviceRegistered, events.Payload{
		"channel_id":    ch.ID,
		"channel_slug":  ch.Slug,
		"resource_type": "device",
		"resource_id":   device.ID,
		"device_name":   device.Name,
	})

	// The token renders once and is not recoverable afterwards, so
	// this response cannot be a redirect.
	h.renderDevices(w, r, PageData{
		Title: "Devices",
		Flash: &FlashMessage{Type: "success", Message: "Device registered"},
		Data: map[string]any{
			"NewDeviceName":  device.Name,
			"NewDeviceToken": device.Token,
		},
	})
}

// DeviceDeleteSubmit removes a device registration.
func (h *Handler) DeviceDeleteSubmit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	var device models.Device
	if err := h.db.First(&device, "id = ?", id).Error; err != nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	if err := h.db.Delete(&device).Error; err != nil {
		h.logger.Error().Err(err).Str("device", id).Msg("failed to delete device")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if h.cache != nil {
		_ = h.cache.InvalidateDeviceToken(r.Context(), device.Token)
	}
	h.bus.Publish(events.EventDeviceDeleted, events.Payload{
		"channel_id": device.ChannelID,
		"device_id":  device.ID,
	})

	http.Redirect(w, r, "/dashboard/devices?flash=device_deleted", http.StatusSeeOther)
}
