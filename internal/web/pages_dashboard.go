/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"net/http"

	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/models"
)

// dashboardChannel is one row of the channel overview.
type dashboardChannel struct {
	models.Channel
	Version     int
	DeviceCount int64
	Status      *coordinator.ChannelStatus
}

// DashboardHome renders the channel overview.
func (h *Handler) DashboardHome(w http.ResponseWriter, r *http.Request) {
	var channels []models.Channel
	if err := h.db.Order("slug").Find(&channels).Error; err != nil {
		h.logger.Error().Err(err).Msg("failed to load channels")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	versions := make(map[string]int)
	var versionRows []struct {
		ChannelID string
		Version   int
	}
	h.db.Model(&models.Timeline{}).
		Select("channel_id, MAX(version) AS version").
		Group("channel_id").
		Scan(&versionRows)
	for _, row := range versionRows {
		versions[row.ChannelID] = row.Version
	}

	deviceCounts := make(map[string]int64)
	var deviceRows []struct {
		ChannelID string
		Count     int64
	}
	h.db.Model(&models.Device{}).
		Select("channel_id, COUNT(*) AS count").
		Group("channel_id").
		Scan(&deviceRows)
	var totalDevices int64
	for _, row := range deviceRows {
		deviceCounts[row.ChannelID] = row.Count
		totalDevices += row.Count
	}

	statuses := make(map[string]coordinator.ChannelStatus)
	if h.coordinator != nil {
		for _, st := range h.coordinator.Statuses() {
			statuses[st.ChannelID] = st
		}
	}

	rows := make([]dashboardChannel, 0, len(channels))
	var paused int
	for _, ch := range channels {
		row := dashboardChannel{
			Channel:     ch,
			Version:     versions[ch.ID],
			DeviceCount: deviceCounts[ch.ID],
		}
		if st, ok := statuses[ch.ID]; ok {
			row.Status = &st
		}
		if ch.Paused {
			paused++
		}
		rows = append(rows, row)
	}

	h.Render(w, r, "pages/dashboard", PageData{
		Title: "Channels",
		Flash: flashFromQuery(r),
		Data: map[string]any{
			"Channels":     rows,
			"TotalDevices": totalDevices,
			"PausedCount":  paused,
			"LiveStatus":   h.coordinator != nil,
		},
	})
}

// flashFromQuery maps a post-redirect flag to a toast. Mutating
// handlers redirect with ?flash=<key> so a refresh does not repeat
// the action.
func flashFromQuery(r *http.Request) *FlashMessage {
	switch r.URL.Query().Get("flash") {
	case "":
		return nil
	case "refresh_requested":
		return &FlashMessage{Type: "success", Message: "Refresh requested"}
	case "channel_paused":
		return &FlashMessage{Type: "warning", Message: "Channel paused"}
	case "channel_resumed":
		return &FlashMessage{Type: "success", Message: "Channel resumed"}
	case "device_deleted":
		return &FlashMessage{Type: "success", Message: "Device deleted"}
	default:
		return nil
	}
}
