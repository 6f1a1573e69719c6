/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/webhooks"
)

// WebhookAPI groups the webhook management handlers.
type WebhookAPI struct {
	*API
}

// NewWebhookAPI creates the webhook management surface.
func NewWebhookAPI(api *API) *WebhookAPI {
	return &WebhookAPI{API: api}
}

// RegisterRoutes mounts webhook management under the router.
func (wa *WebhookAPI) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", wa.handleWebhookList)
		r.With(wa.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/", wa.handleWebhookCreate)
		r.Route("/{webhookID}", func(r chi.Router) {
			r.Get("/", wa.handleWebhookGet)
			r.With(wa.requireRoles(models.RoleAdmin, models.RoleEditor)).Put("/", wa.handleWebhookUpdate)
			r.With(wa.requireRoles(models.RoleAdmin, models.RoleEditor)).Delete("/", wa.handleWebhookDelete)
			r.With(wa.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/test", wa.handleWebhookTest)
			r.Get("/logs", wa.handleWebhookLogs)
		})
	})
}

// validWebhookEvents reports whether every token in the subscription
// list names a deliverable event. Empty subscribes to everything.
func validWebhookEvents(raw string) bool {
	if raw == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case webhooks.EventEntryActivated, webhooks.EventRefreshFired:
		default:
			return false
		}
	}
	return true
}

// handleWebhookList lists webhook targets, optionally filtered by
// channel.
func (wa *WebhookAPI) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	query := wa.db.WithContext(r.Context()).Order("created_at")
	if channelID := r.URL.Query().Get("channel_id"); channelID != "" {
		query = query.Where("channel_id = ?", channelID)
	}

	var targets []models.WebhookTarget
	if err := query.Find(&targets).Error; err != nil {
		wa.logger.Error().Err(err).Msg("failed to list webhooks")
		writeError(w, http.StatusInternalServerError, "webhook_list_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": targets,
		"count":    len(targets),
	})
}

// handleWebhookCreate registers a delivery target. The signing secret
// appears in this response and nowhere else.
func (wa *WebhookAPI) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		URL       string `json:"url"`
		Events    string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.ChannelID == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "channel_id_and_url_required")
		return
	}
	if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid_url")
		return
	}
	if !validWebhookEvents(req.Events) {
		writeError(w, http.StatusBadRequest, "invalid_events")
		return
	}

	ctx := r.Context()
	var ch models.Channel
	if err := wa.db.WithContext(ctx).First(&ch, "id = ?", req.ChannelID).Error; err != nil {
		writeError(w, http.StatusNotFound, "channel_not_found")
		return
	}

	webhook := models.NewWebhookTarget(ch.ID, req.URL, req.Events)
	if err := wa.db.WithContext(ctx).Create(webhook).Error; err != nil {
		wa.logger.Error().Err(err).Str("channel", ch.ID).Msg("failed to create webhook")
		writeError(w, http.StatusInternalServerError, "webhook_create_failed")
		return
	}

	wa.publishAuditEvent(r, events.EventAuditWebhookCreate, events.Payload{
		"channel_id":    ch.ID,
		"resource_type": "webhook",
		"resource_id":   webhook.ID,
		"url":           webhook.URL,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"webhook": webhook,
		"secret":  webhook.Secret,
	})
}

// webhookByID loads the target addressed by the route, writing the
// 404 itself when missing.
func (wa *WebhookAPI) webhookByID(w http.ResponseWriter, r *http.Request) (models.WebhookTarget, bool) {
	id := chi.URLParam(r, "webhookID")
	var webhook models.WebhookTarget
	if err := wa.db.WithContext(r.Context()).First(&webhook, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "webhook_not_found")
		return models.WebhookTarget{}, false
	}
	return webhook, true
}

// handleWebhookGet returns one webhook target.
func (wa *WebhookAPI) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	webhook, ok := wa.webhookByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook": webhook})
}

// handleWebhookUpdate applies a partial update to a target.
func (wa *WebhookAPI) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	webhook, ok := wa.webhookByID(w, r)
	if !ok {
		return
	}

	var req struct {
		URL    *string `json:"url,omitempty"`
		Events *string `json:"events,omitempty"`
		Active *bool   `json:"active,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}

	updates := make(map[string]any)
	if req.URL != nil {
		if u, err := url.Parse(*req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeError(w, http.StatusBadRequest, "invalid_url")
			return
		}
		updates["url"] = *req.URL
	}
	if req.Events != nil {
		if !validWebhookEvents(*req.Events) {
			writeError(w, http.StatusBadRequest, "invalid_events")
			return
		}
		updates["events"] = *req.Events
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}

	ctx := r.Context()
	if len(updates) > 0 {
		if err := wa.db.WithContext(ctx).Model(&webhook).Updates(updates).Error; err != nil {
			wa.logger.Error().Err(err).Str("webhook", webhook.ID).Msg("failed to update webhook")
			writeError(w, http.StatusInternalServerError, "webhook_update_failed")
			return
		}
		wa.db.WithContext(ctx).First(&webhook, "id = ?", webhook.ID)

		wa.publishAuditEvent(r, events.EventAuditWebhookUpdate, events.Payload{
			"channel_id":    webhook.ChannelID,
			"resource_type": "webhook",
			"resource_id":   webhook.ID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"webhook": webhook})
}

// handleWebhookDelete removes a target and its delivery logs.
func (wa *WebhookAPI) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	webhook, ok := wa.webhookByID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	wa.db.WithContext(ctx).Where("target_id = ?", webhook.ID).Delete(&models.WebhookLog{})
	if err := wa.db.WithContext(ctx).Delete(&webhook).Error; err != nil {
		wa.logger.Error().Err(err).Str("webhook", webhook.ID).Msg("failed to delete webhook")
		writeError(w, http.StatusInternalServerError, "webhook_delete_failed")
		return
	}

	wa.publishAuditEvent(r, events.EventAuditWebhookDelete, events.Payload{
		"channel_id":    webhook.ChannelID,
		"resource_type": "webhook",
		"resource_id":   webhook.ID,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "webhook deleted"})
}

// handleWebhookTest fires a synthetic delivery so operators can check
// connectivity and signature verification end to end.
func (wa *WebhookAPI) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	webhook, ok := wa.webhookByID(w, r)
	if !ok {
		return
	}
	if wa.webhookSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook_service_unavailable")
		return
	}

	if err := wa.webhookSvc.TestWebhook(r.Context(), &webhook); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "test webhook delivered",
	})
}

// handleWebhookLogs returns recent delivery attempts, newest first.
func (wa *WebhookAPI) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	webhook, ok := wa.webhookByID(w, r)
	if !ok {
		return
	}

	var logs []models.WebhookLog
	if err := wa.db.WithContext(r.Context()).
		Where("target_id = ?", webhook.ID).
		Order("created_at DESC").
		Limit(100).
		Find(&logs).Error; err != nil {
		wa.logger.Error().Err(err).Str("webhook", webhook.ID).Msg("failed to fetch webhook logs")
		writeError(w, http.StatusInternalServerError, "webhook_logs_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
