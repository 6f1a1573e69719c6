/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tilefeed/internal/auth"
	"github.com/friendsincode/tilefeed/internal/events"
)

// handleAPIKeyCreate mints a new API key for the calling user. The
// plaintext key appears in this response and nowhere else.
func (a *API) handleAPIKeyCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Name          string `json:"name"`
		ExpiresInDays int    `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name_required")
		return
	}
	if req.ExpiresInDays == 0 {
		req.ExpiresInDays = 90
	}
	valid := false
	for _, opt := range auth.APIKeyExpirationOptions {
		if opt.Days == req.ExpiresInDays {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, "invalid_expiration")
		return
	}

	expiresIn := time.Duration(req.ExpiresInDays) * 24 * time.Hour
	plaintext, apiKey, err := auth.GenerateAPIKey(claims.UserID, req.Name, expiresIn)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to generate api key")
		writeError(w, http.StatusInternalServerError, "key_generation_failed")
		return
	}
	if err := a.db.WithContext(r.Context()).Create(apiKey).Error; err != nil {
		a.logger.Error().Err(err).Msg("failed to store api key")
		writeError(w, http.StatusInternalServerError, "key_store_failed")
		return
	}

	a.publishAuditEvent(r, events.EventAuditAPIKeyCreate, events.Payload{
		"resource_type": "api_key",
		"resource_id":   apiKey.ID,
		"name":          apiKey.Name,
		"key_prefix":    apiKey.KeyPrefix,
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": apiKey,
		"key":     plaintext,
	})
}

// handleAPIKeyList lists the calling user's API keys. Hashes never
// leave the database.
func (a *API) handleAPIKeyList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	keys, err := auth.ListAPIKeys(a.db.WithContext(r.Context()), claims.UserID)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list api keys")
		writeError(w, http.StatusInternalServerError, "key_list_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"api_keys": keys,
	})
}

// handleAPIKeyRevoke revokes one of the calling user's API keys.
func (a *API) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	keyID := chi.URLParam(r, "keyID")
	if err := auth.RevokeAPIKey(a.db.WithContext(r.Context()), keyID, claims.UserID); err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found")
			return
		}
		a.logger.Error().Err(err).Msg("failed to revoke api key")
		writeError(w, http.StatusInternalServerError, "key_revoke_failed")
		return
	}

	a.publishAuditEvent(r, events.EventAuditAPIKeyRevoke, events.Payload{
		"resource_type": "api_key",
		"resource_id":   keyID,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "api key revoked",
	})
}
