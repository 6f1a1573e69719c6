/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tilefeed/internal/assets"
	"github.com/friendsincode/tilefeed/internal/events"
)

// defaultMaxAssetSize caps uploads when no global limit is configured.
// Glance assets are icons and small images, not media files.
const defaultMaxAssetSize int64 = 10 << 20

func (a *API) maxAssetSize() int64 {
	if limit := a.cfg.MaxAssetSizeBytes(); limit > 0 {
		return limit
	}
	return defaultMaxAssetSize
}

// handleAssetPut stores the request body under the key in the path.
// Uploading to an existing key replaces it.
func (a *API) handleAssetPut(w http.ResponseWriter, r *http.Request) {
	if a.assetStore == nil {
		writeError(w, http.StatusServiceUnavailable, "asset_store_unavailable")
		return
	}
	key := chi.URLParam(r, "*")

	limit := a.maxAssetSize()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body_read_failed")
		return
	}
	if int64(len(body)) > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "asset_too_large")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty_body")
		return
	}

	if err := a.assetStore.Put(r.Context(), key, body); err != nil {
		if errors.Is(err, assets.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "invalid_asset_key")
			return
		}
		a.logger.Error().Err(err).Str("key", key).Msg("failed to store asset")
		writeError(w, http.StatusInternalServerError, "asset_store_failed")
		return
	}

	a.publishAuditEvent(r, events.EventAuditAssetUpload, events.Payload{
		"resource_type": "asset",
		"resource_id":   key,
		"bytes":         len(body),
	})

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":   key,
		"bytes": len(body),
	})
}

// handleAssetGet serves a stored asset. The content type comes from
// the key's extension, falling back to sniffing.
func (a *API) handleAssetGet(w http.ResponseWriter, r *http.Request) {
	if a.assetStore == nil {
		writeError(w, http.StatusServiceUnavailable, "asset_store_unavailable")
		return
	}
	key := chi.URLParam(r, "*")

	data, err := a.assetStore.Get(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, assets.ErrNotFound):
			writeError(w, http.StatusNotFound, "asset_not_found")
		case errors.Is(err, assets.ErrInvalidKey):
			writeError(w, http.StatusBadRequest, "invalid_asset_key")
		default:
			a.logger.Error().Err(err).Str("key", key).Msg("failed to read asset")
			writeError(w, http.StatusInternalServerError, "asset_read_failed")
		}
		return
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleAssetDelete removes a stored asset. Timeline entries keep
// their key references; a later upload under the same key revives
// them.
func (a *API) handleAssetDelete(w http.ResponseWriter, r *http.Request) {
	if a.assetStore == nil {
		writeError(w, http.StatusServiceUnavailable, "asset_store_unavailable")
		return
	}
	key := chi.URLParam(r, "*")

	if err := a.assetStore.Delete(r.Context(), key); err != nil {
		if errors.Is(err, assets.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "invalid_asset_key")
			return
		}
		a.logger.Error().Err(err).Str("key", key).Msg("failed to delete asset")
		writeError(w, http.StatusInternalServerError, "asset_delete_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "asset deleted"})
}
