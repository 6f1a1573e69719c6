/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package assets stores the binary payloads timeline entries can
// reference by key, behind a backend-agnostic interface.
package assets

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/config"
)

var (
	// ErrNotFound is returned when no asset exists under a key.
	ErrNotFound = errors.New("asset not found")

	// ErrInvalidKey is returned for empty or path-escaping keys.
	ErrInvalidKey = errors.New("invalid asset key")
)

// Store abstracts asset storage operations.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	CheckAccess(ctx context.Context) error
}

// New builds the asset store selected by configuration.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.AssetBackend {
	case config.AssetS3:
		return NewS3Store(ctx, cfg, logger)
	default:
		return NewFilesystemStore(cfg.AssetRoot, logger), nil
	}
}

// cleanKey normalizes a key to a relative slash path and rejects
// anything that would escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, "/")
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}

	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidKey
	}
	return clean, nil
}
