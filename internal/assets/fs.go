/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStore implements Store using the local filesystem.
type FilesystemStore struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStore creates a filesystem-based asset store.
func NewFilesystemStore(rootDir string, logger zerolog.Logger) *FilesystemStore {
	return &FilesystemStore{
		rootDir: rootDir,
		logger:  logger.With().Str("component", "assets").Logger(),
	}
}

// Put writes an asset under the key, creating parent directories.
func (fs *FilesystemStore) Put(ctx context.Context, key string, data []byte) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		os.Remove(fullPath)
		return fmt.Errorf("write asset: %w", err)
	}

	fs.logger.Debug().
		Str("key", clean).
		Int("bytes", len(data)).
		Msg("asset stored")
	return nil
}

// Get reads the asset stored under the key.
func (fs *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.rootDir, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("read asset: %w", err)
	}
	return data, nil
}

// Delete removes the asset. Deleting a missing key is not an error.
func (fs *FilesystemStore) Delete(ctx context.Context, key string) error {
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(clean))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove asset: %w", err)
	}

	fs.logger.Debug().Str("key", clean).Msg("asset deleted")
	return nil
}

// Exists reports whether an asset is stored under the key.
func (fs *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(filepath.Join(fs.rootDir, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat asset: %w", err)
	}
	return !info.IsDir(), nil
}

// CheckAccess verifies the asset root exists and is a directory.
func (fs *FilesystemStore) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("asset root directory does not exist: %s", fs.rootDir)
		}
		return fmt.Errorf("cannot access asset root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("asset root is not a directory: %s", fs.rootDir)
	}
	return nil
}
