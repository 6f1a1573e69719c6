/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"
	"strings"

	"github.com/friendsincode/tilefeed/internal/importer"
	"github.com/friendsincode/tilefeed/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Platform-level models
		&models.User{},
		&models.APIKey{},
		&models.AuditLog{},

		// Channels and their published timelines
		&models.Channel{},
		&models.Timeline{},
		&models.TimelineEntry{},

		// Consumers
		&models.Device{},

		// Webhooks
		&models.WebhookTarget{},
		&models.WebhookLog{},

		// Legacy imports
		&importer.Job{},
	); err != nil {
		return err
	}

	if err := applyPostgresTimelineVersionGuard(database); err != nil {
		return err
	}
	if err := normalizeLegacyRoles(database); err != nil {
		return err
	}
	if err := backfillChannelSlugs(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresTimelineVersionGuard installs a trigger that rejects a timeline
// publish whose version does not advance past the channel's newest timeline.
// Stale publishes from lagging writers fail at the database even when the
// application-level check is bypassed.
func applyPostgresTimelineVersionGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_stale_timeline_publish()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF EXISTS (
    SELECT 1
    FROM timelines t
    WHERE t.channel_id = NEW.channel_id
      AND t.id <> NEW.id
      AND t.version >= NEW.version
  ) THEN
    RAISE EXCEPTION 'timeline version % does not advance past the published version for channel %', NEW.version, NEW.channel_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_stale_timeline_publish ON timelines;

CREATE TRIGGER trg_prevent_stale_timeline_publish
BEFORE INSERT OR UPDATE OF channel_id, version
ON timelines
FOR EACH ROW
EXECUTE FUNCTION prevent_stale_timeline_publish();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres timeline version guard: %w", err)
	}

	return nil
}

func normalizeLegacyRoles(database *gorm.DB) error {
	if err := database.Exec("UPDATE users SET role = ? WHERE LOWER(TRIM(role)) IN ?", models.RoleAdmin, []string{"admin", "administrator", "owner"}).Error; err != nil {
		return fmt.Errorf("normalize legacy admin role: %w", err)
	}
	if err := database.Exec("UPDATE users SET role = ? WHERE LOWER(TRIM(role)) IN ?", models.RoleEditor, []string{"editor", "manager", "publisher"}).Error; err != nil {
		return fmt.Errorf("normalize legacy editor role: %w", err)
	}
	return nil
}

// backfillChannelSlugs populates slug for channels created before slugs were
// required, deriving one from the channel name.
func backfillChannelSlugs(database *gorm.DB) error {
	type row struct {
		ID   string
		Name string
	}
	var rows []row
	if err := database.
		Model(&models.Channel{}).
		Select("id, name").
		Where("slug IS NULL OR slug = ''").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("backfill channel slugs query: %w", err)
	}

	for _, r := range rows {
		slug := Slugify(r.Name)
		if slug == "" {
			continue
		}
		database.Model(&models.Channel{}).
			Where("id = ?", r.ID).
			Update("slug", slug)
	}

	return nil
}

// RepairChannelSlugs is a more aggressive backfill that can be called
// on-demand (e.g. from an admin endpoint). It regenerates empty slugs and
// disambiguates collisions with a numeric suffix.
func RepairChannelSlugs(database *gorm.DB) (updated int64, err error) {
	type row struct {
		ID   string
		Name string
		Slug string
	}
	var rows []row
	if err := database.
		Model(&models.Channel{}).
		Select("id, name, slug").
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("repair channel slugs query: %w", err)
	}

	taken := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.Slug != "" {
			taken[r.Slug] = true
		}
	}

	var count int64
	for _, r := range rows {
		if r.Slug != "" {
			continue
		}
		slug := Slugify(r.Name)
		if slug == "" {
			slug = "channel"
		}
		candidate := slug
		for i := 2; taken[candidate]; i++ {
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		if err := database.Model(&models.Channel{}).
			Where("id = ?", r.ID).
			Update("slug", candidate).Error; err == nil {
			taken[candidate] = true
			count++
		}
	}

	return count, nil
}

// Slugify lowercases a name and reduces it to [a-z0-9-].
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
