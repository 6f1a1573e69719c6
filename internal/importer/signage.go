/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/models"
)

// SignageImporter reads a legacy signage database and turns its
// screens and playlists into channels and timelines. The source is
// either the live Postgres DSN or a SQLite snapshot file exported
// from it. The legacy schema has a `screens` table (one row per
// display group) and a `playlist_items` table (ordered content per
// screen, optionally windowed, optionally repeating daily).
type SignageImporter struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewSignageImporter creates a new signage importer.
func NewSignageImporter(db *gorm.DB, logger zerolog.Logger) *SignageImporter {
	return &SignageImporter{
		db:     db,
		logger: logger.With().Str("component", "signage_importer").Logger(),
	}
}

type legacyScreen struct {
	ID             int
	Name           string
	Slug           sql.NullString
	Timezone       sql.NullString
	RefreshSeconds sql.NullInt64
	Disabled       bool
}

type legacyItem struct {
	ID             int
	ScreenID       int
	Position       int
	Payload        string
	StartsAt       sql.NullTime
	EndsAt         sql.NullTime
	RepeatDaily    bool
	DisplaySeconds sql.NullInt64
}

// screenChannel links a legacy screen row to the channel created for it.
type screenChannel struct {
	legacyID  int
	channelID string
	name      string
}

// Validate checks if the import can proceed.
func (s *SignageImporter) Validate(ctx context.Context, options Options) error {
	var errs ValidationErrors

	if options.SourceDSN == "" {
		errs = append(errs, ValidationError{
			Field:   "source_dsn",
			Message: "legacy database DSN is required",
		})
	}

	if options.DefaultTimezone != "" {
		if _, err := time.LoadLocation(options.DefaultTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "default_timezone",
				Message: fmt.Sprintf("unknown timezone: %v", err),
			})
		}
	}

	if len(errs) == 0 {
		legacy, err := sql.Open(sourceDriver(options.SourceDSN), options.SourceDSN)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "source_dsn",
				Message: fmt.Sprintf("failed to open legacy database: %v", err),
			})
		} else {
			defer legacy.Close()
			if err := legacy.PingContext(ctx); err != nil {
				errs = append(errs, ValidationError{
					Field:   "source_dsn",
					Message: fmt.Sprintf("failed to connect to legacy database: %v", err),
				})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Import performs the actual import.
func (s *SignageImporter) Import(ctx context.Context, options Options, progressCallback ProgressCallback) (*Result, error) {
	start := time.Now()
	s.logger.Info().
		Str("dsn", maskDSN(options.SourceDSN)).
		Bool("dry_run", options.DryRun).
		Msg("starting signage import")

	legacy, err := sql.Open(sourceDriver(options.SourceDSN), options.SourceDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to signage db: %w", err)
	}
	defer legacy.Close()

	if err := legacy.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping signage db: %w", err)
	}

	result := &Result{
		Warnings: []string{},
		Skipped:  make(map[string]int),
		Mappings: make(map[string]Mapping),
	}

	s.report(progressCallback, Progress{
		Phase:          "importing_screens",
		CurrentStep:    "Importing screens as channels",
		TotalSteps:     3,
		CompletedSteps: 1,
		Percentage:     10,
		StartTime:      start,
	})

	screens, err := s.importScreens(ctx, legacy, options, result)
	if err != nil {
		return nil, fmt.Errorf("import screens: %w", err)
	}

	if err := s.importItems(ctx, legacy, options, screens, result, progressCallback, start); err != nil {
		return nil, fmt.Errorf("import playlist items: %w", err)
	}

	result.DurationSeconds = time.Since(start).Seconds()

	s.report(progressCallback, Progress{
		Phase:           "completed",
		CurrentStep:     "Import completed",
		TotalSteps:      3,
		CompletedSteps:  3,
		ScreensTotal:    len(screens),
		ScreensImported: len(screens),
		ItemsImported:   result.EntriesImported,
		Percentage:      100,
		StartTime:       start,
	})

	s.logger.Info().
		Int("channels", result.ChannelsCreated).
		Int("timelines", result.TimelinesCreated).
		Int("entries", result.EntriesImported).
		Int("recurrences", result.RecurrencesConverted).
		Float64("duration", result.DurationSeconds).
		Msg("signage import completed")

	return result, nil
}

// importScreens reads the screens table and creates one channel per
// screen. It returns the screens that made it through, in legacy ID
// order, so the item phase knows which timelines to build.
func (s *SignageImporter) importScreens(ctx context.Context, legacy *sql.DB, options Options, result *Result) ([]screenChannel, error) {
	rows, err := legacy.QueryContext(ctx, `
		SELECT id, name, slug, timezone, refresh_seconds, disabled
		FROM screens
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query screens: %w", err)
	}
	defer rows.Close()

	var screens []screenChannel
	seen := make(map[string]bool)

	for rows.Next() {
		var screen legacyScreen
		if err := rows.Scan(&screen.ID, &screen.Name, &screen.Slug, &screen.Timezone,
			&screen.RefreshSeconds, &screen.Disabled); err != nil {
			s.logger.Error().Err(err).Msg("scan screen")
			result.Skipped["screens_scan_failed"]++
			continue
		}

		if screen.Disabled && options.SkipDisabled {
			result.Skipped["screens_disabled"]++
			continue
		}

		channel := channelFromScreen(screen, options)

		if seen[channel.Slug] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("screen %d maps to duplicate slug %q, skipped", screen.ID, channel.Slug))
			result.Skipped["channels_duplicate_slug"]++
			continue
		}
		seen[channel.Slug] = true

		var existing models.Channel
		err := s.db.WithContext(ctx).Where("slug = ?", channel.Slug).First(&existing).Error
		if err == nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("channel %q already exists, skipping screen %d", channel.Slug, screen.ID))
			result.Skipped["channels_existing"]++
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("check existing channel: %w", err)
		}

		if !options.DryRun {
			if err := s.db.WithContext(ctx).Create(&channel).Error; err != nil {
				s.logger.Error().Err(err).Str("slug", channel.Slug).Msg("create channel")
				result.Skipped["channels_db_failed"]++
				continue
			}
		}

		result.ChannelsCreated++
		result.Mappings[fmt.Sprintf("screen_%d", screen.ID)] = Mapping{
			OldID: strconv.Itoa(screen.ID),
			NewID: channel.ID,
			Type:  "channel",
			Name:  channel.Name,
		}
		screens = append(screens, screenChannel{
			legacyID:  screen.ID,
			channelID: channel.ID,
			name:      channel.Name,
		})

		s.logger.Info().
			Int("screen_id", screen.ID).
			Str("slug", channel.Slug).
			Bool("paused", channel.Paused).
			Msg("imported screen as channel")
	}

	return screens, rows.Err()
}

// importItems builds one version-1 timeline per imported screen from
// its playlist rows.
func (s *SignageImporter) importItems(ctx context.Context, legacy *sql.DB, options Options, screens []screenChannel, result *Result, progressCallback ProgressCallback, start time.Time) error {
	for idx, sc := range screens {
		if err := s.importScreenItems(ctx, legacy, options, sc, result); err != nil {
			return err
		}

		s.report(progressCallback, Progress{
			Phase:           "importing_items",
			CurrentStep:     fmt.Sprintf("Imported timeline for %s", sc.name),
			TotalSteps:      3,
			CompletedSteps:  2,
			ScreensTotal:    len(screens),
			ScreensImported: idx + 1,
			ItemsImported:   result.EntriesImported,
			Percentage:      10 + (float64(idx+1)/float64(len(screens)))*85,
			StartTime:       start,
		})
	}
	return nil
}

func (s *SignageImporter) importScreenItems(ctx context.Context, legacy *sql.DB, options Options, sc screenChannel, result *Result) error {
	rows, err := legacy.QueryContext(ctx, `
		SELECT id, screen_id, position, payload, starts_at, ends_at, repeat_daily, display_seconds
		FROM playlist_items
		WHERE screen_id = $1
		ORDER BY position, id
	`, sc.legacyID)
	if err != nil {
		return fmt.Errorf("query playlist items for screen %d: %w", sc.legacyID, err)
	}
	defer rows.Close()

	timelineID := uuid.New().String()
	var entries []models.TimelineEntry
	position := 0

	for rows.Next() {
		var item legacyItem
		if err := rows.Scan(&item.ID, &item.ScreenID, &item.Position, &item.Payload,
			&item.StartsAt, &item.EndsAt, &item.RepeatDaily, &item.DisplaySeconds); err != nil {
			s.logger.Error().Err(err).Int("screen_id", sc.legacyID).Msg("scan playlist item")
			result.Skipped["items_scan_failed"]++
			continue
		}

		entry, recurring, warning := entryFromItem(item, timelineID, position)
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if recurring {
			result.RecurrencesConverted++
		}
		entries = append(entries, entry)
		position++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate playlist items for screen %d: %w", sc.legacyID, err)
	}

	if len(entries) == 0 {
		result.Skipped["screens_without_items"]++
		return nil
	}

	timeline := &models.Timeline{
		ID:          timelineID,
		ChannelID:   sc.channelID,
		Version:     1,
		Source:      "import",
		PublishedAt: time.Now().UTC(),
		Entries:     entries,
	}

	if !options.DryRun {
		if err := s.db.WithContext(ctx).Create(timeline).Error; err != nil {
			s.logger.Error().Err(err).Str("channel_id", sc.channelID).Msg("create timeline")
			result.Skipped["timelines_db_failed"]++
			return nil
		}
	}

	result.TimelinesCreated++
	result.EntriesImported += len(entries)
	result.Mappings[fmt.Sprintf("timeline_screen_%d", sc.legacyID)] = Mapping{
		OldID: strconv.Itoa(sc.legacyID),
		NewID: timelineID,
		Type:  "timeline",
		Name:  sc.name,
	}

	return nil
}

// channelFromScreen maps one legacy screen row onto a channel.
func channelFromScreen(screen legacyScreen, options Options) models.Channel {
	slug := screen.Slug.String
	if slug == "" {
		slug = screen.Name
	}
	if options.ChannelPrefix != "" {
		slug = options.ChannelPrefix + "-" + slug
	}

	tz := screen.Timezone.String
	if tz == "" {
		tz = options.DefaultTimezone
	}
	if tz == "" {
		tz = "UTC"
	}

	channel := models.Channel{
		ID:          uuid.New().String(),
		Slug:        slugify(slug),
		Name:        screen.Name,
		Description: fmt.Sprintf("Imported from signage screen %d", screen.ID),
		Timezone:    tz,
		Paused:      screen.Disabled,
	}
	if screen.RefreshSeconds.Valid && screen.RefreshSeconds.Int64 > 0 {
		channel.MinRefreshSeconds = int(screen.RefreshSeconds.Int64)
	}
	return channel
}

// entryFromItem maps one legacy playlist row onto a timeline entry. The
// bool reports whether the row became a recurring entry; a non-empty
// string carries a warning about a lossy conversion.
func entryFromItem(item legacyItem, timelineID string, position int) (models.TimelineEntry, bool, string) {
	entry := models.TimelineEntry{
		ID:         uuid.New().String(),
		TimelineID: timelineID,
		Position:   position,
		Payload:    item.Payload,
	}
	if item.StartsAt.Valid {
		t := item.StartsAt.Time.UTC()
		entry.StartsAt = &t
	}
	if item.EndsAt.Valid {
		t := item.EndsAt.Time.UTC()
		entry.EndsAt = &t
	}

	if !item.RepeatDaily {
		return entry, false, ""
	}
	if entry.StartsAt == nil {
		return entry, false,
			fmt.Sprintf("item %d repeats daily but has no start time, imported as fixed window", item.ID)
	}

	// Daily repeats become FREQ=DAILY recurrences anchored on the start
	// time. An end more than a day out bounds the recurrence; a same-day
	// end only supplies the occurrence length.
	duration := 0
	if item.DisplaySeconds.Valid && item.DisplaySeconds.Int64 > 0 {
		duration = int(item.DisplaySeconds.Int64)
	}
	sameDayEnd := entry.EndsAt != nil && entry.EndsAt.Sub(*entry.StartsAt) < 24*time.Hour
	if duration == 0 && sameDayEnd && entry.EndsAt.After(*entry.StartsAt) {
		duration = int(entry.EndsAt.Sub(*entry.StartsAt) / time.Second)
	}
	if duration == 0 {
		return entry, false,
			fmt.Sprintf("item %d repeats daily but has no display duration, imported as fixed window", item.ID)
	}
	if sameDayEnd {
		entry.EndsAt = nil
	}

	entry.RRule = "FREQ=DAILY"
	entry.RDurationSeconds = duration
	return entry, true, ""
}

// slugify lowercases a name and collapses everything outside [a-z0-9]
// into single dashes.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// report forwards progress to the callback and logs it.
func (s *SignageImporter) report(progressCallback ProgressCallback, p Progress) {
	if progressCallback != nil {
		progressCallback(p)
	}
	s.logger.Info().
		Str("phase", p.Phase).
		Str("step", p.CurrentStep).
		Float64("percentage", p.Percentage).
		Msg("import progress")
}

// sourceDriver picks the database/sql driver for a legacy DSN. Plain
// file paths and file: URIs are SQLite snapshots; anything else is
// treated as Postgres.
func sourceDriver(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "file:"),
		strings.HasSuffix(dsn, ".db"),
		strings.HasSuffix(dsn, ".sqlite"),
		strings.HasSuffix(dsn, ".sqlite3"):
		return "sqlite3"
	}
	return "postgres"
}

// maskDSN masks the password in a database DSN for logging. Both the
// URL form and the keyword form are handled.
func maskDSN(dsn string) string {
	if scheme := strings.Index(dsn, "://"); scheme >= 0 {
		parts := strings.SplitN(dsn, "@", 2)
		if len(parts) == 2 {
			if i := strings.LastIndex(parts[0], ":"); i > scheme+2 {
				return parts[0][:i] + ":***@" + parts[1]
			}
		}
		return dsn
	}

	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
