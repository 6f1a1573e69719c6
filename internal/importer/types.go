/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package importer

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of an import job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SourceType identifies the legacy system an import reads from.
type SourceType string

const (
	SourceTypeSignage SourceType = "signage"
)

// Job records one import run. Rows outlive the CLI process so operators
// can audit what a run created and when.
type Job struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	SourceType SourceType `json:"source_type" gorm:"type:varchar(50);not null"`
	Status     JobStatus  `json:"status" gorm:"type:varchar(50);not null;default:'pending'"`
	DryRun     bool       `json:"dry_run" gorm:"not null;default:false"`
	Options    Options    `json:"options" gorm:"type:jsonb"`
	Progress   Progress   `json:"progress" gorm:"type:jsonb"`
	Result     *Result    `json:"result,omitempty" gorm:"type:jsonb"`
	Error      string     `json:"error,omitempty" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Options configures an import run.
type Options struct {
	// SourceDSN is the connection string of the legacy database.
	SourceDSN string `json:"source_dsn,omitempty"`

	// ChannelPrefix is folded into every generated channel slug.
	ChannelPrefix string `json:"channel_prefix,omitempty"`

	// DefaultTimezone applies to screens without a timezone of their own.
	DefaultTimezone string `json:"default_timezone,omitempty"`

	// SkipDisabled drops disabled screens entirely instead of importing
	// them as paused channels.
	SkipDisabled bool `json:"skip_disabled"`

	DryRun bool `json:"dry_run"`
}

// Progress tracks import progress.
type Progress struct {
	Phase           string    `json:"phase"`
	TotalSteps      int       `json:"total_steps"`
	CompletedSteps  int       `json:"completed_steps"`
	CurrentStep     string    `json:"current_step"`
	ScreensTotal    int       `json:"screens_total"`
	ScreensImported int       `json:"screens_imported"`
	ItemsTotal      int       `json:"items_total"`
	ItemsImported   int       `json:"items_imported"`
	Percentage      float64   `json:"percentage"`
	StartTime       time.Time `json:"start_time"`
}

// Result contains the final import counts.
type Result struct {
	ChannelsCreated      int                `json:"channels_created"`
	TimelinesCreated     int                `json:"timelines_created"`
	EntriesImported      int                `json:"entries_imported"`
	RecurrencesConverted int                `json:"recurrences_converted"`
	Warnings             []string           `json:"warnings,omitempty"`
	Skipped              map[string]int     `json:"skipped,omitempty"`
	Mappings             map[string]Mapping `json:"mappings,omitempty"`
	DurationSeconds      float64            `json:"duration_seconds"`
}

// Mapping tracks ID mappings from the legacy system to tilefeed.
type Mapping struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
	Type  string `json:"type"` // channel, timeline
	Name  string `json:"name"`
}

// Importer defines the interface import sources implement.
type Importer interface {
	// Validate checks whether the import can proceed with the given options.
	Validate(ctx context.Context, options Options) error

	// Import performs the actual import.
	Import(ctx context.Context, options Options, progressCallback ProgressCallback) (*Result, error)
}

// ProgressCallback is called during an import to report progress.
type ProgressCallback func(progress Progress)

// ValidationError represents a validation error with details.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Error()
}

// Scanner/Valuer interfaces for GORM JSONB support

// Value implements driver.Valuer for Options
func (o Options) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for Options
func (o *Options) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal Options: expected []byte or string, got %T", value)
	}
	return json.Unmarshal(bytes, o)
}

// Value implements driver.Valuer for Progress
func (p Progress) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for Progress
func (p *Progress) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal Progress: expected []byte or string, got %T", value)
	}
	return json.Unmarshal(bytes, p)
}

// Value implements driver.Valuer for Result
func (r Result) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for Result
func (r *Result) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal Result: expected []byte or string, got %T", value)
	}
	return json.Unmarshal(bytes, r)
}
