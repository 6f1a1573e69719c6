package models

import "time"

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin  RoleName = "admin"
	RoleEditor RoleName = "editor"
	RoleViewer RoleName = "viewer"
)

// User represents an authenticated account.
type User struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex" json:"email"`
	Password  string    `json:"-"`
	Role      RoleName  `gorm:"type:varchar(16)" json:"role"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel is a named feed of timed glance content. Devices subscribe
// to exactly one channel; publishers replace its timeline wholesale.
type Channel struct {
	ID                string    `gorm:"type:uuid;primaryKey" json:"id"`
	Slug              string    `gorm:"uniqueIndex" json:"slug"`
	Name              string    `gorm:"index" json:"name"`
	Description       string    `gorm:"type:text" json:"description,omitempty"`
	Timezone          string    `gorm:"type:varchar(32)" json:"timezone,omitempty"`
	MinRefreshSeconds int       `json:"min_refresh_seconds"` // 0 means the server default
	Paused            bool      `json:"paused"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Timeline is one published generation of a channel's content. A new
// publish supersedes the previous generation entirely; versions only
// grow.
type Timeline struct {
	ID          string          `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelID   string          `gorm:"type:uuid;index" json:"channel_id"`
	Version     int             `gorm:"index" json:"version"`
	Source      string          `gorm:"type:varchar(64)" json:"source,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Entries     []TimelineEntry `gorm:"foreignKey:TimelineID" json:"entries,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TimelineEntry is one payload within a timeline, optionally scoped to
// a validity window. Both times nil marks the default entry. A
// non-empty RRule makes the entry a recurring template that is
// expanded into concrete windows when the channel snapshot is built.
type TimelineEntry struct {
	ID               string     `gorm:"type:uuid;primaryKey" json:"id"`
	TimelineID       string     `gorm:"type:uuid;index" json:"timeline_id"`
	Position         int        `json:"position"`
	Payload          string     `gorm:"type:text" json:"payload"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	RRule            string     `gorm:"type:varchar(255)" json:"rrule,omitempty"`
	RDurationSeconds int        `json:"duration_seconds,omitempty"`
	AssetKey         string     `gorm:"type:varchar(255)" json:"asset_key,omitempty"`
}

// IsDefault reports whether the entry has no validity scoping at all.
func (e TimelineEntry) IsDefault() bool {
	return e.StartsAt == nil && e.EndsAt == nil && e.RRule == ""
}

// Device is a display registered against a channel. The token
// authenticates poll requests; LastVersion tracks the newest timeline
// generation the device has acknowledged.
type Device struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelID   string     `gorm:"type:uuid;index" json:"channel_id"`
	Name        string     `json:"name"`
	Token       string     `gorm:"uniqueIndex" json:"-"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	LastVersion int        `json:"last_version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
