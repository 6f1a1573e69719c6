/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants for all sensitive operations.
const (
	AuditActionUserRoleChange  AuditAction = "user.role_change"
	AuditActionUserDelete      AuditAction = "user.delete"
	AuditActionAPIKeyCreate    AuditAction = "apikey.create"
	AuditActionAPIKeyRevoke    AuditAction = "apikey.revoke"
	AuditActionChannelCreate   AuditAction = "channel.create"
	AuditActionChannelUpdate   AuditAction = "channel.update"
	AuditActionChannelDelete   AuditAction = "channel.delete"
	AuditActionChannelPause    AuditAction = "channel.pause"
	AuditActionChannelResume   AuditAction = "channel.resume"
	AuditActionTimelinePublish AuditAction = "timeline.publish"
	AuditActionRefreshRequest  AuditAction = "refresh.request"
	AuditActionDeviceRegister  AuditAction = "device.register"
	AuditActionDeviceDelete    AuditAction = "device.delete"
	AuditActionWebhookCreate   AuditAction = "webhook.create"
	AuditActionWebhookUpdate   AuditAction = "webhook.update"
	AuditActionWebhookDelete   AuditAction = "webhook.delete"
	AuditActionAssetUpload     AuditAction = "asset.upload"
	AuditActionImportRun       AuditAction = "import.run"
)

// AuditLog records sensitive operations for security and compliance.
type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null"`
	UserID       *string        `gorm:"type:uuid;index:idx_audit_user"`    // NULL for system actions
	UserEmail    string         `gorm:"type:varchar(255)"`                 // Denormalized for readability
	ChannelID    *string        `gorm:"type:uuid;index:idx_audit_channel"` // NULL if platform-wide
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	ResourceType string         `gorm:"type:varchar(64)"` // "channel", "timeline", "device", etc.
	ResourceID   string         `gorm:"type:uuid"`        // ID of the affected resource
	Details      map[string]any `gorm:"type:jsonb;serializer:json"`
	IPAddress    string         `gorm:"type:varchar(45)"` // IPv4 or IPv6
	UserAgent    string         `gorm:"type:varchar(512)"`
	CreatedAt    time.Time
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
