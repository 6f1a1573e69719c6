/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    eventbus.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus eventbus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to relevant events and logs them as audit entries.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	// Domain events worth an audit trail
	timelinePublished := s.bus.Subscribe(events.EventTimelinePublished)
	deviceRegistered := s.bus.Subscribe(events.EventDeviceRegistered)
	channelPaused := s.bus.Subscribe(events.EventChannelPaused)
	channelResumed := s.bus.Subscribe(events.EventChannelResumed)
	importRun := s.bus.Subscribe(events.EventImport)

	// Audit-specific events published by the API layer
	auditAPIKeyCreate := s.bus.Subscribe(events.EventAuditAPIKeyCreate)
	auditAPIKeyRevoke := s.bus.Subscribe(events.EventAuditAPIKeyRevoke)
	auditWebhookCreate := s.bus.Subscribe(events.EventAuditWebhookCreate)
	auditWebhookUpdate := s.bus.Subscribe(events.EventAuditWebhookUpdate)
	auditWebhookDelete := s.bus.Subscribe(events.EventAuditWebhookDelete)
	auditRefreshRequest := s.bus.Subscribe(events.EventAuditRefreshRequest)
	auditChannelCreate := s.bus.Subscribe(events.EventAuditChannelCreate)
	auditChannelUpdate := s.bus.Subscribe(events.EventAuditChannelUpdate)
	auditChannelDelete := s.bus.Subscribe(events.EventAuditChannelDelete)
	auditAssetUpload := s.bus.Subscribe(events.EventAuditAssetUpload)

	defer func() {
		s.bus.Unsubscribe(events.EventTimelinePublished, timelinePublished)
		s.bus.Unsubscribe(events.EventDeviceRegistered, deviceRegistered)
		s.bus.Unsubscribe(events.EventChannelPaused, channelPaused)
		s.bus.Unsubscribe(events.EventChannelResumed, channelResumed)
		s.bus.Unsubscribe(events.EventImport, importRun)
		s.bus.Unsubscribe(events.EventAuditAPIKeyCreate, auditAPIKeyCreate)
		s.bus.Unsubscribe(events.EventAuditAPIKeyRevoke, auditAPIKeyRevoke)
		s.bus.Unsubscribe(events.EventAuditWebhookCreate, auditWebhookCreate)
		s.bus.Unsubscribe(events.EventAuditWebhookUpdate, auditWebhookUpdate)
		s.bus.Unsubscribe(events.EventAuditWebhookDelete, auditWebhookDelete)
		s.bus.Unsubscribe(events.EventAuditRefreshRequest, auditRefreshRequest)
		s.bus.Unsubscribe(events.EventAuditChannelCreate, auditChannelCreate)
		s.bus.Unsubscribe(events.EventAuditChannelUpdate, auditChannelUpdate)
		s.bus.Unsubscribe(events.EventAuditChannelDelete, auditChannelDelete)
		s.bus.Unsubscribe(events.EventAuditAssetUpload, auditAssetUpload)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-timelinePublished:
			s.logAuditEntry(ctx, models.AuditActionTimelinePublish, payload)

		case payload := <-deviceRegistered:
			s.logAuditEntry(ctx, models.AuditActionDeviceRegister, payload)

		case payload := <-channelPaused:
			s.logAuditEntry(ctx, models.AuditActionChannelPause, payload)

		case payload := <-channelResumed:
			s.logAuditEntry(ctx, models.AuditActionChannelResume, payload)

		case payload := <-importRun:
			s.logAuditEntry(ctx, models.AuditActionImportRun, payload)

		case payload := <-auditAPIKeyCreate:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyCreate, payload)

		case payload := <-auditAPIKeyRevoke:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyRevoke, payload)

		case payload := <-auditWebhookCreate:
			s.logAuditEntry(ctx, models.AuditActionWebhookCreate, payload)

		case payload := <-auditWebhookUpdate:
			s.logAuditEntry(ctx, models.AuditActionWebhookUpdate, payload)

		case payload := <-auditWebhookDelete:
			s.logAuditEntry(ctx, models.AuditActionWebhookDelete, payload)

		case payload := <-auditRefreshRequest:
			s.logAuditEntry(ctx, models.AuditActionRefreshRequest, payload)

		case payload := <-auditChannelCreate:
			s.logAuditEntry(ctx, models.AuditActionChannelCreate, payload)

		case payload := <-auditChannelUpdate:
			s.logAuditEntry(ctx, models.AuditActionChannelUpdate, payload)

		case payload := <-auditChannelDelete:
			s.logAuditEntry(ctx, models.AuditActionChannelDelete, payload)

		case payload := <-auditAssetUpload:
			s.logAuditEntry(ctx, models.AuditActionAssetUpload, payload)
		}
	}
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Details:   make(map[string]any),
		CreatedAt: time.Now(),
	}

	if userID, ok := payload["user_id"].(string); ok && userID != "" {
		entry.UserID = &userID
	}
	if userEmail, ok := payload["user_email"].(string); ok {
		entry.UserEmail = userEmail
	}

	if channelID, ok := payload["channel_id"].(string); ok && channelID != "" {
		entry.ChannelID = &channelID
	}

	if resourceType, ok := payload["resource_type"].(string); ok {
		entry.ResourceType = resourceType
	}
	if resourceID, ok := payload["resource_id"].(string); ok {
		entry.ResourceID = resourceID
	}

	if ipAddress, ok := payload["ip_address"].(string); ok {
		entry.IPAddress = ipAddress
	}
	if userAgent, ok := payload["user_agent"].(string); ok {
		entry.UserAgent = userAgent
	}

	// Everything else rides along in details
	for k, v := range payload {
		switch k {
		case "user_id", "user_email", "channel_id", "resource_type", "resource_id", "ip_address", "user_agent":
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	UserID    *string
	ChannelID *string
	Action    *models.AuditAction
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.ChannelID != nil {
		query = query.Where("channel_id = ?", *filters.ChannelID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
