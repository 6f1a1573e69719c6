/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/telemetry"
)

// Webhook event names as they appear in target subscriptions and the
// X-Tilefeed-Event header.
const (
	EventEntryActivated = "entry_activated"
	EventRefreshFired   = "refresh_fired"
	EventTest           = "test"
)

// WebhookPayload is the body POSTed to webhook endpoints.
type WebhookPayload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	ChannelID string         `json:"channel_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Service delivers channel events to registered webhook targets.
type Service struct {
	db     *gorm.DB
	bus    eventbus.Bus
	logger zerolog.Logger
	client *http.Client
}

// NewService creates a new webhook service.
func NewService(db *gorm.DB, bus eventbus.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start begins listening for bus events to deliver. It blocks until the
// context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("webhook service starting")

	activated := s.bus.Subscribe(events.EventEntryActivated)
	fired := s.bus.Subscribe(events.EventRefreshFired)

	defer func() {
		s.bus.Unsubscribe(events.EventEntryActivated, activated)
		s.bus.Unsubscribe(events.EventRefreshFired, fired)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook service stopping")
			return

		case payload := <-activated:
			s.dispatch(ctx, EventEntryActivated, payload)

		case payload := <-fired:
			s.dispatch(ctx, EventRefreshFired, payload)
		}
	}
}

// dispatch fans one bus event out to the channel's active targets.
func (s *Service) dispatch(ctx context.Context, event string, payload events.Payload) {
	channelID, ok := payload["channel_id"].(string)
	if !ok || channelID == "" {
		return
	}

	var targets []models.WebhookTarget
	if err := s.db.Where("channel_id = ? AND active = ?", channelID, true).Find(&targets).Error; err != nil {
		s.logger.Error().Err(err).Str("channel_id", channelID).Msg("failed to fetch webhook targets")
		return
	}

	for _, target := range targets {
		if !targetHandlesEvent(target, event) {
			continue
		}
		go s.deliver(ctx, target, event, payload)
	}
}

// targetHandlesEvent checks the per-target CSV event filter. An empty
// filter subscribes the target to everything.
func targetHandlesEvent(target models.WebhookTarget, event string) bool {
	if target.Events == "" {
		return true
	}
	for _, e := range strings.Split(target.Events, ",") {
		if strings.TrimSpace(e) == event {
			return true
		}
	}
	return false
}

// deliver sends one bus event to one target.
func (s *Service) deliver(ctx context.Context, target models.WebhookTarget, event string, data events.Payload) {
	payload := WebhookPayload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		ChannelID: target.ChannelID,
		Data:      data,
	}
	if err := s.send(ctx, target, event, payload); err != nil {
		s.logger.Warn().Err(err).Str("webhook", target.ID).Str("url", target.URL).Msg("webhook delivery failed")
	}
}

// send posts a payload to a target and records the attempt.
func (s *Service) send(ctx context.Context, target models.WebhookTarget, event string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		s.logDelivery(target, event, body, 0, "", time.Since(start), err)
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tilefeed-Webhook/1.0")
	req.Header.Set("X-Tilefeed-Event", event)
	req.Header.Set("X-Tilefeed-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if target.Secret != "" {
		req.Header.Set("X-Tilefeed-Signature", signPayload(body, target.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logDelivery(target, event, body, 0, "", time.Since(start), err)
		return err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	s.logDelivery(target, event, body, resp.StatusCode, string(snippet), time.Since(start), nil)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Debug().
		Str("webhook", target.ID).
		Str("event", event).
		Int("status", resp.StatusCode).
		Msg("webhook delivered")
	return nil
}

// logDelivery records one delivery attempt and feeds the delivery metric.
func (s *Service) logDelivery(target models.WebhookTarget, event string, body []byte, statusCode int, response string, elapsed time.Duration, deliveryErr error) {
	outcome := "success"
	if deliveryErr != nil || statusCode < 200 || statusCode >= 300 {
		outcome = "failure"
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()

	entry := &models.WebhookLog{
		ID:         uuid.NewString(),
		TargetID:   target.ID,
		Event:      event,
		Payload:    string(body),
		StatusCode: statusCode,
		Response:   response,
		Duration:   int(elapsed / time.Millisecond),
	}
	if deliveryErr != nil {
		entry.Error = deliveryErr.Error()
	}

	if err := s.db.Create(entry).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to log webhook delivery")
	}
}

// TestWebhook sends a test payload to a target and reports the outcome.
// Delivery is synchronous so callers can surface the result.
func (s *Service) TestWebhook(ctx context.Context, target *models.WebhookTarget) error {
	payload := WebhookPayload{
		Event:     EventTest,
		Timestamp: time.Now().UTC(),
		ChannelID: target.ChannelID,
		Data: map[string]any{
			"entry_id": "test-entry",
			"position": 0,
			"version":  1,
		},
	}
	return s.send(ctx, *target, EventTest, payload)
}

// signPayload creates an HMAC-SHA256 signature.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
