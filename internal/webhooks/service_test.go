/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&models.Channel{}, &models.WebhookTarget{}, &models.WebhookLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	svc := NewService(db, events.NewBus(), zerolog.Nop())
	return svc, db
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func TestDeliverPostsSignedPayload(t *testing.T) {
	svc, db := newTestService(t)

	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := models.WebhookTarget{
		ID:        "wh-1",
		ChannelID: "chan-1",
		URL:       srv.URL,
		Secret:    "s3cret",
		Active:    true,
	}

	svc.deliver(context.Background(), target, EventEntryActivated, events.Payload{
		"channel_id": "chan-1",
		"entry_id":   "entry-7",
		"version":    3,
	})

	var req capturedRequest
	select {
	case req = <-captured:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook request never arrived")
	}

	if got := req.header.Get("X-Tilefeed-Event"); got != "entry_activated" {
		t.Errorf("X-Tilefeed-Event = %q, want %q", got, "entry_activated")
	}
	if got := req.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if got := req.header.Get("User-Agent"); got != "Tilefeed-Webhook/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "Tilefeed-Webhook/1.0")
	}
	if req.header.Get("X-Tilefeed-Timestamp") == "" {
		t.Error("X-Tilefeed-Timestamp header missing")
	}
	if got, want := req.header.Get("X-Tilefeed-Signature"), signPayload(req.body, "s3cret"); got != want {
		t.Errorf("X-Tilefeed-Signature = %q, want %q", got, want)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("failed to unmarshal webhook body: %v", err)
	}
	if payload.Event != "entry_activated" {
		t.Errorf("payload.Event = %q, want %q", payload.Event, "entry_activated")
	}
	if payload.ChannelID != "chan-1" {
		t.Errorf("payload.ChannelID = %q, want %q", payload.ChannelID, "chan-1")
	}
	if got := payload.Data["entry_id"]; got != "entry-7" {
		t.Errorf("payload.Data[entry_id] = %v, want %q", got, "entry-7")
	}

	var logs []models.WebhookLog
	if err := db.Find(&logs).Error; err != nil {
		t.Fatalf("failed to load webhook logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("webhook logs = %d, want 1", len(logs))
	}
	if logs[0].TargetID != "wh-1" {
		t.Errorf("log.TargetID = %q, want %q", logs[0].TargetID, "wh-1")
	}
	if logs[0].Event != "entry_activated" {
		t.Errorf("log.Event = %q, want %q", logs[0].Event, "entry_activated")
	}
	if logs[0].StatusCode != http.StatusOK {
		t.Errorf("log.StatusCode = %d, want %d", logs[0].StatusCode, http.StatusOK)
	}
	if logs[0].Payload != string(req.body) {
		t.Error("log.Payload does not match the delivered body")
	}
	if logs[0].Error != "" {
		t.Errorf("log.Error = %q, want empty", logs[0].Error)
	}
}

func TestSendWithoutSecretOmitsSignature(t *testing.T) {
	svc, _ := newTestService(t)

	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := models.WebhookTarget{ID: "wh-1", ChannelID: "chan-1", URL: srv.URL, Active: true}
	if err := svc.send(context.Background(), target, EventRefreshFired, WebhookPayload{Event: EventRefreshFired}); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	req := <-captured
	if got := req.header.Get("X-Tilefeed-Signature"); got != "" {
		t.Errorf("X-Tilefeed-Signature = %q, want empty", got)
	}
}

func TestSendRecordsErrorStatus(t *testing.T) {
	svc, db := newTestService(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	target := models.WebhookTarget{ID: "wh-1", ChannelID: "chan-1", URL: srv.URL, Active: true}
	err := svc.send(context.Background(), target, EventEntryActivated, WebhookPayload{Event: EventEntryActivated})
	if err == nil {
		t.Fatal("send() error = nil, want non-nil for 500 response")
	}

	var log models.WebhookLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("failed to load webhook log: %v", err)
	}
	if log.StatusCode != http.StatusInternalServerError {
		t.Errorf("log.StatusCode = %d, want %d", log.StatusCode, http.StatusInternalServerError)
	}
	if log.Response != "upstream exploded" {
		t.Errorf("log.Response = %q, want %q", log.Response, "upstream exploded")
	}
}

func TestSendRecordsTransportFailure(t *testing.T) {
	svc, db := newTestService(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	target := models.WebhookTarget{ID: "wh-1", ChannelID: "chan-1", URL: url, Active: true}
	err := svc.send(context.Background(), target, EventEntryActivated, WebhookPayload{Event: EventEntryActivated})
	if err == nil {
		t.Fatal("send() error = nil, want non-nil for unreachable target")
	}

	var log models.WebhookLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("failed to load webhook log: %v", err)
	}
	if log.StatusCode != 0 {
		t.Errorf("log.StatusCode = %d, want 0", log.StatusCode)
	}
	if log.Error == "" {
		t.Error("log.Error is empty, want transport error message")
	}
}

func TestTargetHandlesEvent(t *testing.T) {
	tests := []struct {
		name   string
		events string
		event  string
		want   bool
	}{
		{"empty filter matches everything", "", "entry_activated", true},
		{"single event match", "entry_activated", "entry_activated", true},
		{"single event mismatch", "refresh_fired", "entry_activated", false},
		{"csv with spaces", "entry_activated, refresh_fired", "refresh_fired", true},
		{"csv mismatch", "entry_activated,refresh_fired", "test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := models.WebhookTarget{Events: tt.events}
			if got := targetHandlesEvent(target, tt.event); got != tt.want {
				t.Errorf("targetHandlesEvent(%q, %q) = %v, want %v", tt.events, tt.event, got, tt.want)
			}
		})
	}
}

func TestDispatchSkipsInactiveAndFilteredTargets(t *testing.T) {
	svc, db := newTestService(t)

	var hits atomic.Int64
	delivered := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	matching := models.WebhookTarget{ID: "wh-match", ChannelID: "chan-1", URL: srv.URL, Active: true}
	filtered := models.WebhookTarget{ID: "wh-filtered", ChannelID: "chan-1", URL: srv.URL, Events: "refresh_fired", Active: true}
	inactive := models.WebhookTarget{ID: "wh-inactive", ChannelID: "chan-1", URL: srv.URL, Active: true}
	otherChannel := models.WebhookTarget{ID: "wh-other", ChannelID: "chan-2", URL: srv.URL, Active: true}

	for _, target := range []models.WebhookTarget{matching, filtered, inactive, otherChannel} {
		if err := db.Create(&target).Error; err != nil {
			t.Fatalf("failed to seed target %s: %v", target.ID, err)
		}
	}
	if err := db.Model(&models.WebhookTarget{}).Where("id = ?", "wh-inactive").Update("active", false).Error; err != nil {
		t.Fatalf("failed to deactivate target: %v", err)
	}

	svc.dispatch(context.Background(), EventEntryActivated, events.Payload{"channel_id": "chan-1"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("matching target never received the webhook")
	}

	select {
	case <-delivered:
		t.Fatal("a filtered or inactive target received the webhook")
	case <-time.After(300 * time.Millisecond):
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestDispatchIgnoresPayloadWithoutChannel(t *testing.T) {
	svc, db := newTestService(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := models.WebhookTarget{ID: "wh-1", ChannelID: "chan-1", URL: srv.URL, Active: true}
	if err := db.Create(&target).Error; err != nil {
		t.Fatalf("failed to seed target: %v", err)
	}

	svc.dispatch(context.Background(), EventEntryActivated, events.Payload{"entry_id": "entry-7"})

	time.Sleep(200 * time.Millisecond)
	if got := hits.Load(); got != 0 {
		t.Errorf("deliveries = %d, want 0 for payload without channel_id", got)
	}
}

func TestTestWebhook(t *testing.T) {
	svc, _ := newTestService(t)

	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- capturedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := &models.WebhookTarget{ID: "wh-1", ChannelID: "chan-1", URL: srv.URL, Secret: "s3cret", Active: true}
	if err := svc.TestWebhook(context.Background(), target); err != nil {
		t.Fatalf("TestWebhook() error = %v", err)
	}

	req := <-captured
	if got := req.header.Get("X-Tilefeed-Event"); got != "test" {
		t.Errorf("X-Tilefeed-Event = %q, want %q", got, "test")
	}

	var payload WebhookPayload
	if err := json.Unmarshal(req.body, &payload); err != nil {
		t.Fatalf("failed to unmarshal webhook body: %v", err)
	}
	if payload.Event != EventTest {
		t.Errorf("payload.Event = %q, want %q", payload.Event, EventTest)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	target.URL = failing.URL
	if err := svc.TestWebhook(context.Background(), target); err == nil {
		t.Error("TestWebhook() error = nil, want non-nil for 502 response")
	}
}
