/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

func TestChannelCreate(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))

	t.Run("minimal request", func(t *testing.T) {
		rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": "lobby"})
		if rr.Code != 201 {
			t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Channel models.Channel `json:"channel"`
		}
		decodeBody(t, rr, &resp)
		if resp.Channel.ID == "" {
			t.Error("channel id is empty")
		}
		if resp.Channel.Slug != "lobby" {
			t.Errorf("slug = %q, want lobby", resp.Channel.Slug)
		}
		if resp.Channel.Name != "lobby" {
			t.Errorf("name = %q, want the slug as default", resp.Channel.Name)
		}
	})

	t.Run("duplicate slug", func(t *testing.T) {
		rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": "lobby"})
		if rr.Code != 409 {
			t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("invalid slugs", func(t *testing.T) {
		for _, slug := range []string{"", "Lobby", "front door", "double--dash", "-leading", "trailing-"} {
			rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": slug})
			if rr.Code != 400 {
				t.Errorf("slug %q = %d, want 400", slug, rr.Code)
			}
		}
	})

	t.Run("invalid timezone", func(t *testing.T) {
		rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{
			"slug": "tz-check", "timezone": "Mars/Olympus",
		})
		if rr.Code != 400 {
			t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("negative min refresh", func(t *testing.T) {
		rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{
			"slug": "rate-check", "min_refresh_seconds": -1,
		})
		if rr.Code != 400 {
			t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("full request", func(t *testing.T) {
		rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{
			"slug":                "break-room",
			"name":                "Break Room Screen",
			"description":         "menu and announcements",
			"timezone":            "Europe/Oslo",
			"min_refresh_seconds": 45,
		})
		if rr.Code != 201 {
			t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Channel models.Channel `json:"channel"`
		}
		decodeBody(t, rr, &resp)
		if resp.Channel.Timezone != "Europe/Oslo" || resp.Channel.MinRefreshSeconds != 45 {
			t.Errorf("channel = %+v, want the submitted settings", resp.Channel)
		}
	})
}

func TestChannelGetAndList(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))

	for _, slug := range []string{"zulu", "alpha"} {
		if rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": slug}); rr.Code != 201 {
			t.Fatalf("create %s = %d body=%s", slug, rr.Code, rr.Body.String())
		}
	}

	// Two generations on alpha so the version bookkeeping shows.
	for i := 0; i < 2; i++ {
		rr := doJSON(t, r, "PUT", "/api/v1/channels/alpha/timeline", editor, map[string]any{
			"entries": []map[string]any{{"payload": map[string]any{"view": "clock"}}},
		})
		if rr.Code != 201 {
			t.Fatalf("publish %d = %d body=%s", i, rr.Code, rr.Body.String())
		}
	}

	t.Run("get with version", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/channels/alpha", editor, nil)
		if rr.Code != 200 {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Channel models.Channel `json:"channel"`
			Version int            `json:"version"`
		}
		decodeBody(t, rr, &resp)
		if resp.Version != 2 {
			t.Errorf("version = %d, want 2", resp.Version)
		}
	})

	t.Run("unknown slug", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/channels/nowhere", editor, nil)
		if rr.Code != 404 {
			t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("list is slug ordered with versions", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/channels", editor, nil)
		if rr.Code != 200 {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Channels []cache.CachedChannel `json:"channels"`
			Count    int                   `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 2 || len(resp.Channels) != 2 {
			t.Fatalf("count = %d channels = %d, want 2", resp.Count, len(resp.Channels))
		}
		if resp.Channels[0].Slug != "alpha" || resp.Channels[1].Slug != "zulu" {
			t.Errorf("order = %s,%s, want alpha,zulu", resp.Channels[0].Slug, resp.Channels[1].Slug)
		}
		if resp.Channels[0].CurrentVersion != 2 {
			t.Errorf("alpha version = %d, want 2", resp.Channels[0].CurrentVersion)
		}
		if resp.Channels[1].CurrentVersion != 0 {
			t.Errorf("zulu version = %d, want 0 before first publish", resp.Channels[1].CurrentVersion)
		}
	})
}

func TestChannelUpdate(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))

	if rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": "kiosk"}); rr.Code != 201 {
		t.Fatalf("create = %d body=%s", rr.Code, rr.Body.String())
	}

	sub := a.bus.Subscribe(events.EventChannelUpdated)
	defer a.bus.Unsubscribe(events.EventChannelUpdated, sub)

	rr := doJSON(t, r, "PUT", "/api/v1/channels/kiosk", editor, map[string]any{
		"name":                "Kiosk North",
		"min_refresh_seconds": 60,
		"slug":                "smuggled-rename",
	})
	if rr.Code != 200 {
		t.Fatalf("update = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Channel models.Channel `json:"channel"`
	}
	decodeBody(t, rr, &resp)
	if resp.Channel.Name != "Kiosk North" || resp.Channel.MinRefreshSeconds != 60 {
		t.Errorf("channel = %+v, want updated fields", resp.Channel)
	}
	if resp.Channel.Slug != "kiosk" {
		t.Errorf("slug = %q, slugs are immutable", resp.Channel.Slug)
	}

	payload := waitPayload(t, sub)
	if payload["channel_id"] != resp.Channel.ID {
		t.Errorf("event channel_id = %v, want %s", payload["channel_id"], resp.Channel.ID)
	}

	t.Run("invalid timezone", func(t *testing.T) {
		rr := doJSON(t, r, "PUT", "/api/v1/channels/kiosk", editor, map[string]any{"timezone": "Not/Real"})
		if rr.Code != 400 {
			t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		rr := doJSON(t, r, "PUT", "/api/v1/channels/kiosk", editor, map[string]any{})
		if rr.Code != 200 {
			t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
		}
	})
}

func TestChannelPauseResume(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))

	if rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": "hall"}); rr.Code != 201 {
		t.Fatalf("create = %d body=%s", rr.Code, rr.Body.String())
	}

	pausedSub := a.bus.Subscribe(events.EventChannelPaused)
	resumedSub := a.bus.Subscribe(events.EventChannelResumed)
	defer a.bus.Unsubscribe(events.EventChannelPaused, pausedSub)
	defer a.bus.Unsubscribe(events.EventChannelResumed, resumedSub)

	rr := doJSON(t, r, "POST", "/api/v1/channels/hall/pause", editor, nil)
	if rr.Code != 200 {
		t.Fatalf("pause = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Channel models.Channel `json:"channel"`
	}
	decodeBody(t, rr, &resp)
	if !resp.Channel.Paused {
		t.Error("channel not paused after pause")
	}
	payload := waitPayload(t, pausedSub)
	if payload["channel_slug"] != "hall" {
		t.Errorf("pause event slug = %v, want hall", payload["channel_slug"])
	}

	// Pausing a paused channel publishes nothing.
	if again := doJSON(t, r, "POST", "/api/v1/channels/hall/pause", editor, nil); again.Code != 200 {
		t.Fatalf("repeat pause = %d", again.Code)
	}
	select {
	case extra := <-pausedSub:
		t.Errorf("unexpected second pause event: %v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	rr = doJSON(t, r, "POST", "/api/v1/channels/hall/resume", editor, nil)
	if rr.Code != 200 {
		t.Fatalf("resume = %d body=%s", rr.Code, rr.Body.String())
	}
	decodeBody(t, rr, &resp)
	if resp.Channel.Paused {
		t.Error("channel still paused after resume")
	}
	waitPayload(t, resumedSub)

	var stored models.Channel
	if err := db.First(&stored, "slug = ?", "hall").Error; err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if stored.Paused {
		t.Error("stored channel still paused")
	}
}

func TestChannelDeleteCascades(t *testing.T) {
	a, r, db := newTestAPI(t)
	admin := bearerFor(t, a, seedUser(t, db, "admin@example.com", models.RoleAdmin))

	ch := models.Channel{ID: uuid.NewString(), Slug: "doomed", Name: "Doomed"}
	if err := db.Create(&ch).Error; err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	tl := models.Timeline{
		ID: uuid.NewString(), ChannelID: ch.ID, Version: 1, PublishedAt: time.Now().UTC(),
		Entries: []models.TimelineEntry{
			{ID: uuid.NewString(), Position: 0, Payload: `{}`},
		},
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatalf("seed timeline: %v", err)
	}
	device := models.Device{ID: uuid.NewString(), ChannelID: ch.ID, Name: "door", Token: uuid.NewString()}
	if err := db.Create(&device).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}
	target := models.NewWebhookTarget(ch.ID, "https://example.com/hook", "entry_activated")
	if err := db.Create(target).Error; err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	wlog := models.WebhookLog{ID: uuid.NewString(), TargetID: target.ID, Event: "test", StatusCode: 200}
	if err := db.Create(&wlog).Error; err != nil {
		t.Fatalf("seed webhook log: %v", err)
	}

	rr := doJSON(t, r, "DELETE", "/api/v1/channels/doomed", admin, nil)
	if rr.Code != 200 {
		t.Fatalf("delete = %d body=%s", rr.Code, rr.Body.String())
	}

	remaining := []struct {
		name  string
		model any
	}{
		{"channels", &models.Channel{}},
		{"timelines", &models.Timeline{}},
		{"entries", &models.TimelineEntry{}},
		{"devices", &models.Device{}},
		{"webhook targets", &models.WebhookTarget{}},
		{"webhook logs", &models.WebhookLog{}},
	}
	for _, c := range remaining {
		var count int64
		if err := db.Model(c.model).Count(&count).Error; err != nil {
			t.Fatalf("count %s: %v", c.name, err)
		}
		if count != 0 {
			t.Errorf("%s left after delete: %d", c.name, count)
		}
	}
}

func TestChannelStatusDegradesGracefully(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))

	if rr := doJSON(t, r, "POST", "/api/v1/channels", editor, map[string]any{"slug": "watch"}); rr.Code != 201 {
		t.Fatalf("create = %d body=%s", rr.Code, rr.Body.String())
	}

	rr := doJSON(t, r, "GET", "/api/v1/channels/watch/status", editor, nil)
	if rr.Code != 503 {
		t.Fatalf("status without coordinator = %d, want 503", rr.Code)
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if resp["error"] != "coordinator_unavailable" {
		t.Errorf("error = %q, want coordinator_unavailable", resp["error"])
	}
}
