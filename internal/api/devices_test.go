/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/models"
)

// registerDevice enrolls a device and returns its id and poll token.
func registerDevice(t *testing.T, r chi.Router, token, slug, name string) (string, string) {
	t.Helper()
	rr := doJSON(t, r, "POST", "/api/v1/channels/"+slug+"/devices", token, map[string]any{"name": name})
	if rr.Code != 201 {
		t.Fatalf("register device = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Device models.Device `json:"device"`
		Token  string        `json:"token"`
	}
	decodeBody(t, rr, &resp)
	if resp.Device.ID == "" || resp.Token == "" {
		t.Fatalf("register response incomplete: %+v", resp)
	}
	return resp.Device.ID, resp.Token
}

func pollWithToken(t *testing.T, r chi.Router, deviceToken string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/devices/poll", nil)
	if deviceToken != "" {
		req.Header.Set("X-Device-Token", deviceToken)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestDeviceRegisterAndList(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))
	viewer := bearerFor(t, a, seedUser(t, db, "viewer@example.com", models.RoleViewer))
	createChannel(t, r, editor, "lobby")

	rr := doJSON(t, r, "POST", "/api/v1/channels/lobby/devices", editor, map[string]any{"name": "front door"})
	if rr.Code != 201 {
		t.Fatalf("register = %d body=%s", rr.Code, rr.Body.String())
	}
	var created struct {
		Device map[string]any `json:"device"`
		Token  string         `json:"token"`
	}
	decodeBody(t, rr, &created)
	if created.Token == "" {
		t.Fatal("token missing from register response")
	}
	// The token lives at the top level only; the device object never
	// serializes it.
	if _, leaked := created.Device["token"]; leaked {
		t.Error("device object leaks the poll token")
	}

	if rr := doJSON(t, r, "POST", "/api/v1/channels/lobby/devices", editor, map[string]any{}); rr.Code != 400 {
		t.Errorf("register without name = %d, want 400", rr.Code)
	}
	if rr := doJSON(t, r, "POST", "/api/v1/channels/lobby/devices", viewer, map[string]any{"name": "sneaky"}); rr.Code != 403 {
		t.Errorf("viewer register = %d, want 403", rr.Code)
	}
	if rr := doJSON(t, r, "POST", "/api/v1/channels/nowhere/devices", editor, map[string]any{"name": "lost"}); rr.Code != 404 {
		t.Errorf("register on unknown channel = %d, want 404", rr.Code)
	}

	list := doJSON(t, r, "GET", "/api/v1/channels/lobby/devices", editor, nil)
	if list.Code != 200 {
		t.Fatalf("list = %d body=%s", list.Code, list.Body.String())
	}
	var listResp struct {
		Devices []models.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	decodeBody(t, list, &listResp)
	if listResp.Count != 1 || len(listResp.Devices) != 1 {
		t.Fatalf("count = %d, want 1", listResp.Count)
	}
	if listResp.Devices[0].Name != "front door" {
		t.Errorf("device name = %q, want front door", listResp.Devices[0].Name)
	}
}

func TestDevicePoll(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))
	createChannel(t, r, editor, "lobby")
	publishEntries(t, r, editor, "lobby", []map[string]any{
		{"payload": map[string]any{"view": "clock"}},
	})
	deviceID, deviceTok := registerDevice(t, r, editor, "lobby", "front door")

	seenSub := a.bus.Subscribe(events.EventDeviceSeen)
	defer a.bus.Unsubscribe(events.EventDeviceSeen, seenSub)

	rr := pollWithToken(t, r, deviceTok)
	if rr.Code != 200 {
		t.Fatalf("poll = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		DeviceID          string     `json:"device_id"`
		ChannelSlug       string     `json:"channel_slug"`
		Paused            bool       `json:"paused"`
		MinRefreshSeconds int        `json:"min_refresh_seconds"`
		Version           int        `json:"version"`
		HasEntry          bool       `json:"has_entry"`
		Payload           any        `json:"payload"`
		ExpiresAt         *time.Time `json:"expires_at"`
	}
	decodeBody(t, rr, &resp)
	if resp.DeviceID != deviceID || resp.ChannelSlug != "lobby" {
		t.Errorf("resp = %+v, want the registered device on lobby", resp)
	}
	if !resp.HasEntry || resp.Version != 1 {
		t.Errorf("has_entry=%v version=%d, want the published default", resp.HasEntry, resp.Version)
	}
	if resp.MinRefreshSeconds != 20 {
		t.Errorf("min_refresh_seconds = %d, want the server default", resp.MinRefreshSeconds)
	}

	payload := waitPayload(t, seenSub)
	if payload["device_id"] != deviceID {
		t.Errorf("seen event device = %v, want %s", payload["device_id"], deviceID)
	}

	// The seen marker lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var device models.Device
		if err := db.First(&device, "id = ?", deviceID).Error; err != nil {
			t.Fatalf("load device: %v", err)
		}
		if device.LastSeenAt != nil && device.LastVersion == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("device never marked seen: %+v", device)
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Run("channel floor overrides the server default", func(t *testing.T) {
		if rr := doJSON(t, r, "PUT", "/api/v1/channels/lobby", editor, map[string]any{"min_refresh_seconds": 45}); rr.Code != 200 {
			t.Fatalf("update = %d body=%s", rr.Code, rr.Body.String())
		}
		rr := pollWithToken(t, r, deviceTok)
		var again struct {
			MinRefreshSeconds int `json:"min_refresh_seconds"`
		}
		decodeBody(t, rr, &again)
		if again.MinRefreshSeconds != 45 {
			t.Errorf("min_refresh_seconds = %d, want the channel override", again.MinRefreshSeconds)
		}
	})

	t.Run("paused channel still answers", func(t *testing.T) {
		if rr := doJSON(t, r, "POST", "/api/v1/channels/lobby/pause", editor, nil); rr.Code != 200 {
			t.Fatalf("pause = %d", rr.Code)
		}
		rr := pollWithToken(t, r, deviceTok)
		if rr.Code != 200 {
			t.Fatalf("poll while paused = %d body=%s", rr.Code, rr.Body.String())
		}
		var again struct {
			Paused   bool `json:"paused"`
			HasEntry bool `json:"has_entry"`
		}
		decodeBody(t, rr, &again)
		if !again.Paused || !again.HasEntry {
			t.Errorf("resp = %+v, want paused flag with content intact", again)
		}
	})

	t.Run("bearer token fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/devices/poll", nil)
		req.Header.Set("Authorization", "Bearer "+deviceTok)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Errorf("poll via bearer = %d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("missing and bogus tokens", func(t *testing.T) {
		if rr := pollWithToken(t, r, ""); rr.Code != 401 {
			t.Errorf("poll without token = %d, want 401", rr.Code)
		}
		if rr := pollWithToken(t, r, "not-a-token"); rr.Code != 401 {
			t.Errorf("poll with bogus token = %d, want 401", rr.Code)
		}
	})
}

func TestDeviceDelete(t *testing.T) {
	a, r, db := newTestAPI(t)
	editor := bearerFor(t, a, seedUser(t, db, "editor@example.com", models.RoleEditor))
	createChannel(t, r, editor, "lobby")
	deviceID, deviceTok := registerDevice(t, r, editor, "lobby", "doomed unit")

	deletedSub := a.bus.Subscribe(events.EventDeviceDeleted)
	defer a.bus.Unsubscribe(events.EventDeviceDeleted, deletedSub)

	rr := doJSON(t, r, "DELETE", "/api/v1/channels/lobby/devices/"+deviceID, editor, nil)
	if rr.Code != 200 {
		t.Fatalf("delete = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := waitPayload(t, deletedSub)
	if payload["device_id"] != deviceID {
		t.Errorf("deleted event device = %v, want %s", payload["device_id"], deviceID)
	}

	if rr := pollWithToken(t, r, deviceTok); rr.Code != 401 {
		t.Errorf("poll after delete = %d, want 401", rr.Code)
	}
	if rr := doJSON(t, r, "DELETE", "/api/v1/channels/lobby/devices/"+deviceID, editor, nil); rr.Code != 404 {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}
