package api

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/audit"
	"github.com/friendsincode/tilefeed/internal/logbuffer"
	"github.com/friendsincode/tilefeed/internal/models"
)

type auditListResponse struct {
	AuditLogs []auditLogResponse `json:"audit_logs"`
	Total     int64              `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
}

func TestAuditTrailEndToEnd(t *testing.T) {
	a, r, db := newTestAPI(t)
	svc := audit.NewService(db, a.bus, zerolog.Nop())
	a.SetAuditService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	// Give the subscriber loop a moment to register
	time.Sleep(100 * time.Millisecond)

	admin := bearerFor(t, a, seedUser(t, db, "root@example.com", models.RoleAdmin))
	createChannelID(t, r, admin, "watched")

	var listed auditListResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		rr := doJSON(t, r, "GET", "/api/v1/admin/audit?action=channel.create", admin, nil)
		if rr.Code != 200 {
			t.Fatalf("audit list = %d body=%s", rr.Code, rr.Body.String())
		}
		decodeBody(t, rr, &listed)
		if listed.Total >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel create never reached the audit trail")
		}
		time.Sleep(20 * time.Millisecond)
	}

	entry := listed.AuditLogs[0]
	if entry.Action != "channel.create" {
		t.Errorf("action = %q", entry.Action)
	}
	if entry.UserEmail != "root@example.com" {
		t.Errorf("user_email = %q, want the acting admin", entry.UserEmail)
	}
	if entry.ResourceType != "channel" {
		t.Errorf("resource_type = %q", entry.ResourceType)
	}
	if entry.IPAddress == "" {
		t.Error("ip_address missing from audit entry")
	}
}

func TestAuditListFilters(t *testing.T) {
	a, r, db := newTestAPI(t)
	a.SetAuditService(audit.NewService(db, a.bus, zerolog.Nop()))
	admin := bearerFor(t, a, seedUser(t, db, "root@example.com", models.RoleAdmin))

	base := time.Now().UTC().Truncate(time.Second)
	userA, userB := "u-1", "u-2"
	chA, chB := "ch-a", "ch-b"
	seed := []models.AuditLog{
		{ID: "al-1", Timestamp: base.Add(-3 * time.Hour), UserID: &userA, ChannelID: &chA, Action: models.AuditActionChannelCreate},
		{ID: "al-2", Timestamp: base.Add(-2 * time.Hour), UserID: &userB, ChannelID: &chB, Action: models.AuditActionTimelinePublish},
		{ID: "al-3", Timestamp: base.Add(-1 * time.Hour), UserID: &userA, ChannelID: &chA, Action: models.AuditActionChannelCreate},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed audit row: %v", err)
		}
	}

	list := func(t *testing.T, query string) auditListResponse {
		t.Helper()
		rr := doJSON(t, r, "GET", "/api/v1/admin/audit"+query, admin, nil)
		if rr.Code != 200 {
			t.Fatalf("list %q = %d body=%s", query, rr.Code, rr.Body.String())
		}
		var resp auditListResponse
		decodeBody(t, rr, &resp)
		return resp
	}

	t.Run("newest first by default", func(t *testing.T) {
		resp := list(t, "")
		if resp.Total != 3 || len(resp.AuditLogs) != 3 {
			t.Fatalf("total = %d entries = %d", resp.Total, len(resp.AuditLogs))
		}
		if resp.AuditLogs[0].ID != "al-3" || resp.AuditLogs[2].ID != "al-1" {
			t.Errorf("order = %s..%s, want al-3..al-1", resp.AuditLogs[0].ID, resp.AuditLogs[2].ID)
		}
		if resp.Limit != 100 || resp.Offset != 0 {
			t.Errorf("defaults = limit %d offset %d", resp.Limit, resp.Offset)
		}
	})

	t.Run("by action", func(t *testing.T) {
		if resp := list(t, "?action=channel.create"); resp.Total != 2 {
			t.Errorf("total = %d, want 2", resp.Total)
		}
	})

	t.Run("by channel", func(t *testing.T) {
		resp := list(t, "?channel_id=ch-b")
		if resp.Total != 1 || resp.AuditLogs[0].ID != "al-2" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("by user", func(t *testing.T) {
		if resp := list(t, "?user_id=u-1"); resp.Total != 2 {
			t.Errorf("total = %d, want 2", resp.Total)
		}
	})

	t.Run("time window", func(t *testing.T) {
		start := base.Add(-150 * time.Minute).Format(time.RFC3339)
		end := base.Add(-90 * time.Minute).Format(time.RFC3339)
		resp := list(t, fmt.Sprintf("?start_time=%s&end_time=%s", start, end))
		if resp.Total != 1 || resp.AuditLogs[0].ID != "al-2" {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("paging", func(t *testing.T) {
		resp := list(t, "?limit=1&offset=1")
		if resp.Total != 3 || len(resp.AuditLogs) != 1 {
			t.Fatalf("total = %d entries = %d", resp.Total, len(resp.AuditLogs))
		}
		if resp.AuditLogs[0].ID != "al-2" {
			t.Errorf("page 2 entry = %s, want al-2", resp.AuditLogs[0].ID)
		}
		if resp.Limit != 1 || resp.Offset != 1 {
			t.Errorf("echo = limit %d offset %d", resp.Limit, resp.Offset)
		}
	})

	t.Run("oversized limit falls back to default", func(t *testing.T) {
		if resp := list(t, "?limit=5000"); resp.Limit != 100 {
			t.Errorf("limit = %d, want the 100 default", resp.Limit)
		}
	})
}

func TestAdminLogsEndpoints(t *testing.T) {
	a, r, db := newTestAPI(t)
	buf := logbuffer.New(100)
	a.SetLogBuffer(buf)
	admin := bearerFor(t, a, seedUser(t, db, "root@example.com", models.RoleAdmin))

	base := time.Now().UTC()
	buf.Add(logbuffer.LogEntry{Timestamp: base, Level: "info", Component: "api", Message: "listening on :8080"})
	buf.Add(logbuffer.LogEntry{Timestamp: base.Add(time.Second), Level: "error", Component: "coordinator", Message: "refresh overrun", Fields: map[string]any{"channel_id": "ch-a"}})
	buf.Add(logbuffer.LogEntry{Timestamp: base.Add(2 * time.Second), Level: "warn", Component: "coordinator", Message: "limiter clamped"})

	t.Run("list newest first", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/admin/logs", admin, nil)
		if rr.Code != 200 {
			t.Fatalf("logs = %d body=%s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Logs  []logbuffer.LogEntry `json:"logs"`
			Count int                  `json:"count"`
		}
		decodeBody(t, rr, &resp)
		if resp.Count != 3 {
			t.Fatalf("count = %d, want 3", resp.Count)
		}
		if resp.Logs[0].Message != "limiter clamped" {
			t.Errorf("newest = %q", resp.Logs[0].Message)
		}
	})

	t.Run("level and component filters", func(t *testing.T) {
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, doJSON(t, r, "GET", "/api/v1/admin/logs?level=error", admin, nil), &resp)
		if resp.Count != 1 {
			t.Errorf("error count = %d, want 1", resp.Count)
		}
		decodeBody(t, doJSON(t, r, "GET", "/api/v1/admin/logs?component=coordinator", admin, nil), &resp)
		if resp.Count != 2 {
			t.Errorf("coordinator count = %d, want 2", resp.Count)
		}
		decodeBody(t, doJSON(t, r, "GET", "/api/v1/admin/logs?channel_id=ch-a", admin, nil), &resp)
		if resp.Count != 1 {
			t.Errorf("channel count = %d, want 1", resp.Count)
		}
	})

	t.Run("components", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/admin/logs/components", admin, nil)
		var resp struct {
			Components []string `json:"components"`
		}
		decodeBody(t, rr, &resp)
		seen := make(map[string]bool, len(resp.Components))
		for _, c := range resp.Components {
			seen[c] = true
		}
		if len(resp.Components) != 2 || !seen["api"] || !seen["coordinator"] {
			t.Errorf("components = %v", resp.Components)
		}
	})

	t.Run("stats", func(t *testing.T) {
		rr := doJSON(t, r, "GET", "/api/v1/admin/logs/stats", admin, nil)
		var stats logbuffer.Stats
		decodeBody(t, rr, &stats)
		if stats.Count != 3 || stats.Capacity != 100 {
			t.Errorf("stats = %+v", stats)
		}
		if stats.LevelCount["error"] != 1 || stats.LevelCount["info"] != 1 || stats.LevelCount["warn"] != 1 {
			t.Errorf("level counts = %v", stats.LevelCount)
		}
	})
}
