/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP surface: authentication, channel and
// timeline management, device polling, asset storage, webhook
// administration, and the admin plane (logs, audit, live status).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/assets"
	"github.com/friendsincode/tilefeed/internal/audit"
	"github.com/friendsincode/tilefeed/internal/auth"
	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/config"
	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/logbuffer"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/webhooks"
)

// API wires HTTP handlers to the services behind them. Optional
// services are attached through the Set methods before Routes is
// called; handlers that need a missing one answer 503.
type API struct {
	db          *gorm.DB
	cfg         *config.Config
	jwtSecret   []byte
	bus         eventbus.Bus
	coordinator *coordinator.Service
	assetStore  assets.Store
	webhookSvc  *webhooks.Service
	auditSvc    *audit.Service
	cache       *cache.Cache
	logBuffer   *logbuffer.Buffer
	logger      zerolog.Logger
}

// New creates the API layer with its required dependencies. An empty
// signing key leaves bearer JWT auth disabled; API keys still work.
func New(db *gorm.DB, cfg *config.Config, bus eventbus.Bus, logger zerolog.Logger) *API {
	var secret []byte
	if cfg.JWTSigningKey != "" {
		secret = []byte(cfg.JWTSigningKey)
	}
	return &API{
		db:        db,
		cfg:       cfg,
		jwtSecret: secret,
		bus:       bus,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// SetCoordinator attaches the selection coordinator.
func (a *API) SetCoordinator(c *coordinator.Service) {
	a.coordinator = c
}

// SetAssetStore attaches the asset backend.
func (a *API) SetAssetStore(s assets.Store) {
	a.assetStore = s
}

// SetWebhookService attaches the webhook dispatcher.
func (a *API) SetWebhookService(s *webhooks.Service) {
	a.webhookSvc = s
}

// SetAuditService attaches the audit trail.
func (a *API) SetAuditService(s *audit.Service) {
	a.auditSvc = s
}

// SetCache attaches the read-through cache.
func (a *API) SetCache(c *cache.Cache) {
	a.cache = c
}

// SetLogBuffer attaches the in-memory log ring for the admin plane.
func (a *API) SetLogBuffer(b *logbuffer.Buffer) {
	a.logBuffer = b
}

// Routes mounts the versioned API on the given router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		// Device polling authenticates with a device token, not a
		// user credential, so it sits outside the auth group.
		r.Get("/devices/poll", a.handleDevicePoll)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Get("/auth/me", a.handleMe)

			pr.Route("/apikeys", func(r chi.Router) {
				r.Get("/", a.handleAPIKeyList)
				r.Post("/", a.handleAPIKeyCreate)
				r.Delete("/{keyID}", a.handleAPIKeyRevoke)
			})

			pr.Route("/channels", func(r chi.Router) {
				r.Get("/", a.handleChannelList)
				r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/", a.handleChannelCreate)

				r.Route("/{slug}", func(r chi.Router) {
					r.Get("/", a.handleChannelGet)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Put("/", a.handleChannelUpdate)
					r.With(a.requireRoles(models.RoleAdmin)).Delete("/", a.handleChannelDelete)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/pause", a.handleChannelPause)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/resume", a.handleChannelResume)

					r.Get("/timeline", a.handleTimelineGet)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Put("/timeline", a.handleTimelinePublish)

					r.Get("/active", a.handleChannelActive)
					r.Get("/simulate", a.handleChannelSimulate)
					r.Get("/status", a.handleChannelStatus)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/refresh", a.handleChannelRefresh)

					r.Get("/devices", a.handleDeviceList)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/devices", a.handleDeviceRegister)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Delete("/devices/{deviceID}", a.handleDeviceDelete)
				})
			})

			pr.Route("/assets", func(r chi.Router) {
				r.Get("/*", a.handleAssetGet)
				r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Put("/*", a.handleAssetPut)
				r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Delete("/*", a.handleAssetDelete)
			})

			NewWebhookAPI(a).RegisterRoutes(pr)

			pr.Get("/events/ws", a.handleEventsWS)

			pr.Route("/admin", func(r chi.Router) {
				r.Use(a.requireRoles(models.RoleAdmin))
				r.Get("/logs", a.handleSystemLogs)
				r.Get("/logs/components", a.handleLogComponents)
				r.Get("/logs/stats", a.handleLogStats)
				r.Get("/audit", a.handleAuditList)
				r.Get("/status", a.handleCoordinatorStatus)
			})
		})
	})
}

// authMiddleware returns the request authenticator. API keys take
// precedence over bearer JWTs.
func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.db, a.jwtSecret)
}

// requireRoles gates a route to the named roles. Admins pass every
// gate.
func (a *API) requireRoles(roles ...models.RoleName) func(http.Handler) http.Handler {
	allowed := make(map[models.RoleName]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok || claims == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			role := models.RoleName(claims.Role)
			if _, ok := allowed[role]; !ok && role != models.RoleAdmin {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealth reports liveness.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCoordinatorStatus reports the live selection state of every
// channel the coordinator tracks.
func (a *API) handleCoordinatorStatus(w http.ResponseWriter, _ *http.Request) {
	if a.coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator_unavailable")
		return
	}
	statuses := a.coordinator.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": statuses,
		"count":    len(statuses),
	})
}

// handleSystemLogs serves the in-memory log ring with optional
// filtering.
func (a *API) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		ChannelID:  q.Get("channel_id"),
		Search:     q.Get("search"),
		Descending: true,
		Limit:      500,
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			params.Limit = n
		}
	}

	entries := a.logBuffer.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleLogComponents lists the component names seen in the log ring.
func (a *API) handleLogComponents(w http.ResponseWriter, _ *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"components": a.logBuffer.Components(),
	})
}

// handleLogStats summarizes the log ring by level.
func (a *API) handleLogStats(w http.ResponseWriter, _ *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.logBuffer.Stats())
}

// auditContext collects the request facts every audit event carries.
func (a *API) auditContext(r *http.Request) events.Payload {
	payload := events.Payload{
		"ip_address": r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims != nil {
		payload["user_id"] = claims.UserID
		var user models.User
		if err := a.db.Select("email").First(&user, "id = ?", claims.UserID).Error; err == nil {
			payload["user_email"] = user.Email
		}
	}
	return payload
}

// publishAuditEvent merges request context into data and publishes the
// event for the audit service to persist.
func (a *API) publishAuditEvent(r *http.Request, eventType events.EventType, data events.Payload) {
	payload := a.auditContext(r)
	for k, v := range data {
		payload[k] = v
	}
	a.bus.Publish(eventType, payload)
}

// parseEventTypes splits a comma separated list into event types.
func parseEventTypes(raw string) []events.EventType {
	parts := strings.Split(raw, ",")
	types := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			types = append(types, events.EventType(part))
		}
	}
	return types
}

// writeJSON writes data as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a machine-readable error token.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
