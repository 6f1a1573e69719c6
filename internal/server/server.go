/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/api"
	"github.com/friendsincode/tilefeed/internal/assets"
	"github.com/friendsincode/tilefeed/internal/audit"
	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/config"
	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/coordinator/state"
	"github.com/friendsincode/tilefeed/internal/db"
	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/importer"
	"github.com/friendsincode/tilefeed/internal/leadership"
	"github.com/friendsincode/tilefeed/internal/logbuffer"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/telemetry"
	"github.com/friendsincode/tilefeed/internal/web"
	"github.com/friendsincode/tilefeed/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	cache      *cache.Cache
	logBuffer  *logbuffer.Buffer
	bus        eventbus.Bus
	api        *api.API
	webHandler *web.Handler

	coordinator       *coordinator.Service
	leaderCoordinator *coordinator.LeaderAwareCoordinator
	auditSvc          *audit.Service
	webhookSvc        *webhooks.Service
	importerSvc       *importer.Service
	assetStore        assets.Store

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Skip the timeout for websocket connections; the event stream is
	// long-lived and manages its own deadlines.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	bus, busCloser, err := eventbus.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       bus,
		logBuffer: logBuf,
	}
	if busCloser != nil {
		srv.DeferClose(busCloser)
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Header deadline protects against slowloris; no full-body read
		// deadline so asset uploads are not cut off mid-request.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		// WriteTimeout 0 keeps the event websocket alive; the 60s
		// middleware timeout covers everything else.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline' data: blob:; img-src 'self' data: blob: https:; connect-src 'self' ws: wss:; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		s.logger.Warn().Err(err).Msg("failed to register db telemetry callbacks")
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := s.bootstrapAdmin(); err != nil {
		return err
	}

	// Redis cache for the hot read paths (channel list, selection,
	// device polls). Optional; everything works without it.
	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		entityCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = entityCache
			s.DeferClose(func() error { return s.cache.Close() })
		}
	}

	store, err := assets.New(context.Background(), s.cfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("asset store initialization failed, asset endpoints degraded")
	} else {
		s.assetStore = store
	}

	coordCfg := coordinator.Config{
		Tick:        time.Duration(s.cfg.CoordinatorTickSeconds) * time.Second,
		Horizon:     time.Duration(s.cfg.SnapshotHorizonHours) * time.Hour,
		MinInterval: time.Duration(s.cfg.MinRefreshSeconds) * time.Second,
	}
	s.coordinator = coordinator.New(database, s.bus, state.NewStore(64), coordCfg, s.logger)
	if s.cache != nil {
		s.coordinator.SetCache(s.cache)
	}

	// With leader election enabled only one replica drives selection;
	// the rest serve reads and queue work through the bus.
	if s.cfg.LeaderElectionEnabled {
		electionCfg := leadership.ElectionConfig{
			RedisAddr:       s.cfg.RedisAddr,
			RedisPassword:   s.cfg.RedisPassword,
			RedisDB:         s.cfg.RedisDB,
			ElectionKey:     "tilefeed:leader:coordinator",
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
			RetryInterval:   2 * time.Second,
			InstanceID:      s.cfg.InstanceID,
		}

		election, err := leadership.NewElection(electionCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}

		s.leaderCoordinator = coordinator.NewLeaderAware(s.coordinator, election, s.logger)
		s.DeferClose(func() error { return s.leaderCoordinator.Stop() })

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", electionCfg.InstanceID).
			Msg("leader election enabled for coordinator")
	}

	s.auditSvc = audit.NewService(database, s.bus, s.logger)
	s.webhookSvc = webhooks.NewService(database, s.bus, s.logger)

	s.importerSvc = importer.NewService(database, s.bus, s.logger)
	if err := s.importerSvc.RecoverStaleJobs(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to recover stale import jobs")
	}

	s.api = api.New(database, s.cfg, s.bus, s.logger)
	s.api.SetCoordinator(s.coordinator)
	s.api.SetWebhookService(s.webhookSvc)
	s.api.SetAuditService(s.auditSvc)
	if s.assetStore != nil {
		s.api.SetAssetStore(s.assetStore)
	}
	if s.cache != nil {
		s.api.SetCache(s.cache)
	}
	if s.logBuffer != nil {
		s.api.SetLogBuffer(s.logBuffer)
	}

	if s.cfg.WebEnabled {
		webHandler, err := web.NewHandler(database, []byte(s.cfg.JWTSigningKey), s.bus, s.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize web handler: %w", err)
		}
		webHandler.SetCoordinator(s.coordinator)
		if s.cache != nil {
			webHandler.SetCache(s.cache)
		}
		s.webHandler = webHandler
	}

	return nil
}

// bootstrapAdmin creates the first admin account from the environment
// when the user table is empty, so a fresh install is usable without
// poking the database by hand.
func (s *Server) bootstrapAdmin() error {
	if s.cfg.BootstrapAdminEmail == "" || s.cfg.BootstrapAdminPassword == "" {
		return nil
	}

	var count int64
	if err := s.db.Model(&models.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}

	admin := models.User{
		ID:       uuid.NewString(),
		Email:    s.cfg.BootstrapAdminEmail,
		Password: string(hash),
		Role:     models.RoleAdmin,
	}
	if err := s.db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}

	s.logger.Info().Str("email", admin.Email).Msg("bootstrap admin account created")
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Coordinator: leader-aware when configured, direct otherwise.
	if s.leaderCoordinator != nil {
		if err := s.leaderCoordinator.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to start leader-aware coordinator")
		}
	} else if s.coordinator != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("coordinator loop exited")
			}
		}()
	}

	if s.auditSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.auditSvc.Start(ctx)
		}()
	}

	if s.webhookSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.webhookSvc.Start(ctx)
		}()
	}

	// Connection pool gauges.
	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	if s.webHandler != nil {
		s.webHandler.StartUpdateChecker(ctx)
	}

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.runCacheInvalidationListener(ctx)
		}()
	}
}

// runCacheInvalidationListener subscribes to channel mutation events and
// drops the affected cache entries. On a multi-replica deployment the
// distributed bus carries these from the other nodes, so a write anywhere
// invalidates the shared cache everywhere.
func (s *Server) runCacheInvalidationListener(ctx context.Context) {
	channelCreated := s.bus.Subscribe(events.EventChannelCreated)
	channelUpdated := s.bus.Subscribe(events.EventChannelUpdated)
	channelDeleted := s.bus.Subscribe(events.EventChannelDeleted)
	channelPaused := s.bus.Subscribe(events.EventChannelPaused)
	channelResumed := s.bus.Subscribe(events.EventChannelResumed)
	timelinePublished := s.bus.Subscribe(events.EventTimelinePublished)

	defer func() {
		s.bus.Unsubscribe(events.EventChannelCreated, channelCreated)
		s.bus.Unsubscribe(events.EventChannelUpdated, channelUpdated)
		s.bus.Unsubscribe(events.EventChannelDeleted, channelDeleted)
		s.bus.Unsubscribe(events.EventChannelPaused, channelPaused)
		s.bus.Unsubscribe(events.EventChannelResumed, channelResumed)
		s.bus.Unsubscribe(events.EventTimelinePublished, timelinePublished)
	}()

	s.logger.Info().Msg("cache invalidation listener started")

	invalidate := func(payload events.Payload, reason string) {
		channelID, _ := payload["channel_id"].(string)
		if channelID == "" {
			return
		}
		slug, _ := payload["channel_slug"].(string)
		s.logger.Debug().Str("channel_id", channelID).Str("reason", reason).Msg("invalidating channel cache")
		if err := s.cache.InvalidateChannel(ctx, channelID, slug); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("cache invalidation failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("cache invalidation listener stopped")
			return

		case payload := <-channelCreated:
			invalidate(payload, "channel created")

		case payload := <-channelUpdated:
			invalidate(payload, "channel updated")

		case payload := <-channelDeleted:
			invalidate(payload, "channel deleted")

		case payload := <-channelPaused:
			invalidate(payload, "channel paused")

		case payload := <-channelResumed:
			invalidate(payload, "channel resumed")

		case payload := <-timelinePublished:
			invalidate(payload, "timeline published")
		}
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.leaderCoordinator != nil {
			if s.leaderCoordinator.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)

	if s.webHandler != nil {
		s.webHandler.Routes(s.router)
	}
}
