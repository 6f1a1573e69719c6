/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/tilefeed/internal/auth"
	"github.com/friendsincode/tilefeed/internal/cache"
	"github.com/friendsincode/tilefeed/internal/coordinator"
	"github.com/friendsincode/tilefeed/internal/eventbus"
	"github.com/friendsincode/tilefeed/internal/models"
	"github.com/friendsincode/tilefeed/internal/version"
)

// Handler provides the operator dashboard with server-rendered
// templates.
type Handler struct {
	db            *gorm.DB
	logger        zerolog.Logger
	jwtSecret     []byte
	bus           eventbus.Bus
	coordinator   *coordinator.Service
	cache         *cache.Cache
	updateChecker *version.Checker
	templates     map[string]*template.Template // Each page gets its own template set
	partials      *template.Template            // Shared partials
}

// PageData holds common data passed to all templates.
type PageData struct {
	Title       string
	User        *models.User
	Flash       *FlashMessage
	CurrentPath string
	CSRFToken   string
	WSToken     string // Auth token for WebSocket connections (non-HttpOnly)
	Data        any
	Version     string
	UpdateInfo  *version.UpdateInfo // Available update info (nil if no update)
}

// FlashMessage for toast notifications
type FlashMessage struct {
	Type    string // success, error, warning, info
	Message string
}

// NewHandler creates a new web handler.
func NewHandler(db *gorm.DB, jwtSecret []byte, bus eventbus.Bus, logger zerolog.Logger) (*Handler, error) {
	h := &Handler{
		db:            db,
		logger:        logger,
		jwtSecret:     jwtSecret,
		bus:           bus,
		updateChecker: version.NewChecker(logger),
	}

	if err := h.loadTemplates(); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	return h, nil
}

// SetCoordinator attaches the selection coordinator so pages can show
// live state and run simulations.
func (h *Handler) SetCoordinator(c *coordinator.Service) {
	h.coordinator = c
}

// SetCache attaches the read-through cache for invalidation on
// mutations.
func (h *Handler) SetCache(c *cache.Cache) {
	h.cache = c
}

// StartUpdateChecker starts the background version checker.
func (h *Handler) StartUpdateChecker(ctx context.Context) {
	h.updateChecker.Start(ctx)
}

// StopUpdateChecker stops the background version checker.
func (h *Handler) StopUpdateChecker() {
	h.updateChecker.Stop()
}

func (h *Handler) loadTemplates() error {
	funcMap := template.FuncMap{
		"formatTime":     formatTime,
		"timeago":        timeago,
		"formatDuration": formatDuration,
		"truncate":       truncate,
		"lower":          strings.ToLower,
		"upper":          strings.ToUpper,
		"contains":       strings.Contains,
		"join":           strings.Join,
		"dict":           dict,
		"safeHTML":       safeHTML,
		"jsonMarshal":    jsonMarshal,
		"add":            add,
		"sub":            sub,
		"ternary":        ternary,
		"default":        defaultVal,
		"roleAtLeast":    roleAtLeast,
		"isAdmin":        isAdmin,
		"isActive":       isActive,
	}

	h.templates = make(map[string]*template.Template)

	var layoutFiles []string
	var partialFiles []string
	var pageFiles []string

	err := fs.WalkDir(TemplateFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".html") {
			return nil
		}

		if strings.HasPrefix(path, "templates/layouts/") {
			layoutFiles = append(layoutFiles, path)
		} else if strings.HasPrefix(path, "templates/partials/") {
			partialFiles = append(partialFiles, path)
		} else if strings.HasPrefix(path, "templates/pages/") {
			pageFiles = append(pageFiles, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Partials share one template set for fragment responses.
	h.partials = template.New("").Funcs(funcMap)
	for _, path := range partialFiles {
		content, err := fs.ReadFile(TemplateFS, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		name := strings.TrimPrefix(path, "templates/")
		name = strings.TrimSuffix(name, ".html")
		if _, err := h.partials.New(name).Parse(string(content)); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		h.logger.Debug().Str("template", name).Msg("loaded partial")
	}

	// Each page template gets its own set with the layouts, so pages
	// can define the same block names without colliding.
	for _, pagePath := range pageFiles {
		tmpl := template.New("").Funcs(funcMap)

		for _, layoutPath := range layoutFiles {
			content, err := fs.ReadFile(TemplateFS, layoutPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", layoutPath, err)
			}
			name := strings.TrimPrefix(layoutPath, "templates/")
			name = strings.TrimSuffix(name, ".html")
			if _, err := tmpl.New(name).Parse(string(content)); err != nil {
				return fmt.Errorf("parse %s: %w", layoutPath, err)
			}
		}

		pageContent, err := fs.ReadFile(TemplateFS, pagePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", pagePath, err)
		}
		pageName := strings.TrimPrefix(pagePath, "templates/")
		pageName = strings.TrimSuffix(pageName, ".html")

		if _, err := tmpl.New(pageName).Parse(string(pageContent)); err != nil {
			return fmt.Errorf("parse %s: %w", pagePath, err)
		}

		h.templates[pageName] = tmpl
		h.logger.Debug().Str("template", pageName).Msg("loaded template")
	}

	return nil
}

// Render renders a page template with the given data.
func (h *Handler) Render(w http.ResponseWriter, r *http.Request, name string, data PageData) {
	data.CurrentPath = r.URL.Path
	data.Version = version.Version
	if data.CSRFToken == "" {
		data.CSRFToken = ensureCSRFCookie(w, r)
	}

	if user, ok := r.Context().Value(ctxKeyUser).(*models.User); ok {
		data.User = user
		// Short-lived token so page scripts can open the event socket.
		data.WSToken = h.GenerateWSToken(user)
		if data.WSToken == "" {
			h.logger.Warn().Str("user_id", user.ID).Msg("failed to generate WS token")
		}

		if user.Role == models.RoleAdmin && h.updateChecker != nil {
			info := h.updateChecker.Info()
			if info != nil && info.UpdateAvailable {
				data.UpdateInfo = info
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	tmpl, ok := h.templates[name]
	if !ok {
		h.logger.Error().Str("template", name).Msg("template not found")
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error().Err(err).Str("template", name).Msg("template render failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// RenderPartial renders a fragment template without the page layout.
func (h *Handler) RenderPartial(w http.ResponseWriter, r *http.Request, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := h.partials.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error().Err(err).Str("template", name).Msg("partial render failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// staticResponseWriter wraps http.ResponseWriter to force correct MIME types
type staticResponseWriter struct {
	http.ResponseWriter
	contentType string
	wroteHeader bool
}

func (w *staticResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader && w.contentType != "" {
		w.Header().Set("Content-Type", w.contentType)
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *staticResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// StaticHandler returns an http.Handler for static files.
func (h *Handler) StaticHandler() http.Handler {
	fsys, _ := fs.Sub(StaticFS, "static")
	fileServer := http.FileServer(http.FS(fsys))
	return http.StripPrefix("/static/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		var contentType string
		switch {
		case strings.HasSuffix(path, ".css"):
			contentType = "text/css; charset=utf-8"
		case strings.HasSuffix(path, ".js"):
			contentType = "application/javascript; charset=utf-8"
		case strings.HasSuffix(path, ".svg"):
			contentType = "image/svg+xml"
		case strings.HasSuffix(path, ".png"):
			contentType = "image/png"
		case strings.HasSuffix(path, ".ico"):
			contentType = "image/x-icon"
		}

		sw := &staticResponseWriter{ResponseWriter: w, contentType: contentType}
		fileServer.ServeHTTP(sw, r)
	}))
}

// GenerateWSToken creates a short-lived token for WebSocket
// connections. It is safe to expose to page scripts because of the
// short TTL.
func (h *Handler) GenerateWSToken(user *models.User) string {
	if user == nil {
		return ""
	}
	token, err := auth.Issue(h.jwtSecret, auth.Claims{UserID: user.ID, Role: string(user.Role)}, 5*time.Minute)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign WS token")
		return ""
	}
	return token
}

// Template helper functions

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func timeago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	now := time.Now()
	diff := now.Sub(t)

	if diff < 0 {
		diff = -diff
		switch {
		case diff < time.Minute:
			return "in a few seconds"
		case diff < time.Hour:
			mins := int(diff.Minutes())
			if mins == 1 {
				return "in 1 minute"
			}
			return fmt.Sprintf("in %d minutes", mins)
		case diff < 24*time.Hour:
			hours := int(diff.Hours())
			if hours == 1 {
				return "in 1 hour"
			}
			return fmt.Sprintf("in %d hours", hours)
		}
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "in 1 day"
		}
		return fmt.Sprintf("in %d days", days)
	}

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
	weeks := int(diff.Hours() / 24 / 7)
	if weeks == 1 {
		return "1 week ago"
	}
	return fmt.Sprintf("%d weeks ago", weeks)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func dict(values ...any) map[string]any {
	if len(values)%2 != 0 {
		return nil
	}
	d := make(map[string]any, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		key, ok := values[i].(string)
		if !ok {
			return nil
		}
		d[key] = values[i+1]
	}
	return d
}

func safeHTML(s string) template.HTML {
	return template.HTML(s)
}

func jsonMarshal(v any) template.JS {
	if v == nil {
		return template.JS("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return template.JS("null")
	}
	return template.JS(b)
}

func add(a, b int) int { return a + b }
func sub(a, b int) int { return a - b }

func ternary(cond bool, a, b any) any {
	if cond {
		return a
	}
	return b
}

func defaultVal(def, val any) any {
	if val == nil || val == "" || val == 0 || val == false {
		return def
	}
	return val
}

func roleAtLeast(user *models.User, minRole string) bool {
	if user == nil {
		return false
	}
	roleOrder := map[string]int{
		"admin":  3,
		"editor": 2,
		"viewer": 1,
	}
	return roleOrder[string(user.Role)] >= roleOrder[minRole]
}

func isAdmin(user *models.User) bool {
	return user != nil && user.Role == models.RoleAdmin
}

func isActive(currentPath, linkPath string) bool {
	if linkPath == "/" {
		return currentPath == "/"
	}
	return strings.HasPrefix(currentPath, linkPath)
}

// Context keys
type ctxKey string

const (
	ctxKeyUser  ctxKey = "user"
	ctxKeyToken ctxKey = "token"
)
