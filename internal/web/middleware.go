/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/friendsincode/tilefeed/internal/auth"
	"github.com/friendsincode/tilefeed/internal/models"
)

const authCookieName = "tilefeed_token"

// AuthMiddleware checks for a valid session and injects the user into
// the context. Web routes authenticate with the session cookie; a
// bearer header works too so API tokens can drive the dashboard.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenStr string

		if cookie, err := r.Cookie(authCookieName); err == nil {
			tokenStr = cookie.Value
		}
		if tokenStr == "" {
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				tokenStr = strings.TrimPrefix(header, "Bearer ")
			}
		}

		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := auth.Parse(h.jwtSecret, tokenStr)
		if err != nil {
			h.ClearAuthToken(w)
			next.ServeHTTP(w, r)
			return
		}

		var user models.User
		if err := h.db.First(&user, "id = ?", claims.UserID).Error; err != nil || user.Suspended {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUser, &user)
		ctx = context.WithValue(ctx, ctxKeyToken, tokenStr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth redirects to login if not authenticated.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.GetUser(r) == nil {
			if r.Header.Get("HX-Request") == "true" {
				w.Header().Set("HX-Redirect", "/login")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, "/login?redirect="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole checks that the user has at least the specified role.
func (h *Handler) RequireRole(minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := h.GetUser(r)
			if user == nil {
				if r.Header.Get("HX-Request") == "true" {
					w.Header().Set("HX-Redirect", "/login")
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}

			if !roleAtLeast(user, minRole) {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUser returns the authenticated user from context.
func (h *Handler) GetUser(r *http.Request) *models.User {
	if user, ok := r.Context().Value(ctxKeyUser).(*models.User); ok {
		return user
	}
	return nil
}

// GetAuthToken returns the raw JWT token string from context.
func (h *Handler) GetAuthToken(r *http.Request) string {
	if token, ok := r.Context().Value(ctxKeyToken).(string); ok {
		return token
	}
	return ""
}

// isSecureCookieEnv decides whether session cookies carry the Secure
// attribute. An explicit TILEFEED_COOKIE_SECURE wins; otherwise
// production environments default to secure.
func isSecureCookieEnv() bool {
	for _, key := range []string{"TILEFEED_COOKIE_SECURE", "TF_COOKIE_SECURE"} {
		switch strings.ToLower(os.Getenv(key)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	for _, key := range []string{"TILEFEED_ENV", "TF_ENV"} {
		if os.Getenv(key) == "production" {
			return true
		}
	}
	return false
}

// SetAuthToken sets the authentication cookie.
func (h *Handler) SetAuthToken(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecureCookieEnv(),
	})
}

// ClearAuthToken removes the authentication cookie.
func (h *Handler) ClearAuthToken(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecureCookieEnv(),
	})
}

// sanitizeRedirectTarget keeps post-login redirects on this site. Only
// rooted paths pass, and /login itself is blocked to avoid loops.
func sanitizeRedirectTarget(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	if target == "/login" || strings.HasPrefix(target, "/login?") {
		return ""
	}
	return target
}
