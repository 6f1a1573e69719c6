/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/friendsincode/tilefeed/internal/auth"
	"github.com/friendsincode/tilefeed/internal/models"
)

const sessionTTL = 24 * time.Hour

// LoginPage renders the login form.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if h.GetUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	h.Render(w, r, "pages/login", PageData{
		Title: "Login",
		Data: map[string]any{
			"Redirect": sanitizeRedirectTarget(r.URL.Query().Get("redirect")),
		},
	})
}

// LoginSubmit handles the login form submission.
func (h *Handler) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderLoginError(w, r, "Invalid form data")
		return
	}

	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	password := r.FormValue("password")
	redirect := sanitizeRedirectTarget(r.FormValue("redirect"))

	if email == "" || password == "" {
		h.renderLoginError(w, r, "Email and password are required")
		return
	}
	if len(h.jwtSecret) == 0 {
		h.logger.Error().Msg("login attempted without a signing key configured")
		h.renderLoginError(w, r, "Logins are disabled on this server")
		return
	}

	var user models.User
	if err := h.db.First(&user, "email = ?", email).Error; err != nil {
		h.renderLoginError(w, r, "Invalid email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		h.renderLoginError(w, r, "Invalid email or password")
		return
	}
	if user.Suspended {
		h.renderLoginError(w, r, "This account is suspended")
		return
	}

	token, err := auth.Issue(h.jwtSecret, auth.Claims{UserID: user.ID, Role: string(user.Role)}, sessionTTL)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign session token")
		h.renderLoginError(w, r, "Authentication failed")
		return
	}

	h.SetAuthToken(w, token, int(sessionTTL.Seconds()))
	h.logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("web login")

	if redirect == "" {
		redirect = "/dashboard"
	}
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", redirect)
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (h *Handler) renderLoginError(w http.ResponseWriter, r *http.Request, message string) {
	if r.Header.Get("HX-Request") == "true" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`<div class="alert alert-error" role="alert">` + message + `</div>`))
		return
	}

	h.Render(w, r, "pages/login", PageData{
		Title: "Login",
		Flash: &FlashMessage{Type: "error", Message: message},
		Data: map[string]any{
			"Redirect": sanitizeRedirectTarget(r.FormValue("redirect")),
		},
	})
}

// Logout clears the session and returns to the login page.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.ClearAuthToken(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
