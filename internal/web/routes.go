/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes registers all web UI routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Handle("/static/*", h.StaticHandler())

	// Favicon - simple SVG tile grid
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 32 32"><rect x="3" y="3" width="12" height="12" rx="2" fill="#6366f1"/><rect x="17" y="3" width="12" height="12" rx="2" fill="#a5b4fc"/><rect x="3" y="17" width="12" height="12" rx="2" fill="#a5b4fc"/><rect x="17" y="17" width="12" height="12" rx="2" fill="#6366f1"/></svg>`))
	})

	// Public routes with optional auth context
	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			if h.GetUser(r) != nil {
				http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
		})

		r.Get("/login", h.LoginPage)
		r.Post("/login", h.LoginSubmit)
		r.Get("/logout", h.Logout)
	})

	// Dashboard routes require authentication
	r.Route("/dashboard", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(h.RequireAuth)
		r.Use(h.CSRFMiddleware)

		r.Get("/", h.DashboardHome)

		r.Route("/channels/{slug}", func(r chi.Router) {
			r.Get("/", h.ChannelDetail)
			r.Get("/simulate", h.ChannelSimulatePartial)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireRole("editor"))
				r.Post("/refresh", h.ChannelRefreshSubmit)
				r.Post("/pause", h.ChannelPauseSubmit)
				r.Post("/resume", h.ChannelResumeSubmit)
			})
		})

		r.Get("/devices", h.DevicesPage)
		r.Group(func(r chi.Router) {
			r.Use(h.RequireRole("editor"))
			r.Post("/devices", h.DeviceRegisterSubmit)
			r.Post("/devices/{deviceID}/delete", h.DeviceDeleteSubmit)
		})
	})
}
