package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Route("/{device_id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Put("/", s.HandleUpdateDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Post("/token", s.HandleIssueDeviceToken)
				r.Post("/disconnect", s.HandleDisconnectDevice)
				r.Get("/messages", s.HandleListDeviceMessages)
				r.Get("/connections", s.HandleListDeviceConnections)
			})
		})

		// Connection records
		r.Route("/connections", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListConnections)
			r.Get("/{id}", s.HandleGetConnection)
		})

		// Live sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListSessions)
			r.Get("/{device_id}", s.HandleGetSession)
		})

		// Events
		r.Route("/events", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListEvents)
		})
	})

	// Live delivered-payload feed (token passed as query parameter)
	r.Get("/live", s.HandleLiveFeed)
}
