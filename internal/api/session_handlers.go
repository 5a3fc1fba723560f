package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const sessionQueryTimeout = 2 * time.Second

// ========== Live session handlers ==========

// querySessions asks the link server over the bus for its live sessions
func (s *RESTServer) querySessions(deviceID string) ([]json.RawMessage, error) {
	reply, err := s.bus.Request("link.sessions.query", []byte(deviceID), sessionQueryTimeout)
	if err != nil {
		return nil, err
	}

	var sessions []json.RawMessage
	if err := json.Unmarshal(reply.Data, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// HandleListSessions lists all live sessions on the link server
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "message bus not connected")
		return
	}

	sessions, err := s.querySessions("")
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "link server unreachable")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// HandleGetSession gets the live session of one device
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "message bus not connected")
		return
	}

	deviceID := chi.URLParam(r, "device_id")
	sessions, err := s.querySessions(deviceID)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "link server unreachable")
		return
	}
	if len(sessions) == 0 {
		s.respondError(w, http.StatusNotFound, "device has no live session")
		return
	}

	s.respondJSON(w, http.StatusOK, sessions[0])
}
