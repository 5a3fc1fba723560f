package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles admin login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.API.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.config.API.AdminPassword)) == 1
	if !userOK || !passOK {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.IssueAdminToken(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.config.JWT.TokenTTL.Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Event handlers ==========

// HandleListEvents lists event logs
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePagination(r)

	var filters storage.EventLogFilters

	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		filters.SessionID = &id
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		eventType := models.EventType(typ)
		filters.Type = &eventType
	}
	if level := r.URL.Query().Get("level"); level != "" {
		eventLevel := models.EventLevel(level)
		filters.Level = &eventLevel
	}
	if start := r.URL.Query().Get("start"); start != "" {
		ts, err := time.Parse(time.RFC3339, start)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filters.StartTime = &ts
	}
	if end := r.URL.Query().Get("end"); end != "" {
		ts, err := time.Parse(time.RFC3339, end)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filters.EndTime = &ts
	}

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== System handlers ==========

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// HandleRoot handles the API root
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// ========== Response helpers ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondStoreError maps storage errors to HTTP statuses
func (s *RESTServer) respondStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, storage.ErrDuplicateKey):
		s.respondError(w, http.StatusConflict, "already exists")
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// parsePagination reads limit/offset query parameters
func parsePagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
