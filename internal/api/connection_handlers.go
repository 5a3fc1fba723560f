package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

// ========== Connection record handlers ==========

// HandleListConnections lists connection records
func (s *RESTServer) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePagination(r)

	var filters storage.ConnectionFilters

	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	if connType := r.URL.Query().Get("type"); connType != "" {
		ct := models.ConnectionType(connType)
		if ct != models.ConnectionTypeCable && ct != models.ConnectionTypeNetwork {
			s.respondError(w, http.StatusBadRequest, "invalid connection type")
			return
		}
		filters.ConnectionType = &ct
	}
	if r.URL.Query().Get("active") == "true" {
		filters.ActiveOnly = true
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

	connections, total, err := s.store.ListConnections(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": connections,
		"total":       total,
	})
}

// HandleGetConnection gets a connection record by row id or session id
func (s *RESTServer) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	conn, err := s.store.GetConnection(r.Context(), id)
	if err == storage.ErrNotFound {
		conn, err = s.store.GetConnectionBySession(r.Context(), id)
	}
	if err != nil {
		s.respondStoreError(w, err, "connection not found")
		return
	}

	s.respondJSON(w, http.StatusOK, conn)
}
