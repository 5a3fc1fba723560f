package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
	"github.com/nfclink-server/nfclink-server-pro/pkg/crypto"
)

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePagination(r)

	devices, total, err := s.store.ListDevices(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleCreateDevice creates a device. The generated secret is returned
// exactly once; only its hash is stored.
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string `json:"device_id" validate:"required,deviceid"`
		Name        string `json:"name" validate:"required"`
		Description string `json:"description"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := crypto.GenerateRandomString(32)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	hash, err := crypto.HashSecret(secret)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to hash secret")
		return
	}

	device := &models.Device{
		DeviceID:    req.DeviceID,
		Name:        req.Name,
		Description: req.Description,
		SecretHash:  hash,
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"device": device,
		"secret": secret,
	})
}

// HandleGetDevice gets a device by its external device id
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	device, err := s.store.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleUpdateDevice updates a device
func (s *RESTServer) HandleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	device, err := s.store.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		IsDisabled  *bool   `json:"is_disabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		device.Name = *req.Name
	}
	if req.Description != nil {
		device.Description = *req.Description
	}
	if req.IsDisabled != nil {
		device.IsDisabled = *req.IsDisabled
	}

	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice deletes a device
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	device, err := s.store.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), device.ID); err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleIssueDeviceToken issues a signed handshake credential for a device
func (s *RESTServer) HandleIssueDeviceToken(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	device, err := s.store.GetDeviceByDeviceID(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err, "device not found")
		return
	}
	if device.IsDisabled {
		s.respondError(w, http.StatusForbidden, "device is disabled")
		return
	}

	token, err := s.auth.IssueDeviceToken(device.DeviceID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.config.JWT.TokenTTL.Seconds()),
	})
}

// HandleDisconnectDevice asks the link server to drop the device's session
func (s *RESTServer) HandleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "message bus not connected")
		return
	}

	subject := fmt.Sprintf("link.%s.disconnect", deviceID)
	if err := s.bus.Publish(subject, nil); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleListDeviceMessages lists delivered payloads for a device
func (s *RESTServer) HandleListDeviceMessages(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	limit, offset := parsePagination(r)

	messages, total, err := s.store.ListDeliveredMessages(r.Context(), deviceID, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"total":    total,
	})
}

// HandleListDeviceConnections lists connection records for a device
func (s *RESTServer) HandleListDeviceConnections(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	limit, offset := parsePagination(r)

	filters := storage.ConnectionFilters{DeviceID: &deviceID}
	connections, total, err := s.store.ListConnections(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": connections,
		"total":       total,
	})
}
