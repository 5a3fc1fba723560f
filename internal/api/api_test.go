package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nfclink-server/nfclink-server-pro/internal/config"
	"github.com/nfclink-server/nfclink-server-pro/internal/models"
	"github.com/nfclink-server/nfclink-server-pro/internal/storage"
)

type fakeStore struct {
	storage.Store

	devices map[string]*models.Device
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]*models.Device)}
}

func (f *fakeStore) CreateDevice(_ context.Context, device *models.Device) error {
	if _, ok := f.devices[device.DeviceID]; ok {
		return storage.ErrDuplicateKey
	}
	device.ID = uuid.New()
	f.devices[device.DeviceID] = device
	return nil
}

func (f *fakeStore) GetDeviceByDeviceID(_ context.Context, deviceID string) (*models.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) ListDevices(_ context.Context, _, _ int) ([]*models.Device, int64, error) {
	out := make([]*models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) ListEventLogs(_ context.Context, _ storage.EventLogFilters, _, _ int) ([]*models.EventLog, int64, error) {
	return nil, 0, nil
}

func testServer(store storage.Store) *RESTServer {
	cfg := &config.Config{
		Server: config.ServerConfig{Name: "nfclink-server", Version: "test"},
		API:    config.APIConfig{AdminUser: "admin", AdminPassword: "secret"},
		JWT:    config.JWTConfig{Secret: "test-signing-secret", TokenTTL: time.Hour},
	}
	return NewRESTServer(cfg, store, nil)
}

func doRequest(t *testing.T, s *RESTServer, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *RESTServer) string {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("empty access token")
	}
	return resp.AccessToken
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s := testServer(newFakeStore())
	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := testServer(newFakeStore())

	rec := doRequest(t, s, http.MethodGet, "/api/v1/devices", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/devices", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with garbage token = %d, want 401", rec.Code)
	}
}

func TestCreateAndGetDevice(t *testing.T) {
	store := newFakeStore()
	s := testServer(store)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices", token, map[string]string{
		"device_id": "scanner-01",
		"name":      "Dock scanner",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Device models.Device `json:"device"`
		Secret string        `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Secret == "" {
		t.Fatal("create response carries no secret")
	}
	if created.Device.SecretHash != "" {
		t.Fatal("secret hash leaked in response")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/devices/scanner-01", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/devices/missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", rec.Code)
	}
}

func TestCreateDeviceValidatesID(t *testing.T) {
	s := testServer(newFakeStore())
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices", token, map[string]string{
		"device_id": "!!bad id!!",
		"name":      "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIssueDeviceToken(t *testing.T) {
	store := newFakeStore()
	store.devices["scanner-01"] = &models.Device{DeviceID: "scanner-01", Name: "Dock scanner"}
	s := testServer(store)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices/scanner-01/token", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := s.auth.ValidateDeviceToken(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.DeviceID != "scanner-01" {
		t.Fatalf("token device id = %q", claims.DeviceID)
	}
}

func TestIssueTokenForDisabledDevice(t *testing.T) {
	store := newFakeStore()
	store.devices["scanner-01"] = &models.Device{DeviceID: "scanner-01", IsDisabled: true}
	s := testServer(store)
	token := login(t, s)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/devices/scanner-01/token", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSessionEndpointsWithoutBus(t *testing.T) {
	s := testServer(newFakeStore())
	token := login(t, s)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without a bus", rec.Code)
	}
}
