package auth

import (
	"testing"
	"time"

	"github.com/nfclink-server/nfclink-server-pro/internal/config"
)

func testManager() *JWTManager {
	return NewJWTManager(&config.JWTConfig{
		Secret:   "test-signing-secret",
		TokenTTL: time.Hour,
	})
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	m := testManager()

	token, err := m.IssueDeviceToken("scanner-01")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.ValidateDeviceToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DeviceID != "scanner-01" {
		t.Fatalf("device id = %q, want scanner-01", claims.DeviceID)
	}
}

func TestDeviceTokenRejectsWrongSecret(t *testing.T) {
	token, err := testManager().IssueDeviceToken("scanner-01")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewJWTManager(&config.JWTConfig{Secret: "different", TokenTTL: time.Hour})
	if _, err := other.ValidateDeviceToken(token); err == nil {
		t.Fatal("token signed with another secret validated")
	}
}

func TestAdminTokenIsNotADeviceToken(t *testing.T) {
	m := testManager()

	admin, err := m.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("issue admin: %v", err)
	}

	claims, err := m.ValidateAdminToken(admin)
	if err != nil {
		t.Fatalf("validate admin: %v", err)
	}
	if claims.Role != "admin" || claims.Username != "ops" {
		t.Fatalf("claims = %+v", claims)
	}

	// A device token must not pass admin validation (no admin role)
	device, err := m.IssueDeviceToken("scanner-01")
	if err != nil {
		t.Fatalf("issue device: %v", err)
	}
	if _, err := m.ValidateAdminToken(device); err == nil {
		t.Fatal("device token accepted as admin token")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := testManager()
	if _, err := m.ValidateDeviceToken("not.a.token"); err == nil {
		t.Fatal("garbage token validated")
	}
}
