package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsAuthEnabled(t *testing.T) {
	authConfig = nil
	if IsAuthEnabled() {
		t.Error("expected IsAuthEnabled to return false when authConfig is nil")
	}

	InitializeAuth("secret", false)
	if IsAuthEnabled() {
		t.Error("expected IsAuthEnabled to return false when auth is disabled")
	}

	InitializeAuth("secret", true)
	if !IsAuthEnabled() {
		t.Error("expected IsAuthEnabled to return true when auth is enabled")
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	InitializeAuth("test-secret", true)

	token, err := GenerateToken("operator", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "operator" {
		t.Errorf("expected subject 'operator', got %q", claims.Subject)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	InitializeAuth("test-secret", true)

	token, err := GenerateToken("operator", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ValidateToken(token); err == nil {
		t.Error("expected ValidateToken to reject an expired token")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	InitializeAuth("secret-a", true)
	token, err := GenerateToken("operator", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	InitializeAuth("secret-b", true)
	if _, err := ValidateToken(token); err == nil {
		t.Error("expected ValidateToken to reject a token signed with a different secret")
	}
}

func TestRequireAuthPassesThroughWhenDisabled(t *testing.T) {
	InitializeAuth("secret", false)

	called := false
	h := RequireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/daemon_status", nil)
	rr := httptest.NewRecorder()
	h(rr, req)

	if !called {
		t.Error("expected handler to be called when auth is disabled")
	}
}

func TestRequireAuthRejectsMissingBearer(t *testing.T) {
	InitializeAuth("secret", true)

	called := false
	h := RequireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/daemon_status", nil)
	rr := httptest.NewRecorder()
	h(rr, req)

	if called {
		t.Error("expected handler not to be called without a bearer token")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestRequireAuthAcceptsValidBearer(t *testing.T) {
	InitializeAuth("secret", true)
	token, err := GenerateToken("operator", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var subject string
	h := RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/daemon_status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h(rr, req)

	if subject != "operator" {
		t.Errorf("expected subject 'operator', got %q", subject)
	}
}
