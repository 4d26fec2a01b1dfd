package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentdiff/harness/internal/apierr"
)

func TestAuthenticateDevelopmentBypassesControlPlane(t *testing.T) {
	c := New("", time.Second, true)
	p, err := c.Authenticate(context.Background(), "anything", "startRun")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != "dev-user" {
		t.Fatalf("expected dev-user, got %s", p.UserID)
	}
}

func TestAuthenticateStripsBearerPrefixAndSucceeds(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotKey = req.APIKey
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: true, UserID: "user-42"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, false)
	p, err := c.Authenticate(context.Background(), "Bearer secret-token", "startRun")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if gotKey != "secret-token" {
		t.Fatalf("expected Bearer prefix stripped, got %q", gotKey)
	}
	if p.UserID != "user-42" {
		t.Fatalf("expected user-42, got %s", p.UserID)
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	c := New("http://example.invalid", time.Second, false)
	_, err := c.Authenticate(context.Background(), "", "startRun")
	if apierr.KindOf(err) != apierr.KindUnauthorized {
		t.Fatalf("expected unauthorized for empty token, got %v", err)
	}
}

func TestAuthenticateReturnsUnauthorizedOnInvalidKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: false, Reason: "revoked"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, false)
	_, err := c.Authenticate(context.Background(), "token", "startRun")
	if apierr.KindOf(err) != apierr.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAuthenticateRetriesOnServerErrorThenFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, false)
	c.backoff = Backoff{Steps: 2, Duration: time.Millisecond, Factor: 1}

	_, err := c.Authenticate(context.Background(), "token", "startRun")
	if apierr.KindOf(err) != apierr.KindServiceUnavailable {
		t.Fatalf("expected service_unavailable, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts matching backoff steps, got %d", attempts)
	}
}
