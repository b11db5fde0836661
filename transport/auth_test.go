package transport

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/spooled/spooled-go/core"
)

// TestAuthPrecedence verifies the access token wins over the API key on
// every delivery path.
func TestAuthPrecedence(t *testing.T) {
	auth := NewAuthenticator(&core.Config{APIKey: "key-1", AccessToken: "tok-1"})

	h := make(http.Header)
	auth.Apply(h, false)
	if got := h.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", got)
	}

	q := make(url.Values)
	auth.StreamParams(q)
	if got := q.Get("api_key"); got != "tok-1" {
		t.Errorf("api_key param = %q, want tok-1", got)
	}
}

// TestAuthAPIKeyFallback verifies the API key is used when no access
// token is set.
func TestAuthAPIKeyFallback(t *testing.T) {
	auth := NewAuthenticator(&core.Config{APIKey: "key-1"})

	h := make(http.Header)
	auth.Apply(h, false)
	if got := h.Get("Authorization"); got != "Bearer key-1" {
		t.Errorf("Authorization = %q, want Bearer key-1", got)
	}
}

// TestAuthNoCredentials verifies nothing is stamped when no credential
// is configured.
func TestAuthNoCredentials(t *testing.T) {
	auth := NewAuthenticator(&core.Config{})

	h := make(http.Header)
	auth.Apply(h, true)
	if len(h) != 0 {
		t.Errorf("Expected no headers, got %v", h)
	}
	if auth.HasCredentials() {
		t.Error("Expected HasCredentials to report false")
	}
}

// TestAuthAdminKeyAdditive verifies X-Admin-Key rides alongside the
// bearer credential on admin resources only, never instead of it.
func TestAuthAdminKeyAdditive(t *testing.T) {
	auth := NewAuthenticator(&core.Config{APIKey: "key-1", AdminKey: "admin-1"})

	h := make(http.Header)
	auth.Apply(h, false)
	if got := h.Get(core.HeaderAdminKey); got != "" {
		t.Errorf("Expected no admin header on plain resources, got %q", got)
	}

	h = make(http.Header)
	auth.Apply(h, true)
	if got := h.Get(core.HeaderAdminKey); got != "admin-1" {
		t.Errorf("X-Admin-Key = %q, want admin-1", got)
	}
	if got := h.Get("Authorization"); got != "Bearer key-1" {
		t.Errorf("Expected bearer to remain alongside admin key, got %q", got)
	}
}

// TestAuthRotationVisible verifies a rotated token is used by requests
// issued after the rotation.
func TestAuthRotationVisible(t *testing.T) {
	auth := NewAuthenticator(&core.Config{AccessToken: "before"})

	auth.SetAccessToken("after")

	h := make(http.Header)
	auth.Apply(h, false)
	if got := h.Get("Authorization"); got != "Bearer after" {
		t.Errorf("Authorization = %q, want Bearer after", got)
	}

	auth.SetRefreshToken("refresh-1")
	if got := auth.RefreshToken(); got != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", got)
	}
}

// TestAuthMetadata verifies the RPC metadata carries both credential
// forms.
func TestAuthMetadata(t *testing.T) {
	auth := NewAuthenticator(&core.Config{APIKey: "key-1", AccessToken: "tok-1"})

	md := auth.Metadata()
	if md["x-api-key"] != "key-1" {
		t.Errorf("x-api-key = %q, want key-1", md["x-api-key"])
	}
	if md["authorization"] != "Bearer tok-1" {
		t.Errorf("authorization = %q, want Bearer tok-1", md["authorization"])
	}
}

// TestAuthSnapshot verifies the presence flags without value exposure.
func TestAuthSnapshot(t *testing.T) {
	auth := NewAuthenticator(&core.Config{APIKey: "key-1", AdminKey: "admin-1"})

	snap := auth.Snapshot()
	if !snap.HasAPIKey || !snap.HasAdminKey {
		t.Errorf("Expected api and admin flags set, got %+v", snap)
	}
	if snap.HasAccessToken || snap.HasRefreshToken {
		t.Errorf("Expected token flags unset, got %+v", snap)
	}
}
