package transport

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/spooled/spooled-go/core"
)

// Authenticator owns the credential set for a client and stamps it onto
// outgoing requests. Credentials can be rotated at runtime; requests issued
// after a rotation use the new value, in-flight requests keep the value they
// started with.
type Authenticator struct {
	mu           sync.RWMutex
	apiKey       string
	accessToken  string
	refreshToken string
	adminKey     string
}

// NewAuthenticator builds an Authenticator from the configured credentials.
func NewAuthenticator(cfg *core.Config) *Authenticator {
	return &Authenticator{
		apiKey:       cfg.APIKey,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		adminKey:     cfg.AdminKey,
	}
}

// bearer returns the credential for the Authorization header. Access tokens
// take precedence over API keys. Callers must hold the lock.
func (a *Authenticator) bearer() string {
	if a.accessToken != "" {
		return a.accessToken
	}
	return a.apiKey
}

// Apply sets the Authorization header on h when a credential is configured.
// When admin is true and an admin key is present, X-Admin-Key is added
// alongside the bearer credential, never instead of it.
func (a *Authenticator) Apply(h http.Header, admin bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tok := a.bearer(); tok != "" {
		h.Set(core.HeaderAuthorization, "Bearer "+tok)
	}
	if admin && a.adminKey != "" {
		h.Set(core.HeaderAdminKey, a.adminKey)
	}
}

// StreamParams adds the credential as an api_key query parameter for
// endpoints that cannot carry headers, such as browser EventSource
// connections. Precedence matches Apply.
func (a *Authenticator) StreamParams(q url.Values) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tok := a.bearer(); tok != "" {
		q.Set("api_key", tok)
	}
}

// Metadata returns the credential pairs attached to RPC calls as gRPC
// metadata.
func (a *Authenticator) Metadata() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	md := make(map[string]string, 2)
	if a.apiKey != "" {
		md["x-api-key"] = a.apiKey
	}
	if a.accessToken != "" {
		md["authorization"] = "Bearer " + a.accessToken
	}
	return md
}

// SetAccessToken replaces the access token.
func (a *Authenticator) SetAccessToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accessToken = token
}

// SetRefreshToken stores the refresh token for hosts that run their own
// token refresh flow.
func (a *Authenticator) SetRefreshToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshToken = token
}

// SetAPIKey replaces the API key.
func (a *Authenticator) SetAPIKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiKey = key
}

// SetAdminKey replaces the administrative key.
func (a *Authenticator) SetAdminKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adminKey = key
}

// RefreshToken returns the stored refresh token.
func (a *Authenticator) RefreshToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refreshToken
}

// HasCredentials reports whether any bearer credential is configured.
func (a *Authenticator) HasCredentials() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bearer() != ""
}

// CredentialSnapshot reports which credentials are set without exposing
// their values. Useful in diagnostics and error reports.
type CredentialSnapshot struct {
	HasAPIKey       bool `json:"has_api_key"`
	HasAccessToken  bool `json:"has_access_token"`
	HasRefreshToken bool `json:"has_refresh_token"`
	HasAdminKey     bool `json:"has_admin_key"`
}

// Snapshot returns the current credential presence flags.
func (a *Authenticator) Snapshot() CredentialSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return CredentialSnapshot{
		HasAPIKey:       a.apiKey != "",
		HasAccessToken:  a.accessToken != "",
		HasRefreshToken: a.refreshToken != "",
		HasAdminKey:     a.adminKey != "",
	}
}
