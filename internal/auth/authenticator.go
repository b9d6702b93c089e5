package auth

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
)

// Authenticator resolves a request to a tenant identity: a bearer token
// signed by the Signer, or a static API key checked against the configured
// bcrypt hashes.
type Authenticator struct {
	signer *Signer
	keys   []config.APIKey
}

// NewAuthenticator builds an authenticator over the configured credentials.
func NewAuthenticator(signer *Signer, keys []config.APIKey) *Authenticator {
	return &Authenticator{signer: signer, keys: keys}
}

// Authenticate extracts credentials from the request. Bearer tokens take
// precedence over the X-API-Key header.
func (a *Authenticator) Authenticate(r *http.Request) (*core.Tenant, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return nil, core.E(core.KindUnauthenticated, "malformed authorization header")
		}
		return a.signer.Verify(token)
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.verifyAPIKey(key)
	}

	// WebSocket clients cannot set headers from browsers; accept the token
	// as a query parameter on upgrade requests only.
	if token := r.URL.Query().Get("token"); token != "" && isUpgrade(r) {
		return a.signer.Verify(token)
	}

	return nil, core.E(core.KindUnauthenticated, "missing credentials")
}

func (a *Authenticator) verifyAPIKey(key string) (*core.Tenant, error) {
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
			return &core.Tenant{
				TenantID: k.TenantID,
				Scopes:   k.Scopes,
				RatePlan: k.RatePlan,
			}, nil
		}
	}
	return nil, core.E(core.KindUnauthenticated, "unknown api key")
}

// RequireScope checks that the tenant holds the scope. Authenticated
// tenants lacking the scope get permission_denied, not unauthenticated.
func RequireScope(tenant *core.Tenant, scope string) error {
	if !tenant.HasScope(scope) {
		return core.E(core.KindPermissionDenied, "missing scope "+scope)
	}
	return nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// OriginPolicy decides whether a browser origin may open a WebSocket or
// cross-origin request. Production fails closed on an empty allow-list;
// development admits everything.
type OriginPolicy struct {
	allowed    map[string]bool
	production bool
}

// NewOriginPolicy builds a policy from the configured allow-list.
func NewOriginPolicy(origins []string, production bool) *OriginPolicy {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return &OriginPolicy{allowed: allowed, production: production}
}

// Allow reports whether the Origin header value is acceptable. Requests
// without an Origin header (non-browser clients) always pass.
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	if len(p.allowed) == 0 {
		return !p.production
	}
	return p.allowed[strings.TrimRight(strings.ToLower(origin), "/")]
}
