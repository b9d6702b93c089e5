// Package auth issues and verifies tenant credentials: HMAC-SHA256 signed
// bearer tokens and bcrypt-hashed static API keys. Every failure maps to
// the unauthenticated error kind so callers cannot distinguish a bad
// signature from an expired token.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/core"
)

const issuer = "ocx-gateway"

// Claims are the fields embedded in a signed token.
type Claims struct {
	TokenID   string   `json:"tid"`
	TenantID  string   `json:"tnt"`
	Scopes    []string `json:"scp"`
	RatePlan  string   `json:"pln"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Issuer    string   `json:"iss"`
}

// Signer signs and verifies bearer tokens. During key rotation the previous
// secret stays valid until the grace window ends.
type Signer struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	grace      time.Duration

	now func() time.Time
}

// NewSigner builds a signer. prevSecret may be empty when no rotation is in
// progress.
func NewSigner(secret, prevSecret string, grace time.Duration) *Signer {
	s := &Signer{
		secret: []byte(secret),
		grace:  grace,
		now:    time.Now,
	}
	if prevSecret != "" {
		s.prevSecret = []byte(prevSecret)
		s.graceUntil = time.Now().Add(grace)
	}
	return s
}

// Issue signs a token for the tenant. Token format is
// base64url(claims).base64url(hmac-sha256(claims)).
func (s *Signer) Issue(tenant *core.Tenant, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		TokenID:   uuid.NewString(),
		TenantID:  tenant.TenantID,
		Scopes:    tenant.Scopes,
		RatePlan:  tenant.RatePlan,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Issuer:    issuer,
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", core.Wrap(core.KindInternal, "marshal token claims", err)
	}

	s.mu.RLock()
	sig := sign(s.secret, payload)
	s.mu.RUnlock()

	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks signature and expiry and returns the tenant identity. The
// previous key is accepted while the rotation grace window is open.
func (s *Signer) Verify(token string) (*core.Tenant, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, core.E(core.KindUnauthenticated, "invalid token")
	}

	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid token")
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid token")
	}

	s.mu.RLock()
	valid := hmac.Equal(sig, sign(s.secret, payload))
	if !valid && len(s.prevSecret) > 0 && s.now().Before(s.graceUntil) {
		valid = hmac.Equal(sig, sign(s.prevSecret, payload))
	}
	s.mu.RUnlock()

	if !valid {
		return nil, core.E(core.KindUnauthenticated, "invalid token")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, core.E(core.KindUnauthenticated, "invalid token")
	}
	if s.now().Unix() > claims.ExpiresAt {
		return nil, core.E(core.KindUnauthenticated, "token expired")
	}

	return &core.Tenant{
		TenantID: claims.TenantID,
		Scopes:   claims.Scopes,
		RatePlan: claims.RatePlan,
	}, nil
}

// Rotate swaps in a new signing secret; the old one stays valid for the
// grace window.
func (s *Signer) Rotate(newSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prevSecret = s.secret
	s.graceUntil = s.now().Add(s.grace)
	s.secret = []byte(newSecret)
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
