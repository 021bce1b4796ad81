// Package auth verifies session tokens and carries the authenticated
// identity through request contexts.
//
// Tokens are HS256 JWTs signed with a secret shared with the identity
// provider. The verified subject claim is the only source of caller
// identity in the whole system: user identifiers appearing in request
// bodies, message content, or model output are never trusted.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Identity is the verified caller of a request.
type Identity struct {
	// UserID is the subject claim of the verified token. Opaque.
	UserID string
}

// Verifier validates bearer tokens and produces identities.
type Verifier struct {
	secret []byte
	// now is replaceable for expiry tests.
	now func() time.Time
}

// NewVerifier creates a token verifier using the shared HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// claims is the subset of registered JWT claims we act on.
type claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

// Verify checks a compact JWS token and returns the caller identity.
// The token must be HS256-signed with the shared secret, carry a
// non-empty sub claim, and not be expired.
func (v *Verifier) Verify(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("malformed token")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed token header")
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Identity{}, fmt.Errorf("malformed token header")
	}
	// Reject anything but HS256. Accepting "none" or an asymmetric alg
	// here would let a caller forge identities.
	if header.Alg != "HS256" {
		return Identity{}, fmt.Errorf("unsupported token algorithm %q", header.Alg)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := mac.Sum(nil)

	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed token signature")
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return Identity{}, fmt.Errorf("invalid token signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("malformed token payload")
	}
	var c claims
	if err := json.Unmarshal(payloadJSON, &c); err != nil {
		return Identity{}, fmt.Errorf("malformed token payload")
	}

	if c.ExpiresAt != 0 && v.now().Unix() >= c.ExpiresAt {
		return Identity{}, fmt.Errorf("token expired")
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}

	return Identity{UserID: c.Subject}, nil
}

// VerifyBearer strips the "Bearer " scheme from an Authorization header
// value and verifies the remaining token.
func (v *Verifier) VerifyBearer(header string) (Identity, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Identity{}, fmt.Errorf("missing bearer token")
	}
	return v.Verify(strings.TrimSpace(header[len(prefix):]))
}

// SignToken creates an HS256 token for the given subject. Used by tests
// and the init tooling; the production issuer lives outside this service.
func SignToken(secret, subject string, expiresAt time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, _ := json.Marshal(claims{Subject: subject, ExpiresAt: expiresAt.Unix()})
	body := header + "." + base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity adds the verified caller identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the verified caller identity from the
// context. The second return is false when no identity was attached,
// which callers must treat as an unauthenticated request.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}
