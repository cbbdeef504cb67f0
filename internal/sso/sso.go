// Package sso mints and verifies the short-lived cross-app tokens used to
// hand a signed-in user to a sibling application.
package sso

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken covers malformed, forged, and expired tokens.
var ErrInvalidToken = errors.New("sso: invalid_token")

// TokenTTL is the fixed cross-app token lifetime.
const TokenTTL = 300 * time.Second

// Claims is the signed payload. Tokens are ephemeral and never stored.
type Claims struct {
	UID       string `json:"uid"`
	TargetApp string `json:"targetApp"`
	IAT       int64  `json:"iat"`
	EXP       int64  `json:"exp"`
}

// AccessChecker reports whether uid may enter app. The identity service
// satisfies this via its derived entitlements.
type AccessChecker func(uid, app string) bool

// Minter issues and verifies cross-app tokens with a shared secret.
type Minter struct {
	secret    []byte
	hasAccess AccessChecker

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Minter.
type Option func(*Minter)

// WithNow replaces the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(m *Minter) { m.nowFunc = now }
}

// New creates a Minter. hasAccess may be nil, in which case Mint does not
// gate on app access.
func New(secret []byte, hasAccess AccessChecker, opts ...Option) *Minter {
	m := &Minter{secret: secret, hasAccess: hasAccess, nowFunc: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Mint issues a token carrying (uid, targetApp) valid for TokenTTL.
func (m *Minter) Mint(uid, targetApp string) (string, error) {
	if m.hasAccess != nil && !m.hasAccess(uid, targetApp) {
		return "", fmt.Errorf("uid %s has no access to app %q", uid, targetApp)
	}
	now := m.nowFunc().UTC()
	claims := Claims{UID: uid, TargetApp: targetApp, IAT: now.Unix(), EXP: now.Add(TokenTTL).Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + m.sign(body), nil
}

// Verify checks signature and expiry and returns the claims.
func (m *Minter) Verify(token string) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(m.sign(body)), []byte(sig)) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.UID == "" || claims.TargetApp == "" {
		return nil, ErrInvalidToken
	}
	if m.nowFunc().UTC().Unix() >= claims.EXP {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *Minter) sign(body string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
