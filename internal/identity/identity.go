// Package identity resolves the calling principal for every request.
//
// Authenticated callers present an X-User-ID header set by the fronting
// gateway. Everyone else gets a long-lived anonymous session carried in a
// signed cookie, so browser-only users can still save credentials and later
// migrate them onto an account.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionCookieName carries the anonymous session token.
	SessionCookieName = "mcpbridge_session"

	// UserIDHeader identifies an authenticated caller.
	UserIDHeader = "X-User-ID"

	// SessionLifetime is how long an anonymous session token stays valid.
	SessionLifetime = 90 * 24 * time.Hour

	sessionIssuer = "mcpbridge"
)

var ErrInvalidSession = errors.New("invalid session token")

// SessionClaims are the claims in an anonymous session token. Subject holds
// the session id.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions mints and verifies anonymous session tokens.
type Sessions struct {
	secret []byte
	secure bool
}

// NewSessions creates a session minter signing with secret. secure controls
// the cookie Secure flag and should be true everywhere except local dev.
func NewSessions(secret []byte, secure bool) (*Sessions, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Sessions{secret: secret, secure: secure}, nil
}

// Mint creates a fresh anonymous session and returns its id and signed token.
func (s *Sessions) Mint() (sessionID, token string, err error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	sessionID = hex.EncodeToString(b)

	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionLifetime)),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return sessionID, token, nil
}

// Verify parses a session token and returns the session id.
func (s *Sessions) Verify(token string) (string, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// Cookie wraps a session token in the standard session cookie.
func (s *Sessions) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionLifetime / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
