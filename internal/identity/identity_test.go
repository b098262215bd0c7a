package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/storage"
)

func testSessions(t *testing.T) *Sessions {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i * 3)
	}
	sessions, err := NewSessions(secret, false)
	require.NoError(t, err)
	return sessions
}

func TestSessions_MintVerifyRoundTrip(t *testing.T) {
	sessions := testSessions(t)

	sessionID, token, err := sessions.Mint()
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.NotEmpty(t, token)

	got, err := sessions.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, sessionID, got)
}

func TestSessions_RejectsForeignToken(t *testing.T) {
	sessions := testSessions(t)

	other, err := NewSessions([]byte("another-secret-another-secret-32"), false)
	require.NoError(t, err)
	_, token, err := other.Mint()
	require.NoError(t, err)

	_, err = sessions.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = sessions.Verify("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestNewSessions_RequiresStrongSecret(t *testing.T) {
	_, err := NewSessions([]byte("short"), false)
	assert.Error(t, err)
}

func TestMiddleware_HeaderWins(t *testing.T) {
	sessions := testSessions(t)

	var got storage.Owner
	handler := Middleware(sessions, zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = OwnerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "user-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, storage.UserOwner("user-42"), got)
}

func TestMiddleware_MintsAndReusesSession(t *testing.T) {
	sessions := testSessions(t)

	var got storage.Owner
	handler := Middleware(sessions, zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = OwnerFromContext(r.Context())
	}))

	// First request has no cookie: one is minted and set.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	require.NotEmpty(t, got.AnonymousSessionID)
	first := got

	// Second request with the cookie resolves the same session, no new cookie.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, first, got)
}

func TestMiddleware_ReplacesInvalidCookie(t *testing.T) {
	sessions := testSessions(t)

	var got storage.Owner
	handler := Middleware(sessions, zap.NewNop().Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = OwnerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Len(t, rec.Result().Cookies(), 1)
	assert.NotEmpty(t, got.AnonymousSessionID)
}
