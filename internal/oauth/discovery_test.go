package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDiscovery_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{
			"issuer": "https://auth.example.com",
			"authorization_endpoint": "https://auth.example.com/authorize",
			"token_endpoint": "https://auth.example.com/token",
			"registration_endpoint": "https://auth.example.com/register",
			"code_challenge_methods_supported": ["S256"]
		}`))
	}))
	defer server.Close()

	doc, err := FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://auth.example.com/token", doc.TokenEndpoint)
	assert.True(t, doc.SupportsPKCE())
	assert.True(t, doc.SupportsRegistration())
}

func TestFetchDiscovery_404FallsBack(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	doc, err := FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "https://mcp.example.com/v1/sse")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://mcp.example.com/token", doc.TokenEndpoint)
	assert.Equal(t, "https://mcp.example.com/register", doc.RegistrationEndpoint)
	assert.False(t, doc.SupportsPKCE())
}

func TestFetchDiscovery_NetworkErrorFallsBack(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	doc, err := FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "https://mcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://mcp.example.com/token", doc.TokenEndpoint)

	// Without a server URL the failure surfaces.
	_, err = FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "")
	assert.Error(t, err)
}

func TestFetchDiscovery_ServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "https://mcp.example.com")
	assert.Error(t, err)
}

func TestFetchDiscovery_MissingEndpointsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issuer": "https://auth.example.com"}`))
	}))
	defer server.Close()

	_, err := FetchDiscovery(context.Background(), http.DefaultClient, server.URL, "")
	assert.ErrorContains(t, err, "missing required endpoints")
}

func TestCodeChallenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestGenerateCodeVerifier_UniqueAndURLSafe(t *testing.T) {
	a, err := GenerateCodeVerifier()
	require.NoError(t, err)
	b, err := GenerateCodeVerifier()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.GreaterOrEqual(t, len(a), 43)
}

func TestBuildAuthorizationURL(t *testing.T) {
	raw := BuildAuthorizationURL(
		"https://auth.example.com/authorize",
		"client-1",
		"https://bridge.example.com/oauth/callback",
		"read write",
		"state-token",
		"challenge-value",
	)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "https://bridge.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "challenge-value", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestBuildAuthorizationURL_OmitsEmptyParams(t *testing.T) {
	raw := BuildAuthorizationURL("https://auth.example.com/authorize?tenant=a", "client-1", "https://cb", "", "s", "")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "a", q.Get("tenant"))
	assert.NotContains(t, raw, "scope=")
	assert.NotContains(t, raw, "code_challenge")
}
