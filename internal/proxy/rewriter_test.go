package proxy

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureTransport struct {
	got *http.Request
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.got = req
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
}

func newTestRewriter(t *testing.T, auth map[string]string) (*Rewriter, *captureTransport) {
	next := &captureTransport{}
	rw, err := NewRewriter("http://127.0.0.1:8080/proxy", "https://mcp.example.com/v1/sse", auth, next, zap.NewNop().Sugar())
	require.NoError(t, err)
	return rw, next
}

func TestProxiedURL(t *testing.T) {
	got := ProxiedURL("http://127.0.0.1:8080/proxy", "https://mcp.example.com/v1/sse", nil)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/proxy", u.Path)
	assert.Equal(t, "https://mcp.example.com/v1/sse", u.Query().Get(TargetParam))
	assert.Empty(t, u.Query().Get(AuthHeadersParam))

	got = ProxiedURL("http://127.0.0.1:8080/proxy", "https://mcp.example.com", map[string]string{"Authorization": "Bearer x"})
	u, err = url.Parse(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Authorization":"Bearer x"}`, u.Query().Get(AuthHeadersParam))
}

func TestRewriter_PassesThroughProxiedRequests(t *testing.T) {
	rw, next := newTestRewriter(t, nil)

	req, _ := http.NewRequest(http.MethodGet, rw.BaseURL(), nil)
	_, err := rw.RoundTrip(req)
	require.NoError(t, err)

	// Already anchored on the relay: untouched.
	assert.Equal(t, req.URL.String(), next.got.URL.String())
}

func TestRewriter_ReanchorsRelativeEndpoint(t *testing.T) {
	rw, next := newTestRewriter(t, map[string]string{"X-API-Key": "k"})

	// A server-emitted relative endpoint resolved against the proxied base
	// lands on the relay host with the server's path.
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:8080/messages?session=42", nil)
	_, err := rw.RoundTrip(req)
	require.NoError(t, err)

	got := next.got.URL
	assert.Equal(t, "127.0.0.1:8080", got.Host)
	assert.Equal(t, "/proxy", got.Path)
	assert.Equal(t, "https://mcp.example.com/messages?session=42", got.Query().Get(TargetParam))
	assert.JSONEq(t, `{"X-API-Key":"k"}`, got.Query().Get(AuthHeadersParam))
}

func TestRewriter_WrapsAbsoluteRemoteURL(t *testing.T) {
	rw, next := newTestRewriter(t, nil)

	req, _ := http.NewRequest(http.MethodGet, "https://mcp.example.com/session/abc", nil)
	_, err := rw.RoundTrip(req)
	require.NoError(t, err)

	got := next.got.URL
	assert.Equal(t, "127.0.0.1:8080", got.Host)
	assert.Equal(t, "https://mcp.example.com/session/abc", got.Query().Get(TargetParam))
}
