package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testRelay() *Relay {
	return NewRelay(nil, zap.NewNop().Sugar(), nil)
}

func relayRequest(method, target string, authHeaders string, body io.Reader) *http.Request {
	u := "/proxy?" + url.Values{TargetParam: {target}}.Encode()
	if authHeaders != "" {
		u = "/proxy?" + url.Values{TargetParam: {target}, AuthHeadersParam: {authHeaders}}.Encode()
	}
	return httptest.NewRequest(method, u, body)
}

func TestRelay_MissingOrInvalidTarget(t *testing.T) {
	relay := testRelay()

	tests := []struct {
		name string
		url  string
	}{
		{"missing target", "/proxy"},
		{"empty target", "/proxy?target="},
		{"relative target", "/proxy?target=%2Fetc%2Fpasswd"},
		{"garbage target", "/proxy?target=%25zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			relay.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "target URL")
		})
	}
}

func TestRelay_ForwardsGETWithAuthHeaders(t *testing.T) {
	var gotAuth, gotHost, gotCustom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Header.Get("Host")
		gotCustom = r.Header.Get("X-Trace")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "hello")
	}))
	defer upstream.Close()

	req := relayRequest(http.MethodGet, upstream.URL, `{"Authorization":"Bearer tok-123"}`, nil)
	req.Header.Set("X-Trace", "abc")
	req.Header.Set("Connection", "keep-alive")

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "abc", gotCustom)
	assert.Empty(t, gotHost)

	// Upstream headers and permissive CORS both present.
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "WWW-Authenticate")
}

func TestRelay_ForwardsPOSTBody(t *testing.T) {
	var gotBody string
	var gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	req := relayRequest(http.MethodPost, upstream.URL, "", strings.NewReader(`{"jsonrpc":"2.0","method":"initialize"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"initialize"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
}

func TestRelay_MalformedAuthHeadersIgnored(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	req := relayRequest(http.MethodGet, upstream.URL, "{not json", nil)
	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gotAuth)
}

func TestRelay_SSEHeaderRewriteAndByteOrder(t *testing.T) {
	events := []string{
		"event: endpoint\ndata: /messages?session=1\n\n",
		"data: first\n\n",
		"data: second\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "max-age=600")
		flusher := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprint(w, e)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, relayRequest(http.MethodGet, upstream.URL, "", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, strings.Join(events, ""), rec.Body.String())
}

func TestRelay_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, relayRequest(http.MethodGet, upstream.URL, "", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Proxy request failed")
}

func TestRelay_PreflightPassesThroughUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "https://app.example.com")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, relayRequest(http.MethodOptions, upstream.URL, "", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	// Upstream's own CORS answer wins; missing ones get defaults.
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRelay_PreflightDefaultsWhenUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, relayRequest(http.MethodOptions, upstream.URL, "", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestRelay_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://login.example.com", http.StatusFound)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	testRelay().ServeHTTP(rec, relayRequest(http.MethodGet, upstream.URL, "", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://login.example.com", rec.Header().Get("Location"))
}
