package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/authprobe"
	"github.com/starbase-chat/mcpbridge/internal/transport"
)

type fakeClient struct {
	mu sync.Mutex

	startErr  error
	startGate chan struct{}
	initErr   error

	tools        []mcp.Tool
	resources    []mcp.Resource
	prompts      []mcp.Prompt
	listToolsErr error
	templatesErr error

	callResult *mcp.CallToolResult
	callErr    error
	lastCall   mcp.CallToolRequest

	closed bool
}

func (f *fakeClient) Start(ctx context.Context) error {
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.startErr
}

func (f *fakeClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	result := &mcp.InitializeResult{}
	result.ServerInfo = mcp.Implementation{Name: "fake", Version: "0.1"}
	return result, nil
}

func (f *fakeClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listToolsErr != nil {
		return nil, f.listToolsErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeClient) ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	if f.templatesErr != nil {
		return nil, f.templatesErr
	}
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *fakeClient) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = req
	return f.callResult, f.callErr
}

func (f *fakeClient) ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// openServer answers everything with 200, so probing it finds no challenge.
func openServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func protectedServer(t *testing.T, header string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header != "" {
			w.Header().Set("WWW-Authenticate", header)
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupManager(t *testing.T, fake *fakeClient) (*Manager, *int) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	m := NewManager("http://127.0.0.1:0/proxy", authprobe.NewProber(nil, logger), nil, logger)
	factoryCalls := 0
	m.newClient = func(cfg transport.Config, logger *zap.SugaredLogger) (protocolClient, error) {
		factoryCalls++
		return fake, nil
	}
	return m, &factoryCalls
}

func TestConnectEstablishesAndEnumerates(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{
		tools:        []mcp.Tool{{Name: "search"}, {Name: "fetch"}},
		prompts:      []mcp.Prompt{{Name: "summarize"}},
		templatesErr: errors.New("method not found"),
	}
	m, _ := setupManager(t, fake)

	conn, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status)
	require.NotNil(t, conn.Capabilities)
	assert.Len(t, conn.Capabilities.Tools, 2)
	assert.Len(t, conn.Capabilities.Prompts, 1)
	// Zero resources and an unsupported template listing both leave the
	// field absent.
	assert.Nil(t, conn.Capabilities.Resources)
	assert.Nil(t, conn.Capabilities.ResourceTemplates)
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{}
	m, calls := setupManager(t, fake)

	server := ServerDescriptor{ID: "srv1", URL: srv.URL}
	first, err := m.Connect(context.Background(), server, nil)
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), server, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, *calls)
}

func TestProbeShortCircuitsToAuthRequired(t *testing.T) {
	srv := protectedServer(t, `Bearer realm="mcp", discovery_url="https://auth.example.com/.well-known/oauth-authorization-server"`)
	fake := &fakeClient{}
	m, calls := setupManager(t, fake)

	conn, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, conn.Status)
	require.NotNil(t, conn.AuthChallenge)
	assert.Equal(t, authprobe.KindOAuth, conn.AuthChallenge.Kind)
	assert.Equal(t, 0, *calls, "no transport should be built for a challenged server")
}

func TestProbeSkippedWhenHeadersProvided(t *testing.T) {
	srv := protectedServer(t, "")
	fake := &fakeClient{}
	m, calls := setupManager(t, fake)

	conn, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL},
		map[string]string{"Authorization": "Bearer token"})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status)
	assert.Equal(t, 1, *calls)
}

func TestUnauthorizedHandshakeBecomesAuthRequired(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{initErr: errors.New("request failed: 401 Unauthorized")}
	m, _ := setupManager(t, fake)

	conn, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL},
		map[string]string{"Authorization": "Bearer expired"})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, conn.Status)
	require.NotNil(t, conn.AuthChallenge)
	// The re-probe found nothing, so the challenge defaults to headers.
	assert.Equal(t, authprobe.KindCustomHeaders, conn.AuthChallenge.Kind)
	assert.True(t, fake.wasClosed())
}

func TestHandshakeFailureIsRetryable(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{startErr: errors.New("connection refused")}
	m, _ := setupManager(t, fake)

	server := ServerDescriptor{ID: "srv1", URL: srv.URL}
	conn, err := m.Connect(context.Background(), server, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, conn.Status)
	assert.Contains(t, conn.Error, "connection refused")

	fake.startErr = nil
	conn, err = m.Connect(context.Background(), server, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status)
}

func TestInvocationsRequireConnection(t *testing.T) {
	fake := &fakeClient{}
	m, _ := setupManager(t, fake)

	_, err := m.CallTool(context.Background(), "missing", "search", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.ReadResource(context.Background(), "missing", "file:///a")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.GetPrompt(context.Background(), "missing", "p", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.RefreshCapabilities(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallToolForwardsRequest(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{callResult: &mcp.CallToolResult{}}
	m, _ := setupManager(t, fake)

	_, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL}, nil)
	require.NoError(t, err)

	result, err := m.CallTool(context.Background(), "srv1", "search", map[string]interface{}{"q": "ulid"})
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, "search", fake.lastCall.Params.Name)
}

func TestDisconnectRemovesAndCloses(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{}
	m, _ := setupManager(t, fake)

	_, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL}, nil)
	require.NoError(t, err)

	m.Disconnect("srv1")
	assert.True(t, fake.wasClosed())
	_, err = m.Get("srv1")
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, err = m.CallTool(context.Background(), "srv1", "search", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectDuringHandshakeReleasesWaiters(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{startGate: make(chan struct{})}
	m, _ := setupManager(t, fake)

	server := ServerDescriptor{ID: "srv1", URL: srv.URL}

	type outcome struct {
		conn *Connection
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		conn, err := m.Connect(context.Background(), server, nil)
		first <- outcome{conn, err}
	}()

	// Wait for the handshake to be in flight before piling on a waiter.
	require.Eventually(t, func() bool {
		conn, err := m.Get("srv1")
		return err == nil && conn.Status == StatusConnecting
	}, 2*time.Second, 5*time.Millisecond)

	second := make(chan outcome, 1)
	go func() {
		conn, err := m.Connect(context.Background(), server, nil)
		second <- outcome{conn, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// Disconnecting mid-handshake must release the second caller even
	// though its context never expires.
	m.Disconnect("srv1")

	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, StatusDisconnected, got.conn.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after disconnect")
	}

	// The late handshake result is stale: discarded, not resurrected.
	close(fake.startGate)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, StatusDisconnected, got.conn.Status)
	assert.True(t, fake.wasClosed())
	_, err := m.Get("srv1")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestDisconnectUnknownIsNoOp(t *testing.T) {
	fake := &fakeClient{}
	m, _ := setupManager(t, fake)
	m.Disconnect("never-connected")
}

func TestRefreshCapabilitiesReplacesSnapshot(t *testing.T) {
	srv := openServer(t)
	fake := &fakeClient{tools: []mcp.Tool{{Name: "search"}}}
	m, _ := setupManager(t, fake)

	before, err := m.Connect(context.Background(), ServerDescriptor{ID: "srv1", URL: srv.URL}, nil)
	require.NoError(t, err)
	require.Len(t, before.Capabilities.Tools, 1)

	fake.mu.Lock()
	fake.tools = []mcp.Tool{{Name: "search"}, {Name: "fetch"}}
	fake.mu.Unlock()

	after, err := m.RefreshCapabilities(context.Background(), "srv1")
	require.NoError(t, err)
	assert.Len(t, after.Capabilities.Tools, 2)
	// The earlier snapshot is immutable.
	assert.Len(t, before.Capabilities.Tools, 1)

	got, err := m.Get("srv1")
	require.NoError(t, err)
	assert.Same(t, after, got)
}

func TestDisconnectAll(t *testing.T) {
	srv := openServer(t)
	fakes := map[string]*fakeClient{}
	logger := zap.NewNop().Sugar()
	m := NewManager("http://127.0.0.1:0/proxy", authprobe.NewProber(nil, logger), nil, logger)
	var mu sync.Mutex
	m.newClient = func(cfg transport.Config, logger *zap.SugaredLogger) (protocolClient, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeClient{}
		fakes[cfg.ServerURL] = f
		return f, nil
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Connect(context.Background(), ServerDescriptor{ID: id, URL: srv.URL + "/" + id}, nil)
		require.NoError(t, err)
	}

	m.DisconnectAll()
	assert.Empty(t, m.List())
	for url, f := range fakes {
		assert.True(t, f.wasClosed(), "client for %s not closed", url)
	}
}

func TestListIncludesAllStates(t *testing.T) {
	open := openServer(t)
	protected := protectedServer(t, "Bearer")
	fake := &fakeClient{}
	m, _ := setupManager(t, fake)

	_, err := m.Connect(context.Background(), ServerDescriptor{ID: "ok", URL: open.URL}, nil)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), ServerDescriptor{ID: "locked", URL: protected.URL}, nil)
	require.NoError(t, err)

	conns := m.List()
	require.Len(t, conns, 2)
	statuses := map[string]Status{}
	for _, c := range conns {
		statuses[c.Server.ID] = c.Status
	}
	assert.Equal(t, StatusConnected, statuses["ok"])
	assert.Equal(t, StatusAuthRequired, statuses["locked"])
}
