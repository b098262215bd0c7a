package upstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/starbase-chat/mcpbridge/internal/authprobe"
	"github.com/starbase-chat/mcpbridge/internal/observability"
	"github.com/starbase-chat/mcpbridge/internal/transport"
)

const clientName = "mcpbridge"
const clientVersion = "1.0.0"

// protocolClient is the slice of the MCP client surface the manager uses.
// *client.Client satisfies it; tests substitute a fake.
type protocolClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

type clientFactory func(cfg transport.Config, logger *zap.SugaredLogger) (protocolClient, error)

type entry struct {
	snapshot *Connection
	client   protocolClient
	gen      uint64
	// inflight is closed when the current connect attempt resolves; nil
	// when no attempt is running.
	inflight chan struct{}
}

// Manager is the registry of upstream connections, one per server id.
// Connect attempts are single-flight per id, and a handshake that finishes
// after its connection was disconnected is discarded rather than revived.
type Manager struct {
	relayURL  string
	prober    *authprobe.Prober
	metrics   *observability.MetricsManager
	logger    *zap.SugaredLogger
	newClient clientFactory

	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64
}

// NewManager creates a connection manager. relayURL is the relay endpoint
// all transports are bound to.
func NewManager(relayURL string, prober *authprobe.Prober, metrics *observability.MetricsManager, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		relayURL: relayURL,
		prober:   prober,
		metrics:  metrics,
		logger:   logger,
		newClient: func(cfg transport.Config, logger *zap.SugaredLogger) (protocolClient, error) {
			return transport.NewClient(cfg, logger)
		},
		entries: make(map[string]*entry),
	}
}

// Connect establishes (or returns) the connection for server. A connection
// already in the connected state is returned unchanged without a second
// handshake. With no authHeaders the server is probed first, and a positive
// challenge short-circuits to auth_required without attempting a transport.
func (m *Manager) Connect(ctx context.Context, server ServerDescriptor, authHeaders map[string]string) (*Connection, error) {
	m.mu.Lock()
	if e, ok := m.entries[server.ID]; ok {
		if e.snapshot.Status == StatusConnected {
			snap := e.snapshot
			m.mu.Unlock()
			return snap, nil
		}
		if e.inflight != nil {
			ch := e.inflight
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The entry is gone when a disconnect released the wait.
			m.mu.Lock()
			cur, ok := m.entries[server.ID]
			m.mu.Unlock()
			if !ok {
				return &Connection{Server: server, Status: StatusDisconnected}, nil
			}
			return cur.snapshot, nil
		}
		// auth_required and error are recoverable: fall through and retry.
	}

	m.nextGen++
	gen := m.nextGen
	e := &entry{
		snapshot: &Connection{Server: server, Status: StatusConnecting},
		gen:      gen,
		inflight: make(chan struct{}),
	}
	m.entries[server.ID] = e
	m.updateGaugesLocked()
	m.mu.Unlock()

	snap, cli := m.establish(ctx, server, authHeaders)

	m.mu.Lock()
	cur, ok := m.entries[server.ID]
	if !ok || cur.gen != gen {
		// Disconnected while the handshake was in flight: the result is
		// stale and must not resurrect the connection.
		m.mu.Unlock()
		if cli != nil {
			_ = cli.Close()
		}
		return &Connection{Server: server, Status: StatusDisconnected}, nil
	}
	if cur.client != nil && cur.client != cli {
		_ = cur.client.Close()
	}
	cur.snapshot = snap
	cur.client = cli
	close(cur.inflight)
	cur.inflight = nil
	m.updateGaugesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordConnectAttempt(string(snap.Status))
	}
	return snap, nil
}

// establish runs probe, transport construction, handshake and capability
// enumeration, returning the resulting snapshot and live client (nil unless
// connected).
func (m *Manager) establish(ctx context.Context, server ServerDescriptor, authHeaders map[string]string) (*Connection, protocolClient) {
	if len(authHeaders) == 0 {
		if challenge := m.prober.Probe(ctx, server.URL); challenge != nil {
			m.logger.Infow("Server requires authentication",
				"server", server.ID,
				"kind", challenge.Kind)
			return &Connection{Server: server, Status: StatusAuthRequired, AuthChallenge: challenge}, nil
		}
	}

	cli, err := m.newClient(transport.Config{
		ServerURL:   server.URL,
		Kind:        server.Transport,
		AuthHeaders: authHeaders,
		RelayURL:    m.relayURL,
	}, m.logger)
	if err != nil {
		return &Connection{Server: server, Status: StatusError, Error: err.Error()}, nil
	}

	start := time.Now()
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return m.classifyHandshakeFailure(ctx, server, err), nil
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := cli.Initialize(ctx, initRequest)
	if err != nil {
		_ = cli.Close()
		return m.classifyHandshakeFailure(ctx, server, err), nil
	}
	if m.metrics != nil {
		m.metrics.RecordHandshake(time.Since(start))
	}

	m.logger.Infow("Connected to server",
		"server", server.ID,
		"remote_name", serverInfo.ServerInfo.Name,
		"remote_version", serverInfo.ServerInfo.Version)

	caps := m.fetchCapabilities(ctx, cli, server.ID)
	return &Connection{Server: server, Status: StatusConnected, Capabilities: caps}, cli
}

// classifyHandshakeFailure distinguishes an auth rejection from a plain
// failure. An unauthorized indicator re-runs the prober so the caller gets
// a concrete challenge; everything else becomes an error state.
func (m *Manager) classifyHandshakeFailure(ctx context.Context, server ServerDescriptor, err error) *Connection {
	text := err.Error()
	if strings.Contains(text, "401") || strings.Contains(strings.ToLower(text), "unauthorized") {
		challenge := m.prober.Probe(ctx, server.URL)
		if challenge == nil {
			challenge = &authprobe.Challenge{Kind: authprobe.KindCustomHeaders}
		}
		m.logger.Infow("Handshake rejected as unauthorized",
			"server", server.ID,
			"kind", challenge.Kind)
		return &Connection{Server: server, Status: StatusAuthRequired, AuthChallenge: challenge}
	}

	m.logger.Warnw("Handshake failed", "server", server.ID, "error", err)
	return &Connection{Server: server, Status: StatusError, Error: text}
}

// fetchCapabilities enumerates all four capability kinds concurrently.
// Resource-template listing is optional in the protocol and its failure is
// swallowed; failures in the other kinds are logged and leave that kind
// absent rather than failing the connection.
func (m *Manager) fetchCapabilities(ctx context.Context, cli protocolClient, serverID string) *Capabilities {
	var caps Capabilities
	var g errgroup.Group

	g.Go(func() error {
		result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			m.logger.Warnw("Failed to list tools", "server", serverID, "error", err)
			return nil
		}
		if len(result.Tools) > 0 {
			caps.Tools = result.Tools
		}
		return nil
	})

	g.Go(func() error {
		result, err := cli.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			m.logger.Warnw("Failed to list resources", "server", serverID, "error", err)
			return nil
		}
		if len(result.Resources) > 0 {
			caps.Resources = result.Resources
		}
		return nil
	})

	g.Go(func() error {
		// Many servers omit this listing entirely.
		result, err := cli.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if err != nil {
			return nil
		}
		if len(result.ResourceTemplates) > 0 {
			caps.ResourceTemplates = result.ResourceTemplates
		}
		return nil
	})

	g.Go(func() error {
		result, err := cli.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			m.logger.Warnw("Failed to list prompts", "server", serverID, "error", err)
			return nil
		}
		if len(result.Prompts) > 0 {
			caps.Prompts = result.Prompts
		}
		return nil
	})

	_ = g.Wait()
	return &caps
}

// Get returns the current snapshot for a server id.
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrUnknownServer
	}
	return e.snapshot, nil
}

// List returns snapshots for every registered connection.
func (m *Manager) List() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Connection, 0, len(m.entries))
	for _, e := range m.entries {
		conns = append(conns, e.snapshot)
	}
	return conns
}

// RefreshCapabilities re-enumerates capabilities for a connected server and
// atomically replaces its snapshot.
func (m *Manager) RefreshCapabilities(ctx context.Context, id string) (*Connection, error) {
	cli, _, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}

	caps := m.fetchCapabilities(ctx, cli, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.snapshot.Status != StatusConnected {
		return nil, ErrNotConnected
	}
	snap := *e.snapshot
	snap.Capabilities = caps
	e.snapshot = &snap
	return e.snapshot, nil
}

func (m *Manager) connectedClient(id string) (protocolClient, ServerDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.snapshot.Status != StatusConnected || e.client == nil {
		return nil, ServerDescriptor{}, ErrNotConnected
	}
	return e.client, e.snapshot.Server, nil
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cli, server, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = args

	start := time.Now()
	result, err := cli.CallTool(ctx, request)
	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordToolCall(server.ID, tool, status, time.Since(start))
	}
	return result, err
}

// ReadResource reads a resource from a connected server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*mcp.ReadResourceResult, error) {
	cli, _, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}

	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri
	return cli.ReadResource(ctx, request)
}

// GetPrompt fetches a prompt from a connected server.
func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cli, _, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}

	request := mcp.GetPromptRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return cli.GetPrompt(ctx, request)
}

// Disconnect tears down a connection and removes it from the registry.
// Close errors are swallowed; disconnection always succeeds.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		// A new generation makes any in-flight handshake result stale.
		m.nextGen++
		if e.inflight != nil {
			// Release any Connect calls waiting on the handshake.
			close(e.inflight)
			e.inflight = nil
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if ok && e.client != nil {
		if err := e.client.Close(); err != nil {
			m.logger.Debugw("Error closing client on disconnect", "server", id, "error", err)
		}
	}
}

// DisconnectAll disconnects every registered server in parallel.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Disconnect(id)
		}(id)
	}
	wg.Wait()
}

// updateGaugesLocked refreshes per-status connection gauges. Callers hold
// m.mu.
func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	counts := map[Status]int{}
	for _, e := range m.entries {
		counts[e.snapshot.Status]++
	}
	for _, status := range []Status{StatusConnecting, StatusConnected, StatusAuthRequired, StatusError} {
		m.metrics.SetConnectionCount(string(status), counts[status])
	}
}
