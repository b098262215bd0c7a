package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/authprobe"
	"github.com/starbase-chat/mcpbridge/internal/observability"
	"github.com/starbase-chat/mcpbridge/internal/storage"
)

// Strategy names how client credentials were obtained for a flow.
type Strategy string

const (
	StrategyStoredRegistration  Strategy = "stored_registration"
	StrategyDynamicRegistration Strategy = "dynamic_registration"
	StrategyManual              Strategy = "manual"
)

var (
	// ErrFlowNotFound is returned when a callback names a state token with
	// no pending authorization (expired, cancelled, or already completed).
	ErrFlowNotFound = errors.New("authorization flow not found")

	// ErrManualCredentialsRequired is returned when neither a stored
	// registration nor dynamic registration can supply a client id.
	ErrManualCredentialsRequired = errors.New("manual client credentials required")
)

// resultTTL bounds how long a resolved outcome is retained for late
// pollers. A long-poll that retries after its HTTP timeout can race the
// browser callback; keeping the result briefly lets the retry land.
const resultTTL = 5 * time.Minute

// BeginRequest describes an authorization flow to start.
type BeginRequest struct {
	Owner        storage.Owner
	ServerURL    string
	ServerName   string
	Transport    string
	DiscoveryURL string
	Scope        string

	// Manual credentials, used only when no stored registration exists and
	// the server offers no registration endpoint.
	ManualClientID     string
	ManualClientSecret string
}

// FlowState is what the caller needs to send the user off to consent.
type FlowState struct {
	State            string   `json:"state"`
	AuthorizationURL string   `json:"authorization_url"`
	Strategy         Strategy `json:"strategy"`
	UsesPKCE         bool     `json:"uses_pkce"`
}

// Result is the outcome of a completed flow.
type Result struct {
	AccessToken  string
	RefreshToken string
	ConnectionID string
	Err          error
}

type pendingFlow struct {
	owner         storage.Owner
	serverURL     string
	serverName    string
	transport     string
	strategy      Strategy
	tokenEndpoint string
	clientID      string
	clientSecret  string
	codeVerifier  string
	createdAt     time.Time
	done          chan Result
}

// Engine drives authorization flows. Each flow is a pending future keyed by
// its anti-CSRF state token; the browser callback resolves it exactly once,
// and cancellation drops it so a retried flow never sees a stale listener.
// A pending flow carries no timeout of its own: authorization waits on a
// human, and an abandoned flow lives until it is cancelled or the process
// restarts.
type Engine struct {
	client      *http.Client
	store       *storage.Manager
	metrics     *observability.MetricsManager
	logger      *zap.SugaredLogger
	clientName  string
	redirectURI string

	mu       sync.Mutex
	pending  map[string]*pendingFlow
	resolved map[string]*resolvedFlow
}

type resolvedFlow struct {
	result     Result
	resolvedAt time.Time
}

// NewEngine creates a flow engine. redirectURI is where the authorization
// server sends the browser back; it must be routed to Complete/Fail.
func NewEngine(client *http.Client, store *storage.Manager, clientName, redirectURI string, metrics *observability.MetricsManager, logger *zap.SugaredLogger) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		client:      client,
		store:       store,
		metrics:     metrics,
		logger:      logger,
		clientName:  clientName,
		redirectURI: redirectURI,
		pending:     make(map[string]*pendingFlow),
		resolved:    make(map[string]*resolvedFlow),
	}
}

// Begin starts an authorization flow and returns the URL to open in the
// user's browser. Credential strategy, in priority order: a stored
// registration no older than seven days, then dynamic registration when the
// server offers it, then caller-supplied manual credentials.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (*FlowState, error) {
	if err := req.Owner.Validate(); err != nil {
		return nil, err
	}

	discoveryURL := req.DiscoveryURL
	if discoveryURL == "" {
		var err error
		discoveryURL, err = authprobe.DefaultDiscoveryURL(req.ServerURL)
		if err != nil {
			return nil, err
		}
	}

	discovery, err := FetchDiscovery(ctx, e.client, discoveryURL, req.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	strategy, clientID, clientSecret, err := e.resolveClient(ctx, req, discovery, discoveryURL)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordOAuthFlow(string(strategy), "error")
		}
		return nil, err
	}

	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	var codeVerifier, codeChallenge string
	if discovery.SupportsPKCE() {
		codeVerifier, err = GenerateCodeVerifier()
		if err != nil {
			return nil, err
		}
		codeChallenge = CodeChallenge(codeVerifier)
	}

	authURL := BuildAuthorizationURL(discovery.AuthorizationEndpoint, clientID, e.redirectURI, req.Scope, state, codeChallenge)

	e.mu.Lock()
	e.pending[state] = &pendingFlow{
		owner:         req.Owner,
		serverURL:     req.ServerURL,
		serverName:    req.ServerName,
		transport:     req.Transport,
		strategy:      strategy,
		tokenEndpoint: discovery.TokenEndpoint,
		clientID:      clientID,
		clientSecret:  clientSecret,
		codeVerifier:  codeVerifier,
		createdAt:     time.Now(),
		done:          make(chan Result, 1),
	}
	e.mu.Unlock()

	e.logger.Infow("Started authorization flow",
		"server_url", req.ServerURL,
		"strategy", strategy,
		"pkce", codeVerifier != "")

	return &FlowState{
		State:            state,
		AuthorizationURL: authURL,
		Strategy:         strategy,
		UsesPKCE:         codeVerifier != "",
	}, nil
}

// resolveClient picks client credentials for a flow.
func (e *Engine) resolveClient(ctx context.Context, req BeginRequest, discovery *DiscoveryDocument, discoveryURL string) (Strategy, string, string, error) {
	if reg, err := e.store.GetActiveRegistration(req.Owner, req.ServerURL); err == nil {
		return StrategyStoredRegistration, reg.ClientID, reg.ClientSecret, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", "", "", err
	}

	if discovery.SupportsRegistration() && req.ManualClientID == "" {
		reg, err := RegisterClient(ctx, e.client, discovery.RegistrationEndpoint, ClientMetadata{
			ClientName:    fmt.Sprintf("%s - %s", e.clientName, req.ServerName),
			RedirectURIs:  []string{e.redirectURI},
			GrantTypes:    []string{"authorization_code"},
			ResponseTypes: []string{"code"},
			Scope:         req.Scope,
		})
		if err != nil {
			return StrategyDynamicRegistration, "", "", err
		}
		if _, err := e.store.CreateRegistration(req.Owner, req.ServerURL, discoveryURL, reg.ClientID, reg.ClientSecret); err != nil {
			// Worst case the next flow re-registers.
			e.logger.Warnw("Failed to persist client registration", "server_url", req.ServerURL, "error", err)
		}
		return StrategyDynamicRegistration, reg.ClientID, reg.ClientSecret, nil
	}

	if req.ManualClientID == "" {
		return StrategyManual, "", "", ErrManualCredentialsRequired
	}
	if _, err := e.store.CreateRegistration(req.Owner, req.ServerURL, discoveryURL, req.ManualClientID, req.ManualClientSecret); err != nil {
		e.logger.Warnw("Failed to persist manual registration", "server_url", req.ServerURL, "error", err)
	}
	return StrategyManual, req.ManualClientID, req.ManualClientSecret, nil
}

// take removes and returns the pending flow for state, exactly once.
func (e *Engine) take(state string) (*pendingFlow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	flow, ok := e.pending[state]
	if ok {
		delete(e.pending, state)
	}
	return flow, ok
}

// Complete resolves a flow with an authorization code: it exchanges the
// code, persists the resulting credential and resolves the future. Each
// state token completes at most once; a second callback gets
// ErrFlowNotFound.
func (e *Engine) Complete(ctx context.Context, state, code string) (*Result, error) {
	flow, ok := e.take(state)
	if !ok {
		return nil, ErrFlowNotFound
	}

	token, err := ExchangeCode(ctx, e.client, flow.tokenEndpoint, code, flow.clientID, flow.clientSecret, e.redirectURI, flow.codeVerifier)
	if err != nil {
		result := Result{Err: fmt.Errorf("token exchange failed: %w", err)}
		flow.done <- result
		e.retain(state, result)
		if e.metrics != nil {
			e.metrics.RecordOAuthFlow(string(flow.strategy), "exchange_failed")
		}
		return nil, result.Err
	}

	result := Result{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	record, err := e.store.SaveOAuthConnection(flow.serverURL, flow.serverName, token.AccessToken, token.RefreshToken, flow.owner, flow.transport)
	if err != nil {
		// The user still holds a working token; losing persistence only
		// costs the quick-reconnect next time.
		e.logger.Warnw("Failed to persist oauth connection", "server_url", flow.serverURL, "error", err)
	} else {
		result.ConnectionID = record.ID
	}

	flow.done <- result
	e.retain(state, result)
	if e.metrics != nil {
		e.metrics.RecordOAuthFlow(string(flow.strategy), "success")
	}

	e.logger.Infow("Authorization flow completed",
		"server_url", flow.serverURL,
		"strategy", flow.strategy,
		"elapsed", time.Since(flow.createdAt))
	return &result, nil
}

// Fail rejects a pending flow with an error reported by the authorization
// server (e.g. the user denied consent).
func (e *Engine) Fail(state, reason string) error {
	flow, ok := e.take(state)
	if !ok {
		return ErrFlowNotFound
	}
	result := Result{Err: fmt.Errorf("authorization failed: %s", reason)}
	flow.done <- result
	e.retain(state, result)
	if e.metrics != nil {
		e.metrics.RecordOAuthFlow(string(flow.strategy), "denied")
	}
	return nil
}

// Cancel drops a pending flow without resolving it, for when the owning UI
// context is torn down. Waiters see a cancellation error.
func (e *Engine) Cancel(state string) {
	if flow, ok := e.take(state); ok {
		flow.done <- Result{Err: errors.New("authorization cancelled")}
	}
}

// Wait blocks until the flow identified by state resolves or ctx ends.
// The pending entry must have been obtained from Begin in this process.
// A flow that already resolved within the retention window answers
// immediately, so a poller retrying after a timeout can still collect.
func (e *Engine) Wait(ctx context.Context, state string) (*Result, error) {
	e.mu.Lock()
	flow, ok := e.pending[state]
	if !ok {
		res, resolved := e.resolved[state]
		e.mu.Unlock()
		if !resolved {
			return nil, ErrFlowNotFound
		}
		if res.result.Err != nil {
			return nil, res.result.Err
		}
		result := res.result
		return &result, nil
	}
	e.mu.Unlock()

	select {
	case result := <-flow.done:
		// Put it back for any other waiter.
		flow.done <- result
		if result.Err != nil {
			return nil, result.Err
		}
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retain records a resolved outcome so a waiter arriving just after the
// callback gets the result instead of ErrFlowNotFound. Stale outcomes are
// swept on the way in.
func (e *Engine) retain(state string, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-resultTTL)
	for s, r := range e.resolved {
		if r.resolvedAt.Before(cutoff) {
			delete(e.resolved, s)
		}
	}
	e.resolved[state] = &resolvedFlow{result: result, resolvedAt: time.Now()}
}

// PendingCount reports how many flows are awaiting a callback.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
