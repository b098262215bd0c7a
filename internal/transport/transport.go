// Package transport builds MCP protocol clients bound to the proxy relay.
// Two wire kinds exist: SSE (a persistent event stream plus POSTed
// messages) and streamable HTTP (chunked request/response). The kind is
// fixed when a connection is created; both produce the same client surface.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/proxy"
)

const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Normalize maps caller-supplied transport names onto the two supported
// kinds, defaulting to streamable HTTP.
func Normalize(kind string) string {
	switch kind {
	case TransportSSE:
		return TransportSSE
	default:
		return TransportStreamableHTTP
	}
}

// Config describes the transport to build for one server.
type Config struct {
	ServerURL   string
	Kind        string
	AuthHeaders map[string]string
	RelayURL    string
}

// NewClient builds an MCP client for cfg. All traffic is routed through the
// relay by a URL rewriter, which also carries the auth headers; the remote
// server never sees this process's origin directly.
func NewClient(cfg Config, logger *zap.SugaredLogger) (*client.Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("no server URL specified")
	}

	rewriter, err := proxy.NewRewriter(cfg.RelayURL, cfg.ServerURL, cfg.AuthHeaders, baseTransport(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay rewriter: %w", err)
	}

	switch Normalize(cfg.Kind) {
	case TransportSSE:
		return newSSEClient(cfg, rewriter, logger)
	default:
		return newStreamableClient(cfg, rewriter, logger)
	}
}

func newStreamableClient(cfg Config, rewriter *proxy.Rewriter, logger *zap.SugaredLogger) (*client.Client, error) {
	logger.Debugw("Creating streamable HTTP client", "server_url", cfg.ServerURL)

	httpTransport, err := transport.NewStreamableHTTP(rewriter.BaseURL(),
		transport.WithHTTPBasicClient(rewriter.Client()),
		transport.WithHTTPTimeout(180*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

func newSSEClient(cfg Config, rewriter *proxy.Rewriter, logger *zap.SugaredLogger) (*client.Client, error) {
	logger.Debugw("Creating SSE client", "server_url", cfg.ServerURL)

	// No overall timeout: the SSE stream lives for the whole connection.
	httpClient := rewriter.Client()
	httpClient.Timeout = 0

	sseClient, err := client.NewSSEMCPClient(rewriter.BaseURL(),
		client.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

// baseTransport is the outbound HTTP transport under the rewriter, tuned
// for long-lived streams the way SSE connections need.
func baseTransport() http.RoundTripper {
	return &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 5,
		DisableKeepAlives:   false,
	}
}
