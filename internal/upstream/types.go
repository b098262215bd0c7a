// Package upstream owns the connection lifecycle to remote MCP servers:
// probe, authenticate, handshake, enumerate capabilities, invoke. One
// connection exists per server id, held in an in-memory registry and
// never persisted.
package upstream

import (
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starbase-chat/mcpbridge/internal/authprobe"
)

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusAuthRequired Status = "auth_required"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrNotConnected is returned by invocations against a connection that
	// is not in the connected state.
	ErrNotConnected = errors.New("server not connected")

	// ErrUnknownServer is returned when no connection exists for an id.
	ErrUnknownServer = errors.New("unknown server")
)

// ServerDescriptor identifies a remote MCP server. Immutable once a
// connection is created; the id is the registry key.
type ServerDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
	Transport   string `json:"transport"`
}

// Capabilities holds the remote server's capability listings, passed
// through verbatim and in server order. A kind the server does not expose
// is omitted rather than emitted as an empty list.
type Capabilities struct {
	Tools             []mcp.Tool             `json:"tools,omitempty"`
	Resources         []mcp.Resource         `json:"resources,omitempty"`
	ResourceTemplates []mcp.ResourceTemplate `json:"resourceTemplates,omitempty"`
	Prompts           []mcp.Prompt           `json:"prompts,omitempty"`
}

// Connection is an immutable snapshot of one server's connection state.
// Refreshing capabilities or changing status produces a new snapshot, so a
// reader never observes a half-updated connection.
type Connection struct {
	Server        ServerDescriptor     `json:"server"`
	Status        Status               `json:"status"`
	Error         string               `json:"error,omitempty"`
	AuthChallenge *authprobe.Challenge `json:"auth_challenge,omitempty"`
	Capabilities  *Capabilities        `json:"capabilities,omitempty"`
}
