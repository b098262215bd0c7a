// Package contracts holds the wire types shared between the HTTP API and
// its clients.
package contracts

// APIResponse is the standard envelope for API responses
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(message string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   message,
	}
}

// ConnectRequest asks for a connection to an upstream server. AuthHeaders
// may be empty, in which case stored credentials (or an auth probe) decide
// what happens next.
type ConnectRequest struct {
	Name        string            `json:"name,omitempty"`
	URL         string            `json:"url"`
	Transport   string            `json:"transport,omitempty"`
	AuthHeaders map[string]string `json:"auth_headers,omitempty"`

	// ConnectionID selects a stored credential to authenticate with when
	// no explicit auth headers are given.
	ConnectionID string `json:"connection_id,omitempty"`
}

// SaveConnectionRequest persists credentials for a server.
type SaveConnectionRequest struct {
	ServerURL     string            `json:"server_url"`
	ServerName    string            `json:"server_name"`
	Transport     string            `json:"transport,omitempty"`
	AuthType      string            `json:"auth_type"`
	AccessToken   string            `json:"access_token,omitempty"`
	RefreshToken  string            `json:"refresh_token,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
	DisplayName   *string           `json:"display_name,omitempty"`
}

// UpdateConnectionRequest renames a stored connection. A null display_name
// clears the custom name.
type UpdateConnectionRequest struct {
	DisplayName *string `json:"display_name"`
}

// MigrateRequest reassigns anonymous-session connections to a user.
type MigrateRequest struct {
	AnonymousSessionID string `json:"anonymous_session_id"`
}

// BeginOAuthRequest starts an authorization flow against a server.
type BeginOAuthRequest struct {
	ServerURL    string `json:"server_url"`
	ServerName   string `json:"server_name"`
	Transport    string `json:"transport,omitempty"`
	DiscoveryURL string `json:"discovery_url,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// SaveRegistrationRequest stores a manually supplied OAuth client.
type SaveRegistrationRequest struct {
	ServerURL    string `json:"server_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// CallToolRequest invokes a tool on a connected server.
type CallToolRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ReadResourceRequest reads a resource by URI.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// GetPromptRequest fetches a prompt with optional arguments.
type GetPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}
