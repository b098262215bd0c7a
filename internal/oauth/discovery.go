// Package oauth implements the authorization flow used to obtain tokens for
// MCP servers: RFC 8414 discovery, dynamic client registration (RFC 7591),
// PKCE, authorization-URL construction and the code-for-token exchange. The
// flow engine ties these together around pending authorizations resolved by
// a browser callback.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DiscoveryDocument is the authorization-server metadata (RFC 8414).
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the server advertises a usable code
// challenge method.
func (d *DiscoveryDocument) SupportsPKCE() bool {
	for _, m := range d.CodeChallengeMethodsSupported {
		if m == "S256" || m == "plain" {
			return true
		}
	}
	return false
}

// SupportsRegistration reports whether dynamic client registration is
// available.
func (d *DiscoveryDocument) SupportsRegistration() bool {
	return d.RegistrationEndpoint != ""
}

// FallbackEndpoints builds conventional endpoints from the server's origin
// for servers that gate with OAuth but publish no metadata document.
func FallbackEndpoints(serverURL string) (*DiscoveryDocument, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", serverURL)
	}
	base := u.Scheme + "://" + u.Host
	return &DiscoveryDocument{
		Issuer:                 base,
		AuthorizationEndpoint:  base + "/authorize",
		TokenEndpoint:          base + "/token",
		RegistrationEndpoint:   base + "/register",
		GrantTypesSupported:    []string{"authorization_code"},
		ResponseTypesSupported: []string{"code"},
	}, nil
}

// FetchDiscovery retrieves the discovery document at discoveryURL. A 404 or
// a network failure falls back to conventional endpoints derived from
// serverURL when one is given; other HTTP errors are surfaced.
func FetchDiscovery(ctx context.Context, client *http.Client, discoveryURL, serverURL string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if serverURL != "" {
			return FallbackEndpoints(serverURL)
		}
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && serverURL != "" {
		return FallbackEndpoints(serverURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document fetch returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery document: %w", err)
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, errors.New("discovery document missing required endpoints")
	}
	return &doc, nil
}
