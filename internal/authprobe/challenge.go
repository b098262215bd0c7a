// Package authprobe classifies the authentication requirement of a remote
// MCP server before any handshake is attempted. A short probe against the
// server plus a well-known discovery check is enough to tell an open server
// from one expecting OAuth or caller-supplied headers.
package authprobe

import (
	"fmt"
	"net/url"
	"regexp"
)

// Kind is the class of authentication a server demands.
type Kind string

const (
	KindOAuth         Kind = "oauth"
	KindCustomHeaders Kind = "custom_headers"
)

// Challenge describes what a server asked for. It is recomputed on every
// probe and never persisted on its own.
type Challenge struct {
	Kind         Kind   `json:"kind"`
	DiscoveryURL string `json:"discovery_url,omitempty"`
	Realm        string `json:"realm,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// WellKnownPath is the standard authorization-server metadata path (RFC 8414).
const WellKnownPath = "/.well-known/oauth-authorization-server"

// DefaultDiscoveryURL derives the well-known discovery URL from a server's
// origin, discarding any path and query.
func DefaultDiscoveryURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", serverURL)
	}
	return u.Scheme + "://" + u.Host + WellKnownPath, nil
}

var (
	bearerRe = regexp.MustCompile(`(?i)Bearer\s+(.+)`)
	paramRe  = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// ParseWWWAuthenticate classifies a WWW-Authenticate header value. A Bearer
// challenge carrying a discovery_url parameter means OAuth; anything else
// means the server expects custom headers. Returns nil for an empty header.
func ParseWWWAuthenticate(header string) *Challenge {
	if header == "" {
		return nil
	}

	m := bearerRe.FindStringSubmatch(header)
	if m == nil {
		return &Challenge{Kind: KindCustomHeaders}
	}

	params := map[string]string{}
	for _, p := range paramRe.FindAllStringSubmatch(m[1], -1) {
		params[p[1]] = p[2]
	}

	if params["discovery_url"] != "" {
		return &Challenge{
			Kind:         KindOAuth,
			DiscoveryURL: params["discovery_url"],
			Realm:        params["realm"],
			Scope:        params["scope"],
		}
	}

	return &Challenge{
		Kind:  KindCustomHeaders,
		Realm: params["realm"],
		Scope: params["scope"],
	}
}
