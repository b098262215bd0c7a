package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Rewriter is an http.RoundTripper that keeps MCP transport traffic flowing
// through the relay. Transports are constructed against a proxied URL
// (relay + ?target=), but servers hand back follow-up endpoints of their
// own — an SSE "endpoint" event, a session URL — which the client resolves
// against the proxied base. Those land on the relay host with the wrong
// path, or point straight at the remote origin. Either way the rewriter
// re-anchors them onto the target origin and wraps them back into a relay
// URL, carrying the auth headers along.
type Rewriter struct {
	relay       *url.URL
	target      *url.URL
	authHeaders map[string]string
	next        http.RoundTripper
	logger      *zap.SugaredLogger
}

// NewRewriter builds a rewriter for one server. relayURL is the relay
// endpoint (e.g. http://127.0.0.1:8080/proxy), targetURL the remote server.
func NewRewriter(relayURL, targetURL string, authHeaders map[string]string, next http.RoundTripper, logger *zap.SugaredLogger) (*Rewriter, error) {
	relay, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &Rewriter{
		relay:       relay,
		target:      target,
		authHeaders: authHeaders,
		next:        next,
		logger:      logger,
	}, nil
}

// ProxiedURL returns the relay URL that forwards to target with the
// rewriter's auth headers attached.
func (rw *Rewriter) ProxiedURL(target string) string {
	return ProxiedURL(rw.relay.String(), target, rw.authHeaders)
}

// BaseURL returns the proxied URL for the rewriter's own target, the URL a
// transport should be constructed with.
func (rw *Rewriter) BaseURL() string {
	return rw.ProxiedURL(rw.target.String())
}

// Client returns an HTTP client routing through the rewriter.
func (rw *Rewriter) Client() *http.Client {
	return &http.Client{Transport: rw}
}

func (rw *Rewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL

	// Already a relay request naming its target: pass through.
	if u.Host == rw.relay.Host && u.Path == rw.relay.Path && u.Query().Get(TargetParam) != "" {
		return rw.next.RoundTrip(req)
	}

	var remote string
	if u.Host == rw.relay.Host || u.Host == "" {
		// A relative endpoint resolved against the proxied base: the path
		// and query belong to the remote server, not the relay.
		remote = rw.target.Scheme + "://" + rw.target.Host + u.Path
		if u.RawQuery != "" {
			remote += "?" + u.RawQuery
		}
	} else {
		// An absolute URL pointing at the remote (or a sibling host the
		// server redirected to): relay it as-is.
		remote = u.String()
	}

	proxied, err := url.Parse(rw.ProxiedURL(remote))
	if err != nil {
		return nil, err
	}

	rw.logger.Debugw("Rewrote transport URL", "from", u.Path, "to_target_host", rw.target.Host)

	clone := req.Clone(req.Context())
	clone.URL = proxied
	clone.Host = ""
	return rw.next.RoundTrip(clone)
}

// ProxiedURL builds a relay URL for target, attaching authHeaders when
// present. The auth headers ride in the query because the relay is the only
// party that may see them; they are injected as real headers upstream.
func ProxiedURL(relayURL, target string, authHeaders map[string]string) string {
	values := url.Values{}
	values.Set(TargetParam, target)
	if len(authHeaders) > 0 {
		if encoded, err := json.Marshal(authHeaders); err == nil {
			values.Set(AuthHeadersParam, string(encoded))
		}
	}
	return relayURL + "?" + values.Encode()
}
