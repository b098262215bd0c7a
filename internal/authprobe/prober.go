package authprobe

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 3 * time.Second

// Prober issues test requests against a candidate server and classifies its
// authentication requirement. The HTTP client is injected so callers can
// route probes through the same outbound path the relay uses.
type Prober struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// NewProber creates a prober. A nil client falls back to a default client
// that does not follow redirects, matching how servers that bounce
// unauthenticated requests to a login page should still read as 401-less.
func NewProber(client *http.Client, logger *zap.SugaredLogger) *Prober {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Prober{client: client, logger: logger}
}

// Probe determines whether serverURL demands authentication and of what
// kind. A nil result means no challenge was detected (the server is open,
// unreachable, or too slow to answer); network errors are deliberately
// absorbed so a flaky server degrades to a plain connection attempt instead
// of blocking it.
func (p *Prober) Probe(ctx context.Context, serverURL string) *Challenge {
	hasDiscovery := p.checkDiscovery(ctx, serverURL)
	p.logger.Debugw("OAuth discovery check", "server_url", serverURL, "found", hasDiscovery)

	resp := p.request(ctx, http.MethodOptions, serverURL, 0)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		if r := p.request(ctx, http.MethodGet, serverURL, probeTimeout); r != nil {
			resp = r
		}
	}

	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	parsed := ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))

	// A reachable discovery document is the authoritative OAuth signal and
	// overrides whatever the header said, keeping realm/scope if parsed.
	if hasDiscovery {
		discoveryURL, err := DefaultDiscoveryURL(serverURL)
		if err != nil {
			return nil
		}
		challenge := &Challenge{Kind: KindOAuth, DiscoveryURL: discoveryURL}
		if parsed != nil {
			challenge.Realm = parsed.Realm
			challenge.Scope = parsed.Scope
		}
		return challenge
	}

	// Without a discovery document the header is all there is: a parsed
	// OAuth challenge always carries its discovery URL, everything else is
	// custom headers.
	if parsed != nil {
		return parsed
	}

	return &Challenge{Kind: KindCustomHeaders}
}

// checkDiscovery reports whether the well-known discovery document exists.
func (p *Prober) checkDiscovery(ctx context.Context, serverURL string) bool {
	discoveryURL, err := DefaultDiscoveryURL(serverURL)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debugw("Discovery check failed", "url", discoveryURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// request issues a single probe request, absorbing all failures as nil.
func (p *Prober) request(ctx context.Context, method, serverURL string, timeout time.Duration) *http.Response {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, serverURL, nil)
	if err != nil {
		return nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debugw("Probe request failed", "method", method, "server_url", serverURL, "error", err)
		return nil
	}
	resp.Body.Close()
	return resp
}
