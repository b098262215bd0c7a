// Package proxy implements the same-origin relay that MCP transports use to
// reach arbitrary remote servers. The relay is stateless: each request names
// its target URL and optional auth headers in the query string, and the
// response is streamed back with permissive CORS headers so browser clients
// can consume event streams from any origin.
package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/observability"
)

// TargetParam and AuthHeadersParam are the relay's query parameters.
const (
	TargetParam      = "target"
	AuthHeadersParam = "auth_headers"
)

// skipHeaders are hop-by-hop headers never forwarded to the target.
var skipHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"content-length":    true,
}

// Relay forwards GET, POST and OPTIONS requests to a caller-named target.
type Relay struct {
	client  *http.Client
	logger  *zap.SugaredLogger
	metrics *observability.MetricsManager
}

// NewRelay creates a relay. The client must not follow redirects itself if
// callers need to observe 3xx responses; a nil client gets a default with
// redirects disabled so auth probes see the raw upstream status.
func NewRelay(client *http.Client, logger *zap.SugaredLogger, metrics *observability.MetricsManager) *Relay {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Relay{client: client, logger: logger, metrics: metrics}
}

// ServeHTTP handles /proxy?target=<url>&auth_headers=<json>.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
		rl.forward(w, r)
	case http.MethodOptions:
		rl.preflight(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (rl *Relay) target(w http.ResponseWriter, r *http.Request) (*url.URL, bool) {
	raw := r.URL.Query().Get(TargetParam)
	if raw == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing target URL")
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		writeJSONError(w, http.StatusBadRequest, "Invalid target URL")
		return nil, false
	}
	return u, true
}

// forwardHeaders builds the outbound header set: the caller's headers minus
// hop-by-hop ones, then any auth headers from the query. Auth header values
// are secrets and are never logged.
func (rl *Relay) forwardHeaders(r *http.Request) http.Header {
	headers := http.Header{}
	for key, values := range r.Header {
		if skipHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			headers.Add(key, v)
		}
	}

	if raw := r.URL.Query().Get(AuthHeadersParam); raw != "" {
		var auth map[string]string
		if err := json.Unmarshal([]byte(raw), &auth); err != nil {
			rl.logger.Warnw("Failed to parse auth headers parameter", "error", err)
		} else {
			for key, value := range auth {
				headers.Set(key, value)
			}
		}
	}

	return headers
}

func (rl *Relay) forward(w http.ResponseWriter, r *http.Request) {
	target, ok := rl.target(w, r)
	if !ok {
		return
	}

	var body io.Reader
	if r.Method == http.MethodPost {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header = rl.forwardHeaders(r)

	rl.logger.Debugw("Relaying request", "method", r.Method, "target", target.String())

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Warnw("Relay request failed", "method", r.Method, "target", target.String(), "error", err)
		if rl.metrics != nil {
			rl.metrics.RecordRelayRequest(r.Method, "error")
		}
		writeJSONError(w, http.StatusInternalServerError, "Proxy request failed")
		return
	}
	defer resp.Body.Close()

	if rl.metrics != nil {
		rl.metrics.RecordRelayRequest(r.Method, strconv.Itoa(resp.StatusCode))
	}

	headers := w.Header()
	copyResponseHeaders(headers, resp.Header)

	headers.Set("Access-Control-Allow-Origin", "*")
	headers.Set("Access-Control-Allow-Credentials", "true")
	headers.Set("Access-Control-Expose-Headers", "WWW-Authenticate, Authorization, Content-Type")

	streaming := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if streaming {
		headers.Set("Content-Type", "text/event-stream")
		headers.Set("Cache-Control", "no-cache")
		headers.Set("Connection", "keep-alive")
		// Content length would be wrong for a live stream.
		headers.Del("Content-Length")
	}

	w.WriteHeader(resp.StatusCode)

	if streaming {
		if rl.metrics != nil {
			defer rl.metrics.StreamStarted()()
		}
		rl.stream(w, resp.Body)
		return
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		rl.logger.Debugw("Relay body copy interrupted", "error", err)
	}
}

// stream copies the upstream body flushing after every read so events reach
// the client as they arrive rather than when a buffer fills.
func (rl *Relay) stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (rl *Relay) preflight(w http.ResponseWriter, r *http.Request) {
	target, ok := rl.target(w, r)
	if !ok {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodOptions, target.String(), nil)
	if err == nil {
		headers := http.Header{}
		for key, values := range r.Header {
			if strings.EqualFold(key, "Host") {
				continue
			}
			headers[key] = values
		}
		req.Header = headers

		if resp, derr := rl.client.Do(req); derr == nil {
			defer resp.Body.Close()
			if rl.metrics != nil {
				rl.metrics.RecordRelayRequest(http.MethodOptions, strconv.Itoa(resp.StatusCode))
			}

			out := w.Header()
			copyResponseHeaders(out, resp.Header)
			setIfAbsent(out, "Access-Control-Allow-Origin", "*")
			setIfAbsent(out, "Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			setIfAbsent(out, "Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
			w.WriteHeader(resp.StatusCode)
			return
		}
	}

	// An unreachable target still gets a permissive preflight answer so the
	// browser proceeds to the real request, where the failure is visible.
	out := w.Header()
	out.Set("Access-Control-Allow-Origin", "*")
	out.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	out.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
	w.WriteHeader(http.StatusOK)
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "Content-Length") {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = values
	}
}

func setIfAbsent(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
