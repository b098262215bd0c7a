package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sse", TransportSSE},
		{"streamable-http", TransportStreamableHTTP},
		{"streamable_http", TransportStreamableHTTP},
		{"", TransportStreamableHTTP},
		{"http", TransportStreamableHTTP},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "kind %q", tt.in)
	}
}

func TestNewClient_RequiresServerURL(t *testing.T) {
	_, err := NewClient(Config{RelayURL: "http://127.0.0.1:8080/proxy"}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNewClient_BuildsBothKinds(t *testing.T) {
	for _, kind := range []string{TransportSSE, TransportStreamableHTTP} {
		c, err := NewClient(Config{
			ServerURL:   "https://mcp.example.com/v1",
			Kind:        kind,
			RelayURL:    "http://127.0.0.1:8080/proxy",
			AuthHeaders: map[string]string{"Authorization": "Bearer tok"},
		}, zap.NewNop().Sugar())
		require.NoError(t, err, "kind %s", kind)
		require.NotNil(t, c)
		c.Close()
	}
}
