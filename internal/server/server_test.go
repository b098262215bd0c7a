package server

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	t.Setenv("MCPBRIDGE_ENCRYPTION_KEY", hex.EncodeToString(key))

	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.SessionSecret = strings.Repeat("s", 32)
	return cfg
}

func TestNewServerWiresComponents(t *testing.T) {
	srv, err := NewServer(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, srv.api)
	require.NotNil(t, srv.store)
	srv.close()
}

func TestNewServerRequiresSessionSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionSecret = "short"
	_, err := NewServer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv, err := NewServer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
