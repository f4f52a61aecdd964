package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestManagerGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, ":9090", m.Get().Server.Addr)
}

func TestManagerReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { changed <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	writeConfig(t, path, `
server:
  addr: ":9999"
providers:
  - name: p
    type: openai
    models: [m]
`)

	select {
	case cfg := <-changed:
		assert.Equal(t, ":9999", cfg.Server.Addr)
		assert.Equal(t, ":9999", m.Get().Server.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestManagerKeepsConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)

	// Invalid replacement leaves the last good config in place.
	writeConfig(t, path, "providers: []")
	m.reload()
	assert.Equal(t, ":9090", m.Get().Server.Addr)
}
