package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
quota:
  window: 30s
  max_requests: 100
  max_tokens: 50000
providers:
  - name: openai-primary
    type: openai
    base_url: https://api.openai.com/v1
    api_key: env://OPENAI_API_KEY
    models: [gpt-4o, gpt-4o-mini]
    input_per_1k: 0.01
    output_per_1k: 0.03
    max_concurrent: 8
    timeout: 60s
  - name: ollama-local
    type: ollama
    base_url: http://localhost:11434
    models: [llama3]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Quota.Window)
	require.Len(t, cfg.Providers, 2)

	p := cfg.Providers[0]
	assert.Equal(t, "openai-primary", p.Name)
	assert.Equal(t, "env://OPENAI_API_KEY", p.APIKey)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, p.Models)
	assert.Equal(t, 0.01, p.InputPer1K)
	assert.Equal(t, 8, p.MaxConcurrent)

	// Defaults fill in what the file omits.
	assert.Equal(t, 16, cfg.Providers[1].MaxConcurrent)
	assert.Equal(t, 120*time.Second, cfg.Providers[1].Timeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GW_ADDR", ":7070")
	cfg, err := Parse([]byte(`
server:
  addr: "${TEST_GW_ADDR}"
providers:
  - name: p
    type: openai
    models: [m]
`))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestParseAuthSchemeAndFraming(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  - name: batch-only
    type: openai
    models: [m]
    auth_scheme: header
    auth_header: X-Api-Key
    framing: json
`))
	require.NoError(t, err)
	p := cfg.Providers[0]
	assert.Equal(t, "header", p.AuthScheme)
	assert.Equal(t, "X-Api-Key", p.AuthHeader)
	assert.Equal(t, "json", p.Framing)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no providers", `server: {addr: ":1"}`},
		{"duplicate names", `
providers:
  - {name: p, type: openai, models: [m]}
  - {name: p, type: openai, models: [m]}
`},
		{"missing type", `
providers:
  - {name: p, models: [m]}
`},
		{"no models", `
providers:
  - {name: p, type: openai}
`},
		{"negative rate", `
providers:
  - {name: p, type: openai, models: [m], input_per_1k: -1}
`},
		{"bad auth scheme", `
providers:
  - {name: p, type: openai, models: [m], auth_scheme: basic}
`},
		{"bad framing", `
providers:
  - {name: p, type: openai, models: [m], framing: grpc}
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 2)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
