// Package vault implements a secret provider backed by HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection settings for the Vault provider.
type Config struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

// Provider reads secrets from Vault's KV store.
type Provider struct {
	client *vault.Client
}

// New creates a Vault provider, authenticating with a static token or via
// AppRole when RoleID is set.
func New(cfg Config) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.RoleID != "":
		auth, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if auth == nil || auth.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth info")
		}
		client.SetToken(auth.Auth.ClientToken)
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	default:
		return nil, fmt.Errorf("vault provider requires a token or approle credentials")
	}

	return &Provider{client: client}, nil
}

// Get reads a secret. Path format: "path/to/secret#key"; the key defaults
// to "value". KV v2 "data" wrapping is unwrapped transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key, found := strings.Cut(path, "#")
	if !found {
		key = "value"
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("key %q in secret %q is not a string", key, secretPath)
	}
	return s, nil
}

// Close is a no-op; the underlying client needs no teardown.
func (p *Provider) Close() error {
	return nil
}
