// Package env implements a secret provider backed by environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider reads secrets from the process environment.
type Provider struct{}

// New creates an env provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the environment variable named by path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
