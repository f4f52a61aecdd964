// Package secret resolves provider API credentials. References use URI
// schemes ("env://OPENAI_API_KEY", "vault://secret/data/openai#key"); a
// reference without a scheme is treated as a static value.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Provider retrieves secrets from one backend.
type Provider interface {
	// Get retrieves the secret value for the given path (scheme stripped).
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Resolver routes secret references to registered providers by scheme. It
// satisfies the gateway's credential-store collaborator contract.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{providers: make(map[string]Provider)}
}

// Register registers a provider for a scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// Resolve returns the secret a reference points at. References without a
// scheme pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	r.mu.RLock()
	p, found := r.providers[scheme]
	r.mu.RUnlock()
	if !found {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return p.Get(ctx, path)
}

// Close closes all registered providers.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for scheme, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CachedProvider decorates a Provider with a TTL cache. Credentials are
// resolved at provider registration, so the cache spares the backend when
// config reloads re-register providers sharing the same references.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

// NewCachedProvider wraps inner with the given TTL.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(ttl, ttl*2),
	}
}

// Get retrieves from the cache or delegates to the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, val, gocache.DefaultExpiration)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
