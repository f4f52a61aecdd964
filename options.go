package switchboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/peregrinehq/switchboard/internal/admission"
	"github.com/peregrinehq/switchboard/internal/secret"
	"github.com/peregrinehq/switchboard/internal/store"
)

// Option configures the gateway at construction time.
type Option func(*Gateway)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithHTTPClient sets the client used for provider dispatch. The default
// client carries no global timeout; per-attempt deadlines come from each
// provider descriptor.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithQuotaStore sets the per-user quota backend. Defaults to the in-memory
// store; use the Redis store when several gateway instances share quotas.
func WithQuotaStore(qs admission.QuotaStore) Option {
	return func(g *Gateway) {
		g.quotaStore = qs
	}
}

// WithQuotaLimits sets the per-user rolling-window limits. Zero limits admit
// everything.
func WithQuotaLimits(limits admission.Limits) Option {
	return func(g *Gateway) {
		g.limits = limits
	}
}

// WithStore sets the durable store for usage records and transcripts.
// Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

// WithSecretResolver sets the resolver for provider API key references such
// as "env://OPENAI_API_KEY". Without one, descriptor keys are taken as
// literal values.
func WithSecretResolver(r *secret.Resolver) Option {
	return func(g *Gateway) {
		g.secrets = r
	}
}

// WithSessionRetention sets how long terminal request records stay
// queryable before the sweeper evicts them.
func WithSessionRetention(retention time.Duration) Option {
	return func(g *Gateway) {
		g.sessionRetention = retention
	}
}

// WithEventBuffer sets the subscription channel capacity. The default is
// zero: every event delivery blocks until the caller receives it, which is
// what propagates backpressure into the provider stream decode.
func WithEventBuffer(n int) Option {
	return func(g *Gateway) {
		if n >= 0 {
			g.eventBuffer = n
		}
	}
}
