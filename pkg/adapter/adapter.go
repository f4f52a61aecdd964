// Package adapter defines the public contract every provider adapter
// implements: translating the unified request into one provider's wire
// format and normalizing that provider's reply into the common event
// vocabulary.
package adapter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

// Framing identifies how a provider frames its streaming response.
type Framing string

const (
	// FramingSSE is text/event-stream "data:" chunking (OpenAI style).
	FramingSSE Framing = "sse"
	// FramingNDJSON is newline-delimited JSON objects (Ollama style).
	FramingNDJSON Framing = "ndjson"
	// FramingJSON is a single terminal JSON body, no incremental chunks.
	FramingJSON Framing = "json"
)

// AuthScheme identifies how the API credential is attached to requests.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: Bearer <key>".
	AuthBearer AuthScheme = "bearer"
	// AuthHeader sends the key in a provider-named header.
	AuthHeader AuthScheme = "header"
)

// CostTable holds per-1K-token prices in USD.
type CostTable struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Descriptor is the externally supplied configuration for one provider.
// Everything provider-specific that is data rather than logic lives here.
type Descriptor struct {
	Name       string            `yaml:"name" json:"name"`
	Type       string            `yaml:"type" json:"type"`
	BaseURL    string            `yaml:"base_url" json:"base_url"`
	AuthScheme AuthScheme        `yaml:"auth_scheme" json:"auth_scheme"`
	AuthHeader string            `yaml:"auth_header,omitempty" json:"auth_header,omitempty"`
	APIKey     string            `yaml:"api_key" json:"-"`
	Models     []string          `yaml:"models" json:"models"`
	ModelMap   map[string]string `yaml:"model_map,omitempty" json:"model_map,omitempty"`
	Cost       CostTable         `yaml:"cost" json:"cost"`
	// MaxConcurrent is the admission ceiling for simultaneous dispatches.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// DispatchRPS throttles dispatches per second; zero means unlimited.
	DispatchRPS float64           `yaml:"dispatch_rps,omitempty" json:"dispatch_rps,omitempty"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`
	Framing     Framing           `yaml:"framing" json:"framing"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// UpstreamModel maps a requested alias to the provider's model name.
func (d *Descriptor) UpstreamModel(alias string) string {
	if d.ModelMap != nil {
		if m, ok := d.ModelMap[alias]; ok {
			return m
		}
	}
	return alias
}

// Serves reports whether the descriptor lists the given model alias.
func (d *Descriptor) Serves(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Adapter translates between the unified protocol and one provider's wire
// format. Implementations are stateless and safe for concurrent use; all
// per-request state lives in the coordinator.
type Adapter interface {
	// Name returns the adapter type identifier (e.g. "openai").
	Name() string

	// BuildRequest translates the unified request into a provider HTTP
	// request. It is a pure mapping: it must return an InvalidRequest error
	// when the request uses a feature the provider cannot express, and must
	// not perform I/O.
	BuildRequest(ctx context.Context, req *types.ChatRequest, d *Descriptor, apiKey string) (*http.Request, error)

	// DecodeStream reads the provider's streaming body and emits normalized
	// events in generation order. It returns when the stream ends, when the
	// body errors (cancellation closes it within one read cycle), or when
	// emit returns an error. Adapters emit TokenDelta, ToolCall, and at most
	// one Usage; Done belongs to the coordinator.
	DecodeStream(r io.Reader, emit func(types.Event) error) error

	// DecodeResponse normalizes a single terminal JSON body into events, for
	// providers (or requests) that do not stream.
	DecodeResponse(body []byte) ([]types.Event, error)

	// MapError classifies a non-2xx provider reply. Authentication and
	// malformed-request failures are never retryable; rate limits and
	// transient server failures are.
	MapError(statusCode int, body []byte) *gwerr.Error
}

// Factory creates an adapter for a descriptor type.
type Factory func() Adapter
