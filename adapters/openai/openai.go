// Package openai implements the adapter for OpenAI-compatible chat
// completion APIs. It is the reference adapter: SSE framing, bearer auth.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

const (
	// AdapterName is the registry identifier for this adapter.
	AdapterName = "openai"

	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// Adapter implements adapter.Adapter for the OpenAI wire format.
type Adapter struct{}

// New creates an OpenAI adapter.
func New() *Adapter {
	return &Adapter{}
}

// Name returns the adapter type identifier.
func (a *Adapter) Name() string {
	return AdapterName
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model         string                     `json:"model"`
	Messages      []wireMessage              `json:"messages"`
	MaxTokens     int                        `json:"max_tokens,omitempty"`
	Temperature   *float64                   `json:"temperature,omitempty"`
	TopP          *float64                   `json:"top_p,omitempty"`
	Stream        bool                       `json:"stream,omitempty"`
	StreamOptions *wireStreamOptions         `json:"stream_options,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// MarshalJSON merges Extra passthrough fields without overriding set fields.
func (r wireRequest) MarshalJSON() ([]byte, error) {
	type alias wireRequest
	base, err := json.Marshal(alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return json.Marshal(payload)
}

// BuildRequest translates the unified request into an OpenAI HTTP request.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest, d *adapter.Descriptor, apiKey string) (*http.Request, error) {
	wire := wireRequest{
		Model:       d.UpstreamModel(req.Model),
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Extra:       req.Extra,
	}
	if req.Stream {
		wire.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		if len(m.Attachments) > 0 {
			return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "attachments are not supported by this provider")
		}
		wire.Messages = append(wire.Messages, wireMessage{
			Role:       string(m.Role),
			Content:    m.Text,
			ToolCallID: m.ToolCallID,
		})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(d.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	attachAuth(httpReq, d, apiKey)
	for k, v := range d.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

func attachAuth(req *http.Request, d *adapter.Descriptor, apiKey string) {
	switch d.AuthScheme {
	case adapter.AuthHeader:
		header := d.AuthHeader
		if header == "" {
			header = "api-key"
		}
		req.Header.Set(header, apiKey)
	default:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// DecodeStream decodes the SSE stream into normalized events. A usage chunk,
// when the provider sends one, becomes a single Usage event.
func (a *Adapter) DecodeStream(r io.Reader, emit func(types.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 4096*16)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte(ssePrefix)) {
			// Comments and event lines carry no payload in this dialect.
			continue
		}
		data := bytes.TrimPrefix(line, []byte(ssePrefix))
		if bytes.Equal(data, []byte(sseDone)) {
			return nil
		}

		var chunk wireChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Keep-alive or unparseable frame; preserve stream order by
			// skipping rather than failing mid-generation.
			continue
		}
		if err := emitChunk(&chunk, emit); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func emitChunk(chunk *wireChunk, emit func(types.Event) error) error {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if err := emit(types.Token(choice.Delta.Content)); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Function.Name == "" && tc.Function.Arguments == "" {
				continue
			}
			if err := emit(types.ToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)); err != nil {
				return err
			}
		}
	}
	if chunk.Usage != nil {
		return emit(types.Usage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, false))
	}
	return nil
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// DecodeResponse normalizes a non-streaming completion body.
func (a *Adapter) DecodeResponse(body []byte) ([]types.Event, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var events []types.Event
	for _, choice := range resp.Choices {
		if choice.Message.Content != "" {
			events = append(events, types.Token(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			events = append(events, types.ToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
		}
	}
	if resp.Usage != nil {
		events = append(events, types.Usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, false))
	}
	return events, nil
}

// MapError classifies an OpenAI error reply.
func (a *Adapter) MapError(statusCode int, body []byte) *gwerr.Error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerr.NewAuthError(AdapterName, "", message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return gwerr.NewInvalidRequest(AdapterName, "", message)
	case http.StatusNotFound:
		return gwerr.NewInvalidRequest(AdapterName, "", message)
	case http.StatusTooManyRequests:
		return gwerr.NewRateLimited(AdapterName, "", message, 0)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerr.NewNetworkTimeout(AdapterName, "", message)
	default:
		if statusCode >= 500 {
			return gwerr.NewServerError(AdapterName, "", message)
		}
		return gwerr.NewInvalidRequest(AdapterName, "", message)
	}
}
