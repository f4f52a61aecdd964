// Package anthropic implements the adapter for Anthropic's Messages API.
// It translates between the unified request and the messages wire format and
// decodes Anthropic's event/data SSE framing.
package anthropic

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
	AdapterName = "anthropic"

	// DefaultAPIVersion is sent in the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the caller sets no limit; the Messages
	// API requires max_tokens.
	DefaultMaxTokens = 4096
)

// Adapter implements adapter.Adapter for the Anthropic Messages API.
type Adapter struct {
	apiVersion string
}

// New creates an Anthropic adapter.
func New() *Adapter {
	return &Adapter{apiVersion: DefaultAPIVersion}
}

// Name returns the adapter type identifier.
func (a *Adapter) Name() string {
	return AdapterName
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// BuildRequest translates the unified request into a Messages API request.
// System messages fold into the system field; tool-role messages become
// tool_result blocks.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest, d *adapter.Descriptor, apiKey string) (*http.Request, error) {
	if len(req.Extra) > 0 {
		return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "passthrough parameters are not supported by this provider")
	}

	wire := wireRequest{
		Model:       d.UpstreamModel(req.Model),
		MaxTokens:   DefaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = req.MaxTokens
	}

	var system strings.Builder
	for _, m := range req.Messages {
		if len(m.Attachments) > 0 {
			return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "attachments are not supported by this provider")
		}
		switch m.Role {
		case types.RoleSystem:
			system.WriteString(m.Text)
		case types.RoleTool:
			wire.Messages = append(wire.Messages, wireMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text,
				}},
			})
		default:
			wire.Messages = append(wire.Messages, wireMessage{
				Role:    string(m.Role),
				Content: m.Text,
			})
		}
	}
	wire.System = system.String()

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(d.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	header := d.AuthHeader
	if header == "" {
		header = "x-api-key"
	}
	if d.AuthScheme == adapter.AuthBearer {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		httpReq.Header.Set(header, apiKey)
	}
	for k, v := range d.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage wireUsage `json:"usage"`
	} `json:"message"`
	Usage wireUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeStream decodes Anthropic's SSE framing. Input tokens arrive on
// message_start, output tokens on the final message_delta; the two are
// combined into a single Usage event at stream end.
func (a *Adapter) DecodeStream(r io.Reader, emit func(types.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 4096*16)

	var (
		inputTokens  int
		outputTokens int
		sawUsage     bool
		toolID       string
		toolName     string
		toolArgs     strings.Builder
		inToolBlock  bool
	)

	flushTool := func() error {
		if !inToolBlock {
			return nil
		}
		inToolBlock = false
		args := toolArgs.String()
		toolArgs.Reset()
		return emit(types.ToolCall(toolID, toolName, args))
	}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte("event:")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			inputTokens = ev.Message.Usage.InputTokens
			sawUsage = true

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				inToolBlock = true
				toolID = ev.ContentBlock.ID
				toolName = ev.ContentBlock.Name
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					if err := emit(types.Token(ev.Delta.Text)); err != nil {
						return err
					}
				}
			case "input_json_delta":
				toolArgs.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			if err := flushTool(); err != nil {
				return err
			}

		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				outputTokens = ev.Usage.OutputTokens
				sawUsage = true
			}

		case "message_stop":
			if err := flushTool(); err != nil {
				return err
			}
			if sawUsage {
				return emit(types.Usage(inputTokens, outputTokens, false))
			}
			return nil

		case "error":
			return a.streamError(ev.Error.Type, ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Stream ended without message_stop; surface whatever usage was seen.
	if sawUsage {
		return emit(types.Usage(inputTokens, outputTokens, false))
	}
	return nil
}

func (a *Adapter) streamError(errType, message string) *gwerr.Error {
	switch errType {
	case "overloaded_error":
		return gwerr.NewServerError(AdapterName, "", message)
	case "rate_limit_error":
		return gwerr.NewRateLimited(AdapterName, "", message, 0)
	default:
		return gwerr.NewServerError(AdapterName, "", message)
	}
}

type wireResponse struct {
	Content []struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input any    `json:"input"`
	} `json:"content"`
	Usage wireUsage `json:"usage"`
}

// DecodeResponse normalizes a non-streaming Messages API body.
func (a *Adapter) DecodeResponse(body []byte) ([]types.Event, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var events []types.Event
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, types.Token(block.Text))
			}
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			events = append(events, types.ToolCall(block.ID, block.Name, string(args)))
		}
	}
	events = append(events, types.Usage(resp.Usage.InputTokens, resp.Usage.OutputTokens, false))
	return events, nil
}

// MapError classifies an Anthropic error reply.
func (a *Adapter) MapError(statusCode int, body []byte) *gwerr.Error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
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
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
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
