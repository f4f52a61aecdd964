// Package ollama implements the adapter for Ollama's chat API, which frames
// its stream as newline-delimited JSON objects rather than SSE.
package ollama

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

// AdapterName is the registry identifier for this adapter.
const AdapterName = "ollama"

// Adapter implements adapter.Adapter for the Ollama chat API.
type Adapter struct{}

// New creates an Ollama adapter.
func New() *Adapter {
	return &Adapter{}
}

// Name returns the adapter type identifier.
func (a *Adapter) Name() string {
	return AdapterName
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

// BuildRequest translates the unified request into an Ollama chat request.
// Ollama runs locally and takes no credentials; apiKey is ignored.
func (a *Adapter) BuildRequest(ctx context.Context, req *types.ChatRequest, d *adapter.Descriptor, apiKey string) (*http.Request, error) {
	if len(req.Extra) > 0 {
		return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "passthrough parameters are not supported by this provider")
	}

	wire := wireRequest{
		Model:    d.UpstreamModel(req.Model),
		Messages: make([]wireMessage, 0, len(req.Messages)),
		Stream:   req.Stream,
	}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil {
		wire.Options = &wireOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}
	}

	for _, m := range req.Messages {
		if len(m.Attachments) > 0 {
			return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "attachments are not supported by this provider")
		}
		if m.Role == types.RoleTool {
			return nil, gwerr.NewInvalidRequest(d.Name, req.Model, "tool messages are not supported by this provider")
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: string(m.Role), Content: m.Text})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(d.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

type wireChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// DecodeStream decodes the NDJSON stream. The final object carries done=true
// together with prompt_eval_count/eval_count, which become the Usage event.
func (a *Adapter) DecodeStream(r io.Reader, emit func(types.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 4096*16)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return gwerr.NewServerError(AdapterName, "", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := emit(types.Token(chunk.Message.Content)); err != nil {
				return err
			}
		}
		if chunk.Done {
			return emit(types.Usage(chunk.PromptEvalCount, chunk.EvalCount, false))
		}
	}
	return scanner.Err()
}

// DecodeResponse normalizes a non-streaming chat body, which has the same
// shape as the terminal stream object.
func (a *Adapter) DecodeResponse(body []byte) ([]types.Event, error) {
	var chunk wireChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if chunk.Error != "" {
		return nil, gwerr.NewServerError(AdapterName, "", chunk.Error)
	}

	var events []types.Event
	if chunk.Message.Content != "" {
		events = append(events, types.Token(chunk.Message.Content))
	}
	events = append(events, types.Usage(chunk.PromptEvalCount, chunk.EvalCount, false))
	return events, nil
}

// MapError classifies an Ollama error reply.
func (a *Adapter) MapError(statusCode int, body []byte) *gwerr.Error {
	var errResp struct {
		Error string `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}

	switch statusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		return gwerr.NewInvalidRequest(AdapterName, "", message)
	case http.StatusTooManyRequests:
		return gwerr.NewRateLimited(AdapterName, "", message, 0)
	default:
		if statusCode >= 500 {
			return gwerr.NewServerError(AdapterName, "", message)
		}
		return gwerr.NewInvalidRequest(AdapterName, "", message)
	}
}
