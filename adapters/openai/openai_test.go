package openai

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

func testDescriptor() *adapter.Descriptor {
	return &adapter.Descriptor{
		Name:    "openai-test",
		Type:    AdapterName,
		BaseURL: "https://api.example.com/v1",
		Models:  []string{"gpt-4o"},
	}
}

func TestBuildRequest(t *testing.T) {
	a := New()
	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "gpt-4o", Stream: true,
		Messages: []types.Message{
			{Role: types.RoleSystem, Text: "be brief"},
			{Role: types.RoleUser, Text: "hello"},
		},
		MaxTokens: 128,
	}

	httpReq, err := a.BuildRequest(context.Background(), req, testDescriptor(), "sk-test")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, httpReq.Method)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-test", httpReq.Header.Get("Authorization"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "gpt-4o", wire["model"])
	assert.Equal(t, true, wire["stream"])
	assert.Len(t, wire["messages"], 2)
	// Streaming requests ask the provider to include usage.
	require.Contains(t, wire, "stream_options")
}

func TestBuildRequestModelMap(t *testing.T) {
	d := testDescriptor()
	d.ModelMap = map[string]string{"gpt-4o": "gpt-4o-2024-11-20"}

	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Text: "hi"}},
	}
	httpReq, err := New().BuildRequest(context.Background(), req, d, "k")
	require.NoError(t, err)

	body, _ := io.ReadAll(httpReq.Body)
	assert.Contains(t, string(body), "gpt-4o-2024-11-20")
}

func TestBuildRequestHeaderAuth(t *testing.T) {
	d := testDescriptor()
	d.AuthScheme = adapter.AuthHeader
	d.AuthHeader = "api-key"

	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Text: "hi"}},
	}
	httpReq, err := New().BuildRequest(context.Background(), req, d, "secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", httpReq.Header.Get("api-key"))
	assert.Empty(t, httpReq.Header.Get("Authorization"))
}

func TestBuildRequestExtraPassthrough(t *testing.T) {
	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Text: "hi"}},
		Extra: map[string]json.RawMessage{
			"seed": json.RawMessage(`42`),
			// Extra must not override fields set by the translation.
			"model": json.RawMessage(`"evil"`),
		},
	}
	httpReq, err := New().BuildRequest(context.Background(), req, testDescriptor(), "k")
	require.NoError(t, err)

	body, _ := io.ReadAll(httpReq.Body)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, float64(42), wire["seed"])
	assert.Equal(t, "gpt-4o", wire["model"])
}

func TestBuildRequestRejectsAttachments(t *testing.T) {
	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "gpt-4o",
		Messages: []types.Message{{Role: types.RoleUser, Text: "hi", Attachments: []string{"file://x"}}},
	}
	_, err := New().BuildRequest(context.Background(), req, testDescriptor(), "k")
	require.Error(t, err)

	ge, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindInvalidRequest, ge.Kind)
	assert.False(t, ge.Retryable)
}

func TestDecodeStream(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`: keep-alive comment`,
		`data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	var events []types.Event
	err := New().DecodeStream(strings.NewReader(stream), func(ev types.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, types.EventTokenDelta, events[0].Kind)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, types.EventUsage, events[2].Kind)
	assert.Equal(t, 10, events[2].Usage.InputTokens)
	assert.Equal(t, 2, events[2].Usage.OutputTokens)
	assert.False(t, events[2].Usage.Estimated)
}

func TestDecodeStreamToolCall(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}]}}]}`,
		`data: [DONE]`,
	}, "\n")

	var events []types.Event
	err := New().DecodeStream(strings.NewReader(stream), func(ev types.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventToolCall, events[0].Kind)
	assert.Equal(t, "call_1", events[0].ToolCall.ID)
	assert.Equal(t, "get_weather", events[0].ToolCall.Name)
}

func TestDecodeStreamEmitErrorStops(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	}, "\n")

	sentinel := io.ErrClosedPipe
	count := 0
	err := New().DecodeStream(strings.NewReader(stream), func(types.Event) error {
		count++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, count)
}

func TestDecodeResponse(t *testing.T) {
	body := `{"choices":[{"message":{"content":"Hello there"}}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`
	events, err := New().DecodeResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Hello there", events[0].Text)
	assert.Equal(t, types.EventUsage, events[1].Kind)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		status    int
		kind      gwerr.Kind
		retryable bool
	}{
		{http.StatusUnauthorized, gwerr.KindAuth, false},
		{http.StatusBadRequest, gwerr.KindInvalidRequest, false},
		{http.StatusTooManyRequests, gwerr.KindRateLimited, true},
		{http.StatusGatewayTimeout, gwerr.KindNetworkTimeout, true},
		{http.StatusInternalServerError, gwerr.KindServer, true},
		{http.StatusBadGateway, gwerr.KindServer, true},
	}
	a := New()
	for _, tc := range tests {
		ge := a.MapError(tc.status, []byte(`{"error":{"message":"boom"}}`))
		assert.Equal(t, tc.kind, ge.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, ge.Retryable, "status %d", tc.status)
		assert.Equal(t, "boom", ge.Message)
	}
}
