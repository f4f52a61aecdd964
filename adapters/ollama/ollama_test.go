package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

func testDescriptor() *adapter.Descriptor {
	return &adapter.Descriptor{
		Name:    "ollama-local",
		Type:    AdapterName,
		BaseURL: "http://localhost:11434",
		Models:  []string{"llama3"},
	}
}

func TestBuildRequest(t *testing.T) {
	temp := 0.2
	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "llama3", Stream: true,
		Messages:    []types.Message{{Role: types.RoleUser, Text: "hi"}},
		MaxTokens:   64,
		Temperature: &temp,
	}
	httpReq, err := New().BuildRequest(context.Background(), req, testDescriptor(), "")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434/api/chat", httpReq.URL.String())
	// No credentials for a local daemon.
	assert.Empty(t, httpReq.Header.Get("Authorization"))

	body, _ := io.ReadAll(httpReq.Body)
	assert.Contains(t, string(body), `"num_predict":64`)
}

func TestBuildRequestRejectsToolMessages(t *testing.T) {
	req := &types.ChatRequest{
		UserID: "u1", ChatID: "c1", Model: "llama3",
		Messages: []types.Message{{Role: types.RoleTool, Text: "{}", ToolCallID: "t1"}},
	}
	_, err := New().BuildRequest(context.Background(), req, testDescriptor(), "")
	require.Error(t, err)
	ge, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindInvalidRequest, ge.Kind)
}

func TestDecodeStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"message":{"content":"Good"},"done":false}`,
		`{"message":{"content":" day"},"done":false}`,
		`{"message":{"content":""},"done":true,"prompt_eval_count":9,"eval_count":2}`,
	}, "\n")

	var events []types.Event
	err := New().DecodeStream(strings.NewReader(stream), func(ev types.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, "Good", events[0].Text)
	assert.Equal(t, " day", events[1].Text)
	assert.Equal(t, types.EventUsage, events[2].Kind)
	assert.Equal(t, 9, events[2].Usage.InputTokens)
	assert.Equal(t, 2, events[2].Usage.OutputTokens)
}

func TestDecodeStreamError(t *testing.T) {
	err := New().DecodeStream(strings.NewReader(`{"error":"model not loaded"}`), func(types.Event) error {
		t.Fatal("no events expected")
		return nil
	})
	require.Error(t, err)
	ge, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindServer, ge.Kind)
}

func TestDecodeResponse(t *testing.T) {
	body := `{"message":{"content":"Good day"},"done":true,"prompt_eval_count":9,"eval_count":2}`
	events, err := New().DecodeResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Good day", events[0].Text)
	assert.Equal(t, types.EventUsage, events[1].Kind)
}

func TestMapError(t *testing.T) {
	a := New()
	assert.Equal(t, gwerr.KindInvalidRequest, a.MapError(http.StatusNotFound, []byte(`{"error":"no such model"}`)).Kind)
	assert.Equal(t, gwerr.KindServer, a.MapError(http.StatusInternalServerError, nil).Kind)
}
