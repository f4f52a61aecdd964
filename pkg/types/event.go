package types

import "github.com/peregrinehq/switchboard/pkg/gwerr"

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	// EventTokenDelta carries an incremental fragment of generated text.
	EventTokenDelta EventKind = "token_delta"
	// EventToolCall carries a tool invocation requested by the model.
	EventToolCall EventKind = "tool_call"
	// EventUsage carries token accounting. Emitted exactly once per request,
	// immediately before Done.
	EventUsage EventKind = "usage"
	// EventError carries the terminal failure for a request. At most one per
	// request, before Done.
	EventError EventKind = "error"
	// EventDone terminates every request stream, exactly once, regardless of
	// success, failure, or cancellation.
	EventDone EventKind = "done"
)

// ToolCallRequest is a tool invocation surfaced by a provider.
type ToolCallRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// UsageReport carries token counts for a request. Estimated is set when the
// provider supplied no counts and the gateway synthesized them.
type UsageReport struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated"`
}

// Event is the normalized event vocabulary every adapter produces. Exactly
// one of the variant fields is set, according to Kind.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
	Usage    *UsageReport     `json:"usage,omitempty"`
	Err      *gwerr.Error     `json:"error,omitempty"`
}

// Token builds a TokenDelta event.
func Token(text string) Event {
	return Event{Kind: EventTokenDelta, Text: text}
}

// ToolCall builds a tool-call event.
func ToolCall(id, name, args string) Event {
	return Event{Kind: EventToolCall, ToolCall: &ToolCallRequest{ID: id, Name: name, Args: args}}
}

// Usage builds a usage event.
func Usage(input, output int, estimated bool) Event {
	return Event{Kind: EventUsage, Usage: &UsageReport{
		InputTokens:  input,
		OutputTokens: output,
		Estimated:    estimated,
	}}
}

// ErrorEvent builds an error event.
func ErrorEvent(err *gwerr.Error) Event {
	return Event{Kind: EventError, Err: err}
}

// Done builds the terminal event.
func Done() Event {
	return Event{Kind: EventDone}
}
