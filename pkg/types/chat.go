// Package types defines the provider-agnostic data model shared by the
// gateway, its adapters, and its callers.
package types

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

var (
	errNilRequest = errors.New("request is nil")
	errNoModel    = errors.New("model is required")
	errNoMessages = errors.New("messages is required")
	errNoUser     = errors.New("user_id is required")
	errNoChat     = errors.New("chat_id is required")
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn.
type Message struct {
	Role        Role     `json:"role"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatRequest is the unified completion request. Adapters translate it into
// each provider's wire format; it carries no provider-specific fields.
type ChatRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`

	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	// Extra holds passthrough parameters for providers that accept them.
	// Adapters that cannot express a given key must reject the request.
	Extra map[string]json.RawMessage `json:"-"`
}

// Validate reports whether the request carries the minimum required fields.
func (r *ChatRequest) Validate() error {
	switch {
	case r == nil:
		return errNilRequest
	case r.Model == "":
		return errNoModel
	case len(r.Messages) == 0:
		return errNoMessages
	case r.UserID == "":
		return errNoUser
	case r.ChatID == "":
		return errNoChat
	}
	return nil
}

// Status is the lifecycle state of an in-flight request.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusStreaming   Status = "streaming"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the request holds the per-chat serialization slot.
func (s Status) Active() bool {
	switch s {
	case StatusDispatching, StatusStreaming, StatusRetrying:
		return true
	}
	return false
}

// Snapshot is a point-in-time view of an in-flight request, as returned by
// session lookups. It is a copy; mutating it has no effect.
type Snapshot struct {
	RequestID       string    `json:"request_id"`
	ChatID          string    `json:"chat_id"`
	UserID          string    `json:"user_id"`
	Model           string    `json:"model"`
	Status          Status    `json:"status"`
	Attempt         int       `json:"attempt"`
	Provider        string    `json:"provider,omitempty"`
	HasEmittedToken bool      `json:"has_emitted_token"`
	OutputLength    int       `json:"output_length"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}
