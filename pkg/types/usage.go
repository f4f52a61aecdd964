package types

import "time"

// UsageRecord is the immutable accounting entry produced exactly once per
// request, whatever its outcome. CostMicros is fixed-point currency in
// millionths of a dollar; Cost is the same value as a float for display.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostMicros   int64     `json:"cost_micros"`
	Cost         float64   `json:"cost"`
	Estimated    bool      `json:"estimated"`
	LatencyMS    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}
