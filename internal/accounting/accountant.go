// Package accounting turns terminal usage data into cost ledger entries.
// Exactly one UsageRecord is appended per request ID, whatever the outcome.
package accounting

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/peregrinehq/switchboard/internal/tokenizer"
	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/types"
)

// Sink receives finished usage records. The persistence store implements it.
type Sink interface {
	AppendUsage(ctx context.Context, rec types.UsageRecord) error
}

// CostMicros computes the ledger cost in millionths of a dollar:
// in/1000*rate_in + out/1000*rate_out, rounded half away from zero to six
// decimal places of currency.
func CostMicros(table adapter.CostTable, inputTokens, outputTokens int) int64 {
	cost := float64(inputTokens)/1000.0*table.InputPer1K +
		float64(outputTokens)/1000.0*table.OutputPer1K
	return int64(math.Round(cost * 1e6))
}

// Accountant builds and appends usage records. It defends the exactly-once
// invariant with a seen-set pruned on a retention timer.
type Accountant struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	retention time.Duration
}

// New creates an accountant writing to sink.
func New(sink Sink, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{
		sink:      sink,
		logger:    logger,
		seen:      make(map[string]time.Time),
		retention: 10 * time.Minute,
	}
}

// Outcome is everything the accountant needs about a finished request.
type Outcome struct {
	RequestID string
	UserID    string
	Provider  string
	Model     string
	Cost      adapter.CostTable

	// Usage as reported by the terminal attempt; nil when the provider
	// supplied no counts.
	Usage *types.UsageReport

	// PromptTokens and OutputText back the deterministic estimate used when
	// Usage is nil.
	PromptTokens int
	OutputText   string

	Latency time.Duration
	Success bool
}

// Record builds the ledger entry for a terminal request and appends it.
// Duplicate request IDs are dropped, keeping the ledger exactly-once even if
// a caller misbehaves.
func (a *Accountant) Record(ctx context.Context, o Outcome) (types.UsageRecord, bool) {
	a.mu.Lock()
	if _, dup := a.seen[o.RequestID]; dup {
		a.mu.Unlock()
		a.logger.Warn("duplicate usage record dropped", "request_id", o.RequestID)
		return types.UsageRecord{}, false
	}
	a.seen[o.RequestID] = time.Now()
	a.pruneLocked()
	a.mu.Unlock()

	rec := a.build(o)
	if err := a.sink.AppendUsage(ctx, rec); err != nil {
		a.logger.Error("append usage failed", "request_id", o.RequestID, "error", err)
	}
	return rec, true
}

func (a *Accountant) build(o Outcome) types.UsageRecord {
	var (
		input, output int
		estimated     bool
	)
	if o.Usage != nil {
		input = o.Usage.InputTokens
		output = o.Usage.OutputTokens
		estimated = o.Usage.Estimated
	} else {
		// Provider reported nothing: estimate deterministically. Output
		// tokens come from tokenizing the accumulated output text (ceil of
		// length/4 when no encoding is available); input tokens from the
		// prompt estimate made at admission.
		input = o.PromptTokens
		output = tokenizer.CountTextTokens(o.Model, o.OutputText)
		estimated = true
	}

	micros := CostMicros(o.Cost, input, output)
	return types.UsageRecord{
		RequestID:    o.RequestID,
		UserID:       o.UserID,
		Provider:     o.Provider,
		Model:        o.Model,
		InputTokens:  input,
		OutputTokens: output,
		CostMicros:   micros,
		Cost:         float64(micros) / 1e6,
		Estimated:    estimated,
		LatencyMS:    o.Latency.Milliseconds(),
		Success:      o.Success,
		Timestamp:    time.Now().UTC(),
	}
}

func (a *Accountant) pruneLocked() {
	cutoff := time.Now().Add(-a.retention)
	for id, at := range a.seen {
		if at.Before(cutoff) {
			delete(a.seen, id)
		}
	}
}
