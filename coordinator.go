package switchboard

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/peregrinehq/switchboard/internal/accounting"
	"github.com/peregrinehq/switchboard/internal/admission"
	"github.com/peregrinehq/switchboard/internal/metrics"
	"github.com/peregrinehq/switchboard/internal/observability"
	"github.com/peregrinehq/switchboard/internal/registry"
	"github.com/peregrinehq/switchboard/internal/session"
	"github.com/peregrinehq/switchboard/internal/store"
	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

var errSubscriberGone = errors.New("subscriber closed")

// coordinator drives one request through its lifecycle: chat serialization,
// provider attempts with ordered fallback, event forwarding, and the
// exactly-once terminal sequence (optional Error, then Usage, then Done).
type coordinator struct {
	gw         *Gateway
	req        *types.ChatRequest
	rec        *session.Record
	resv       *admission.Reservation
	candidates []*registry.Candidate
	start      int
	sub        *Subscription
	ctx        context.Context

	promptTokens int
	output       strings.Builder
	usage        *types.UsageReport
	startedAt    time.Time
	finishOnce   sync.Once
}

func (c *coordinator) run() {
	defer c.gw.wg.Done()
	defer c.resv.Release()
	c.startedAt = time.Now()

	ctx, span := observability.StartSpan(c.ctx, "switchboard.request")
	span.SetAttributes(
		attribute.String("gateway.request_id", c.req.RequestID),
		attribute.String("gateway.model", c.req.Model),
	)
	c.ctx = ctx
	defer span.End()

	// One active request per chat. A second request for the same chat waits
	// here until the first reaches a terminal state.
	if err := c.gw.chats.Acquire(c.ctx, c.req.ChatID); err != nil {
		c.finish(types.StatusCancelled, gwerr.NewCancelled(c.req.RequestID))
		return
	}
	defer c.gw.chats.Release(c.req.ChatID)

	if last := c.req.Messages[len(c.req.Messages)-1]; last.Role == types.RoleUser {
		if err := c.gw.store.AppendMessage(c.ctx, store.TranscriptEntry{
			ChatID:    c.req.ChatID,
			RequestID: c.req.RequestID,
			Role:      last.Role,
			Text:      last.Text,
		}); err != nil {
			c.gw.logger.Warn("persist prompt failed",
				"request_id", c.req.RequestID, "error", err)
		}
	}

	var lastErr *gwerr.Error
	for i := c.start; i < len(c.candidates); i++ {
		cand := c.candidates[i]
		if i > c.start {
			c.rec.SetStatus(types.StatusRetrying)
			if err := c.resv.Move(c.ctx, cand.Descriptor.Name); err != nil {
				c.finish(types.StatusCancelled, gwerr.NewCancelled(c.req.RequestID))
				return
			}
		}
		c.rec.BeginAttempt(cand.Descriptor.Name)
		c.rec.SetStatus(types.StatusDispatching)

		gwErr := c.attempt(cand)
		if gwErr == nil {
			c.finish(types.StatusCompleted, nil)
			return
		}
		if c.ctx.Err() != nil || gwErr.Kind == gwerr.KindCancelled {
			c.finish(types.StatusCancelled, gwerr.NewCancelled(c.req.RequestID))
			return
		}

		lastErr = gwErr
		// Fallback is only legal before any output reached the caller.
		if gwErr.Retryable && !c.rec.HasEmittedToken() && i+1 < len(c.candidates) {
			metrics.RetriesTotal.WithLabelValues(cand.Descriptor.Name, string(gwErr.Kind)).Inc()
			c.gw.logger.Warn("provider attempt failed, falling over",
				"request_id", c.req.RequestID,
				"provider", cand.Descriptor.Name,
				"kind", string(gwErr.Kind),
				"error", gwErr.Message)
			continue
		}
		break
	}
	c.finish(types.StatusFailed, lastErr)
}

// attempt dispatches the request to one candidate and forwards its events.
// A nil return means the provider stream completed cleanly.
func (c *coordinator) attempt(cand *registry.Candidate) *gwerr.Error {
	d := cand.Descriptor
	attemptCtx, cancel := context.WithTimeout(c.ctx, d.Timeout)
	defer cancel()

	httpReq, err := cand.Adapter.BuildRequest(attemptCtx, c.req, d, d.APIKey)
	if err != nil {
		return asGatewayError(err, d.Name, c.req.Model)
	}

	attemptStart := time.Now()
	metrics.InFlight.WithLabelValues(d.Name).Inc()
	defer metrics.InFlight.WithLabelValues(d.Name).Dec()

	resp, err := c.gw.httpClient.Do(httpReq)
	if err != nil {
		if c.ctx.Err() != nil {
			return gwerr.NewCancelled(c.req.RequestID)
		}
		return gwerr.NewNetworkTimeout(d.Name, c.req.Model, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return cand.Adapter.MapError(resp.StatusCode, body)
	}

	c.rec.SetStatus(types.StatusStreaming)

	emit := c.emitter(d, attemptStart)
	if c.req.Stream && d.Framing != adapter.FramingJSON {
		// Cancellation closes the response body through the request context,
		// unblocking the decode within one read cycle.
		err = cand.Adapter.DecodeStream(resp.Body, emit)
	} else {
		var body []byte
		if body, err = io.ReadAll(resp.Body); err == nil {
			var events []types.Event
			if events, err = cand.Adapter.DecodeResponse(body); err == nil {
				for _, ev := range events {
					if err = emit(ev); err != nil {
						break
					}
				}
			}
		}
	}
	if err != nil {
		if c.ctx.Err() != nil || errors.Is(err, errSubscriberGone) {
			return gwerr.NewCancelled(c.req.RequestID)
		}
		return asGatewayError(err, d.Name, c.req.Model)
	}
	return nil
}

// emitter returns the adapter-facing emit callback. Token and tool-call
// events are forwarded with backpressure; usage is captured for the terminal
// sequence instead of being forwarded inline.
func (c *coordinator) emitter(d *adapter.Descriptor, attemptStart time.Time) func(types.Event) error {
	return func(ev types.Event) error {
		switch ev.Kind {
		case types.EventTokenDelta:
			if first := c.rec.MarkToken(len(ev.Text)); first {
				metrics.TimeToFirstToken.WithLabelValues(d.Name, c.req.Model).
					Observe(time.Since(attemptStart).Seconds())
			}
			c.output.WriteString(ev.Text)
			return c.deliver(ev)
		case types.EventToolCall:
			c.rec.MarkToken(0)
			return c.deliver(ev)
		case types.EventUsage:
			c.usage = ev.Usage
			return nil
		case types.EventError:
			if ev.Err != nil {
				return ev.Err
			}
			return errors.New("provider reported an unspecified stream error")
		default:
			return nil
		}
	}
}

func (c *coordinator) deliver(ev types.Event) error {
	select {
	case c.sub.ch <- ev:
		return nil
	case <-c.sub.closed:
		return errSubscriberGone
	case <-c.ctx.Done():
		return gwerr.NewCancelled(c.req.RequestID)
	}
}

// finish runs the terminal sequence exactly once: account usage, update
// quota and metrics, persist the transcript, then emit Error (if any),
// Usage, and Done before closing the stream.
func (c *coordinator) finish(status types.Status, gwErr *gwerr.Error) {
	c.finishOnce.Do(func() {
		c.rec.SetStatus(status)
		snap := c.rec.Snapshot()

		provider := snap.Provider
		if provider == "" {
			provider = c.resv.Provider()
		}
		var costTable adapter.CostTable
		for _, cand := range c.candidates {
			if cand.Descriptor.Name == provider {
				costTable = cand.Descriptor.Cost
				break
			}
		}

		usage := c.usage
		if status == types.StatusCancelled && !snap.HasEmittedToken {
			// Nothing reached the caller and the provider reported nothing:
			// the ledger entry is zero-cost.
			usage = &types.UsageReport{Estimated: true}
		}

		latency := time.Since(c.startedAt)
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec, _ := c.gw.accountant.Record(bg, accounting.Outcome{
			RequestID:    c.req.RequestID,
			UserID:       c.req.UserID,
			Provider:     provider,
			Model:        c.req.Model,
			Cost:         costTable,
			Usage:        usage,
			PromptTokens: c.promptTokens,
			OutputText:   c.output.String(),
			Latency:      latency,
			Success:      status == types.StatusCompleted,
		})
		// Input tokens were reserved at admission; only output is added here.
		c.gw.admission.AddTokens(bg, c.req.UserID, rec.OutputTokens)

		metrics.RequestsTotal.WithLabelValues(provider, c.req.Model, string(status)).Inc()
		metrics.RequestLatency.WithLabelValues(provider, c.req.Model).Observe(latency.Seconds())
		metrics.TokensTotal.WithLabelValues(provider, c.req.Model, "input").Add(float64(rec.InputTokens))
		metrics.TokensTotal.WithLabelValues(provider, c.req.Model, "output").Add(float64(rec.OutputTokens))
		metrics.CostDollarsTotal.WithLabelValues(provider, c.req.Model).Add(rec.Cost)

		if status == types.StatusCompleted && c.output.Len() > 0 {
			if err := c.gw.store.AppendMessage(bg, store.TranscriptEntry{
				ChatID:    c.req.ChatID,
				RequestID: c.req.RequestID,
				Role:      types.RoleAssistant,
				Text:      c.output.String(),
			}); err != nil {
				c.gw.logger.Warn("persist reply failed",
					"request_id", c.req.RequestID, "error", err)
			}
		}

		if gwErr != nil {
			c.send(types.ErrorEvent(gwErr))
		}
		c.send(types.Usage(rec.InputTokens, rec.OutputTokens, rec.Estimated))
		c.send(types.Done())
		close(c.sub.ch)
		c.gw.dropSubscription(c.req.RequestID)

		c.gw.logger.Info("request finished",
			"request_id", c.req.RequestID,
			"status", string(status),
			"provider", provider,
			"attempts", snap.Attempt,
			"latency_ms", latency.Milliseconds(),
			"cost_micros", rec.CostMicros)
	})
}

// send delivers a terminal event, giving up only if the subscriber closed.
func (c *coordinator) send(ev types.Event) {
	select {
	case c.sub.ch <- ev:
	case <-c.sub.closed:
	}
}

func asGatewayError(err error, provider, model string) *gwerr.Error {
	var ge *gwerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return gwerr.NewServerError(provider, model, err.Error())
}
