package switchboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/switchboard/internal/admission"
	"github.com/peregrinehq/switchboard/internal/store"
	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

// sseServer fakes an OpenAI-compatible streaming endpoint.
func sseServer(t *testing.T, hits *atomic.Int32, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func tokenChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func usageChunk(in, out int) string {
	return fmt.Sprintf(`{"choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, in, out)
}

func testDescriptor(name, baseURL string) *adapter.Descriptor {
	return &adapter.Descriptor{
		Name:    name,
		Type:    "openai",
		BaseURL: baseURL,
		APIKey:  "sk-test",
		Models:  []string{"test-model"},
		Cost:    adapter.CostTable{InputPer1K: 0.01, OutputPer1K: 0.03},
		Timeout: 5 * time.Second,
	}
}

func newTestGateway(t *testing.T, st store.Store, limits admission.Limits, descs ...*adapter.Descriptor) *Gateway {
	t.Helper()
	gw, err := New(WithStore(st), WithQuotaLimits(limits))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
	})
	for _, d := range descs {
		require.NoError(t, gw.RegisterProvider(context.Background(), d))
	}
	return gw
}

func chatRequest(chatID string) *types.ChatRequest {
	return &types.ChatRequest{
		UserID:   "u1",
		ChatID:   chatID,
		Model:    "test-model",
		Stream:   true,
		Messages: []types.Message{{Role: types.RoleUser, Text: "hello"}},
	}
}

// drain consumes the subscription until EOF.
func drain(t *testing.T, sub *Subscription) []types.Event {
	t.Helper()
	var events []types.Event
	for {
		ev, err := sub.Recv()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func concatTokens(events []types.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == types.EventTokenDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestStreamingRequestEndToEnd(t *testing.T) {
	srv := sseServer(t, nil, tokenChunk("Hel"), tokenChunk("lo "), tokenChunk("world"), usageChunk(1000, 500))
	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{}, testDescriptor("primary", srv.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	events := drain(t, sub)
	assert.Equal(t, "Hello world", concatTokens(events))

	// The stream ends with exactly one Usage followed by exactly one Done.
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, types.EventUsage, events[len(events)-2].Kind)
	assert.Equal(t, types.EventDone, events[len(events)-1].Kind)
	usageEvents := 0
	for _, ev := range events {
		if ev.Kind == types.EventUsage {
			usageEvents++
		}
	}
	assert.Equal(t, 1, usageEvents)

	records, err := st.UsageForUser(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "primary", rec.Provider)
	assert.Equal(t, 1000, rec.InputTokens)
	assert.Equal(t, 500, rec.OutputTokens)
	assert.False(t, rec.Estimated)
	assert.Equal(t, int64(25000), rec.CostMicros)
	assert.Equal(t, 0.025, rec.Cost)
	assert.True(t, rec.Success)

	snap, ok := gw.Status(sub.RequestID())
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, snap.Status)

	// Completed exchanges are persisted: prompt and reply.
	entries := st.Transcript("chat-1")
	require.Len(t, entries, 2)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, "Hello world", entries[1].Text)
}

func TestFallbackToSecondProvider(t *testing.T) {
	var primaryHits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
	}))
	t.Cleanup(failing.Close)
	healthy := sseServer(t, nil, tokenChunk("from "), tokenChunk("backup"), usageChunk(10, 2))

	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{},
		testDescriptor("primary", failing.URL),
		testDescriptor("backup", healthy.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	events := drain(t, sub)
	// No duplicated or partial output from the failed attempt.
	assert.Equal(t, "from backup", concatTokens(events))
	assert.Equal(t, int32(1), primaryHits.Load())

	records, err := st.UsageForUser(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "backup", records[0].Provider)
	assert.True(t, records[0].Success)

	snap, _ := gw.Status(sub.RequestID())
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Attempt)
}

func TestNonRetryableErrorFailsWithoutFallback(t *testing.T) {
	var backupHits atomic.Int32
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	t.Cleanup(unauthorized.Close)
	backup := sseServer(t, &backupHits, tokenChunk("never"))

	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{},
		testDescriptor("primary", unauthorized.URL),
		testDescriptor("backup", backup.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	events := drain(t, sub)
	assert.Empty(t, concatTokens(events))
	assert.Zero(t, backupHits.Load())

	var errEvent *types.Event
	for i := range events {
		if events[i].Kind == types.EventError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, gwerr.KindAuth, errEvent.Err.Kind)

	snap, _ := gw.Status(sub.RequestID())
	assert.Equal(t, types.StatusFailed, snap.Status)

	// Failures still produce exactly one usage record.
	records, err := st.UsageForUser(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
}

func TestMidStreamFailureDoesNotFallBack(t *testing.T) {
	var backupHits atomic.Int32
	dying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", tokenChunk("partial"))
		flusher.Flush()
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(dying.Close)
	backup := sseServer(t, &backupHits, tokenChunk("never"))

	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{},
		testDescriptor("primary", dying.URL),
		testDescriptor("backup", backup.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	events := drain(t, sub)
	// The partial output reached the caller, so no second provider runs.
	assert.Equal(t, "partial", concatTokens(events))
	assert.Zero(t, backupHits.Load())

	snap, _ := gw.Status(sub.RequestID())
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.Attempt)

	records, err := st.UsageForUser(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	// Provider died before reporting counts; the partial output is estimated.
	assert.True(t, records[0].Estimated)
}

func TestCancelBeforeFirstToken(t *testing.T) {
	started := make(chan struct{})
	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	t.Cleanup(hanging.Close)

	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{}, testDescriptor("primary", hanging.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	<-started
	require.True(t, gw.Cancel(sub.RequestID()))

	events := drain(t, sub)
	assert.Empty(t, concatTokens(events))
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventDone, events[len(events)-1].Kind)

	snap, _ := gw.Status(sub.RequestID())
	assert.Equal(t, types.StatusCancelled, snap.Status)

	// Nothing reached the caller, so the ledger entry is zero-cost.
	records, err := st.UsageForUser(context.Background(), "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(0), records[0].CostMicros)
	assert.Zero(t, records[0].InputTokens)
	assert.Zero(t, records[0].OutputTokens)
	assert.False(t, records[0].Success)
}

func TestQuotaRejectionBeforeProviderContact(t *testing.T) {
	var hits atomic.Int32
	srv := sseServer(t, &hits, tokenChunk("ok"), usageChunk(5, 1))

	st := store.NewMemoryStore()
	gw := newTestGateway(t, st, admission.Limits{Window: time.Minute, MaxRequests: 1},
		testDescriptor("primary", srv.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)
	drain(t, sub)

	_, err = gw.SubmitRequest(context.Background(), chatRequest("chat-2"))
	require.Error(t, err)
	ge, ok := err.(*gwerr.Error)
	require.True(t, ok)
	assert.Equal(t, gwerr.KindQuotaExceeded, ge.Kind)
	assert.Greater(t, ge.RetryAfter, time.Duration(0))

	// The rejected request never reached the provider.
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnknownModelRejectedSynchronously(t *testing.T) {
	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{})

	req := chatRequest("chat-1")
	req.Model = "no-such-model"
	_, err := gw.SubmitRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, gwerr.KindModelNotFound, err.(*gwerr.Error).Kind)
}

func TestProviderSaturationRejection(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		<-release
		fmt.Fprintf(w, "data: %s\n\n", tokenChunk("done"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(slow.Close)

	d := testDescriptor("primary", slow.URL)
	d.MaxConcurrent = 1
	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{}, d)

	sub1, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	_, err = gw.SubmitRequest(context.Background(), chatRequest("chat-2"))
	require.Error(t, err)
	assert.Equal(t, gwerr.KindProviderSaturated, err.(*gwerr.Error).Kind)

	close(release)
	drain(t, sub1)
}

func TestSameChatRequestsSerialize(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", tokenChunk("ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{}, testDescriptor("primary", srv.URL))

	sub1, err := gw.SubmitRequest(context.Background(), chatRequest("shared-chat"))
	require.NoError(t, err)
	sub2, err := gw.SubmitRequest(context.Background(), chatRequest("shared-chat"))
	require.NoError(t, err)

	done := make(chan []types.Event, 2)
	go func() { done <- drain(t, sub1) }()
	go func() { done <- drain(t, sub2) }()
	<-done
	<-done

	// Requests sharing a chat never overlap at the provider.
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestCancelChatCancelsAllRequests(t *testing.T) {
	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(hanging.Close)

	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{}, testDescriptor("primary", hanging.URL))

	sub1, err := gw.SubmitRequest(context.Background(), chatRequest("chat"))
	require.NoError(t, err)
	sub2, err := gw.SubmitRequest(context.Background(), chatRequest("chat"))
	require.NoError(t, err)

	assert.Equal(t, 2, gw.CancelChat("chat"))

	drain(t, sub1)
	drain(t, sub2)

	for _, sub := range []*Subscription{sub1, sub2} {
		snap, ok := gw.Status(sub.RequestID())
		require.True(t, ok)
		assert.Equal(t, types.StatusCancelled, snap.Status)
	}
}

func TestSubscribeReturnsExistingStream(t *testing.T) {
	srv := sseServer(t, nil, tokenChunk("hi"), usageChunk(2, 1))
	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{}, testDescriptor("primary", srv.URL))

	sub, err := gw.SubmitRequest(context.Background(), chatRequest("chat-1"))
	require.NoError(t, err)

	same, ok := gw.Subscribe(sub.RequestID())
	require.True(t, ok)
	assert.Same(t, sub, same)

	drain(t, sub)

	_, ok = gw.Subscribe("unknown")
	assert.False(t, ok)
}

func TestRequestValidation(t *testing.T) {
	gw := newTestGateway(t, store.NewMemoryStore(), admission.Limits{})

	_, err := gw.SubmitRequest(context.Background(), &types.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindInvalidRequest, err.(*gwerr.Error).Kind)
}

func TestCloseRejectsNewRequests(t *testing.T) {
	gw, err := New(WithStore(store.NewMemoryStore()))
	require.NoError(t, err)
	require.NoError(t, gw.Close(context.Background()))

	_, err = gw.SubmitRequest(context.Background(), chatRequest("chat"))
	assert.Error(t, err)
}
