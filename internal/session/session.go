// Package session tracks in-flight requests for lookup, cancellation, and
// garbage collection after a retention window.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peregrinehq/switchboard/pkg/types"
)

// Record is the mutable in-flight request state. All mutation goes through
// the record's methods; readers receive copies via Snapshot.
type Record struct {
	mu sync.Mutex

	requestID  string
	chatID     string
	userID     string
	model      string
	status     types.Status
	attempt    int
	provider   string
	emitted    bool
	outputLen  int
	startedAt  time.Time
	finishedAt time.Time

	cancel context.CancelFunc
}

// NewRecord creates a queued record bound to the request's cancel func.
func NewRecord(req *types.ChatRequest, cancel context.CancelFunc) *Record {
	return &Record{
		requestID: req.RequestID,
		chatID:    req.ChatID,
		userID:    req.UserID,
		model:     req.Model,
		status:    types.StatusQueued,
		startedAt: time.Now(),
		cancel:    cancel,
	}
}

// SetStatus transitions the record, stamping the finish time on terminal
// states. Terminal states are sticky: once reached, later transitions are
// ignored.
func (r *Record) SetStatus(s types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = s
	if s.Terminal() {
		r.finishedAt = time.Now()
	}
}

// Status returns the current status.
func (r *Record) Status() types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BeginAttempt records a new dispatch attempt against a provider.
func (r *Record) BeginAttempt(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	r.provider = provider
}

// MarkToken notes that output reached the caller and accumulates its length.
// Returns true on the first token of the request.
func (r *Record) MarkToken(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := !r.emitted
	r.emitted = true
	r.outputLen += n
	return first
}

// HasEmittedToken reports whether any output reached the caller.
func (r *Record) HasEmittedToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

// OutputLength returns the accumulated output length in bytes.
func (r *Record) OutputLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputLen
}

// Cancel fires the request's cancellation signal.
func (r *Record) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns a point-in-time copy for callers.
func (r *Record) Snapshot() types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.Snapshot{
		RequestID:       r.requestID,
		ChatID:          r.chatID,
		UserID:          r.userID,
		Model:           r.model,
		Status:          r.status,
		Attempt:         r.attempt,
		Provider:        r.provider,
		HasEmittedToken: r.emitted,
		OutputLength:    r.outputLen,
		StartedAt:       r.startedAt,
		FinishedAt:      r.finishedAt,
	}
}

func (r *Record) finishedBefore(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Terminal() && !r.finishedAt.IsZero() && r.finishedAt.Before(cutoff)
}

// Registry indexes in-flight records by request ID and chat ID. A sweep
// loop evicts terminal records older than the retention window so late
// status queries work for a bounded time without unbounded growth.
type Registry struct {
	mu        sync.RWMutex
	byRequest map[string]*Record
	byChat    map[string]map[string]*Record

	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRegistry creates a registry with the given retention window and sweep
// interval.
func NewRegistry(retention, interval time.Duration, logger *slog.Logger) *Registry {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byRequest: make(map[string]*Record),
		byChat:    make(map[string]map[string]*Record),
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Track registers a record.
func (reg *Registry) Track(r *Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byRequest[r.requestID] = r
	chat := reg.byChat[r.chatID]
	if chat == nil {
		chat = make(map[string]*Record)
		reg.byChat[r.chatID] = chat
	}
	chat[r.requestID] = r
}

// Get returns the record for a request ID.
func (reg *Registry) Get(requestID string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byRequest[requestID]
	return r, ok
}

// Cancel fires cancellation for one request. Returns false if unknown.
func (reg *Registry) Cancel(requestID string) bool {
	r, ok := reg.Get(requestID)
	if !ok {
		return false
	}
	r.Cancel()
	return true
}

// CancelAll fires cancellation for every tracked request of a chat.
func (reg *Registry) CancelAll(chatID string) int {
	reg.mu.RLock()
	var records []*Record
	for _, r := range reg.byChat[chatID] {
		records = append(records, r)
	}
	reg.mu.RUnlock()

	for _, r := range records {
		r.Cancel()
	}
	return len(records)
}

// Sweep removes terminal records older than the retention window and
// returns how many were evicted.
func (reg *Registry) Sweep() int {
	cutoff := time.Now().Add(-reg.retention)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	evicted := 0
	for id, r := range reg.byRequest {
		if !r.finishedBefore(cutoff) {
			continue
		}
		delete(reg.byRequest, id)
		if chat, ok := reg.byChat[r.chatID]; ok {
			delete(chat, id)
			if len(chat) == 0 {
				delete(reg.byChat, r.chatID)
			}
		}
		evicted++
	}
	return evicted
}

// Start launches the periodic sweep loop.
func (reg *Registry) Start() {
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		ticker := time.NewTicker(reg.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := reg.Sweep(); n > 0 {
					reg.logger.Debug("session sweep", "evicted", n)
				}
			case <-reg.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (reg *Registry) Stop() {
	reg.stopOnce.Do(func() { close(reg.stopCh) })
	reg.wg.Wait()
}

// Len returns the number of tracked records.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byRequest)
}
