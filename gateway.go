package switchboard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peregrinehq/switchboard/adapters"
	"github.com/peregrinehq/switchboard/internal/accounting"
	"github.com/peregrinehq/switchboard/internal/admission"
	"github.com/peregrinehq/switchboard/internal/chatlock"
	"github.com/peregrinehq/switchboard/internal/metrics"
	"github.com/peregrinehq/switchboard/internal/registry"
	"github.com/peregrinehq/switchboard/internal/secret"
	"github.com/peregrinehq/switchboard/internal/session"
	"github.com/peregrinehq/switchboard/internal/store"
	"github.com/peregrinehq/switchboard/internal/tokenizer"
	"github.com/peregrinehq/switchboard/pkg/adapter"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
	"github.com/peregrinehq/switchboard/pkg/types"
)

// Gateway coordinates the full request lifecycle: admission, provider
// dispatch with ordered fallback, event delivery, and usage accounting.
type Gateway struct {
	logger     *slog.Logger
	httpClient *http.Client

	quotaStore admission.QuotaStore
	limits     admission.Limits
	store      store.Store
	secrets    *secret.Resolver

	sessionRetention time.Duration
	eventBuffer      int

	registry   *registry.Registry
	admission  *admission.Controller
	sessions   *session.Registry
	chats      *chatlock.Keyring
	accountant *accounting.Accountant

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New creates a gateway. Providers are added afterwards with
// RegisterProvider.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger:           slog.Default(),
		httpClient:       &http.Client{},
		sessionRetention: 5 * time.Minute,
		registry:         registry.New(),
		chats:            chatlock.New(),
		subs:             make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.quotaStore == nil {
		g.quotaStore = admission.NewMemoryQuotaStore()
	}
	if g.store == nil {
		g.store = store.NewMemoryStore()
	}

	g.admission = admission.NewController(g.quotaStore, g.limits)
	g.sessions = session.NewRegistry(g.sessionRetention, 30*time.Second, g.logger)
	g.accountant = accounting.New(g.store, g.logger)
	g.rootCtx, g.rootCancel = context.WithCancel(context.Background())
	g.sessions.Start()
	return g, nil
}

// RegisterProvider adds (or replaces) a provider. The descriptor's APIKey
// may be a secret reference; it is resolved here, once, not per request.
func (g *Gateway) RegisterProvider(ctx context.Context, d *adapter.Descriptor) error {
	if d.Name == "" || d.Type == "" {
		return fmt.Errorf("provider descriptor needs name and type")
	}
	if len(d.Models) == 0 {
		return fmt.Errorf("provider %q serves no models", d.Name)
	}

	a, err := adapters.Create(d.Type)
	if err != nil {
		return fmt.Errorf("provider %q: %w", d.Name, err)
	}

	if g.secrets != nil && d.APIKey != "" {
		key, err := g.secrets.Resolve(ctx, d.APIKey)
		if err != nil {
			return fmt.Errorf("resolve api key for provider %q: %w", d.Name, err)
		}
		resolved := *d
		resolved.APIKey = key
		d = &resolved
	}

	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 16
	}
	if d.Timeout <= 0 {
		d.Timeout = 120 * time.Second
	}

	g.registry.Register(d, a)
	g.admission.RegisterProvider(d.Name, d.MaxConcurrent, d.DispatchRPS)
	g.logger.Info("provider registered",
		"provider", d.Name, "type", d.Type, "models", d.Models)
	return nil
}

// RemoveProvider deletes a provider from the catalog. In-flight requests
// holding its candidate finish normally.
func (g *Gateway) RemoveProvider(name string) {
	g.registry.Remove(name)
	g.logger.Info("provider removed", "provider", name)
}

// Models returns the model aliases currently served.
func (g *Gateway) Models() []string {
	return g.registry.Models()
}

// Providers returns the names of the registered providers.
func (g *Gateway) Providers() []string {
	return g.registry.Providers()
}

// SubmitRequest validates and admits a request, then dispatches it in the
// background. Admission failures (unknown model, quota, saturation) are
// returned synchronously; from then on the request has exactly one terminal
// outcome, delivered on the returned subscription.
func (g *Gateway) SubmitRequest(ctx context.Context, req *types.ChatRequest) (*Subscription, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, gwerr.NewInternal("gateway is closed")
	}
	g.mu.Unlock()

	if err := req.Validate(); err != nil {
		return nil, gwerr.NewInvalidRequest("", req.Model, err.Error())
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	candidates, err := g.registry.Lookup(req.Model)
	if err != nil {
		metrics.AdmissionRejections.WithLabelValues(string(gwerr.KindModelNotFound)).Inc()
		return nil, err
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Descriptor.Name
	}

	promptTokens := tokenizer.EstimatePromptTokens(req)
	resv, err := g.admission.Admit(ctx, req.UserID, req.Model, names, promptTokens)
	if err != nil {
		if ge, ok := err.(*gwerr.Error); ok {
			metrics.AdmissionRejections.WithLabelValues(string(ge.Kind)).Inc()
		}
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(g.rootCtx)
	rec := session.NewRecord(req, cancel)
	g.sessions.Track(rec)

	sub := newSubscription(req.RequestID, g.eventBuffer, cancel)
	g.mu.Lock()
	g.subs[req.RequestID] = sub
	g.mu.Unlock()

	start := 0
	for i, name := range names {
		if name == resv.Provider() {
			start = i
			break
		}
	}

	c := &coordinator{
		gw:           g,
		req:          req,
		rec:          rec,
		resv:         resv,
		candidates:   candidates,
		start:        start,
		sub:          sub,
		ctx:          reqCtx,
		promptTokens: promptTokens,
	}
	g.wg.Add(1)
	go c.run()

	g.logger.Debug("request submitted",
		"request_id", req.RequestID, "chat_id", req.ChatID,
		"model", req.Model, "provider", resv.Provider())
	return sub, nil
}

// Subscribe returns the subscription for a previously submitted request.
func (g *Gateway) Subscribe(requestID string) (*Subscription, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subs[requestID]
	return sub, ok
}

// Status returns a point-in-time snapshot of a request. Terminal snapshots
// stay queryable for the session retention window.
func (g *Gateway) Status(requestID string) (types.Snapshot, bool) {
	rec, ok := g.sessions.Get(requestID)
	if !ok {
		return types.Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Cancel requests cancellation of one request. The terminal Cancelled
// outcome (or whatever terminal state won the race) arrives on the
// subscription; Cancel itself only fires the signal.
func (g *Gateway) Cancel(requestID string) bool {
	return g.sessions.Cancel(requestID)
}

// CancelChat cancels every tracked request of a chat.
func (g *Gateway) CancelChat(chatID string) int {
	return g.sessions.CancelAll(chatID)
}

// UsageForUser returns the user's usage records since the given time.
func (g *Gateway) UsageForUser(ctx context.Context, userID string, since time.Time) ([]types.UsageRecord, error) {
	return g.store.UsageForUser(ctx, userID, since)
}

// Close cancels all in-flight requests and waits for their coordinators to
// finish, bounded by ctx.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.rootCancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.sessions.Stop()
	if err := g.admission.Close(); err != nil {
		g.logger.Warn("closing quota store", "error", err)
	}
	return g.store.Close()
}

func (g *Gateway) dropSubscription(requestID string) {
	g.mu.Lock()
	delete(g.subs, requestID)
	g.mu.Unlock()
}
