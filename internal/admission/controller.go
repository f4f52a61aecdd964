package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/peregrinehq/switchboard/internal/resilience"
	"github.com/peregrinehq/switchboard/pkg/gwerr"
)

// Controller performs the pre-dispatch checks: per-user rolling-window quota
// first, then per-provider concurrency. Checks that fail reject the request
// before any provider is contacted.
type Controller struct {
	quota  QuotaStore
	limits Limits

	mu       sync.Mutex
	sems     map[string]*resilience.Semaphore
	limiters map[string]*rate.Limiter
}

// NewController creates a controller over the given quota store.
func NewController(quota QuotaStore, limits Limits) *Controller {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Controller{
		quota:    quota,
		limits:   limits,
		sems:     make(map[string]*resilience.Semaphore),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterProvider sets the concurrency ceiling for a provider and,
// optionally, a dispatch rate (requests per second, zero for unlimited).
func (c *Controller) RegisterProvider(name string, maxConcurrent int, dispatchRPS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sems[name] = resilience.NewSemaphore(maxConcurrent)
	if dispatchRPS > 0 {
		c.limiters[name] = rate.NewLimiter(rate.Limit(dispatchRPS), 1)
	} else {
		delete(c.limiters, name)
	}
}

func (c *Controller) semFor(name string) *resilience.Semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[name]
	if !ok {
		// Unregistered providers get an effectively unbounded ceiling.
		sem = resilience.NewSemaphore(1 << 20)
		c.sems[name] = sem
	}
	return sem
}

// Reservation is one concurrency slot held against a provider. It is
// released exactly once, whatever the exit path.
type Reservation struct {
	ctrl     *Controller
	provider string
	release  sync.Once
}

// Provider returns the provider currently holding the slot.
func (r *Reservation) Provider() string {
	return r.provider
}

// Release frees the slot. Safe to call more than once.
func (r *Reservation) Release() {
	r.release.Do(func() {
		r.ctrl.semFor(r.provider).Release()
	})
}

// Move rebinds the slot to the next fallback candidate: the current
// provider's slot is freed and one is taken against the new provider,
// blocking until capacity frees up or the context ends.
func (r *Reservation) Move(ctx context.Context, provider string) error {
	if provider == r.provider {
		return nil
	}
	next := r.ctrl.semFor(provider)
	if err := next.Acquire(ctx); err != nil {
		return err
	}
	r.ctrl.semFor(r.provider).Release()
	r.provider = provider
	r.release = sync.Once{}
	return nil
}

// Admit runs the admission checks for a request targeting the given
// fallback candidates, in priority order. On success the returned
// reservation holds one slot against the first candidate with capacity.
func (c *Controller) Admit(ctx context.Context, userID, model string, candidates []string, estTokens int) (*Reservation, error) {
	decision, err := c.quota.Reserve(ctx, userID, estTokens, c.limits)
	if err != nil {
		return nil, gwerr.NewInternal("quota check failed: " + err.Error())
	}
	if !decision.Allowed {
		return nil, gwerr.NewQuotaExceeded(userID, decision.RetryAfter)
	}

	for _, name := range candidates {
		if !c.semFor(name).TryAcquire() {
			continue
		}
		if lim := c.limiterFor(name); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				c.semFor(name).Release()
				_ = c.quota.Unreserve(ctx, userID, estTokens)
				return nil, gwerr.NewCancelled("")
			}
		}
		return &Reservation{ctrl: c, provider: name}, nil
	}

	// The quota reservation must not outlive a rejected request.
	_ = c.quota.Unreserve(ctx, userID, estTokens)
	return nil, gwerr.NewProviderSaturated(model)
}

func (c *Controller) limiterFor(name string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiters[name]
}

// AddTokens records post-completion token consumption in the quota window.
func (c *Controller) AddTokens(ctx context.Context, userID string, tokens int) {
	_ = c.quota.AddTokens(ctx, userID, tokens)
}

// InFlight returns the number of held slots for a provider.
func (c *Controller) InFlight(provider string) int {
	return c.semFor(provider).Current()
}

// Close releases the underlying quota store.
func (c *Controller) Close() error {
	return c.quota.Close()
}
