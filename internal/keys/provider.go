package keys

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider is the in-process cache for account master keys.
//
// Hot path: cached keys are served from an atomic pointer with no locking and
// no control-plane calls. Cold/refresh path: keys are fetched from the Source
// with single-flight protection, so at most one fetch is outstanding no
// matter how many callers ask at once. Non-forced refreshes are additionally
// throttled by a minimum refresh interval, preventing refresh storms from
// becoming control-plane storms; a forced refresh bypasses the throttle.
type Provider struct {
	source             Source
	minRefreshInterval time.Duration
	now                func() time.Time

	cached      atomic.Pointer[AccountKeys]
	lastRefresh atomic.Int64 // unix nanos of the last successful refresh

	mu       sync.Mutex
	inflight *refreshCall
}

// refreshCall is the shared completion signal for one refresh epoch. Every
// caller that observes the refresh in flight waits on the same done channel;
// err is written once, before done is closed.
type refreshCall struct {
	done chan struct{}
	err  error
}

// ProviderOption adjusts optional Provider behaviour.
type ProviderOption func(*Provider)

// WithClock replaces the wall clock, making throttle decisions deterministic
// under test.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		p.now = now
	}
}

// NewProvider creates a key cache over the given source. minRefreshInterval
// must be non-negative.
func NewProvider(source Source, minRefreshInterval time.Duration, opts ...ProviderOption) (*Provider, error) {
	if source == nil {
		return nil, fmt.Errorf("key source must not be nil")
	}
	if minRefreshInterval < 0 {
		return nil, fmt.Errorf("minRefreshInterval must be non-negative")
	}

	p := &Provider{
		source:             source,
		minRefreshInterval: minRefreshInterval,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastRefresh.Store(minInstant)

	return p, nil
}

// minInstant stands in for "never refreshed". Using the zero unix nano keeps
// the monotonicity of lastRefresh trivially true on first success.
const minInstant = int64(0)

// GetPrimary returns the primary master key, refreshing on cold start.
func (p *Provider) GetPrimary(ctx context.Context) (string, error) {
	if current := p.cached.Load(); current != nil {
		return current.PrimaryMasterKey, nil
	}

	if err := p.Refresh(ctx, false); err != nil {
		return "", err
	}
	return p.cached.Load().PrimaryMasterKey, nil
}

// GetSecondary returns the secondary master key, refreshing on cold start.
func (p *Provider) GetSecondary(ctx context.Context) (string, error) {
	if current := p.cached.Load(); current != nil {
		return current.SecondaryMasterKey, nil
	}

	if err := p.Refresh(ctx, false); err != nil {
		return "", err
	}
	return p.cached.Load().SecondaryMasterKey, nil
}

// Refresh fetches keys from the control plane and waits for the result.
//
// When force is false the call is a no-op if keys are cached and the last
// successful refresh is within the minimum refresh interval. Concurrent
// callers share a single underlying fetch; each caller may abandon the wait
// via ctx without affecting the others or the fetch itself, which always
// runs to completion.
func (p *Provider) Refresh(ctx context.Context, force bool) error {
	call := p.joinRefresh(ctx, force)
	if call == nil {
		return nil
	}

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// joinRefresh returns the in-flight call to wait on, starting one if needed.
// A nil return means the throttle decided no refresh is required.
func (p *Provider) joinRefresh(ctx context.Context, force bool) *refreshCall {
	// Unlocked fast path: warm cache within the throttle window.
	if !force && p.cached.Load() != nil && p.withinMinRefreshInterval() {
		return nil
	}

	p.mu.Lock()

	// Re-check under the lock: another caller may have completed a refresh
	// while this one waited.
	if !force && p.cached.Load() != nil && p.withinMinRefreshInterval() {
		p.mu.Unlock()
		return nil
	}

	if p.inflight != nil {
		call := p.inflight
		p.mu.Unlock()
		return call
	}

	call := &refreshCall{done: make(chan struct{})}
	p.inflight = call
	p.mu.Unlock()

	log.Info().Bool("force", force).Msg("refreshing account keys via key source")

	// The fetch runs outside the lock so cache reads are never blocked on the
	// control plane, and without caller cancellation so one impatient waiter
	// cannot abort the refresh for everyone else.
	go p.runRefresh(context.WithoutCancel(ctx), call)

	return call
}

func (p *Provider) runRefresh(ctx context.Context, call *refreshCall) {
	fetched, err := p.source.FetchKeys(ctx)

	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()

	if err == nil {
		err = fetched.Validate()
	}

	if err != nil {
		log.Warn().Err(err).Msg("account key refresh failed")
		call.err = err
		close(call.done)
		return
	}

	p.cached.Store(&fetched)
	p.lastRefresh.Store(p.now().UnixNano())
	log.Info().Msg("account keys refreshed successfully")

	close(call.done)
}

func (p *Provider) withinMinRefreshInterval() bool {
	since := p.now().Sub(time.Unix(0, p.lastRefresh.Load()))
	return since < p.minRefreshInterval
}

// Status reports whether keys are cached and when the last successful refresh
// completed. The zero time means no refresh has succeeded yet.
func (p *Provider) Status() (cached bool, lastRefresh time.Time) {
	cached = p.cached.Load() != nil
	if nanos := p.lastRefresh.Load(); nanos != minInstant {
		lastRefresh = time.Unix(0, nanos).UTC()
	}
	return cached, lastRefresh
}
