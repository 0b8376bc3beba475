package cosmos

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// KeyProvider supplies the cached account master keys used for signing.
// *keys.Provider satisfies this interface.
type KeyProvider interface {
	GetPrimary(ctx context.Context) (string, error)
	GetSecondary(ctx context.Context) (string, error)
	Refresh(ctx context.Context, force bool) error
}

// Doer sends a single HTTP request. *http.Client satisfies this interface.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor signs and sends data-plane requests, rotating from the primary to
// the secondary key on authentication failure.
//
// The sequence for one Send:
//  1. sign with the cached primary key and send
//  2. on 401/403, sign with the cached secondary key and send
//  3. if the secondary succeeded, force a key refresh so future requests
//     return to the new primary, then return the response
//  4. if the secondary also failed, force a refresh and retry once with the
//     refreshed primary; that response is returned whatever its status
//
// Non-authentication failures are never retried here: they are the caller's
// to interpret, at whichever attempt produced them.
type Executor struct {
	client Doer
	keys   KeyProvider

	apiVersion string
	now        func(attempt int) time.Time
}

// ExecutorOption adjusts optional Executor behaviour.
type ExecutorOption func(*Executor)

// WithAPIVersion overrides the x-ms-version header value.
func WithAPIVersion(version string) ExecutorOption {
	return func(e *Executor) {
		e.apiVersion = version
	}
}

// WithAttemptClock replaces the per-attempt timestamp source, making attempt
// signatures deterministic under test.
func WithAttemptClock(now func(attempt int) time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor over the given transport and key provider.
func NewExecutor(client Doer, keys KeyProvider, opts ...ExecutorOption) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	if keys == nil {
		return nil, fmt.Errorf("key provider must not be nil")
	}

	e := &Executor{
		client:     client,
		keys:       keys,
		apiVersion: DefaultAPIVersion,
		now:        func(int) time.Time { return time.Now() },
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Send executes the request with rotation fallback. At most three requests
// are sent. The returned response's body is open and owned by the caller.
func (e *Executor) Send(ctx context.Context, factory RequestFactory, resourceType, resourceLink string) (*http.Response, error) {
	if factory == nil {
		return nil, fmt.Errorf("request factory must not be nil")
	}

	primary, err := e.keys.GetPrimary(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.sendOnce(ctx, factory, 0, primary, resourceType, resourceLink)
	if err != nil {
		return nil, err
	}
	if !isAuthFailure(resp.StatusCode) {
		return resp, nil
	}

	log.Warn().Int("status", resp.StatusCode).
		Msg("data-plane request rejected primary key signature; trying secondary key")
	discard(resp)

	secondary, err := e.keys.GetSecondary(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = e.sendOnce(ctx, factory, 1, secondary, resourceType, resourceLink)
	if err != nil {
		return nil, err
	}
	if !isAuthFailure(resp.StatusCode) {
		// The secondary worked, so the primary has likely been rotated.
		// Refresh now so future requests pick up the new primary without
		// waiting out the throttle interval.
		log.Info().Msg("request succeeded with secondary key; forcing key refresh")
		if err := e.keys.Refresh(ctx, true); err != nil {
			discard(resp)
			return nil, err
		}
		return resp, nil
	}

	log.Warn().Int("status", resp.StatusCode).
		Msg("data-plane request rejected secondary key signature; refreshing keys and retrying once")
	discard(resp)

	if err := e.keys.Refresh(ctx, true); err != nil {
		return nil, err
	}

	refreshedPrimary, err := e.keys.GetPrimary(ctx)
	if err != nil {
		return nil, err
	}

	// final attempt: the response is returned whatever its status
	return e.sendOnce(ctx, factory, 2, refreshedPrimary, resourceType, resourceLink)
}

func (e *Executor) sendOnce(ctx context.Context, factory RequestFactory, attempt int, base64MasterKey, resourceType, resourceLink string) (*http.Response, error) {
	unsigned, err := factory(attempt)
	if err != nil {
		return nil, fmt.Errorf("request factory failed on attempt %d: %w", attempt, err)
	}
	if unsigned == nil {
		return nil, fmt.Errorf("request factory returned nil on attempt %d", attempt)
	}

	req, err := unsigned.build(ctx)
	if err != nil {
		return nil, err
	}

	err = SignRequest(req, resourceType, resourceLink, base64MasterKey, e.now(attempt), e.apiVersion)
	if err != nil {
		return nil, err
	}

	return e.client.Do(req)
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// discard drains and closes an abandoned response body so the underlying
// connection can be reused.
func discard(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
