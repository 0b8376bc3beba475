package cosmos_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/cosmos-key-bridge/internal/cosmos"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotationServer accepts or rejects requests based on which key signed them,
// mirroring a Cosmos account part-way through a key rotation.
type rotationServer struct {
	resourceType string
	resourceLink string

	oldPrimary   keyExpectation
	oldSecondary keyExpectation
	newPrimary   keyExpectation

	requests atomic.Int32

	mu    sync.Mutex
	dates []string
}

type keyExpectation struct {
	key    string
	accept bool
}

func (s *rotationServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	auth := r.Header.Get("authorization")
	date := r.Header.Get("x-ms-date")
	if auth == "" || date == "" {
		http.Error(w, "missing auth/date", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.dates = append(s.dates, date)
	s.mu.Unlock()

	for _, exp := range []struct {
		keyExpectation
		body string
	}{
		{s.oldPrimary, "old-primary"},
		{s.oldSecondary, "old-secondary"},
		{s.newPrimary, "new-primary"},
	} {
		if exp.key == "" {
			continue
		}
		expected, err := cosmos.Authorization(r.Method, s.resourceType, s.resourceLink, date, exp.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if auth == expected {
			if !exp.accept {
				http.Error(w, exp.body, http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(exp.body))
			return
		}
	}

	http.Error(w, "unexpected signature", http.StatusBadRequest)
}

// queueSource plays back key batches in order, counting calls.
type queueSource struct {
	mu      sync.Mutex
	calls   int32
	batches []keys.AccountKeys
}

func (s *queueSource) FetchKeys(ctx context.Context) (keys.AccountKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	next := s.batches[0]
	if len(s.batches) > 1 {
		s.batches = s.batches[1:]
	}
	return next, nil
}

func (s *queueSource) callCount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const (
	oldPrimary   = "AA=="
	oldSecondary = "AQ=="
	newPrimary   = "Ag=="
	newSecondary = "Aw=="
)

func rotationFixture(t *testing.T, acceptOldPrimary, acceptOldSecondary, acceptNewPrimary bool) (*rotationServer, *queueSource, *cosmos.Executor, *httptest.Server) {
	t.Helper()

	handler := &rotationServer{
		resourceType: "dbs",
		resourceLink: "",
		oldPrimary:   keyExpectation{oldPrimary, acceptOldPrimary},
		oldSecondary: keyExpectation{oldSecondary, acceptOldSecondary},
		newPrimary:   keyExpectation{newPrimary, acceptNewPrimary},
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	source := &queueSource{batches: []keys.AccountKeys{
		{PrimaryMasterKey: oldPrimary, SecondaryMasterKey: oldSecondary},
		{PrimaryMasterKey: newPrimary, SecondaryMasterKey: newSecondary},
	}}

	provider, err := keys.NewProvider(source, 5*time.Minute)
	require.NoError(t, err)

	executor, err := cosmos.NewExecutor(server.Client(), provider,
		cosmos.WithAttemptClock(func(attempt int) time.Time {
			return time.Date(2026, 1, 1, 0, 0, attempt, 0, time.UTC)
		}))
	require.NoError(t, err)

	return handler, source, executor, server
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSend_PrimaryAccepted(t *testing.T) {
	handler, source, executor, server := rotationFixture(t, true, false, false)

	resp, err := executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get(server.URL + "/dbs"), nil },
		"dbs", "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "old-primary", readBody(t, resp))
	assert.Equal(t, int32(1), handler.requests.Load())
	assert.Equal(t, int32(1), source.callCount(), "cold start only")
}

func TestSend_SecondaryAccepted_ForcesRefresh(t *testing.T) {
	handler, source, executor, server := rotationFixture(t, false, true, false)

	resp, err := executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get(server.URL + "/dbs"), nil },
		"dbs", "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "old-secondary", readBody(t, resp))
	assert.Equal(t, int32(2), handler.requests.Load(), "expected primary then secondary")
	assert.Equal(t, int32(2), source.callCount(), "expected forced refresh after secondary success")
}

func TestSend_BothRejected_RefreshedPrimaryAccepted(t *testing.T) {
	handler, source, executor, server := rotationFixture(t, false, false, true)

	resp, err := executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get(server.URL + "/dbs"), nil },
		"dbs", "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new-primary", readBody(t, resp))
	assert.Equal(t, int32(3), handler.requests.Load(), "expected primary, secondary, refreshed primary")
	assert.Equal(t, int32(2), source.callCount(), "expected one forced refresh before the final attempt")
}

func TestSend_FinalAuthFailureReturnedAsResponse(t *testing.T) {
	handler, source, executor, server := rotationFixture(t, false, false, false)

	resp, err := executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get(server.URL + "/dbs"), nil },
		"dbs", "")
	require.NoError(t, err, "a final auth failure is a response, not an error")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(3), handler.requests.Load())
	assert.Equal(t, int32(2), source.callCount())
}

func TestSend_NonAuthFailureNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	source := &queueSource{batches: []keys.AccountKeys{
		{PrimaryMasterKey: oldPrimary, SecondaryMasterKey: oldSecondary},
	}}
	provider, err := keys.NewProvider(source, 5*time.Minute)
	require.NoError(t, err)

	executor, err := cosmos.NewExecutor(server.Client(), provider)
	require.NoError(t, err)

	resp, err := executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get(server.URL + "/dbs"), nil },
		"dbs", "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), requests.Load(), "5xx must not trigger the rotation fallback")
	assert.Equal(t, int32(1), source.callCount())
}

func TestSend_FreshRequestAndTimestampPerAttempt(t *testing.T) {
	handler, _, executor, server := rotationFixture(t, false, false, true)

	var factoryCalls atomic.Int32
	resp, err := executor.Send(context.Background(),
		func(attempt int) (*cosmos.UnsignedRequest, error) {
			factoryCalls.Add(1)
			return cosmos.Get(server.URL + "/dbs"), nil
		},
		"dbs", "")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(3), factoryCalls.Load(), "each attempt must build a fresh request")

	handler.mu.Lock()
	dates := append([]string(nil), handler.dates...)
	handler.mu.Unlock()

	require.Len(t, dates, 3)
	assert.Equal(t, "thu, 01 jan 2026 00:00:00 gmt", dates[0])
	assert.Equal(t, "thu, 01 jan 2026 00:00:01 gmt", dates[1])
	assert.Equal(t, "thu, 01 jan 2026 00:00:02 gmt", dates[2])
}

// trackedBody records whether a response body was fully read and closed.
type trackedBody struct {
	reader  io.Reader
	drained bool
	closed  bool
}

func newTrackedBody(content string) *trackedBody {
	return &trackedBody{reader: strings.NewReader(content)}
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.drained = true
	}
	return n, err
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

// trackedResponses plays back one response per attempt, each with a body
// that records draining and closing.
func trackedResponses(statuses ...int) ([]*trackedBody, doerFunc) {
	bodies := make([]*trackedBody, len(statuses))
	for i := range statuses {
		bodies[i] = newTrackedBody("attempt body")
	}

	attempt := 0
	return bodies, func(*http.Request) (*http.Response, error) {
		resp := &http.Response{
			StatusCode: statuses[attempt],
			Header:     http.Header{},
			Body:       bodies[attempt],
		}
		attempt++
		return resp, nil
	}
}

func trackedProvider(t *testing.T) *keys.Provider {
	t.Helper()

	source := &queueSource{batches: []keys.AccountKeys{
		{PrimaryMasterKey: oldPrimary, SecondaryMasterKey: oldSecondary},
		{PrimaryMasterKey: newPrimary, SecondaryMasterKey: newSecondary},
	}}
	provider, err := keys.NewProvider(source, 5*time.Minute)
	require.NoError(t, err)

	return provider
}

func TestSend_AbandonedBodiesDrainedAndClosed(t *testing.T) {
	t.Run("secondary success abandons the primary attempt", func(t *testing.T) {
		bodies, client := trackedResponses(http.StatusUnauthorized, http.StatusOK)

		executor, err := cosmos.NewExecutor(client, trackedProvider(t))
		require.NoError(t, err)

		resp, err := executor.Send(context.Background(),
			func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get("https://example.com/dbs"), nil },
			"dbs", "")
		require.NoError(t, err)

		assert.True(t, bodies[0].drained, "rejected attempt body must be drained for connection reuse")
		assert.True(t, bodies[0].closed, "rejected attempt body must be closed")

		assert.False(t, bodies[1].closed, "returned response body belongs to the caller")
		assert.Equal(t, "attempt body", readBody(t, resp))
	})

	t.Run("double rejection abandons both attempts", func(t *testing.T) {
		bodies, client := trackedResponses(http.StatusUnauthorized, http.StatusForbidden, http.StatusOK)

		executor, err := cosmos.NewExecutor(client, trackedProvider(t))
		require.NoError(t, err)

		resp, err := executor.Send(context.Background(),
			func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get("https://example.com/dbs"), nil },
			"dbs", "")
		require.NoError(t, err)

		for i, body := range bodies[:2] {
			assert.True(t, body.drained, "attempt %d body must be drained", i)
			assert.True(t, body.closed, "attempt %d body must be closed", i)
		}

		assert.False(t, bodies[2].closed)
		assert.Equal(t, "attempt body", readBody(t, resp))
	})
}

func TestSend_TransportErrorPropagates(t *testing.T) {
	source := &queueSource{batches: []keys.AccountKeys{
		{PrimaryMasterKey: oldPrimary, SecondaryMasterKey: oldSecondary},
	}}
	provider, err := keys.NewProvider(source, 5*time.Minute)
	require.NoError(t, err)

	transportErr := errors.New("connection refused")
	executor, err := cosmos.NewExecutor(doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, transportErr
	}), provider)
	require.NoError(t, err)

	_, err = executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return cosmos.Get("https://example.com/dbs"), nil },
		"dbs", "")
	assert.ErrorIs(t, err, transportErr)
}

func TestSend_NilFactoryResultRejected(t *testing.T) {
	source := &queueSource{batches: []keys.AccountKeys{
		{PrimaryMasterKey: oldPrimary, SecondaryMasterKey: oldSecondary},
	}}
	provider, err := keys.NewProvider(source, 5*time.Minute)
	require.NoError(t, err)

	executor, err := cosmos.NewExecutor(http.DefaultClient, provider)
	require.NoError(t, err)

	_, err = executor.Send(context.Background(),
		func(int) (*cosmos.UnsignedRequest, error) { return nil, nil },
		"dbs", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil")
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}
