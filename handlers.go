package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/chinmina/cosmos-key-bridge/internal/allowlist"
	"github.com/chinmina/cosmos-key-bridge/internal/audit"
	"github.com/chinmina/cosmos-key-bridge/internal/cache"
	"github.com/chinmina/cosmos-key-bridge/internal/cosmos"
	"github.com/chinmina/cosmos-key-bridge/internal/jwt"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
	"github.com/rs/zerolog/log"
)

// auditingKeys decorates a key provider so that a successful forced refresh
// is recorded on the audit entry of the request that triggered it. The
// executor forces a refresh only when a rotation was actually detected, so
// this is the authoritative signal, unlike any inference from attempt counts.
type auditingKeys struct {
	cosmos.KeyProvider
}

func (a auditingKeys) Refresh(ctx context.Context, force bool) error {
	err := a.KeyProvider.Refresh(ctx, force)
	if err == nil && force {
		audit.Log(ctx).KeysRefreshed = true
	}
	return err
}

// executeRequest is the client's description of a data-plane operation. The
// bridge signs and forwards it; the client never holds key material.
type executeRequest struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	ResourceType string            `json:"resourceType"`
	ResourceLink string            `json:"resourceLink"`
	Body         string            `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func (e *executeRequest) validate() error {
	if e.Method == "" {
		return errors.New("method is required")
	}
	if !strings.HasPrefix(e.Path, "/") {
		return errors.New("path must begin with /")
	}
	if e.ResourceType == "" {
		return errors.New("resourceType is required")
	}
	return nil
}

// cacheKey identifies a cacheable read by everything the bridge forwards
// upstream. Headers are part of the key because Cosmos GET responses vary by
// headers such as x-ms-documentdb-partitionkey, x-ms-continuation and
// x-ms-max-item-count; two reads that differ only in those must never share
// a cache entry.
func (e *executeRequest) cacheKey() string {
	h := sha256.New()
	for _, part := range []string{e.Path, e.ResourceType, e.ResourceLink, e.Body} {
		io.WriteString(h, part)
		h.Write([]byte{0})
	}

	headers := make([]string, 0, len(e.Headers))
	for name, value := range e.Headers {
		headers = append(headers, strings.ToLower(name)+"\x00"+value)
	}
	sort.Strings(headers)
	for _, header := range headers {
		io.WriteString(h, header)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// executeResponse relays the upstream result. Status is the Cosmos DB
// response status, not the bridge's.
type executeResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func handlePostExecute(
	executor *cosmos.Executor,
	allow *allowlist.Allowlist,
	endpoint string,
	responseCache cache.ResponseCache[executeResponse],
) http.Handler {
	endpoint = strings.TrimSuffix(endpoint, "/")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		entry := audit.Log(ctx)
		if subject, ok := jwt.SubjectFromContext(ctx); ok {
			entry.Subject = subject
		}

		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Info().Msgf("invalid execute request: %v", err)
			requestError(w, http.StatusBadRequest)
			return
		}
		if err := req.validate(); err != nil {
			entry.Error = err.Error()
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		req.Method = strings.ToUpper(req.Method)
		entry.CosmosMethod = req.Method
		entry.ResourceType = req.ResourceType
		entry.ResourceLink = req.ResourceLink

		if !allow.Allows(req.Method, req.ResourceType, req.ResourceLink) {
			entry.Error = "operation not allowed"
			log.Info().
				Str("method", req.Method).
				Str("resourceType", req.ResourceType).
				Str("resourceLink", req.ResourceLink).
				Msg("operation refused by allowlist")
			writeJSONError(w, http.StatusForbidden, "operation not allowed")
			return
		}

		cacheable := responseCache != nil && req.Method == http.MethodGet
		if cacheable {
			if cached, ok, err := responseCache.Get(ctx, req.cacheKey()); err == nil && ok {
				entry.CacheHit = true
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}

		attempts := 0
		factory := func(attempt int) (*cosmos.UnsignedRequest, error) {
			attempts++

			header := http.Header{}
			for name, value := range req.Headers {
				header.Set(name, value)
			}

			var body io.Reader
			if req.Body != "" {
				body = strings.NewReader(req.Body)
			}

			return &cosmos.UnsignedRequest{
				Method: req.Method,
				URL:    endpoint + req.Path,
				Header: header,
				Body:   body,
			}, nil
		}

		resp, err := executor.Send(ctx, factory, req.ResourceType, req.ResourceLink)

		entry.Attempts = attempts

		if err != nil {
			entry.Error = err.Error()
			log.Info().Msgf("upstream request failed: %v", err)
			writeJSONError(w, http.StatusBadGateway, "upstream request failed")
			return
		}
		defer resp.Body.Close()

		result, err := relayResponse(resp)
		if err != nil {
			entry.Error = err.Error()
			log.Info().Msgf("upstream response read failed: %v", err)
			writeJSONError(w, http.StatusBadGateway, "upstream response read failed")
			return
		}

		if cacheable && result.Status == http.StatusOK {
			if err := responseCache.Set(ctx, req.cacheKey(), result); err != nil {
				log.Info().Msgf("response cache store failed: %v", err)
			}
		}

		writeJSON(w, http.StatusOK, result)
	})
}

// maxRelayBodyBytes bounds what the bridge will buffer from Cosmos DB for a
// single response.
const maxRelayBodyBytes = 4 << 20 // 4 MB

func relayResponse(resp *http.Response) (executeResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBodyBytes))
	if err != nil {
		return executeResponse{}, fmt.Errorf("reading upstream body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return executeResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(body),
	}, nil
}

func handlePostRefresh(provider *keys.Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		if subject, ok := jwt.SubjectFromContext(r.Context()); ok {
			entry.Subject = subject
		}

		if err := provider.Refresh(r.Context(), true); err != nil {
			entry.Error = err.Error()
			log.Info().Msgf("forced key refresh failed: %v", err)
			writeJSONError(w, http.StatusBadGateway, "key refresh failed")
			return
		}

		entry.KeysRefreshed = true
		w.WriteHeader(http.StatusNoContent)
	})
}

// keyStatusResponse reports provider state without exposing key material.
type keyStatusResponse struct {
	Cached      bool   `json:"cached"`
	LastRefresh string `json:"lastRefresh,omitempty"`
}

func handleGetKeyStatus(provider *keys.Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		entry := audit.Log(r.Context())
		if subject, ok := jwt.SubjectFromContext(r.Context()); ok {
			entry.Subject = subject
		}

		cached, lastRefresh := provider.Status()

		status := keyStatusResponse{Cached: cached}
		if !lastRefresh.IsZero() {
			status.LastRefresh = lastRefresh.UTC().Format(time.RFC3339)
		}

		writeJSON(w, http.StatusOK, status)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// status is already written, logging is all that's left
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
