// Package audit provides a fixed format audit log for Cosmos proxy
// operations. Entries are collected in the request context and written when
// the request completes, whether or not a handler panics.
package audit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level used for audit entries. Audit entries are written
// unconditionally, but the level marks them for downstream filtering.
const Level = zerolog.InfoLevel

type entryKey struct{}

// Entry is the accumulated audit state for a single proxied request.
type Entry struct {
	Method        string
	Path          string
	SourceIP      string
	UserAgent     string
	Subject       string
	Status        int
	Error         string
	CosmosMethod  string
	ResourceType  string
	ResourceLink  string
	Attempts      int
	KeysRefreshed bool
	CacheHit      bool
}

// Context returns a context carrying an audit entry, creating one if the
// supplied context has none. The returned entry is mutable and shared by all
// holders of the context.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(entryKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, entryKey{}, entry), entry
}

// Log returns the audit entry for the context, or a discarded placeholder
// when the context has none. Handlers can update the returned entry without
// nil checks.
func Log(ctx context.Context) *Entry {
	if entry, ok := ctx.Value(entryKey{}).(*Entry); ok {
		return entry
	}
	return &Entry{}
}

// Middleware creates an audit entry for each request and writes it when the
// request is complete. A panic in the downstream handler is recorded on the
// entry and re-raised.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)

			sw := &statusWriter{ResponseWriter: w}

			defer entry.End(ctx)()

			next.ServeHTTP(sw, r.WithContext(ctx))

			entry.Status = sw.status()
		})
	}
}

// Begin populates the entry with the details available at the start of a
// request.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.SourceIP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
}

// End returns a function that writes the entry. Deferring the result ensures
// the entry is written even when the handler panics; the panic is recorded
// and propagated.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			if e.Error == "" {
				e.Error = fmt.Sprintf("panic: %v", r)
			} else {
				e.Error = fmt.Sprintf("%s; panic: %v", e.Error, r)
			}
			if e.Status == 0 {
				e.Status = http.StatusInternalServerError
			}

			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		log.Ctx(ctx).WithLevel(Level).
			EmbedObject(e).
			Msg("audit")
	}
}

// MarshalZerologObject writes the entry fields, omitting those that were
// never set.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.
		Str("method", e.Method).
		Str("path", e.Path).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent).
		Int("status", e.Status)

	if e.Subject != "" {
		event.Str("subject", e.Subject)
	}
	if e.Error != "" {
		event.Str("error", e.Error)
	}

	if e.CosmosMethod != "" {
		event.Dict("cosmos", zerolog.Dict().
			Str("method", e.CosmosMethod).
			Str("resourceType", e.ResourceType).
			Str("resourceLink", e.ResourceLink).
			Int("attempts", e.Attempts).
			Bool("keysRefreshed", e.KeysRefreshed).
			Bool("cacheHit", e.CacheHit),
		)
	}
}

// statusWriter captures the response status for the audit entry.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
