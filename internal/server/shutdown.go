package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

type namedHook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects cleanup actions to run when the server stops.
// Hooks run in registration order, and a failing hook never prevents the
// remaining hooks from running.
type ShutdownHooks struct {
	hooks []namedHook
}

// AddContext registers a hook that receives the shutdown context. The
// context carries the shutdown deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("nil shutdown hook ignored")
		return
	}

	s.hooks = append(s.hooks, namedHook{name: name, fn: hook})
}

// Add registers a hook that needs no context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("nil shutdown hook ignored")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddClose registers a hook for a resource with a Close method.
func (s *ShutdownHooks) AddClose(name string, closer interface{ Close() }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("nil shutdown hook ignored")
		return
	}

	s.AddContext(name, func(context.Context) error {
		closer.Close()
		return nil
	})
}

// Execute runs the registered hooks in order, logging each outcome.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	l := log.Ctx(ctx)
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown hook failed")
		} else {
			hookLog.Info().Msg("shutdown hook complete")
		}
	}
}
