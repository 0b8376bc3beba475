package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/chinmina/cosmos-key-bridge/internal/allowlist"
	"github.com/chinmina/cosmos-key-bridge/internal/audit"
	"github.com/chinmina/cosmos-key-bridge/internal/azure"
	"github.com/chinmina/cosmos-key-bridge/internal/cache"
	"github.com/chinmina/cosmos-key-bridge/internal/config"
	"github.com/chinmina/cosmos-key-bridge/internal/cosmos"
	"github.com/chinmina/cosmos-key-bridge/internal/jwt"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
	"github.com/chinmina/cosmos-key-bridge/internal/observe"
	"github.com/chinmina/cosmos-key-bridge/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// Request bodies carry whole Cosmos DB documents, so the limit is more
	// generous than a typical control API but still bounded.
	requestLimitBytes := int64(4 << 20) // 4 MB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	standardRouteMiddleware := alice.New(requestLimiter)

	// key provider and executor
	source, err := newKeySource(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("key source configuration failed: %w", err)
	}

	provider, err := keys.NewProvider(source, cfg.Keys.MinRefreshInterval())
	if err != nil {
		return nil, fmt.Errorf("key provider configuration failed: %w", err)
	}

	executor, err := cosmos.NewExecutor(
		http.DefaultClient,
		auditingKeys{provider},
		cosmos.WithAPIVersion(cfg.Cosmos.APIVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("executor configuration failed: %w", err)
	}

	allow, err := allowlist.Load(cfg.Cosmos.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("allowlist load failed: %w", err)
	}

	var responseCache cache.ResponseCache[executeResponse]
	if cfg.Cache.Enabled {
		memory, err := cache.NewMemory[executeResponse](cfg.Cache.TTL(), cfg.Cache.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("response cache configuration failed: %w", err)
		}
		hooks.Add("response cache", memory.Close)
		responseCache = memory
	}

	executeHandler := authorizedRouteMiddleware.Then(
		handlePostExecute(executor, allow, cfg.Cosmos.Endpoint, responseCache),
	)
	mux.Handle("POST /execute", executeHandler)

	mux.Handle("POST /admin/refresh", authorizedRouteMiddleware.Then(handlePostRefresh(provider)))
	mux.Handle("GET /admin/keys/status", authorizedRouteMiddleware.Then(handleGetKeyStatus(provider)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	// best-effort cache warm: a failure here surfaces on first use instead
	go func() {
		if err := provider.Refresh(ctx, false); err != nil {
			log.Warn().Err(err).Msg("initial key refresh failed")
		}
	}()

	return mux, nil
}

func newKeySource(cfg config.KeysConfig) (keys.Source, error) {
	switch cfg.Source {
	case "arm":
		return azure.NewARMSource(cfg)
	case "keyvault":
		return azure.NewVaultSource(cfg)
	case "static":
		return keys.StaticSource(cfg.StaticPrimaryKey, cfg.StaticSecondaryKey), nil
	default:
		return nil, fmt.Errorf("unknown key source: %s", cfg.Source)
	}
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}
	hooks.Add("telemetry", func() error {
		shutdownTelemetry()
		return nil
	})

	// setup routing and dependencies
	handler, err := configureServerRoutes(ctx, cfg, hooks)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	err = server.Serve(ctx, cfg.Server, handler, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost
	transport.ResponseHeaderTimeout = 30 * time.Second

	return transport
}
