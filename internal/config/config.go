package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Cosmos        CosmosConfig
	Keys          KeysConfig
	Observe       ObserveConfig
	Server        ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// CosmosConfig specifies the data-plane endpoint used for proxied requests.
type CosmosConfig struct {
	// Endpoint is the Cosmos DB account endpoint, e.g.
	// https://my-account.documents.azure.com
	Endpoint string `env:"COSMOS_ENDPOINT, required"`

	// APIVersion is sent as the x-ms-version header on signed requests.
	APIVersion string `env:"COSMOS_API_VERSION, default=2018-12-31"`

	// AllowlistPath is the path to the YAML file describing which data-plane
	// operations the bridge will sign and forward. Requests outside the
	// allowlist are refused.
	AllowlistPath string `env:"COSMOS_ALLOWLIST_PATH, required"`
}

// KeysConfig specifies how account master keys are sourced and how often the
// control plane may be consulted.
type KeysConfig struct {
	// Source selects the key source implementation: "arm" (default),
	// "keyvault" or "static".
	Source string `env:"KEYS_SOURCE, default=arm"`

	// MinRefreshIntervalSeconds throttles non-forced control-plane refreshes.
	MinRefreshIntervalSeconds int `env:"KEYS_MIN_REFRESH_INTERVAL_SECS, default=300"`

	// ARM control-plane settings (KEYS_SOURCE=arm).
	SubscriptionID string `env:"KEYS_ARM_SUBSCRIPTION_ID"`
	ResourceGroup  string `env:"KEYS_ARM_RESOURCE_GROUP"`
	AccountName    string `env:"KEYS_ARM_ACCOUNT_NAME"`
	TenantID       string `env:"KEYS_ARM_TENANT_ID"`

	// Key Vault settings (KEYS_SOURCE=keyvault). The two secrets hold the
	// current primary and secondary master keys.
	VaultURL            string `env:"KEYS_VAULT_URL"`
	PrimarySecretName   string `env:"KEYS_VAULT_PRIMARY_SECRET, default=cosmos-primary-master-key"`
	SecondarySecretName string `env:"KEYS_VAULT_SECONDARY_SECRET, default=cosmos-secondary-master-key"`

	// Static keys for local testing (KEYS_SOURCE=static). These bypass the
	// control plane entirely, so rotation fallback cannot converge.
	StaticPrimaryKey   string `env:"KEYS_STATIC_PRIMARY"`
	StaticSecondaryKey string `env:"KEYS_STATIC_SECONDARY"`
}

// CacheConfig specifies the opt-in response cache for proxied reads.
type CacheConfig struct {
	// Enabled turns on caching of successful GET responses.
	Enabled bool `env:"CACHE_ENABLED, default=false"`

	TTLSeconds int `env:"CACHE_TTL_SECS, default=5"`
	MaxSize    int `env:"CACHE_MAX_SIZE, default=1000"`
}

type AuthorizationConfig struct {
	Audience            string `env:"JWT_AUDIENCE, default=cosmos-key-bridge"`
	IssuerURL           string `env:"JWT_ISSUER_URL, required"`
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=cosmos-key-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Keys.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid keys configuration: %w", err)
	}

	return cfg, nil
}

// MinRefreshInterval returns the configured refresh throttle as a duration.
func (c KeysConfig) MinRefreshInterval() time.Duration {
	return time.Duration(c.MinRefreshIntervalSeconds) * time.Second
}

// Validate checks that the key source configuration is complete.
func (c *KeysConfig) Validate() error {
	if c.MinRefreshIntervalSeconds < 0 {
		return fmt.Errorf("KEYS_MIN_REFRESH_INTERVAL_SECS must be non-negative")
	}

	switch c.Source {
	case "arm":
		if c.SubscriptionID == "" || c.ResourceGroup == "" || c.AccountName == "" {
			return fmt.Errorf("KEYS_ARM_SUBSCRIPTION_ID, KEYS_ARM_RESOURCE_GROUP and KEYS_ARM_ACCOUNT_NAME required when KEYS_SOURCE=arm")
		}
	case "keyvault":
		if c.VaultURL == "" {
			return fmt.Errorf("KEYS_VAULT_URL required when KEYS_SOURCE=keyvault")
		}
	case "static":
		if c.StaticPrimaryKey == "" || c.StaticSecondaryKey == "" {
			return fmt.Errorf("KEYS_STATIC_PRIMARY and KEYS_STATIC_SECONDARY required when KEYS_SOURCE=static")
		}
	default:
		return fmt.Errorf("unknown key source: %s", c.Source)
	}

	return nil
}

// TTL returns the response cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
