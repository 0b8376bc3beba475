package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("COSMOS_ENDPOINT", "https://test-account.documents.azure.com")
	t.Setenv("COSMOS_ALLOWLIST_PATH", "allowlist.yaml")
	t.Setenv("JWT_ISSUER_URL", "https://issuer.example.com/")
	t.Setenv("KEYS_ARM_SUBSCRIPTION_ID", "sub-id")
	t.Setenv("KEYS_ARM_RESOURCE_GROUP", "rg")
	t.Setenv("KEYS_ARM_ACCOUNT_NAME", "test-account")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "2018-12-31", cfg.Cosmos.APIVersion)
	assert.Equal(t, "arm", cfg.Keys.Source)
	assert.Equal(t, 300, cfg.Keys.MinRefreshIntervalSeconds)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "cosmos-key-bridge", cfg.Authorization.Audience)
}

func TestLoad_ARMRequiresAccountSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_ARM_ACCOUNT_NAME", "")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYS_ARM_ACCOUNT_NAME")
}

func TestLoad_KeyVaultSource(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_SOURCE", "keyvault")
	t.Setenv("KEYS_VAULT_URL", "https://test-vault.vault.azure.net/")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cosmos-primary-master-key", cfg.Keys.PrimarySecretName)
	assert.Equal(t, "cosmos-secondary-master-key", cfg.Keys.SecondarySecretName)
}

func TestLoad_KeyVaultRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_SOURCE", "keyvault")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYS_VAULT_URL")
}

func TestLoad_StaticRequiresBothKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_SOURCE", "static")
	t.Setenv("KEYS_STATIC_PRIMARY", "AA==")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYS_STATIC_SECONDARY")
}

func TestLoad_UnknownSourceRejected(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_SOURCE", "vault9000")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key source")
}

func TestLoad_NegativeRefreshIntervalRejected(t *testing.T) {
	setRequired(t)
	t.Setenv("KEYS_MIN_REFRESH_INTERVAL_SECS", "-1")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-negative")
}

func TestKeysConfig_MinRefreshInterval(t *testing.T) {
	c := KeysConfig{MinRefreshIntervalSeconds: 90}
	assert.Equal(t, "1m30s", c.MinRefreshInterval().String())
}
