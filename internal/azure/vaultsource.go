package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/rs/zerolog/log"

	"github.com/chinmina/cosmos-key-bridge/internal/config"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
)

// VaultSecretsAPI is the slice of the Key Vault secrets client used by
// VaultSource. It allows a fake client in tests.
type VaultSecretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// VaultSource fetches account master keys from two Azure Key Vault secrets.
// It suits deployments that mirror the Cosmos keys into Key Vault rather than
// granting workloads listKeys on the account itself.
type VaultSource struct {
	client          VaultSecretsAPI
	primarySecret   string
	secondarySecret string
}

// NewVaultSource creates a Key Vault-backed key source using the default
// Azure credential chain.
func NewVaultSource(cfg config.KeysConfig) (*VaultSource, error) {
	credential, err := newCredential(cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("could not create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(cfg.VaultURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create Key Vault secrets client: %w", err)
	}

	return NewVaultSourceWithClient(client, cfg.PrimarySecretName, cfg.SecondarySecretName), nil
}

// NewVaultSourceWithClient creates a Key Vault-backed key source from an
// existing client. Used by tests to supply a fake.
func NewVaultSourceWithClient(client VaultSecretsAPI, primarySecret, secondarySecret string) *VaultSource {
	return &VaultSource{
		client:          client,
		primarySecret:   primarySecret,
		secondarySecret: secondarySecret,
	}
}

// FetchKeys reads the current version of both secrets.
func (s *VaultSource) FetchKeys(ctx context.Context) (keys.AccountKeys, error) {
	log.Info().
		Str("primarySecret", s.primarySecret).
		Str("secondarySecret", s.secondarySecret).
		Msg("fetching account master keys from Key Vault")

	primary, err := s.secretValue(ctx, s.primarySecret)
	if err != nil {
		return keys.AccountKeys{}, err
	}

	secondary, err := s.secretValue(ctx, s.secondarySecret)
	if err != nil {
		return keys.AccountKeys{}, err
	}

	fetched := keys.AccountKeys{
		PrimaryMasterKey:   primary,
		SecondaryMasterKey: secondary,
	}
	if err := fetched.Validate(); err != nil {
		return keys.AccountKeys{}, err
	}

	return fetched, nil
}

func (s *VaultSource) secretValue(ctx context.Context, name string) (string, error) {
	// empty version resolves to the latest secret version
	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", fmt.Errorf("could not read Key Vault secret %s: %w", name, err)
	}

	if resp.Value == nil {
		return "", nil
	}
	return *resp.Value, nil
}
