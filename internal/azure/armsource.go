package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/cosmos/armcosmos/v3"
	"github.com/rs/zerolog/log"

	"github.com/chinmina/cosmos-key-bridge/internal/config"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
)

// ARMKeysAPI is the slice of the ARM database accounts client used by
// ARMSource. It allows a fake client in tests.
type ARMKeysAPI interface {
	ListKeys(ctx context.Context, resourceGroupName string, accountName string, options *armcosmos.DatabaseAccountsClientListKeysOptions) (armcosmos.DatabaseAccountsClientListKeysResponse, error)
}

// ARMSource fetches account master keys from Azure Resource Manager.
//
// The control-plane identity requires the
// Microsoft.DocumentDB/databaseAccounts/listKeys/action RBAC permission.
type ARMSource struct {
	client        ARMKeysAPI
	resourceGroup string
	accountName   string
}

// NewARMSource creates an ARM-backed key source using the default Azure
// credential chain (environment, workload identity, managed identity, CLI).
func NewARMSource(cfg config.KeysConfig) (*ARMSource, error) {
	credential, err := newCredential(cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("could not create Azure credential: %w", err)
	}

	client, err := armcosmos.NewDatabaseAccountsClient(cfg.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create ARM database accounts client: %w", err)
	}

	return NewARMSourceWithClient(client, cfg.ResourceGroup, cfg.AccountName), nil
}

// NewARMSourceWithClient creates an ARM-backed key source from an existing
// client. Used by tests to supply a fake.
func NewARMSourceWithClient(client ARMKeysAPI, resourceGroup, accountName string) *ARMSource {
	return &ARMSource{
		client:        client,
		resourceGroup: resourceGroup,
		accountName:   accountName,
	}
}

// FetchKeys lists the account keys via ARM.
func (s *ARMSource) FetchKeys(ctx context.Context) (keys.AccountKeys, error) {
	log.Info().
		Str("resourceGroup", s.resourceGroup).
		Str("account", s.accountName).
		Msg("fetching account master keys from ARM")

	resp, err := s.client.ListKeys(ctx, s.resourceGroup, s.accountName, nil)
	if err != nil {
		return keys.AccountKeys{}, fmt.Errorf("ARM listKeys failed for %s/%s: %w", s.resourceGroup, s.accountName, err)
	}

	fetched := keys.AccountKeys{
		PrimaryMasterKey:   deref(resp.PrimaryMasterKey),
		SecondaryMasterKey: deref(resp.SecondaryMasterKey),
	}
	if err := fetched.Validate(); err != nil {
		return keys.AccountKeys{}, err
	}

	return fetched, nil
}

func newCredential(tenantID string) (azcore.TokenCredential, error) {
	options := &azidentity.DefaultAzureCredentialOptions{}
	if tenantID != "" {
		options.TenantID = tenantID
	}
	return azidentity.NewDefaultAzureCredential(options)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
