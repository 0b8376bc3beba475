package azure_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chinmina/cosmos-key-bridge/internal/azure"
	"github.com/chinmina/cosmos-key-bridge/internal/keys"
)

type fakeVaultClient struct {
	secrets map[string]string
	err     error
}

func (f *fakeVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}

	value, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, errors.New("secret not found: " + name)
	}

	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{Value: &value},
	}, nil
}

func TestVaultSource_ReadsBothSecrets(t *testing.T) {
	client := &fakeVaultClient{secrets: map[string]string{
		"cosmos-primary-master-key":   "primary",
		"cosmos-secondary-master-key": "secondary",
	}}

	source := azure.NewVaultSourceWithClient(client,
		"cosmos-primary-master-key", "cosmos-secondary-master-key")

	fetched, err := source.FetchKeys(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "primary", fetched.PrimaryMasterKey)
	assert.Equal(t, "secondary", fetched.SecondaryMasterKey)
}

func TestVaultSource_RejectsEmptySecretValue(t *testing.T) {
	client := &fakeVaultClient{secrets: map[string]string{
		"primary-name":   "",
		"secondary-name": "secondary",
	}}

	source := azure.NewVaultSourceWithClient(client, "primary-name", "secondary-name")

	_, err := source.FetchKeys(context.Background())
	assert.ErrorIs(t, err, keys.ErrInvalidKeys)
}

func TestVaultSource_ForwardsClientError(t *testing.T) {
	clientErr := errors.New("vault unavailable")
	client := &fakeVaultClient{err: clientErr}

	source := azure.NewVaultSourceWithClient(client, "primary-name", "secondary-name")

	_, err := source.FetchKeys(context.Background())
	assert.ErrorIs(t, err, clientErr)
}
