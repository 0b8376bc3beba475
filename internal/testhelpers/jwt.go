package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-kid"

// GenerateKey generates an RSA key pair for JWT signing in tests.
func GenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return key
}

// StaticJWKS renders the public half of the key as a JWKS document suitable
// for the JWT_JWKS_STATIC configuration value.
func StaticJWKS(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()

	keySet := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       &key.PublicKey,
				KeyID:     testKeyID,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
		},
	}

	serialized, err := json.Marshal(keySet)
	require.NoError(t, err, "failed to marshal JWKS")

	return string(serialized)
}

// SignJWT creates a signed RS256 token with the given identity claims, valid
// for an hour.
func SignJWT(t *testing.T, key *rsa.PrivateKey, issuer, audience, subject string) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key: jose.JSONWebKey{
			Key:       key,
			KeyID:     testKeyID,
			Algorithm: string(jose.RS256),
		},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err, "failed to create signer")

	now := time.Now()
	claims := josejwt.Claims{
		Issuer:   issuer,
		Audience: josejwt.Audience{audience},
		Subject:  subject,
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(time.Hour)),
	}

	token, err := josejwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err, "failed to sign JWT")

	return token
}
