package jwt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/rs/zerolog/log"

	"github.com/chinmina/cosmos-key-bridge/internal/config"
)

// Middleware returns HTTP middleware that verifies the bearer JWT and
// enforces issuer and audience. The validated claims are set on the request
// context and can be retrieved with SubjectFromContext.
func Middleware(cfg config.AuthorizationConfig) (func(http.Handler) http.Handler, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	// allow for static configuration when testing
	keyFunc := remoteJWKS(issuerURL)
	if cfg.ConfigurationStatic != "" {
		keyFunc, err = staticJWKS(cfg.ConfigurationStatic)
		if err != nil {
			return nil, err
		}
	}

	jwtValidator, err := validator.New(
		keyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{cfg.Audience},
		validator.WithAllowedClockSkew(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	middleware := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(errorHandler()),
	)

	return middleware.CheckJWT, nil
}

func remoteJWKS(issuerURL *url.URL) func(context.Context) (interface{}, error) {
	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)
	return provider.KeyFunc
}

func staticJWKS(configuration string) (func(context.Context) (interface{}, error), error) {
	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(configuration), &keySet); err != nil {
		return nil, fmt.Errorf("invalid static JWKS configuration: %w", err)
	}

	return func(context.Context) (interface{}, error) {
		return &keySet, nil
	}, nil
}

func errorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		log.Info().Err(err).Msg("request authorization failed")
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

// SubjectFromContext returns the subject of the validated token, or false
// when the request was not authorized by the middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	claims, ok := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok || claims == nil {
		return "", false
	}
	return claims.RegisteredClaims.Subject, true
}

// ContextWithSubject returns a context carrying validated claims for the
// given subject. This is primarily for test usage.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, jwtmiddleware.ContextKey{}, &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{Subject: subject},
	})
}
