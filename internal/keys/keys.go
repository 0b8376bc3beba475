package keys

import (
	"context"
	"errors"
	"fmt"
)

// AccountKeys holds the two account master keys issued by the control plane.
// Cosmos DB exposes a primary and a secondary key so that keys can be rotated
// without downtime: normal traffic signs with the primary, the secondary is
// the fallback while a rotation is in progress.
//
// The values are the base64-encoded strings returned by the control plane;
// REST signing uses the base64 form directly as HMAC key input.
type AccountKeys struct {
	PrimaryMasterKey   string
	SecondaryMasterKey string
}

// ErrInvalidKeys indicates the source returned a pair with a missing key.
// Such a pair is never cached.
var ErrInvalidKeys = errors.New("key source returned an empty master key")

// Validate checks that both keys are present.
func (k AccountKeys) Validate() error {
	if k.PrimaryMasterKey == "" {
		return fmt.Errorf("%w: primary", ErrInvalidKeys)
	}
	if k.SecondaryMasterKey == "" {
		return fmt.Errorf("%w: secondary", ErrInvalidKeys)
	}
	return nil
}

// Source fetches the current account master keys from a control-plane source,
// typically Azure Resource Manager. The call is expected to be expensive and
// rate-sensitive relative to data-plane requests; Provider is responsible for
// ensuring it runs rarely and never concurrently with itself.
type Source interface {
	FetchKeys(ctx context.Context) (AccountKeys, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (AccountKeys, error)

func (f SourceFunc) FetchKeys(ctx context.Context) (AccountKeys, error) {
	return f(ctx)
}

// StaticSource returns a Source that always yields the given pair. It suits
// local testing only: a static pair can never converge after a rotation.
func StaticSource(primary, secondary string) Source {
	return SourceFunc(func(ctx context.Context) (AccountKeys, error) {
		return AccountKeys{PrimaryMasterKey: primary, SecondaryMasterKey: secondary}, nil
	})
}
