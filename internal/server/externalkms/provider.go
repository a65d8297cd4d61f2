// Package externalkms lets an organization delegate key custody to a cloud
// provider instead of the platform's internal root key. It contains the
// per-provider capability implementations (AWS KMS, GCP Cloud KMS) and the
// registry service that stores provider configurations, sealed under the
// organization's internal data key.
package externalkms

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/logging"
)

// Kind is the closed set of supported providers.
type Kind string

const (
	AWS Kind = "aws"
	GCP Kind = "gcp"
)

// Provider is the capability contract every cloud provider implements.
// Encrypt and Decrypt delegate to the provider's named key; ValidateConnection
// performs a cheap read to prove the credentials and key are usable.
type Provider interface {
	ValidateConnection(ctx context.Context) error
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, blob []byte) ([]byte, error)
	// Cleanup releases client-side resources. It must be safe to call
	// regardless of whether earlier calls succeeded.
	Cleanup() error
}

// KeyProvisioner is implemented by providers that can create a managed cloud
// key when the configuration does not already name one. Calling it with a
// key id already set returns the inputs unchanged, so reconnecting never
// silently creates a second key.
type KeyProvisioner interface {
	GenerateInputKmsKey(ctx context.Context) (map[string]any, error)
}

// KeyLister is implemented by providers that can enumerate candidate keys
// for connection-setup UI.
type KeyLister interface {
	ListKeys(ctx context.Context) ([]string, error)
}

// ValidationError wraps a provider failure in a user-facing message. The
// provider's message is carried when safe to expose; raw credential material
// never is.
type ValidationError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("failed to validate connection to %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("failed to validate connection to %s", e.Kind)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

func (e ValidationError) Is(other error) bool {
	// nolint:errorlint // comparing with == is correct here, the caller uses Unwrap.
	return other == internal.ErrBadRequest
}

// NewProvider decodes and schema-validates raw configuration, then
// constructs a live provider handle. Malformed inputs fail before any
// network client is built.
func NewProvider(ctx context.Context, kind Kind, inputs map[string]any) (Provider, error) {
	switch kind {
	case AWS:
		return newAWSProvider(ctx, inputs)
	case GCP:
		return newGCPProvider(ctx, inputs)
	default:
		return nil, fmt.Errorf("%w: unsupported external KMS provider %q", internal.ErrBadRequest, kind)
	}
}

// WithProvider runs fn with a provider handle and guarantees Cleanup on
// every exit path, including a panic inside fn.
func WithProvider(ctx context.Context, kind Kind, inputs map[string]any, fn func(Provider) error) error {
	provider, err := NewProvider(ctx, kind, inputs)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Cleanup(); err != nil {
			logging.Warnf("external kms: cleaning up %s provider: %s", kind, err)
		}
	}()

	return fn(provider)
}

var validate = validator.New()

// decodeInputs maps raw configuration onto a typed input struct and
// validates it.
func decodeInputs(inputs map[string]any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: result,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(inputs); err != nil {
		return fmt.Errorf("%w: decoding provider inputs: %v", internal.ErrBadRequest, err)
	}
	if err := validate.Struct(result); err != nil {
		return fmt.Errorf("%w: invalid provider inputs: %v", internal.ErrBadRequest, err)
	}
	return nil
}
