package externalkms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	kmsapi "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/keyfort/keyfort/internal"
)

type GCPInputs struct {
	// Credential is the service account key as JSON.
	Credential string `mapstructure:"credential" validate:"required"`
	GCPRegion  string `mapstructure:"gcpRegion" validate:"required"`
	// KeyName is "<keyRing>/<cryptoKey>" inside the region's location.
	// Optional for the key-discovery flow, required to encrypt or decrypt.
	KeyName string `mapstructure:"keyName"`
}

// gcpKMSClient is the narrow slice of the Cloud KMS client the provider
// uses, so tests can substitute a fake.
type gcpKMSClient interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error)
	ListKeyRings(ctx context.Context, req *kmspb.ListKeyRingsRequest) ([]*kmspb.KeyRing, error)
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error)
	Close() error
}

// realGCPClient adapts the SDK client, flattening its iterators.
type realGCPClient struct {
	client *kmsapi.KeyManagementClient
}

func (r *realGCPClient) Encrypt(ctx context.Context, req *kmspb.EncryptRequest) (*kmspb.EncryptResponse, error) {
	return r.client.Encrypt(ctx, req)
}

func (r *realGCPClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return r.client.Decrypt(ctx, req)
}

func (r *realGCPClient) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	return r.client.GetCryptoKey(ctx, req)
}

func (r *realGCPClient) ListKeyRings(ctx context.Context, req *kmspb.ListKeyRingsRequest) ([]*kmspb.KeyRing, error) {
	var rings []*kmspb.KeyRing
	it := r.client.ListKeyRings(ctx, req)
	for {
		ring, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

func (r *realGCPClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error) {
	var keys []*kmspb.CryptoKey
	it := r.client.ListCryptoKeys(ctx, req)
	for {
		key, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *realGCPClient) Close() error {
	return r.client.Close()
}

// GCPProvider talks to GCP Cloud KMS in one region-scoped location derived
// from the credential's project id.
type GCPProvider struct {
	client   gcpKMSClient
	inputs   GCPInputs
	location string
}

var _ Provider = (*GCPProvider)(nil)
var _ KeyLister = (*GCPProvider)(nil)

func newGCPProvider(ctx context.Context, inputs map[string]any) (*GCPProvider, error) {
	var in GCPInputs
	if err := decodeInputs(inputs, &in); err != nil {
		return nil, err
	}

	var credential struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(in.Credential), &credential); err != nil || credential.ProjectID == "" {
		return nil, fmt.Errorf("%w: gcp credential is not a service account key", internal.ErrBadRequest)
	}

	client, err := kmsapi.NewKeyManagementClient(ctx, option.WithCredentialsJSON([]byte(in.Credential)))
	if err != nil {
		return nil, ValidationError{Kind: GCP, Message: "could not build client", Err: err}
	}

	return NewGCPProvider(&realGCPClient{client: client}, in, credential.ProjectID), nil
}

// NewGCPProvider wires an already validated input set to a KMS client. Tests
// substitute a fake gcpKMSClient.
func NewGCPProvider(client gcpKMSClient, in GCPInputs, projectID string) *GCPProvider {
	return &GCPProvider{
		client:   client,
		inputs:   in,
		location: fmt.Sprintf("projects/%s/locations/%s", projectID, in.GCPRegion),
	}
}

func (p *GCPProvider) keyPath() (string, error) {
	ring, key, found := strings.Cut(p.inputs.KeyName, "/")
	if !found || ring == "" || key == "" {
		return "", fmt.Errorf("%w: gcp key name must be keyRing/cryptoKey", internal.ErrBadRequest)
	}
	return fmt.Sprintf("%s/keyRings/%s/cryptoKeys/%s", p.location, ring, key), nil
}

func (p *GCPProvider) ValidateConnection(ctx context.Context) error {
	path, err := p.keyPath()
	if err != nil {
		return err
	}

	_, err = p.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: path})
	if err != nil {
		return ValidationError{Kind: GCP, Message: "verify credentials and key access", Err: err}
	}
	return nil
}

func (p *GCPProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	path, err := p.keyPath()
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{Name: path, Plaintext: data})
	if err != nil {
		return nil, ValidationError{Kind: GCP, Message: "encrypt failed", Err: err}
	}
	return resp.Ciphertext, nil
}

func (p *GCPProvider) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	path, err := p.keyPath()
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{Name: path, Ciphertext: blob})
	if err != nil {
		return nil, ValidationError{Kind: GCP, Message: "decrypt failed", Err: err}
	}
	return resp.Plaintext, nil
}

// ListKeys enumerates every crypto key in the location, fanning out over key
// rings concurrently. Used during connection setup, not on the hot path.
// Names are returned as "<keyRing>/<cryptoKey>".
func (p *GCPProvider) ListKeys(ctx context.Context) ([]string, error) {
	rings, err := p.client.ListKeyRings(ctx, &kmspb.ListKeyRingsRequest{Parent: p.location})
	if err != nil {
		return nil, ValidationError{Kind: GCP, Message: "could not list key rings", Err: err}
	}

	var mu sync.Mutex
	var names []string

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ring := range rings {
		ring := ring
		group.Go(func() error {
			keys, err := p.client.ListCryptoKeys(groupCtx, &kmspb.ListCryptoKeysRequest{Parent: ring.Name})
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, key := range keys {
				names = append(names, shortKeyName(key.Name))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, ValidationError{Kind: GCP, Message: "could not list keys", Err: err}
	}

	sort.Strings(names)
	return names, nil
}

// shortKeyName reduces a full resource path to "<keyRing>/<cryptoKey>".
func shortKeyName(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 8 {
		return path
	}
	return parts[5] + "/" + parts[7]
}

func (p *GCPProvider) Cleanup() error {
	return p.client.Close()
}
