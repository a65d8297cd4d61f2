package externalkms

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/server/audit"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/kms"
	"github.com/keyfort/keyfort/internal/server/models"
)

// fakeProvider stands in for a cloud provider. The registry only ever talks
// to it through the Provider capability interfaces.
type fakeProvider struct {
	validateErr error
	provisionID string
	lastInputs  map[string]any
	validations int
	cleanups    int
}

var _ Provider = (*fakeProvider)(nil)
var _ KeyProvisioner = (*fakeProvider)(nil)

func (p *fakeProvider) GenerateInputKmsKey(context.Context) (map[string]any, error) {
	if p.provisionID == "" || p.lastInputs["kmsKeyId"] != nil {
		return p.lastInputs, nil
	}
	augmented := make(map[string]any, len(p.lastInputs)+1)
	for k, v := range p.lastInputs {
		augmented[k] = v
	}
	augmented["kmsKeyId"] = p.provisionID
	return augmented, nil
}

func (p *fakeProvider) ValidateConnection(context.Context) error {
	p.validations++
	return p.validateErr
}

func (p *fakeProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

func (p *fakeProvider) Decrypt(_ context.Context, blob []byte) ([]byte, error) {
	return blob, nil
}

func (p *fakeProvider) Cleanup() error {
	p.cleanups++
	return nil
}

const testMasterSecret = "0123456789abcdef0123456789abcdef"

func setupRegistry(t *testing.T, provider *fakeProvider) (*Service, *data.DB, *models.Organization) {
	t.Helper()

	driver, err := data.NewSQLiteDriver("file::memory:")
	assert.NilError(t, err)
	db, err := data.NewDB(driver)
	assert.NilError(t, err)

	kmsSvc := kms.NewService(db, keystore.NewMemory(), nil, &audit.Recorder{},
		kms.Options{EncryptionKey: testMasterSecret})
	assert.NilError(t, kmsSvc.Start(context.Background()))

	org := &models.Organization{Name: "acme"}
	assert.NilError(t, data.CreateOrganization(db.DB, org))

	svc := NewService(db, kmsSvc, nil)
	svc.newProvider = func(_ context.Context, _ Kind, inputs map[string]any) (Provider, error) {
		provider.lastInputs = inputs
		return provider, nil
	}
	return svc, db, org
}

func createTestConfig(t *testing.T, svc *Service, orgID uuid.UUID, name string) *Config {
	t.Helper()

	config, err := svc.Create(context.Background(), CreateOptions{
		OrganizationID: orgID,
		Name:           name,
		Provider:       AWS,
		Inputs: map[string]any{
			"credentialType": AWSCredentialAccessKey,
			"awsRegion":      "us-east-1",
			"kmsKeyId":       "key-1",
		},
	})
	assert.NilError(t, err)
	return config
}

func TestRegistryCreate(t *testing.T) {
	provider := &fakeProvider{provisionID: "provisioned-key"}
	svc, db, org := setupRegistry(t, provider)
	ctx := context.Background()

	config, err := svc.Create(ctx, CreateOptions{
		OrganizationID: org.ID,
		Name:           "prod-byok",
		Provider:       AWS,
		Inputs: map[string]any{
			"credentialType": AWSCredentialAccessKey,
			"awsRegion":      "us-east-1",
		},
	})
	assert.NilError(t, err)
	assert.Equal(t, config.Name, "prod-byok")
	assert.Equal(t, config.Provider, AWS)
	assert.Equal(t, config.Status, models.ExternalKmsStatusActive)
	assert.Equal(t, provider.validations, 1)
	assert.Equal(t, provider.cleanups, 1)

	// the key shell is a plain org key, not the reserved scope key
	shell, err := data.GetKmsKey(db.DB, data.ByID(config.KmsKeyID))
	assert.NilError(t, err)
	assert.Assert(t, !shell.IsReserved)
	assert.Equal(t, *shell.OrganizationID, org.ID)

	// the stored inputs carry the auto-provisioned key id, sealed
	stored, err := svc.Get(ctx, org.ID, config.ID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Inputs["kmsKeyId"], "provisioned-key")
	assert.Equal(t, stored.Inputs["awsRegion"], "us-east-1")

	raw, err := data.GetExternalKmsConfig(db.DB, data.ByID(config.ID))
	assert.NilError(t, err)
	assert.Assert(t, len(raw.EncryptedProviderInputs) > 0)
}

func TestRegistryCreateValidationFailure(t *testing.T) {
	provider := &fakeProvider{validateErr: errors.New("access denied")}
	svc, db, org := setupRegistry(t, provider)

	_, err := svc.Create(context.Background(), CreateOptions{
		OrganizationID: org.ID,
		Name:           "broken",
		Provider:       AWS,
		Inputs:         map[string]any{"kmsKeyId": "key-1"},
	})
	assert.ErrorContains(t, err, "access denied")

	// nothing was persisted
	keys, err := data.ListKmsKeys(db.DB, data.ByOrganizationID(org.ID), data.ByReserved(false))
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 0)
}

type denyAllPlans struct{}

func (denyAllPlans) AllowsExternalKms(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func TestRegistryCreateRequiresPlan(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	svc.plans = denyAllPlans{}

	_, err := svc.Create(context.Background(), CreateOptions{
		OrganizationID: org.ID,
		Name:           "gated",
		Provider:       AWS,
	})
	assert.ErrorIs(t, err, internal.ErrForbidden)
	assert.Equal(t, provider.validations, 0)
}

func TestRegistryUpdateMergesInputs(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "byok")

	updated, err := svc.Update(ctx, org.ID, config.ID, UpdateOptions{
		Inputs: map[string]any{"kmsKeyId": "key-2"},
	})
	assert.NilError(t, err)

	// the omitted fields keep their stored values
	assert.Equal(t, updated.Inputs["kmsKeyId"], "key-2")
	assert.Equal(t, updated.Inputs["awsRegion"], "us-east-1")

	// validation ran against the merged inputs
	assert.Equal(t, provider.lastInputs["kmsKeyId"], "key-2")
	assert.Equal(t, provider.lastInputs["awsRegion"], "us-east-1")

	stored, err := svc.Get(ctx, org.ID, config.ID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Inputs["kmsKeyId"], "key-2")
}

func TestRegistryUpdateValidationFailureKeepsStored(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "byok")

	provider.validateErr = errors.New("key is pending deletion")
	_, err := svc.Update(ctx, org.ID, config.ID, UpdateOptions{
		Inputs: map[string]any{"kmsKeyId": "deleted-key"},
	})
	assert.ErrorContains(t, err, "key is pending deletion")

	// the previously working configuration is untouched
	stored, err := svc.Get(ctx, org.ID, config.ID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Inputs["kmsKeyId"], "key-1")
	assert.Equal(t, stored.Status, models.ExternalKmsStatusActive)
}

func TestRegistryUpdateRename(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "old-name")

	updated, err := svc.Update(ctx, org.ID, config.ID, UpdateOptions{Name: "new-name"})
	assert.NilError(t, err)
	assert.Equal(t, updated.Name, "new-name")

	byName, err := svc.GetByName(ctx, org.ID, "new-name")
	assert.NilError(t, err)
	assert.Equal(t, byName.ID, config.ID)
}

func TestRegistrySetStatus(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "byok")

	err := svc.SetStatus(ctx, org.ID, config.ID, models.ExternalKmsStatusDisabled, "rotated out")
	assert.NilError(t, err)

	stored, err := svc.Get(ctx, org.ID, config.ID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Status, models.ExternalKmsStatusDisabled)
	assert.Equal(t, stored.StatusDetails, "rotated out")

	err = svc.SetStatus(ctx, org.ID, config.ID, "cancelled", "")
	assert.ErrorIs(t, err, internal.ErrBadRequest)
}

func TestRegistryDelete(t *testing.T) {
	provider := &fakeProvider{}
	svc, db, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "byok")

	assert.NilError(t, svc.Delete(ctx, org.ID, config.ID))

	_, err := data.GetExternalKmsConfig(db.DB, data.ByID(config.ID))
	assert.ErrorIs(t, err, internal.ErrNotFound)
	_, err = data.GetKmsKey(db.DB, data.ByID(config.KmsKeyID))
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestRegistryList(t *testing.T) {
	provider := &fakeProvider{}
	svc, _, org := setupRegistry(t, provider)
	ctx := context.Background()

	createTestConfig(t, svc, org.ID, "byok-1")
	createTestConfig(t, svc, org.ID, "byok-2")

	configs, err := svc.List(ctx, org.ID)
	assert.NilError(t, err)
	assert.Equal(t, len(configs), 2)
	for _, config := range configs {
		// list responses never carry decrypted inputs
		assert.Assert(t, config.Inputs == nil)
	}
}

func TestRegistryScopedToOrganization(t *testing.T) {
	provider := &fakeProvider{}
	svc, db, org := setupRegistry(t, provider)
	ctx := context.Background()
	config := createTestConfig(t, svc, org.ID, "byok")

	other := &models.Organization{Name: "rival"}
	assert.NilError(t, data.CreateOrganization(db.DB, other))

	_, err := svc.Get(ctx, other.ID, config.ID)
	assert.ErrorIs(t, err, internal.ErrNotFound)

	_, err = svc.Update(ctx, other.ID, config.ID, UpdateOptions{Name: "stolen"})
	assert.ErrorIs(t, err, internal.ErrNotFound)

	err = svc.Delete(ctx, other.ID, config.ID)
	assert.ErrorIs(t, err, internal.ErrNotFound)

	configs, err := svc.List(ctx, other.ID)
	assert.NilError(t, err)
	assert.Equal(t, len(configs), 0)
}

func TestRegistryExternalKeysNotRotatedInternally(t *testing.T) {
	provider := &fakeProvider{}
	svc, db, org := setupRegistry(t, provider)
	config := createTestConfig(t, svc, org.ID, "byok")

	// backdate the shell's schedule; custody is external so the rotation
	// scan must still skip it
	shell, err := data.GetKmsKey(db.DB, data.ByID(config.KmsKeyID))
	assert.NilError(t, err)
	due := shell.CreatedAt.AddDate(0, 0, -1)
	shell.NextRotationAt = &due
	assert.NilError(t, data.SaveKmsKey(db.DB, shell))

	keys, err := data.ListKmsKeysDueForRotation(db.DB, shell.CreatedAt, 0, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 0)
}

func TestFetchGcpKeys(t *testing.T) {
	t.Run("provider cannot list", func(t *testing.T) {
		provider := &fakeProvider{}
		svc, _, _ := setupRegistry(t, provider)

		_, err := svc.FetchGcpKeys(context.Background(), map[string]any{})
		assert.ErrorIs(t, err, internal.ErrBadRequest)
	})

	t.Run("keys are listed", func(t *testing.T) {
		provider := &fakeProvider{}
		svc, _, _ := setupRegistry(t, provider)
		svc.newProvider = func(context.Context, Kind, map[string]any) (Provider, error) {
			return &listingProvider{fakeProvider: provider, keys: []string{"ring/key-a", "ring/key-b"}}, nil
		}

		keys, err := svc.FetchGcpKeys(context.Background(), map[string]any{})
		assert.NilError(t, err)
		assert.DeepEqual(t, keys, []string{"ring/key-a", "ring/key-b"})
	})
}

type listingProvider struct {
	*fakeProvider
	keys []string
}

func (p *listingProvider) ListKeys(context.Context) ([]string, error) {
	return p.keys, nil
}
