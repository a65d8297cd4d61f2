package externalkms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/kms"
	"github.com/keyfort/keyfort/internal/server/models"
)

// PlanChecker gates bring-your-own-key on the organization's billing plan.
type PlanChecker interface {
	AllowsExternalKms(ctx context.Context, orgID uuid.UUID) (bool, error)
}

// AllowAllPlans is the PlanChecker for deployments without a billing
// integration.
type AllowAllPlans struct{}

func (AllowAllPlans) AllowsExternalKms(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}

// Config is the registry's view of one external KMS configuration. Inputs is
// populated only on single-record reads; list responses omit decrypted
// secrets.
type Config struct {
	ID            uuid.UUID
	KmsKeyID      uuid.UUID
	Name          string
	Provider      Kind
	Status        string
	StatusDetails string
	Inputs        map[string]any
}

// Service is the organization-scoped registry of external KMS
// configurations. Provider credentials are stored sealed under the
// organization's internal data key, so external-provider secrets are
// themselves protected by the internal envelope engine.
type Service struct {
	db    *data.DB
	kms   *kms.Service
	plans PlanChecker

	// newProvider is swapped by tests to avoid live cloud clients.
	newProvider func(ctx context.Context, kind Kind, inputs map[string]any) (Provider, error)
}

func NewService(db *data.DB, kmsSvc *kms.Service, plans PlanChecker) *Service {
	if plans == nil {
		plans = AllowAllPlans{}
	}
	return &Service{
		db:          db,
		kms:         kmsSvc,
		plans:       plans,
		newProvider: NewProvider,
	}
}

type CreateOptions struct {
	OrganizationID uuid.UUID
	Name           string
	Provider       Kind
	Inputs         map[string]any
}

// Create validates a new provider configuration end to end before anything
// is persisted: the provider handle is built from the raw inputs, a missing
// AWS key id is auto-provisioned so the stored config always names a
// concrete key, and the connection is validated. Only then are the inputs
// sealed and the key shell plus configuration written in one transaction.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Config, error) {
	allowed, err := s.plans.AllowsExternalKms(ctx, opts.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("checking plan: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: upgrade your plan to use an external KMS", internal.ErrForbidden)
	}

	inputs := opts.Inputs
	err = s.withProvider(ctx, opts.Provider, inputs, func(provider Provider) error {
		if provisioner, ok := provider.(KeyProvisioner); ok {
			augmented, err := provisioner.GenerateInputKmsKey(ctx)
			if err != nil {
				return err
			}
			inputs = augmented
		}
		return provider.ValidateConnection(ctx)
	})
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealInputs(ctx, opts.OrganizationID, inputs)
	if err != nil {
		return nil, err
	}

	var config *models.ExternalKmsConfig
	var shell *models.KmsKey
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		shell, err = s.kms.GenerateKmsKey(tx, kms.GenerateKeyOptions{
			OrganizationID: opts.OrganizationID,
			Name:           opts.Name,
		})
		if err != nil {
			return err
		}

		config = &models.ExternalKmsConfig{
			KmsKeyID:                shell.ID,
			Provider:                string(opts.Provider),
			EncryptedProviderInputs: sealed,
			Status:                  models.ExternalKmsStatusActive,
		}
		return data.CreateExternalKmsConfig(tx, config)
	})
	if err != nil {
		return nil, fmt.Errorf("storing external KMS config: %w", err)
	}

	return &Config{
		ID:       config.ID,
		KmsKeyID: shell.ID,
		Name:     shell.Name,
		Provider: opts.Provider,
		Status:   config.Status,
	}, nil
}

type UpdateOptions struct {
	// Inputs are partial: they are shallow-merged over the stored inputs, so
	// an omitted field keeps its stored value.
	Inputs map[string]any
	Name   string
}

// Update merges partial inputs over the decrypted stored configuration and
// re-validates before persisting. A failed validation leaves the previously
// working configuration untouched.
func (s *Service) Update(ctx context.Context, orgID, id uuid.UUID, opts UpdateOptions) (*Config, error) {
	config, shell, err := s.getOwned(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	stored, err := s.openInputs(ctx, orgID, config.EncryptedProviderInputs)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(stored)+len(opts.Inputs))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range opts.Inputs {
		merged[k] = v
	}

	err = s.withProvider(ctx, Kind(config.Provider), merged, func(provider Provider) error {
		return provider.ValidateConnection(ctx)
	})
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealInputs(ctx, orgID, merged)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		config.EncryptedProviderInputs = sealed
		config.Status = models.ExternalKmsStatusActive
		config.StatusDetails = ""
		if err := data.SaveExternalKmsConfig(tx, config); err != nil {
			return err
		}

		if opts.Name != "" && opts.Name != shell.Name {
			shell.Name = opts.Name
			return data.SaveKmsKey(tx, shell)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing external KMS config: %w", err)
	}

	return s.view(config, shell, merged), nil
}

// SetStatus moves a configuration to disabled or error states without
// touching its stored inputs.
func (s *Service) SetStatus(ctx context.Context, orgID, id uuid.UUID, status, details string) error {
	switch status {
	case models.ExternalKmsStatusActive, models.ExternalKmsStatusDisabled, models.ExternalKmsStatusError:
	default:
		return fmt.Errorf("%w: unsupported status %q", internal.ErrBadRequest, status)
	}

	config, _, err := s.getOwned(ctx, orgID, id)
	if err != nil {
		return err
	}

	config.Status = status
	config.StatusDetails = details
	return data.SaveExternalKmsConfig(s.db.WithContext(ctx), config)
}

// Delete removes the internal key shell; the configuration row and archived
// versions cascade with it.
func (s *Service) Delete(ctx context.Context, orgID, id uuid.UUID) error {
	_, shell, err := s.getOwned(ctx, orgID, id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return data.DeleteKmsKey(tx, shell.ID)
	})
}

// List returns the organization's configurations without decrypted inputs.
func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Config, error) {
	configs, err := data.ListExternalKmsConfigsByOrg(s.db.WithContext(ctx), orgID)
	if err != nil {
		return nil, err
	}

	result := make([]Config, 0, len(configs))
	for i := range configs {
		config := &configs[i]
		shell, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(config.KmsKeyID))
		if err != nil {
			return nil, err
		}
		result = append(result, *s.view(config, shell, nil))
	}
	return result, nil
}

// Get returns one configuration with its decrypted provider inputs.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (*Config, error) {
	config, shell, err := s.getOwned(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	inputs, err := s.openInputs(ctx, orgID, config.EncryptedProviderInputs)
	if err != nil {
		return nil, err
	}
	return s.view(config, shell, inputs), nil
}

// GetByName resolves a configuration by its key shell's name.
func (s *Service) GetByName(ctx context.Context, orgID uuid.UUID, name string) (*Config, error) {
	shell, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByName(name), data.ByOrganizationID(orgID))
	if err != nil {
		return nil, err
	}

	config, err := data.GetExternalKmsConfig(s.db.WithContext(ctx), data.ByKmsKeyID(shell.ID))
	if err != nil {
		return nil, err
	}

	inputs, err := s.openInputs(ctx, orgID, config.EncryptedProviderInputs)
	if err != nil {
		return nil, err
	}
	return s.view(config, shell, inputs), nil
}

// FetchGcpKeys enumerates the crypto keys reachable with the given GCP
// inputs. Stateless: usable during setup before any configuration exists.
func (s *Service) FetchGcpKeys(ctx context.Context, inputs map[string]any) ([]string, error) {
	var keys []string
	err := s.withProvider(ctx, GCP, inputs, func(provider Provider) error {
		lister, ok := provider.(KeyLister)
		if !ok {
			return fmt.Errorf("%w: provider cannot list keys", internal.ErrBadRequest)
		}

		var err error
		keys, err = lister.ListKeys(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Service) withProvider(ctx context.Context, kind Kind, inputs map[string]any, fn func(Provider) error) error {
	provider, err := s.newProvider(ctx, kind, inputs)
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

func (s *Service) getOwned(ctx context.Context, orgID, id uuid.UUID) (*models.ExternalKmsConfig, *models.KmsKey, error) {
	config, err := data.GetExternalKmsConfig(s.db.WithContext(ctx), data.ByID(id))
	if err != nil {
		return nil, nil, err
	}

	shell, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(config.KmsKeyID))
	if err != nil {
		return nil, nil, err
	}
	if shell.OrganizationID == nil || *shell.OrganizationID != orgID {
		return nil, nil, internal.ErrNotFound
	}
	return config, shell, nil
}

func (s *Service) sealInputs(ctx context.Context, orgID uuid.UUID, inputs map[string]any) ([]byte, error) {
	serialized, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("serializing provider inputs: %w", err)
	}

	encryptor, _, err := s.kms.CipherPairForScope(ctx, kms.OrgScope(orgID))
	if err != nil {
		return nil, err
	}

	sealed, err := encryptor(serialized)
	if err != nil {
		return nil, fmt.Errorf("sealing provider inputs: %w", err)
	}
	return sealed, nil
}

func (s *Service) openInputs(ctx context.Context, orgID uuid.UUID, sealed []byte) (map[string]any, error) {
	_, decryptor, err := s.kms.CipherPairForScope(ctx, kms.OrgScope(orgID))
	if err != nil {
		return nil, err
	}

	serialized, err := decryptor(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening provider inputs: %w", err)
	}

	inputs := map[string]any{}
	if err := json.Unmarshal(serialized, &inputs); err != nil {
		return nil, fmt.Errorf("decoding provider inputs: %w", err)
	}
	return inputs, nil
}

func (s *Service) view(config *models.ExternalKmsConfig, shell *models.KmsKey, inputs map[string]any) *Config {
	return &Config{
		ID:            config.ID,
		KmsKeyID:      config.KmsKeyID,
		Name:          shell.Name,
		Provider:      Kind(config.Provider),
		Status:        config.Status,
		StatusDetails: config.StatusDetails,
		Inputs:        inputs,
	}
}
