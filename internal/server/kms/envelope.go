package kms

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/crypto"
	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/models"
)

// Ciphertext blobs end in a fixed-length ASCII marker naming the envelope
// format version. The blob carries no key identifier; the data key is always
// located through the caller supplied scope or key id.
const (
	versionTag       = "v01"
	versionTagLength = 3
)

// Encryptor seals a plaintext under a data key and appends the format
// version tag.
type Encryptor func(plaintext []byte) ([]byte, error)

// Decryptor strips and checks the version tag, then opens the remainder. A
// truncated blob, unknown tag, tampered payload, or wrong key all fail with
// the same undifferentiated error.
type Decryptor func(cipherTextBlob []byte) ([]byte, error)

// Scope identifies the owner of a data key. Exactly one of OrganizationID
// and ProjectID is set.
type Scope struct {
	OrganizationID uuid.UUID
	ProjectID      uuid.UUID
}

func OrgScope(orgID uuid.UUID) Scope {
	return Scope{OrganizationID: orgID}
}

func ProjectScope(projectID uuid.UUID) Scope {
	return Scope{ProjectID: projectID}
}

func (s Scope) validate() error {
	if (s.OrganizationID == uuid.Nil) == (s.ProjectID == uuid.Nil) {
		return fmt.Errorf("%w: scope requires exactly one of organization or project", internal.ErrBadRequest)
	}
	return nil
}

func (s Scope) id() uuid.UUID {
	if s.OrganizationID != uuid.Nil {
		return s.OrganizationID
	}
	return s.ProjectID
}

// CipherPairForScope returns a reusable encryptor and decryptor closed over
// the scope's data key, creating the key on first use. This is the contract
// every other subsystem depends on for envelope encryption.
func (s *Service) CipherPairForScope(ctx context.Context, scope Scope) (Encryptor, Decryptor, error) {
	if err := scope.validate(); err != nil {
		return nil, nil, err
	}

	key, err := s.scopeDataKey(ctx, scope)
	if err != nil {
		return nil, nil, err
	}

	dataKey, err := crypto.Decrypt(key.EncryptedKey, s.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrapping data key %s: %w", key.ID, err)
	}

	encryptor, decryptor := cipherPair(dataKey)
	return encryptor, decryptor, nil
}

// EncryptorForKey returns an encryptor bound to a specific data key,
// addressed by id rather than by scope. Used by internal system flows.
func (s *Service) EncryptorForKey(ctx context.Context, keyID uuid.UUID) (Encryptor, error) {
	dataKey, err := s.unwrapKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	encryptor, _ := cipherPair(dataKey)
	return encryptor, nil
}

// DecryptorForKey is the decryption counterpart of EncryptorForKey.
func (s *Service) DecryptorForKey(ctx context.Context, keyID uuid.UUID) (Decryptor, error) {
	dataKey, err := s.unwrapKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	_, decryptor := cipherPair(dataKey)
	return decryptor, nil
}

// Encrypt seals plaintext under the data key with id keyID.
func (s *Service) Encrypt(ctx context.Context, keyID uuid.UUID, plaintext []byte) ([]byte, error) {
	encryptor, err := s.EncryptorForKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return encryptor(plaintext)
}

// Decrypt opens a blob sealed under the data key with id keyID.
func (s *Service) Decrypt(ctx context.Context, keyID uuid.UUID, cipherTextBlob []byte) ([]byte, error) {
	decryptor, err := s.DecryptorForKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return decryptor(cipherTextBlob)
}

// ConfigureFieldEncryption wires models.EncryptedAtRest to the scope's data
// key, so gorm fields of that type are sealed transparently. Called once at
// startup after Start.
func (s *Service) ConfigureFieldEncryption(ctx context.Context, scope Scope) error {
	encryptor, decryptor, err := s.CipherPairForScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("configuring field encryption: %w", err)
	}

	models.SealField = encryptor
	models.OpenField = decryptor
	return nil
}

func cipherPair(dataKey []byte) (Encryptor, Decryptor) {
	encryptor := func(plaintext []byte) ([]byte, error) {
		blob, err := crypto.Encrypt(plaintext, dataKey)
		if err != nil {
			return nil, err
		}
		return append(blob, versionTag...), nil
	}

	decryptor := func(cipherTextBlob []byte) ([]byte, error) {
		if len(cipherTextBlob) <= versionTagLength {
			return nil, crypto.ErrDecryptionFailed
		}
		split := len(cipherTextBlob) - versionTagLength
		if string(cipherTextBlob[split:]) != versionTag {
			return nil, crypto.ErrDecryptionFailed
		}
		return crypto.Decrypt(cipherTextBlob[:split], dataKey)
	}

	return encryptor, decryptor
}

func (s *Service) unwrapKey(ctx context.Context, keyID uuid.UUID) ([]byte, error) {
	key, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(keyID))
	if err != nil {
		return nil, fmt.Errorf("kms key %s: %w", keyID, err)
	}

	dataKey, err := crypto.Decrypt(key.EncryptedKey, s.rootKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key %s: %w", keyID, err)
	}
	return dataKey, nil
}

// scopeDataKey finds the scope's reserved key, or creates it on first use.
// Creation takes a short lock so concurrently starting callers do not race
// the insert; if the lock times out the insert race is still collapsed by
// the scope's unique index and the loser re-fetches.
func (s *Service) scopeDataKey(ctx context.Context, scope Scope) (*models.KmsKey, error) {
	key, err := data.GetKmsKey(s.db.WithContext(ctx), scopeSelectors(scope)...)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, internal.ErrNotFound) {
		return nil, err
	}

	lockKey := keystore.KmsScopeKeyLock + scope.id().String()
	readyKey := keystore.KmsScopeKeyReady + scope.id().String()

	lock, err := s.store.AcquireLock(ctx, []string{lockKey}, scopeKeyLockTTL,
		keystore.LockOptions{RetryCount: rootLockRetries})
	if errors.Is(err, keystore.ErrLockNotAcquired) {
		err := s.store.WaitTillReady(ctx, readyKey,
			func(value string) bool { return value == rootReadyValue },
			keystore.WaitOptions{
				OnWait: func() { logging.Infof("kms: waiting for scope data key to be created") },
			})
		if err != nil {
			return nil, fmt.Errorf("waiting for scope data key: %w", err)
		}
		return data.GetKmsKey(s.db.WithContext(ctx), scopeSelectors(scope)...)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring scope key lock: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logging.Warnf("kms: releasing scope key lock: %s", err)
		}
	}()

	// second lookup under the lock. Another instance may have created the
	// key after our first miss; publish readiness anyway, or a caller that
	// spent its lock retries sits out the full wait for a key that exists.
	key, err = data.GetKmsKey(s.db.WithContext(ctx), scopeSelectors(scope)...)
	if err == nil {
		s.publishScopeReady(ctx, readyKey)
		return key, nil
	}
	if !errors.Is(err, internal.ErrNotFound) {
		return nil, err
	}

	var created *models.KmsKey
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.GenerateKmsKey(tx, GenerateKeyOptions{
			OrganizationID: scope.OrganizationID,
			ProjectID:      scope.ProjectID,
			IsReserved:     true,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, internal.ErrDuplicate) {
			s.publishScopeReady(ctx, readyKey)
			return data.GetKmsKey(s.db.WithContext(ctx), scopeSelectors(scope)...)
		}
		return nil, fmt.Errorf("creating scope data key: %w", err)
	}

	s.publishScopeReady(ctx, readyKey)
	return created, nil
}

// publishScopeReady is best effort: a waiter that misses the signal fails
// its request, and the retry finds the key on the first lookup.
func (s *Service) publishScopeReady(ctx context.Context, readyKey string) {
	if err := s.store.SetItemWithExpiry(ctx, readyKey, rootReadyValue, scopeKeyReadyTTL); err != nil {
		logging.Warnf("kms: publishing scope key readiness: %s", err)
	}
}

func scopeSelectors(scope Scope) []data.SelectorFunc {
	selectors := []data.SelectorFunc{data.ByReserved(true)}
	if scope.OrganizationID != uuid.Nil {
		return append(selectors, data.ByOrganizationID(scope.OrganizationID))
	}
	return append(selectors, data.ByProjectID(scope.ProjectID))
}

// GenerateKeyOptions control key creation. The zero Name gets a random
// suffix. User created keys pass IsReserved false; at most one reserved key
// exists per scope.
type GenerateKeyOptions struct {
	OrganizationID uuid.UUID
	ProjectID      uuid.UUID
	Name           string
	IsReserved     bool
	// RotationIntervalDays overrides the service default when positive.
	RotationIntervalDays int
}

// GenerateKmsKey creates a new data key inside the caller's transaction: 32
// random bytes wrapped under the in-memory root key. The plaintext key
// material is discarded before returning.
func (s *Service) GenerateKmsKey(tx *gorm.DB, opts GenerateKeyOptions) (*models.KmsKey, error) {
	if (opts.OrganizationID == uuid.Nil) == (opts.ProjectID == uuid.Nil) {
		return nil, fmt.Errorf("%w: key requires exactly one of organization or project", internal.ErrBadRequest)
	}

	material, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	wrapped, err := crypto.Encrypt(material, s.rootKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}

	name := opts.Name
	if name == "" {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, err
		}
		name = "key-" + suffix
	}

	intervalDays := opts.RotationIntervalDays
	if intervalDays < 1 {
		intervalDays = s.options.rotationIntervalDays()
	}
	nextRotation := time.Now().UTC().AddDate(0, 0, intervalDays)

	key := &models.KmsKey{
		Name:                 name,
		Version:              1,
		EncryptedKey:         wrapped,
		EncryptionAlgorithm:  models.EncryptionAlgorithmAESGCM256,
		IsReserved:           opts.IsReserved,
		RotationIntervalDays: intervalDays,
		NextRotationAt:       &nextRotation,
	}
	if opts.OrganizationID != uuid.Nil {
		key.OrganizationID = &opts.OrganizationID
	}
	if opts.ProjectID != uuid.Nil {
		key.ProjectID = &opts.ProjectID
	}

	if err := data.CreateKmsKey(tx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func randomSuffix() (string, error) {
	b, err := crypto.RandomBytes(5)
	if err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)), nil
}
