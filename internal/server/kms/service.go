// Package kms owns the deployment's root encryption key and performs
// envelope encryption for every other subsystem. The root key wraps
// per-scope data keys, data keys seal payloads, and neither ever leaves
// process memory unwrapped.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/crypto"
	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/audit"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/models"
	"github.com/keyfort/keyfort/internal/server/queue"
)

// RootConfigID is the fixed identifier of the root config singleton. Two
// instances racing to bootstrap both insert this id; the loser's insert
// fails on the primary key and it re-reads the winner's row.
var RootConfigID = uuid.Nil

const (
	rootLockTTL      = 3 * time.Second
	rootLockRetries  = 3
	rootReadyTTL     = 10 * time.Second
	rootReadyValue   = "true"
	scopeKeyLockTTL  = 3 * time.Second
	scopeKeyReadyTTL = 10 * time.Second
)

type Options struct {
	// EncryptionKey is the master secret as raw UTF-8, taken from
	// deployment configuration.
	EncryptionKey string
	// RootEncryptionKey is the master secret base64-encoded. Used only when
	// EncryptionKey is not set.
	RootEncryptionKey string

	// RotationIntervalDays is the default schedule applied to new keys.
	RotationIntervalDays int
	// RotationBatchSize is how many due keys one scan pass enqueues at a
	// time.
	RotationBatchSize int
	// RotationRetryLimit is the number of re-deliveries of a failed
	// rotation job before it is terminal.
	RotationRetryLimit int
	// RotationRetainedVersions is how many archived key versions are kept
	// per key.
	RotationRetainedVersions int
}

func (o Options) rotationIntervalDays() int {
	if o.RotationIntervalDays < 1 {
		return 30
	}
	return o.RotationIntervalDays
}

func (o Options) rotationBatchSize() int {
	if o.RotationBatchSize <= 0 {
		return 100
	}
	return o.RotationBatchSize
}

func (o Options) rotationRetryLimit() int {
	if o.RotationRetryLimit <= 0 {
		return 3
	}
	return o.RotationRetryLimit
}

func (o Options) rotationRetainedVersions() int {
	if o.RotationRetainedVersions <= 0 {
		return 5
	}
	return o.RotationRetainedVersions
}

// masterSecret resolves the operator supplied secret used to wrap the root
// key. Missing or wrong-sized secrets are configuration errors and fatal.
func (o Options) masterSecret() ([]byte, error) {
	var secret []byte
	switch {
	case o.EncryptionKey != "":
		secret = []byte(o.EncryptionKey)
	case o.RootEncryptionKey != "":
		var err error
		secret, err = base64.StdEncoding.DecodeString(o.RootEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("decoding root encryption key: %w", err)
		}
	default:
		return nil, fmt.Errorf("master encryption key is not set")
	}

	if len(secret) != crypto.KeySize {
		return nil, fmt.Errorf("master encryption key must be %d bytes, got %d", crypto.KeySize, len(secret))
	}
	return secret, nil
}

// Service is the internal KMS. Construct one per process with NewService and
// call Start before any encryption call.
type Service struct {
	db      *data.DB
	store   keystore.KeyStore
	queue   queue.Queue
	auditor audit.Logger
	options Options

	// rootKey is written once by Start and read-only afterwards, so
	// concurrent encryption calls read it without locking.
	rootKey []byte
}

func NewService(db *data.DB, store keystore.KeyStore, q queue.Queue, auditor audit.Logger, options Options) *Service {
	return &Service{
		db:      db,
		store:   store,
		queue:   q,
		auditor: auditor,
		options: options,
	}
}

// Start loads the root key into memory, creating it if this deployment has
// never bootstrapped. Concurrently starting instances elect a leader with a
// short-lived lock: the leader creates or decrypts the root config and
// publishes a readiness marker, the rest wait for the marker and then load
// the same row. Any error is fatal; the caller must abort startup rather
// than run without a root key.
func (s *Service) Start(ctx context.Context) error {
	if s.rootKey != nil {
		return nil
	}

	masterSecret, err := s.options.masterSecret()
	if err != nil {
		return fmt.Errorf("kms: %w", err)
	}

	lock, err := s.store.AcquireLock(ctx, []string{keystore.KmsRootConfigLock}, rootLockTTL,
		keystore.LockOptions{RetryCount: rootLockRetries})
	switch {
	case errors.Is(err, keystore.ErrLockNotAcquired):
		err := s.store.WaitTillReady(ctx, keystore.KmsRootKeyReady,
			func(value string) bool { return value == rootReadyValue },
			keystore.WaitOptions{
				OnWait: func() {
					logging.Infof("kms: waiting for leader to finish creating the root key")
				},
			})
		if err != nil {
			return fmt.Errorf("kms: root key was not ready in time: %w", err)
		}
		return s.loadRootKey(masterSecret)
	case err != nil:
		return fmt.Errorf("kms: acquiring root config lock: %w", err)
	}

	defer func() {
		if err := lock.Release(ctx); err != nil {
			logging.Warnf("kms: releasing root config lock: %s", err)
		}
	}()

	config, err := data.GetKmsRootConfig(s.db.DB, RootConfigID)
	switch {
	case err == nil:
		logging.Infof("kms: encrypted root key found, decrypting")
		rootKey, err := crypto.Decrypt(config.EncryptedRootKey, masterSecret)
		if err != nil {
			return fmt.Errorf("kms: decrypting root key, wrong master secret or tampered config: %w", err)
		}
		if err := s.publishRootReady(ctx); err != nil {
			return err
		}
		s.rootKey = rootKey
		return nil

	case errors.Is(err, internal.ErrNotFound):
		logging.Infof("kms: generating root key")
		rootKey, err := crypto.RandomBytes(crypto.KeySize)
		if err != nil {
			return fmt.Errorf("kms: generating root key: %w", err)
		}
		encrypted, err := crypto.Encrypt(rootKey, masterSecret)
		if err != nil {
			return fmt.Errorf("kms: encrypting root key: %w", err)
		}

		err = data.CreateKmsRootConfig(s.db.DB, &models.KmsRootConfig{
			ID:               RootConfigID,
			EncryptedRootKey: encrypted,
		})
		if errors.Is(err, internal.ErrDuplicate) {
			// another instance won the race after our lookup
			if err := s.publishRootReady(ctx); err != nil {
				return err
			}
			return s.loadRootKey(masterSecret)
		}
		if err != nil {
			return fmt.Errorf("kms: storing root config: %w", err)
		}

		if err := s.publishRootReady(ctx); err != nil {
			return err
		}
		logging.Infof("kms: root key saved and loaded into memory")
		s.rootKey = rootKey
		return nil

	default:
		return fmt.Errorf("kms: reading root config: %w", err)
	}
}

func (s *Service) publishRootReady(ctx context.Context) error {
	err := s.store.SetItemWithExpiry(ctx, keystore.KmsRootKeyReady, rootReadyValue, rootReadyTTL)
	if err != nil {
		return fmt.Errorf("kms: publishing readiness marker: %w", err)
	}
	return nil
}

func (s *Service) loadRootKey(masterSecret []byte) error {
	config, err := data.GetKmsRootConfig(s.db.DB, RootConfigID)
	if err != nil {
		return fmt.Errorf("kms: reading root config: %w", err)
	}

	rootKey, err := crypto.Decrypt(config.EncryptedRootKey, masterSecret)
	if err != nil {
		return fmt.Errorf("kms: decrypting root key, wrong master secret or tampered config: %w", err)
	}
	s.rootKey = rootKey
	return nil
}
