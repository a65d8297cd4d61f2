package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/crypto"
	"github.com/keyfort/keyfort/internal/logging"
	"github.com/keyfort/keyfort/internal/server/audit"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/models"
	"github.com/keyfort/keyfort/internal/server/queue"
)

// JobKeyRotation is the queue job type handled by HandleRotationJob.
const JobKeyRotation = "kms-key-rotation"

const rotationScanLockTTL = time.Minute

type rotationJob struct {
	KeyID uuid.UUID `json:"keyId"`
}

// rotationJobID derives the dedup id for one rotation of one key. The due
// date is part of the id, so re-enqueueing after a crash collapses into the
// job already queued, while the next scheduled rotation gets a fresh id.
func rotationJobID(keyID uuid.UUID, dueAt time.Time) string {
	return fmt.Sprintf("rotate:%s:%d", keyID, dueAt.Unix())
}

// RotationScan finds internal keys due for rotation and enqueues one job per
// key. At most one instance scans at a time; losing the lock means another
// scan is already running and this one exits silently.
//
// Keys are marked queued only after their batch's jobs were accepted by the
// queue. A crash between enqueue and mark re-enqueues the batch on the next
// scan, which the job ids deduplicate. The reverse order would mark keys
// that were never queued and lose them until the next due date. A crash
// after the mark loses the accepted job instead; the scan recovers those
// keys by re-enqueueing any whose mark has outlived the dedup window.
func (s *Service) RotationScan(ctx context.Context) error {
	lock, err := s.store.AcquireLock(ctx, []string{keystore.KmsRotationScan}, rotationScanLockTTL,
		keystore.LockOptions{})
	if errors.Is(err, keystore.ErrLockNotAcquired) {
		logging.Debugf("kms: rotation scan already running on another instance")
		return nil
	}
	if err != nil {
		return fmt.Errorf("kms: acquiring rotation scan lock: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			logging.Warnf("kms: releasing rotation scan lock: %s", err)
		}
	}()

	now := time.Now().UTC()
	batchSize := s.options.rotationBatchSize()

	for {
		keys, err := data.ListKmsKeysDueForRotation(s.db.WithContext(ctx), now, queue.DedupTTL, batchSize)
		if err != nil {
			return fmt.Errorf("kms: listing keys due for rotation: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(keys))
		for i := range keys {
			key := &keys[i]
			payload, err := json.Marshal(rotationJob{KeyID: key.ID})
			if err != nil {
				return fmt.Errorf("kms: encoding rotation job: %w", err)
			}

			err = s.queue.Enqueue(ctx, JobKeyRotation, payload, queue.EnqueueOptions{
				JobID:      rotationJobID(key.ID, *key.NextRotationAt),
				RetryLimit: s.options.rotationRetryLimit(),
			})
			if err != nil {
				return fmt.Errorf("kms: enqueueing rotation of key %s: %w", key.ID, err)
			}
			ids = append(ids, key.ID)
		}

		if err := data.MarkKmsKeysRotationQueued(s.db.WithContext(ctx), ids); err != nil {
			return fmt.Errorf("kms: marking keys queued: %w", err)
		}

		logging.Infof("kms: enqueued rotation of %d keys", len(ids))
		if len(keys) < batchSize {
			return nil
		}
	}
}

// HandleRotationJob rotates one key. Failures bubble up so the queue retries
// with backoff, except on the final allowed attempt: then a failure audit
// event is written and the key is rescheduled a full interval from now, so a
// permanently failing key neither retries forever nor is attempted again on
// every scan.
func (s *Service) HandleRotationJob(ctx context.Context, job *queue.Job) error {
	var payload rotationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// malformed payloads never become valid, drop without retrying
		logging.Errorf("kms: malformed rotation job payload: %s", err)
		return nil
	}

	key, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(payload.KeyID))
	if errors.Is(err, internal.ErrNotFound) {
		logging.Infof("kms: key %s deleted before rotation, skipping", payload.KeyID)
		return nil
	}
	if err != nil {
		return s.rotationFailed(ctx, job, payload.KeyID, nil, err)
	}

	newVersion, pruned, err := s.rotateKey(ctx, key.ID)
	if err != nil {
		return s.rotationFailed(ctx, job, key.ID, key, err)
	}

	s.auditor.Log(ctx, audit.Event{
		Type:           audit.EventRotateKey,
		OrganizationID: orZero(key.OrganizationID),
		ProjectID:      orZero(key.ProjectID),
		KeyID:          key.ID,
		Version:        newVersion,
		PrunedVersions: pruned,
	})
	return nil
}

func (s *Service) rotationFailed(ctx context.Context, job *queue.Job, keyID uuid.UUID, key *models.KmsKey, cause error) error {
	if job.RetryCount < job.RetryLimit {
		logging.Errorf("kms: rotation of key %s failed, attempt %d of %d: %s",
			keyID, job.RetryCount+1, job.RetryLimit+1, cause)
		return cause
	}

	event := audit.Event{
		Type:  audit.EventRotateKeyFailed,
		KeyID: keyID,
		Error: cause.Error(),
	}
	if key != nil {
		event.OrganizationID = orZero(key.OrganizationID)
		event.ProjectID = orZero(key.ProjectID)
		event.Version = key.Version
	}
	s.auditor.Log(ctx, event)

	intervalDays := s.options.rotationIntervalDays()
	if key != nil && key.RotationIntervalDays > 0 {
		intervalDays = key.RotationIntervalDays
	}
	next := time.Now().UTC().AddDate(0, 0, intervalDays)
	if err := data.RestoreKmsKeyNextRotation(s.db.WithContext(ctx), keyID, next); err != nil {
		logging.Errorf("kms: rescheduling key %s after terminal failure: %s", keyID, err)
	}

	return cause
}

// rotateKey swaps in a new wrapped key version atomically: the current
// version is archived, the key row gets fresh material and version+1, and
// versions past the retention count are pruned. Returns the new version and
// the pruned count.
func (s *Service) rotateKey(ctx context.Context, keyID uuid.UUID) (int, int, error) {
	var newVersion, pruned int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := data.GetKmsKey(tx, data.ByID(keyID))
		if err != nil {
			return err
		}

		err = data.CreateKmsKeyVersion(tx, &models.KmsKeyVersion{
			KmsKeyID:     key.ID,
			Version:      key.Version,
			EncryptedKey: key.EncryptedKey,
		})
		if err != nil {
			return fmt.Errorf("archiving version %d: %w", key.Version, err)
		}

		material, err := crypto.RandomBytes(crypto.KeySize)
		if err != nil {
			return err
		}
		wrapped, err := crypto.Encrypt(material, s.rootKey)
		if err != nil {
			return fmt.Errorf("wrapping new key material: %w", err)
		}

		next := time.Now().UTC().AddDate(0, 0, key.RotationIntervalDays)
		key.EncryptedKey = wrapped
		key.Version++
		key.NextRotationAt = &next
		key.RotationQueued = false
		if err := data.SaveKmsKey(tx, key); err != nil {
			return err
		}

		pruned, err = data.PruneKmsKeyVersions(tx, key.ID, s.options.rotationRetainedVersions())
		if err != nil {
			return fmt.Errorf("pruning archived versions: %w", err)
		}

		newVersion = key.Version
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return newVersion, pruned, nil
}

// EnableKeyRotation sets or updates a key's rotation schedule. The first
// rotation happens one interval from now.
func (s *Service) EnableKeyRotation(ctx context.Context, keyID uuid.UUID, intervalDays int) error {
	if intervalDays < 1 {
		return fmt.Errorf("%w: rotation interval must be at least one day", internal.ErrBadRequest)
	}

	key, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(keyID))
	if err != nil {
		return err
	}

	next := time.Now().UTC().AddDate(0, 0, intervalDays)
	key.RotationIntervalDays = intervalDays
	key.NextRotationAt = &next
	key.RotationQueued = false
	return data.SaveKmsKey(s.db.WithContext(ctx), key)
}

// DisableKeyRotation clears a key's rotation schedule.
func (s *Service) DisableKeyRotation(ctx context.Context, keyID uuid.UUID) error {
	key, err := data.GetKmsKey(s.db.WithContext(ctx), data.ByID(keyID))
	if err != nil {
		return err
	}

	key.NextRotationAt = nil
	key.RotationQueued = false
	return data.SaveKmsKey(s.db.WithContext(ctx), key)
}

func orZero(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
