package kms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gotest.tools/v3/assert"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/crypto"
	"github.com/keyfort/keyfort/internal/server/data"
	"github.com/keyfort/keyfort/internal/server/keystore"
	"github.com/keyfort/keyfort/internal/server/models"
)

func TestCipherPairForScopeRoundTrip(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "round-trip")

	encryptor, decryptor, err := svc.CipherPairForScope(ctx, OrgScope(org.ID))
	assert.NilError(t, err)

	blob, err := encryptor([]byte("the secret"))
	assert.NilError(t, err)
	assert.Equal(t, string(blob[len(blob)-3:]), "v01")

	actual, err := decryptor(blob)
	assert.NilError(t, err)
	assert.Equal(t, string(actual), "the secret")
}

func TestCipherPairForProjectScope(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "project-org")

	project := &models.Project{Name: "p", OrganizationID: org.ID}
	assert.NilError(t, data.CreateProject(svc.db.DB, project))

	encryptor, _, err := svc.CipherPairForScope(ctx, ProjectScope(project.ID))
	assert.NilError(t, err)

	// the project and org scopes use different data keys
	_, orgDecryptor, err := svc.CipherPairForScope(ctx, OrgScope(org.ID))
	assert.NilError(t, err)

	blob, err := encryptor([]byte("project secret"))
	assert.NilError(t, err)

	_, err = orgDecryptor(blob)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}

func TestCipherPairReusesScopeKey(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "reuse")

	encryptor, _, err := svc.CipherPairForScope(ctx, OrgScope(org.ID))
	assert.NilError(t, err)
	blob, err := encryptor([]byte("sealed by the first pair"))
	assert.NilError(t, err)

	// a second pair for the same scope unwraps the same data key
	_, decryptor, err := svc.CipherPairForScope(ctx, OrgScope(org.ID))
	assert.NilError(t, err)
	actual, err := decryptor(blob)
	assert.NilError(t, err)
	assert.Equal(t, string(actual), "sealed by the first pair")

	keys, err := data.ListKmsKeys(svc.db.DB, data.ByOrganizationID(org.ID), data.ByReserved(true))
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 1)
}

func TestCipherPairForScopeConcurrent(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "concurrent")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.CipherPairForScope(ctx, OrgScope(org.ID))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NilError(t, err)
	}

	keys, err := data.ListKmsKeys(svc.db.DB, data.ByOrganizationID(org.ID), data.ByReserved(true))
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 1)
}

func TestCipherPairSignalsWaitersWhenKeyExists(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "handover")

	scope := OrgScope(org.ID)
	lockKey := keystore.KmsScopeKeyLock + scope.id().String()
	readyKey := keystore.KmsScopeKeyReady + scope.id().String()

	// hold the creation lock so the caller has to retry it
	lock, err := svc.store.AcquireLock(ctx, []string{lockKey}, time.Minute, keystore.LockOptions{})
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := svc.CipherPairForScope(ctx, scope)
		done <- err
	}()

	// while the caller retries, create the key the way a racing instance
	// would, then hand the lock over
	time.Sleep(100 * time.Millisecond)
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.GenerateKmsKey(tx, GenerateKeyOptions{OrganizationID: org.ID, IsReserved: true})
		return err
	})
	assert.NilError(t, err)
	assert.NilError(t, lock.Release(ctx))

	assert.NilError(t, <-done)

	// finding the key under the lock must still publish readiness, so a
	// caller that spent its retries before the insert is released
	value, err := svc.store.GetItem(ctx, readyKey)
	assert.NilError(t, err)
	assert.Equal(t, value, "true")
}

func TestDecryptorRejectsBadBlobs(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "tamper")

	encryptor, decryptor, err := svc.CipherPairForScope(ctx, OrgScope(org.ID))
	assert.NilError(t, err)

	blob, err := encryptor([]byte("payload"))
	assert.NilError(t, err)

	t.Run("tampered payload", func(t *testing.T) {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[len(tampered)/2] ^= 0x01

		_, err := decryptor(tampered)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("unknown version tag", func(t *testing.T) {
		wrongTag := make([]byte, len(blob))
		copy(wrongTag, blob)
		copy(wrongTag[len(wrongTag)-3:], "v99")

		_, err := decryptor(wrongTag)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("truncated blob", func(t *testing.T) {
		_, err := decryptor([]byte("v01"))
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

		_, err = decryptor(nil)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})
}

func TestScopeValidation(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()

	_, _, err := svc.CipherPairForScope(ctx, Scope{})
	assert.ErrorIs(t, err, internal.ErrBadRequest)

	_, _, err = svc.CipherPairForScope(ctx, Scope{
		OrganizationID: uuid.New(),
		ProjectID:      uuid.New(),
	})
	assert.ErrorIs(t, err, internal.ErrBadRequest)
}

func TestEncryptDecryptByKeyID(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "by-id")

	var key *models.KmsKey
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		var err error
		key, err = svc.GenerateKmsKey(tx, GenerateKeyOptions{
			OrganizationID: org.ID,
			Name:           "user-key",
		})
		return err
	})
	assert.NilError(t, err)
	assert.Equal(t, key.Version, 1)
	assert.Assert(t, !key.IsReserved)

	blob, err := svc.Encrypt(ctx, key.ID, []byte("addressed by id"))
	assert.NilError(t, err)

	actual, err := svc.Decrypt(ctx, key.ID, blob)
	assert.NilError(t, err)
	assert.Equal(t, string(actual), "addressed by id")

	t.Run("unknown key id", func(t *testing.T) {
		_, err := svc.Encrypt(ctx, uuid.New(), []byte("nope"))
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("wrong key fails closed", func(t *testing.T) {
		var other *models.KmsKey
		err := svc.db.Transaction(func(tx *gorm.DB) error {
			var err error
			other, err = svc.GenerateKmsKey(tx, GenerateKeyOptions{
				OrganizationID: org.ID,
				Name:           "other-key",
			})
			return err
		})
		assert.NilError(t, err)

		_, err = svc.Decrypt(ctx, other.ID, blob)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})
}

func TestGenerateKmsKeyDefaults(t *testing.T) {
	svc := setupService(t, Options{})
	org := createOrg(t, svc.db, "defaults")

	var key *models.KmsKey
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		var err error
		key, err = svc.GenerateKmsKey(tx, GenerateKeyOptions{OrganizationID: org.ID})
		return err
	})
	assert.NilError(t, err)

	assert.Assert(t, len(key.Name) > len("key-"))
	assert.Equal(t, key.EncryptionAlgorithm, models.EncryptionAlgorithmAESGCM256)
	assert.Equal(t, key.RotationIntervalDays, 30)
	assert.Assert(t, key.NextRotationAt != nil)

	t.Run("requires exactly one scope", func(t *testing.T) {
		err := svc.db.Transaction(func(tx *gorm.DB) error {
			_, err := svc.GenerateKmsKey(tx, GenerateKeyOptions{})
			return err
		})
		assert.ErrorIs(t, err, internal.ErrBadRequest)
	})
}

func TestConfigureFieldEncryption(t *testing.T) {
	svc := setupService(t, Options{})
	ctx := context.Background()
	org := createOrg(t, svc.db, "field-encryption")

	assert.NilError(t, svc.ConfigureFieldEncryption(ctx, OrgScope(org.ID)))
	t.Cleanup(func() {
		models.SealField = nil
		models.OpenField = nil
	})

	value, err := models.EncryptedAtRest("field secret").Value()
	assert.NilError(t, err)

	var actual models.EncryptedAtRest
	assert.NilError(t, actual.Scan(value.(string)))
	assert.Equal(t, string(actual), "field secret")
}
