package models

import (
	"time"

	"github.com/google/uuid"
)

// EncryptionAlgorithmAESGCM256 is the only algorithm currently written to new
// keys. The column exists so that records created before a future algorithm
// change can still be unwrapped.
const EncryptionAlgorithmAESGCM256 = "aes-256-gcm"

// KmsRootConfig is a singleton holding the root encryption key, wrapped under
// the operator supplied master secret. It is created exactly once per
// deployment and read on every process start.
type KmsRootConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	EncryptedRootKey []byte
}

// KmsKey is a data encryption key scoped to an organization or a project.
// Exactly one of OrganizationID and ProjectID is set. EncryptedKey is the
// 32-byte key material wrapped under the in-memory root key; the unwrapped
// form never leaves process memory.
//
// At most one reserved key exists per scope, enforced by partial unique
// indexes. Non-reserved keys are user created and may be plural, but their
// names are unique within an organization.
type KmsKey struct {
	Model

	Name                string `gorm:"uniqueIndex:idx_kms_keys_org_name,priority:2"`
	Version             int
	EncryptedKey        []byte
	EncryptionAlgorithm string
	IsReserved          bool

	OrganizationID *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_kms_keys_reserved_org,where:is_reserved AND project_id IS NULL;uniqueIndex:idx_kms_keys_org_name,priority:1"`
	ProjectID      *uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_kms_keys_reserved_project,where:is_reserved"`

	// Rotation schedule. A key rotates when NextRotationAt passes.
	// RotationQueued is set by the scan after the rotation job is enqueued,
	// and cleared by the worker.
	RotationIntervalDays int
	NextRotationAt       *time.Time
	RotationQueued       bool
}

// KmsKeyVersion is a superseded version of a KmsKey, kept so that ciphertext
// written before a rotation can still be decrypted. Versions past the
// retention count are pruned during rotation.
type KmsKeyVersion struct {
	Model

	KmsKeyID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_kms_key_versions_key_version"`
	Version      int       `gorm:"uniqueIndex:idx_kms_key_versions_key_version"`
	EncryptedKey []byte
}

// External KMS configuration statuses.
const (
	ExternalKmsStatusPending   = "pending"
	ExternalKmsStatusValidated = "validated"
	ExternalKmsStatusActive    = "active"
	ExternalKmsStatusDisabled  = "disabled"
	ExternalKmsStatusError     = "error"
)

// ExternalKmsConfig delegates key custody for one KmsKey to a cloud provider.
// The KmsKey row remains as the metadata shell (name, org, audit trail);
// EncryptedProviderInputs holds the provider credentials and key reference,
// JSON-serialized and sealed with the organization's internal data key.
type ExternalKmsConfig struct {
	Model

	KmsKeyID                uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_external_kms_configs_kms_key_id"`
	Provider                string
	EncryptedProviderInputs []byte
	Status                  string
	StatusDetails           string
}
