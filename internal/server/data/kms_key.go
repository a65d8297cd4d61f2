package data

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal/server/models"
)

func ByID(id uuid.UUID) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", id)
	}
}

func ByName(name string) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("name = ?", name)
	}
}

func ByOrganizationID(orgID uuid.UUID) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("organization_id = ?", orgID)
	}
}

func ByReserved(reserved bool) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("is_reserved = ?", reserved)
	}
}

func ByProjectID(projectID uuid.UUID) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("project_id = ?", projectID)
	}
}

func CreateKmsKey(db *gorm.DB, key *models.KmsKey) error {
	return add(db, key)
}

func GetKmsKey(db *gorm.DB, selectors ...SelectorFunc) (*models.KmsKey, error) {
	return get[models.KmsKey](db, selectors...)
}

func ListKmsKeys(db *gorm.DB, selectors ...SelectorFunc) ([]models.KmsKey, error) {
	return list[models.KmsKey](db, selectors...)
}

func SaveKmsKey(db *gorm.DB, key *models.KmsKey) error {
	return save(db, key)
}

// DeleteKmsKey removes the key along with its archived versions and any
// external KMS configuration attached to it.
func DeleteKmsKey(db *gorm.DB, id uuid.UUID) error {
	if err := db.Delete(&models.KmsKeyVersion{}, "kms_key_id = ?", id).Error; err != nil {
		return err
	}
	if err := db.Delete(&models.ExternalKmsConfig{}, "kms_key_id = ?", id).Error; err != nil {
		return err
	}
	return removeByID[models.KmsKey](db, id)
}

// ListKmsKeysDueForRotation returns internal keys whose NextRotationAt has
// passed and that are not already queued. A key marked queued longer than
// requeueAfter ago is listed anyway: the mark is refreshed on every enqueue,
// so one that old means the accepted job was lost with a crashed instance,
// and re-enqueueing recovers it. Passing zero disables the recovery path.
// Keys delegated to an external provider are excluded; their custody is not
// ours to rotate.
func ListKmsKeysDueForRotation(db *gorm.DB, now time.Time, requeueAfter time.Duration, limit int) ([]models.KmsKey, error) {
	query := db.
		Where("next_rotation_at IS NOT NULL AND next_rotation_at <= ?", now).
		Where("id NOT IN (?)", db.Session(&gorm.Session{NewDB: true}).
			Model(&models.ExternalKmsConfig{}).Select("kms_key_id"))
	if requeueAfter > 0 {
		query = query.Where("rotation_queued = ? OR updated_at <= ?", false, now.Add(-requeueAfter))
	} else {
		query = query.Where("rotation_queued = ?", false)
	}

	keys := make([]models.KmsKey, 0)
	err := query.
		Order("next_rotation_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func MarkKmsKeysRotationQueued(db *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.Model(&models.KmsKey{}).
		Where("id IN (?)", ids).
		Update("rotation_queued", true).Error
}

// RestoreKmsKeyNextRotation reschedules a key after a terminal rotation
// failure. The next attempt is measured from now, not from the original due
// date, so a permanently failing key is not retried on every scan.
func RestoreKmsKeyNextRotation(db *gorm.DB, id uuid.UUID, next time.Time) error {
	return db.Model(&models.KmsKey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"next_rotation_at": next,
			"rotation_queued":  false,
		}).Error
}

func CreateKmsKeyVersion(db *gorm.DB, version *models.KmsKeyVersion) error {
	return add(db, version)
}

func ListKmsKeyVersions(db *gorm.DB, keyID uuid.UUID) ([]models.KmsKeyVersion, error) {
	versions := make([]models.KmsKeyVersion, 0)
	err := db.Where("kms_key_id = ?", keyID).Order("version DESC").Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// PruneKmsKeyVersions deletes archived versions beyond the keep most recent
// and reports how many rows were removed.
func PruneKmsKeyVersions(db *gorm.DB, keyID uuid.UUID, keep int) (int, error) {
	versions, err := ListKmsKeyVersions(db, keyID)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keep {
		return 0, nil
	}

	var ids []uuid.UUID
	for _, v := range versions[keep:] {
		ids = append(ids, v.ID)
	}
	result := db.Delete(&models.KmsKeyVersion{}, "id IN (?)", ids)
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
