package data

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal/server/models"
)

func CreateExternalKmsConfig(db *gorm.DB, config *models.ExternalKmsConfig) error {
	return add(db, config)
}

func GetExternalKmsConfig(db *gorm.DB, selectors ...SelectorFunc) (*models.ExternalKmsConfig, error) {
	return get[models.ExternalKmsConfig](db, selectors...)
}

func ByKmsKeyID(keyID uuid.UUID) SelectorFunc {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("kms_key_id = ?", keyID)
	}
}

// ListExternalKmsConfigsByOrg returns the configurations whose metadata shell
// belongs to orgID, joined so callers get the shell's name alongside.
func ListExternalKmsConfigsByOrg(db *gorm.DB, orgID uuid.UUID) ([]models.ExternalKmsConfig, error) {
	configs := make([]models.ExternalKmsConfig, 0)
	err := db.Model(&models.ExternalKmsConfig{}).
		Joins("JOIN kms_keys ON kms_keys.id = external_kms_configs.kms_key_id").
		Where("kms_keys.organization_id = ?", orgID).
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

func SaveExternalKmsConfig(db *gorm.DB, config *models.ExternalKmsConfig) error {
	return save(db, config)
}
