package data

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal"
	"github.com/keyfort/keyfort/internal/server/models"
)

// CreateKmsRootConfig inserts the root config singleton. The caller passes
// the fixed well-known ID, so two instances racing to bootstrap collide on
// the primary key. That conflict is reported as internal.ErrDuplicate and
// the loser re-fetches the winner's row.
func CreateKmsRootConfig(db *gorm.DB, config *models.KmsRootConfig) error {
	err := handleError(db.Create(config).Error)

	var ucErr UniqueConstraintError
	if errors.As(err, &ucErr) {
		return internal.ErrDuplicate
	}
	return err
}

func GetKmsRootConfig(db *gorm.DB, id uuid.UUID) (*models.KmsRootConfig, error) {
	config := &models.KmsRootConfig{}
	if err := db.First(config, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return config, nil
}
