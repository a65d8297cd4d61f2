package data

import (
	"gorm.io/gorm"

	"github.com/keyfort/keyfort/internal/server/models"
)

func CreateOrganization(db *gorm.DB, org *models.Organization) error {
	return add(db, org)
}

func GetOrganization(db *gorm.DB, selectors ...SelectorFunc) (*models.Organization, error) {
	return get[models.Organization](db, selectors...)
}

func CreateProject(db *gorm.DB, project *models.Project) error {
	return add(db, project)
}

func GetProject(db *gorm.DB, selectors ...SelectorFunc) (*models.Project, error) {
	return get[models.Project](db, selectors...)
}
