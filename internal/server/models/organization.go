package models

import (
	"github.com/google/uuid"
)

type Organization struct {
	Model

	Name string `gorm:"uniqueIndex:idx_organizations_name"`

	// Plan is the billing plan of the organization. Some features, like
	// bring-your-own external KMS, are gated on the plan.
	Plan string
}

type Project struct {
	Model

	Name           string
	OrganizationID uuid.UUID `gorm:"type:uuid"`
}
