package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Modelable is an interface that determines if a struct is a model. It's simply models that compose models.Model
type Modelable interface {
	IsAModel() // there's nothing specific about this function except that all Model structs will have it.
}

type Model struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`
	// CreatedAt is set by GORM to time.Now when a record is first created.
	// See https://gorm.io/docs/conventions.html#Timestamp-Tracking
	CreatedAt time.Time
	// UpdatedAt is set by GORM to time.Now when a record is updated.
	// See https://gorm.io/docs/conventions.html#Timestamp-Tracking
	UpdatedAt time.Time
}

func (Model) IsAModel() {}

// BeforeCreate sets an ID if one does not already exist. The ID is generated
// here and not with a `gorm:"default"` tag because not all supported
// databases can generate UUIDs.
func (m *Model) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	return nil
}
