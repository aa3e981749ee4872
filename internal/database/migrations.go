package database

import (
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.UserPasswordHistory{},
		&models.VerificationToken{},
		&models.UserSession{},
		&models.Role{},
		&models.Permission{},
	)
}

// SeedData populates the built-in roles referenced by registration.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			BaseModel: models.BaseModel{ID: "clinician"},
			Name:      "Clinician",
			Section:   "clinical",
			IsPrimary: true,
			IsActive:  true,
		},
		{
			BaseModel: models.BaseModel{ID: "staff"},
			Name:      "Staff",
			Section:   "administration",
			IsActive:  true,
		},
	}

	for _, role := range roles {
		if err := db.
			Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).
			Attrs(role).
			FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	return nil
}

// IsUniqueConstraintError detects uniqueness violations across vendors.
// Lives here next to the drivers so callers need no vendor imports.
func IsUniqueConstraintError(err error) bool {
	return isUniqueConstraintError(err)
}
