package models

// Role is an opaque role grant. Section scopes the role to an area of
// the application (e.g. a clinic department); SectionID optionally pins
// it to a single record within that section.
type Role struct {
	BaseModel

	Name      string  `gorm:"not null;index" json:"name"`
	Section   string  `gorm:"index" json:"section"`
	SectionID *string `gorm:"type:uuid" json:"section_id,omitempty"`
	IsPrimary bool    `gorm:"default:false" json:"is_primary"`
	IsActive  bool    `gorm:"default:true" json:"is_active"`

	Permissions []Permission `gorm:"many2many:role_permissions;" json:"permissions,omitempty"`
}

// Permission is a flattened permission string attached to roles. The
// authorization model itself lives outside the auth core; permissions are
// carried into token claims as opaque strings.
type Permission struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`
}
