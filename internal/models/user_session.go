package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserSession tracks one logged-in device. Refresh tokens are stored
// fingerprinted; the previous fingerprint is retained after rotation so
// replay of a rotated token is distinguishable from an unknown token.
type UserSession struct {
	ID     string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"-"`

	RefreshTokenHash  string `gorm:"uniqueIndex;not null" json:"-"`
	PreviousTokenHash string `gorm:"index" json:"-"`

	// Identifier of the most recent access token minted against this
	// session, kept for revocation correlation.
	AccessTokenID string `gorm:"index" json:"-"`

	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	Trusted    bool   `gorm:"default:false" json:"trusted"`

	// Organisation/role context selected at login, as a typed key-value
	// document rather than an open-ended blob.
	Context datatypes.JSONMap `json:"context,omitempty"`

	// Deactivation is logical. Rows survive for audit review.
	IsActive  bool       `gorm:"default:true;index" json:"is_active"`
	RevokedAt *time.Time `json:"revoked_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Valid reports whether the session can still mint access tokens.
func (s *UserSession) Valid(now time.Time) bool {
	return s.IsActive && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
