package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserStatus enumerates account lifecycle states.
type UserStatus string

const (
	// UserStatusPending marks a freshly registered account awaiting email verification.
	UserStatusPending UserStatus = "pending"
	// UserStatusActive marks a fully usable account.
	UserStatusActive UserStatus = "active"
	// UserStatusSuspended marks an account suspended by an administrator.
	UserStatusSuspended UserStatus = "suspended"
	// UserStatusLocked marks an account under timed lockout.
	UserStatusLocked UserStatus = "locked"
	// UserStatusDisabled marks a soft-disabled account. Users are never
	// hard-deleted so the clinical audit trail stays intact.
	UserStatusDisabled UserStatus = "disabled"
)

// User is the identity record at the centre of every authentication flow.
type User struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	Email string `gorm:"uniqueIndex;not null" json:"email"`

	// Derived credential. Hash and salt are never null once the account
	// leaves the pending creation path; the algorithm tag records the KDF
	// and iteration count used so costs can be raised without rehashing
	// every account at once.
	PasswordHash      string `gorm:"not null" json:"-"`
	PasswordSalt      string `gorm:"not null" json:"-"`
	PasswordAlgorithm string `gorm:"not null" json:"-"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Status        UserStatus `gorm:"type:varchar(16);default:pending;index" json:"status"`
	EmailVerified bool       `gorm:"default:false" json:"email_verified"`
	PhoneVerified bool       `gorm:"default:false" json:"phone_verified"`

	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	AccountLockedUntil  *time.Time `json:"-"`
	LockoutReason       string     `json:"-"`

	TwoFactorEnabled bool `gorm:"default:false" json:"two_factor_enabled"`
	// Secrets are AES-256-GCM encrypted at rest. The pending secret is
	// populated by provisioning and promoted on confirmation; provisioning
	// alone never activates two-factor.
	TwoFactorSecret        string         `json:"-"`
	TwoFactorPendingSecret string         `json:"-"`
	TwoFactorBackupCodes   datatypes.JSON `json:"-"`
	TwoFactorConfirmedAt   *time.Time     `json:"-"`

	LastLoginAt    *time.Time `json:"last_login_at"`
	LastLoginIP    string     `json:"-"`
	LastActivityAt *time.Time `json:"last_activity_at"`

	Roles    []Role        `gorm:"many2many:user_roles;" json:"roles,omitempty"`
	Sessions []UserSession `gorm:"foreignKey:UserID" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate ensures a UUID is present and the email is stored lowercase.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return nil
}

// DisplayName renders the name fields for token claims.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}

// IsLockedAt reports whether a timed lockout is in force at the given instant.
func (u *User) IsLockedAt(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}
