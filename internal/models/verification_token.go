package models

import "time"

// VerificationTokenType distinguishes the out-of-band flows backed by the ledger.
type VerificationTokenType string

const (
	// TokenTypeEmailVerification confirms ownership of a registration email.
	TokenTypeEmailVerification VerificationTokenType = "email_verification"
	// TokenTypePasswordReset authorises a password reset.
	TokenTypePasswordReset VerificationTokenType = "password_reset"
	// TokenTypeTwoFactor carries a pending login awaiting its TOTP code.
	TokenTypeTwoFactor VerificationTokenType = "two_factor"
	// TokenTypeTrustedDevice attests that a device may skip the 2FA gate.
	TokenTypeTrustedDevice VerificationTokenType = "trusted_device"
)

// VerificationToken is a single-use, typed, expiring token. Only the
// SHA-256 fingerprint of the opaque value is stored.
type VerificationToken struct {
	BaseModel

	UserID    string                `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenHash string                `gorm:"uniqueIndex;not null" json:"-"`
	Type      VerificationTokenType `gorm:"type:varchar(32);not null;index" json:"type"`
	Email     string                `json:"email,omitempty"`
	Purpose   string                `json:"purpose,omitempty"`

	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	Used      bool       `gorm:"default:false;index" json:"used"`
	UsedAt    *time.Time `json:"used_at"`

	AttemptCount int `gorm:"default:0" json:"-"`
	MaxAttempts  int `gorm:"default:5" json:"-"`
}

// Usable reports whether the token can still be redeemed at the given
// instant. Attempt exhaustion and expiry are independent invalidation
// paths; both are checked.
func (t *VerificationToken) Usable(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt) && t.AttemptCount < t.MaxAttempts
}
