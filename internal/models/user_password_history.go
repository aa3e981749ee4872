package models

// UserPasswordHistory is an append-only record of prior credentials.
// Rows are never updated; the only deletion path is retention cleanup.
type UserPasswordHistory struct {
	BaseModel

	UserID            string `gorm:"type:uuid;not null;index" json:"user_id"`
	PasswordHash      string `gorm:"not null" json:"-"`
	PasswordSalt      string `gorm:"not null" json:"-"`
	PasswordAlgorithm string `gorm:"not null" json:"-"`

	// Who changed the password and from where.
	Reason    string `json:"reason"`
	ChangedBy string `gorm:"type:uuid" json:"changed_by"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}
