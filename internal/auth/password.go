package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/crypto"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
)

const (
	passwordMinLength = 8
	passwordMaxLength = 128

	// defaultHistoryDepth is how many recent credentials a new password is
	// compared against, in addition to the current one.
	defaultHistoryDepth = 3
)

// PasswordConfig tunes the credential store.
type PasswordConfig struct {
	HistoryDepth int
	Clock        func() time.Time
}

// HistoryMeta records who changed a password and from where.
type HistoryMeta struct {
	Reason    string
	ChangedBy string
	IPAddress string
	UserAgent string
}

// PasswordService is the credential store: it derives and verifies
// password hashes, enforces the strength policy, and maintains the
// append-only password history.
type PasswordService struct {
	db           *gorm.DB
	historyDepth int
	now          func() time.Time
}

// NewPasswordService constructs the credential store.
func NewPasswordService(db *gorm.DB, cfg PasswordConfig) (*PasswordService, error) {
	if db == nil {
		return nil, errors.New("password service: db is required")
	}

	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = defaultHistoryDepth
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &PasswordService{db: db, historyDepth: depth, now: now}, nil
}

// CheckStrength validates the fixed default policy: 8-128 characters with
// upper, lower, digit and special classes all present.
func (s *PasswordService) CheckStrength(password string) error {
	if len(password) < passwordMinLength {
		return apperrors.ErrPasswordPolicy.WithInternal(
			fmt.Errorf("password shorter than %d characters", passwordMinLength))
	}
	if len(password) > passwordMaxLength {
		return apperrors.ErrPasswordPolicy.WithInternal(
			fmt.Errorf("password longer than %d characters", passwordMaxLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return apperrors.ErrPasswordPolicy.WithInternal(
			errors.New("password must contain upper, lower, digit and special characters"))
	}
	return nil
}

// Verify checks a plaintext candidate against the user's stored
// credential. The plaintext is never logged.
func (s *PasswordService) Verify(user *models.User, password string) bool {
	if user == nil {
		return false
	}
	return crypto.VerifyPassword(password, crypto.PasswordRecord{
		Hash:      user.PasswordHash,
		Salt:      user.PasswordSalt,
		Algorithm: user.PasswordAlgorithm,
	})
}

// SetInitial derives the credential for a freshly registered user and
// appends the first history row. Runs on the supplied transaction so
// registration stays atomic.
func (s *PasswordService) SetInitial(tx *gorm.DB, user *models.User, password string, meta HistoryMeta) error {
	if err := s.CheckStrength(password); err != nil {
		return err
	}

	record, err := crypto.DerivePassword(password)
	if err != nil {
		return fmt.Errorf("password service: derive: %w", err)
	}

	user.PasswordHash = record.Hash
	user.PasswordSalt = record.Salt
	user.PasswordAlgorithm = record.Algorithm

	return s.appendHistory(tx, user.ID, record, meta)
}

// Change replaces the user's credential after enforcing strength and
// history policy: the new password must differ from the current one and
// from the most recent history entries. On success the user row is
// updated and one history row appended, all on the supplied transaction.
func (s *PasswordService) Change(tx *gorm.DB, user *models.User, newPassword string, meta HistoryMeta) error {
	if err := s.CheckStrength(newPassword); err != nil {
		return err
	}

	if s.Verify(user, newPassword) {
		return apperrors.ErrPasswordPolicy.WithInternal(
			errors.New("new password matches the current password"))
	}

	reused, err := s.matchesRecentHistory(tx, user.ID, newPassword)
	if err != nil {
		return err
	}
	if reused {
		return apperrors.ErrPasswordPolicy.WithInternal(
			errors.New("new password matches a recently used password"))
	}

	record, err := crypto.DerivePassword(newPassword)
	if err != nil {
		return fmt.Errorf("password service: derive: %w", err)
	}

	if err := tx.Model(user).Updates(map[string]any{
		"password_hash":      record.Hash,
		"password_salt":      record.Salt,
		"password_algorithm": record.Algorithm,
	}).Error; err != nil {
		return fmt.Errorf("password service: update credential: %w", err)
	}

	user.PasswordHash = record.Hash
	user.PasswordSalt = record.Salt
	user.PasswordAlgorithm = record.Algorithm

	return s.appendHistory(tx, user.ID, record, meta)
}

func (s *PasswordService) appendHistory(tx *gorm.DB, userID string, record crypto.PasswordRecord, meta HistoryMeta) error {
	row := models.UserPasswordHistory{
		UserID:            userID,
		PasswordHash:      record.Hash,
		PasswordSalt:      record.Salt,
		PasswordAlgorithm: record.Algorithm,
		Reason:            strings.TrimSpace(meta.Reason),
		ChangedBy:         meta.ChangedBy,
		IPAddress:         strings.TrimSpace(meta.IPAddress),
		UserAgent:         strings.TrimSpace(meta.UserAgent),
	}

	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("password service: append history: %w", err)
	}
	return nil
}

func (s *PasswordService) matchesRecentHistory(tx *gorm.DB, userID, candidate string) (bool, error) {
	var rows []models.UserPasswordHistory
	if err := tx.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(s.historyDepth).
		Find(&rows).Error; err != nil {
		return false, fmt.Errorf("password service: load history: %w", err)
	}

	for _, row := range rows {
		if crypto.VerifyPassword(candidate, crypto.PasswordRecord{
			Hash:      row.PasswordHash,
			Salt:      row.PasswordSalt,
			Algorithm: row.PasswordAlgorithm,
		}) {
			return true, nil
		}
	}
	return false, nil
}

// CleanupHistory removes history rows older than the retention window.
// This is the single deletion path for the otherwise append-only table.
func (s *PasswordService) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.UserPasswordHistory{})
	if result.Error != nil {
		return 0, fmt.Errorf("password service: cleanup history: %w", result.Error)
	}
	return result.RowsAffected, nil
}
