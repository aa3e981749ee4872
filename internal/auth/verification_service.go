package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/crypto"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/metrics"
)

// Validity windows per token type. Short-lived types gate interactive
// flows; the trusted-device window matches the 30-day remember period.
const (
	EmailVerificationTTL = 24 * time.Hour
	PasswordResetTTL     = time.Hour
	TwoFactorTokenTTL    = 15 * time.Minute
	TrustedDeviceTTL     = 720 * time.Hour

	verificationTokenBytes = 32
	defaultMaxAttempts     = 5
)

// VerificationConfig tunes the token ledger.
type VerificationConfig struct {
	MaxAttempts int
	Clock       func() time.Time
}

// IssueOptions carries optional attributes recorded with an issued token.
type IssueOptions struct {
	Email   string
	Purpose string
}

// VerificationService is the ledger of single-use, typed, expiring
// tokens behind email verification, password reset, pending two-factor
// logins and trusted-device attestations.
type VerificationService struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
}

// NewVerificationService constructs the ledger.
func NewVerificationService(db *gorm.DB, cfg VerificationConfig) (*VerificationService, error) {
	if db == nil {
		return nil, errors.New("verification service: db is required")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &VerificationService{db: db, maxAttempts: maxAttempts, now: now}, nil
}

// TTLFor returns the validity window for a token type.
func TTLFor(tokenType models.VerificationTokenType) time.Duration {
	switch tokenType {
	case models.TokenTypeEmailVerification:
		return EmailVerificationTTL
	case models.TokenTypePasswordReset:
		return PasswordResetTTL
	case models.TokenTypeTwoFactor:
		return TwoFactorTokenTTL
	case models.TokenTypeTrustedDevice:
		return TrustedDeviceTTL
	default:
		return PasswordResetTTL
	}
}

// Issue mints a fresh token for the user and type. The opaque value is
// returned exactly once; only its fingerprint is persisted. Issuing a
// new token of a type invalidates the user's outstanding tokens of the
// same type, so at most one is live per user and type.
func (s *VerificationService) Issue(ctx context.Context, userID string, tokenType models.VerificationTokenType, opts IssueOptions) (string, *models.VerificationToken, error) {
	var (
		token  string
		record *models.VerificationToken
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		token, record, txErr = s.IssueTx(tx, userID, tokenType, opts)
		return txErr
	})
	if err != nil {
		return "", nil, err
	}
	return token, record, nil
}

// IssueTx is Issue running on a caller-owned transaction, so token
// issuance can join a larger atomic operation such as registration.
func (s *VerificationService) IssueTx(tx *gorm.DB, userID string, tokenType models.VerificationTokenType, opts IssueOptions) (string, *models.VerificationToken, error) {
	if userID == "" {
		return "", nil, errors.New("verification service: user id is required")
	}

	now := s.now().UTC()

	// Supersede outstanding live tokens of the same type.
	if err := tx.Model(&models.VerificationToken{}).
		Where("user_id = ? AND type = ? AND used = ?", userID, tokenType, false).
		Updates(map[string]any{"used": true, "used_at": now}).Error; err != nil {
		return "", nil, fmt.Errorf("verification service: supersede tokens: %w", err)
	}

	token, err := crypto.GenerateToken(verificationTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("verification service: generate token: %w", err)
	}

	record := models.VerificationToken{
		UserID:      userID,
		TokenHash:   crypto.FingerprintToken(token),
		Type:        tokenType,
		Email:       opts.Email,
		Purpose:     opts.Purpose,
		ExpiresAt:   now.Add(TTLFor(tokenType)),
		MaxAttempts: s.maxAttempts,
	}

	if err := tx.Create(&record).Error; err != nil {
		return "", nil, fmt.Errorf("verification service: store token: %w", err)
	}

	metrics.VerificationTokens.WithLabelValues(string(tokenType), "issued").Inc()
	return token, &record, nil
}

// Validate looks up a token by its opaque value and checks that it is
// live: unused, unexpired, under the attempt budget and, when both the
// token and the caller carry an address, bound to that address. A failed
// lookup or a dead token both yield ErrTokenInvalid; when a live row
// exists but the check fails, its attempt counter is charged.
func (s *VerificationService) Validate(ctx context.Context, token string, tokenType models.VerificationTokenType, boundEmail string) (*models.VerificationToken, error) {
	record, err := s.lookup(ctx, token, tokenType)
	if err != nil {
		return nil, err
	}

	if !record.Usable(s.now().UTC()) || !emailMatches(record.Email, boundEmail) {
		s.chargeAttempt(ctx, record)
		metrics.VerificationTokens.WithLabelValues(string(tokenType), "rejected").Inc()
		return nil, apperrors.ErrTokenInvalid
	}
	return record, nil
}

// emailMatches enforces the address binding. The check only applies when
// the token recorded an address and the caller presented one.
func emailMatches(recorded, presented string) bool {
	if recorded == "" || presented == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(presented), recorded)
}

// Consume validates and then atomically marks the token used. The
// update is conditional on the row still being unused, so concurrent
// redemptions of the same token yield exactly one success.
func (s *VerificationService) Consume(ctx context.Context, token string, tokenType models.VerificationTokenType) (*models.VerificationToken, error) {
	record, err := s.Validate(ctx, token, tokenType, "")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&models.VerificationToken{}).
		Where("id = ? AND used = ?", record.ID, false).
		Updates(map[string]any{"used": true, "used_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("verification service: consume token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.VerificationTokens.WithLabelValues(string(tokenType), "rejected").Inc()
		return nil, apperrors.ErrTokenInvalid
	}

	record.Used = true
	record.UsedAt = &now
	metrics.VerificationTokens.WithLabelValues(string(tokenType), "consumed").Inc()
	return record, nil
}

// ChargeAttempt publicly charges one attempt against a live token. Used
// by the two-factor login flow, where each wrong TOTP code burns an
// attempt on the challenge token rather than the token itself.
func (s *VerificationService) ChargeAttempt(ctx context.Context, record *models.VerificationToken) error {
	result := s.db.WithContext(ctx).Model(&models.VerificationToken{}).
		Where("id = ?", record.ID).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("verification service: charge attempt: %w", result.Error)
	}
	record.AttemptCount++
	return nil
}

func (s *VerificationService) lookup(ctx context.Context, token string, tokenType models.VerificationTokenType) (*models.VerificationToken, error) {
	if token == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	var record models.VerificationToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND type = ?", crypto.FingerprintToken(token), tokenType).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.VerificationTokens.WithLabelValues(string(tokenType), "rejected").Inc()
		return nil, apperrors.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("verification service: lookup token: %w", err)
	}
	return &record, nil
}

// chargeAttempt burns an attempt on a still-unused token so repeated
// probing of a dead-but-present token eventually exhausts it.
func (s *VerificationService) chargeAttempt(ctx context.Context, record *models.VerificationToken) {
	if record.Used {
		return
	}
	_ = s.db.WithContext(ctx).Model(&models.VerificationToken{}).
		Where("id = ?", record.ID).
		UpdateColumn("attempt_count", gorm.Expr("attempt_count + 1")).Error
}

// CleanupExpired deletes tokens past their expiry.
func (s *VerificationService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now().UTC()).
		Delete(&models.VerificationToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("verification service: cleanup expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanupUsed deletes consumed tokens older than the retention window.
func (s *VerificationService) CleanupUsed(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	cutoff := s.now().UTC().Add(-retention)
	result := s.db.WithContext(ctx).
		Where("used = ? AND used_at < ?", true, cutoff).
		Delete(&models.VerificationToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("verification service: cleanup used: %w", result.Error)
	}
	return result.RowsAffected, nil
}
