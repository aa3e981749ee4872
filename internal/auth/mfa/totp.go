package mfa

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/crypto"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
)

const (
	defaultIssuer    = "CliniCore"
	backupCodeCount  = 10
	backupCodeDigits = 8
	qrImageSize      = 256

	// codeSkewSteps widens code acceptance by this many 30-second steps
	// on either side of the current one, covering client clock drift.
	codeSkewSteps = 2
)

// Config tunes the TOTP authenticator.
type Config struct {
	Issuer string
	// EncryptionKey protects stored TOTP secrets at rest. 32 bytes.
	EncryptionKey []byte
	Clock         func() time.Time
}

// Provisioned is what setup hands back to the client: the otpauth URI,
// a QR rendering of it, and the one-time view of the backup codes.
type Provisioned struct {
	Secret      string
	OtpauthURL  string
	QRCodePNG   []byte
	BackupCodes []string
}

// Service implements TOTP two-factor enrolment and verification. A
// provisioned secret stays pending until the user proves possession by
// confirming a valid code; only then does the account require 2FA.
type Service struct {
	db     *gorm.DB
	issuer string
	key    []byte
	now    func() time.Time
}

// NewService constructs the TOTP authenticator.
func NewService(db *gorm.DB, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, errors.New("mfa: encryption key must be 32 bytes")
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &Service{db: db, issuer: issuer, key: cfg.EncryptionKey, now: now}, nil
}

// Provision generates a fresh TOTP secret for the user and stores it
// encrypted in the pending slot. Re-provisioning overwrites any earlier
// pending secret; an already active secret is untouched until
// ConfirmEnable promotes the new one.
func (s *Service) Provision(ctx context.Context, user *models.User) (*Provisioned, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(key.Secret()), s.key)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt secret: %w", err)
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	hashedJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, fmt.Errorf("mfa: encode backup codes: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("mfa: render qr code: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"two_factor_pending_secret": encrypted,
		"two_factor_backup_codes":   datatypes.JSON(hashedJSON),
	}).Error; err != nil {
		return nil, fmt.Errorf("mfa: store pending secret: %w", err)
	}

	user.TwoFactorPendingSecret = encrypted
	user.TwoFactorBackupCodes = datatypes.JSON(hashedJSON)

	return &Provisioned{
		Secret:      key.Secret(),
		OtpauthURL:  key.URL(),
		QRCodePNG:   png,
		BackupCodes: codes,
	}, nil
}

// ConfirmEnable promotes the pending secret to active after the user
// proves possession with a current code. Two-factor is required on
// every subsequent login.
func (s *Service) ConfirmEnable(ctx context.Context, user *models.User, code string) error {
	if user.TwoFactorPendingSecret == "" {
		return apperrors.ErrTwoFactorInvalid.WithInternal(errors.New("no pending secret to confirm"))
	}

	secret, err := crypto.Decrypt(user.TwoFactorPendingSecret, s.key)
	if err != nil {
		return fmt.Errorf("mfa: decrypt pending secret: %w", err)
	}

	if !s.validateCode(string(secret), code) {
		return apperrors.ErrTwoFactorInvalid
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"two_factor_enabled":        true,
		"two_factor_secret":         user.TwoFactorPendingSecret,
		"two_factor_pending_secret": "",
		"two_factor_confirmed_at":   now,
	}).Error; err != nil {
		return fmt.Errorf("mfa: activate secret: %w", err)
	}

	user.TwoFactorEnabled = true
	user.TwoFactorSecret = user.TwoFactorPendingSecret
	user.TwoFactorPendingSecret = ""
	user.TwoFactorConfirmedAt = &now
	return nil
}

// Verify checks a TOTP code against the user's active secret.
func (s *Service) Verify(user *models.User, code string) (bool, error) {
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		return false, apperrors.ErrTwoFactorInvalid.WithInternal(errors.New("two-factor not enabled"))
	}

	secret, err := crypto.Decrypt(user.TwoFactorSecret, s.key)
	if err != nil {
		return false, fmt.Errorf("mfa: decrypt secret: %w", err)
	}
	return s.validateCode(string(secret), code), nil
}

// UseBackupCode redeems one backup code. Each code is single-use: the
// match and the burn run against the stored set under a row lock, so
// concurrent redemptions serialize and a spent code never matches twice.
func (s *Service) UseBackupCode(ctx context.Context, user *models.User, code string) (bool, error) {
	if !user.TwoFactorEnabled || len(user.TwoFactorBackupCodes) == 0 {
		return false, nil
	}

	matched := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fresh models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "two_factor_backup_codes").
			First(&fresh, "id = ?", user.ID).Error; err != nil {
			return fmt.Errorf("mfa: load backup codes: %w", err)
		}
		if len(fresh.TwoFactorBackupCodes) == 0 {
			return nil
		}

		var hashes []string
		if err := json.Unmarshal(fresh.TwoFactorBackupCodes, &hashes); err != nil {
			return fmt.Errorf("mfa: decode backup codes: %w", err)
		}

		idx := -1
		for i, hash := range hashes {
			if crypto.VerifySecret(hash, code) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}

		remaining := append(hashes[:idx], hashes[idx+1:]...)
		remainingJSON, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("mfa: encode backup codes: %w", err)
		}

		if err := tx.Model(&models.User{}).Where("id = ?", fresh.ID).
			Update("two_factor_backup_codes", datatypes.JSON(remainingJSON)).Error; err != nil {
			return fmt.Errorf("mfa: burn backup code: %w", err)
		}

		matched = true
		user.TwoFactorBackupCodes = datatypes.JSON(remainingJSON)
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// Disable clears all two-factor state. Callers gate this behind a fresh
// password check.
func (s *Service) Disable(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"two_factor_enabled":        false,
		"two_factor_secret":         "",
		"two_factor_pending_secret": "",
		"two_factor_backup_codes":   nil,
		"two_factor_confirmed_at":   nil,
	}).Error; err != nil {
		return fmt.Errorf("mfa: disable: %w", err)
	}

	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	user.TwoFactorPendingSecret = ""
	user.TwoFactorBackupCodes = nil
	user.TwoFactorConfirmedAt = nil
	return nil
}

func (s *Service) validateCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      codeSkewSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes() ([]string, []string, error) {
	const digits = "0123456789"

	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	buffer := make([]byte, backupCodeDigits)

	for i := 0; i < backupCodeCount; i++ {
		if _, err := rand.Read(buffer); err != nil {
			return nil, nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		code := make([]byte, backupCodeDigits)
		for j, b := range buffer {
			code[j] = digits[int(b)%len(digits)]
		}

		hash, err := crypto.HashSecret(string(code))
		if err != nil {
			return nil, nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		codes = append(codes, string(code))
		hashes = append(hashes, hash)
	}
	return codes, hashes, nil
}
