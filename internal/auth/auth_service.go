package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/auth/mfa"
	"github.com/clinicore/clinicore/internal/database"
	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/crypto"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/logger"
	"github.com/clinicore/clinicore/pkg/mail"
	"github.com/clinicore/clinicore/pkg/metrics"
)

const (
	// DefaultLockoutThreshold is how many consecutive failures trigger a
	// timed lockout.
	DefaultLockoutThreshold = 5
	// DefaultLockoutDuration is how long a triggered lockout lasts.
	DefaultLockoutDuration = 30 * time.Minute

	twoFactorLoginPurpose = "login"
	twoFactorSetupPurpose = "setup"
)

// Config tunes the orchestrator.
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	Clock            func() time.Time
}

// RegisterInput is the material needed to open an account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	IPAddress string
	UserAgent string
}

// LoginInput carries one credential presentation.
type LoginInput struct {
	Email    string
	Password string
	Device   DeviceInfo
	// TrustedDeviceToken, when present and valid, lets the device skip
	// the two-factor gate.
	TrustedDeviceToken string
	Context            map[string]any
}

// LoginResult is the outcome of a successful credential check: either a
// full token pair, or a two-factor challenge the client must answer.
type LoginResult struct {
	TwoFactorRequired bool
	ChallengeToken    string

	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	SessionID        string
	SessionExpiresAt time.Time
	User             *models.User

	// TrustedDeviceToken is set when the client asked to remember the
	// device after a two-factor login.
	TrustedDeviceToken string
}

// TwoFactorLoginInput answers a pending two-factor challenge.
type TwoFactorLoginInput struct {
	ChallengeToken string
	Code           string
	BackupCode     string
	RememberDevice bool
	Device         DeviceInfo
	Context        map[string]any
}

// Service is the authentication orchestrator. It owns no cryptography
// or persistence of its own; it sequences the credential store, token
// ledger, authenticator, session manager and token issuer into the
// public flows.
type Service struct {
	db            *gorm.DB
	passwords     *PasswordService
	verifications *VerificationService
	sessions      *SessionService
	twoFactor     *mfa.Service
	jwt           *JWTService
	roles         *RoleResolver
	mailer        mail.Mailer

	lockoutThreshold int
	lockoutDuration  time.Duration
	now              func() time.Time

	// decoyRecord burns a KDF verification on unknown emails so lookup
	// misses and password misses take comparable time.
	decoyRecord crypto.PasswordRecord
}

// NewService wires the orchestrator from its parts.
func NewService(
	db *gorm.DB,
	passwords *PasswordService,
	verifications *VerificationService,
	sessions *SessionService,
	twoFactor *mfa.Service,
	jwtService *JWTService,
	roles *RoleResolver,
	mailer mail.Mailer,
	cfg Config,
) (*Service, error) {
	switch {
	case db == nil:
		return nil, errors.New("auth service: db is required")
	case passwords == nil:
		return nil, errors.New("auth service: password service is required")
	case verifications == nil:
		return nil, errors.New("auth service: verification service is required")
	case sessions == nil:
		return nil, errors.New("auth service: session service is required")
	case twoFactor == nil:
		return nil, errors.New("auth service: mfa service is required")
	case jwtService == nil:
		return nil, errors.New("auth service: jwt service is required")
	}

	if roles == nil {
		roles = NewRoleResolver(db)
	}
	if mailer == nil {
		mailer = mail.Discard()
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	decoy, err := crypto.DerivePassword("decoy-" + fmt.Sprint(now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("auth service: derive decoy record: %w", err)
	}

	return &Service{
		db:               db,
		passwords:        passwords,
		verifications:    verifications,
		sessions:         sessions,
		twoFactor:        twoFactor,
		jwt:              jwtService,
		roles:            roles,
		mailer:           mailer,
		lockoutThreshold: threshold,
		lockoutDuration:  duration,
		now:              now,
		decoyRecord:      decoy,
	}, nil
}

// Register opens a pending account and issues its email verification
// token. The user row, the first password-history row and the token are
// created in one transaction; a duplicate email fails the whole thing.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return nil, apperrors.NewBadRequest("Email is required")
	}

	user := &models.User{
		Email:     email,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Status:    models.UserStatusPending,
	}

	var verificationToken string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user.ID = "" // assigned in BeforeCreate
		if err := s.passwords.CheckStrength(input.Password); err != nil {
			return err
		}

		if err := tx.Create(user).Error; err != nil {
			if database.IsUniqueConstraintError(err) {
				return apperrors.ErrDuplicateEmail
			}
			return fmt.Errorf("auth service: create user: %w", err)
		}

		if err := s.passwords.SetInitial(tx, user, input.Password, HistoryMeta{
			Reason:    "registration",
			ChangedBy: user.ID,
			IPAddress: input.IPAddress,
			UserAgent: input.UserAgent,
		}); err != nil {
			return err
		}

		if err := tx.Model(user).Updates(map[string]any{
			"password_hash":      user.PasswordHash,
			"password_salt":      user.PasswordSalt,
			"password_algorithm": user.PasswordAlgorithm,
		}).Error; err != nil {
			return fmt.Errorf("auth service: store credential: %w", err)
		}

		token, _, err := s.verifications.IssueTx(tx, user.ID, models.TokenTypeEmailVerification, IssueOptions{Email: email})
		if err != nil {
			return err
		}
		verificationToken = token
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sendVerificationEmail(ctx, user, verificationToken)
	logger.Info("account registered",
		zap.String("user_id", user.ID),
		logger.CorrelationField(ctx))
	return user, nil
}

// VerifyEmail consumes an email verification token and activates the
// pending account.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	record, err := s.verifications.Consume(ctx, token, models.TokenTypeEmailVerification)
	if err != nil {
		return err
	}

	// The token is bound to the address it was sent to. If the account's
	// email changed since issuance the update matches nothing.
	query := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", record.UserID)
	if record.Email != "" {
		query = query.Where("email = ?", record.Email)
	}
	result := query.Updates(map[string]any{"email_verified": true, "status": models.UserStatusActive})
	if result.Error != nil {
		return fmt.Errorf("auth service: activate account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrTokenInvalid
	}

	logger.Info("email verified", zap.String("user_id", record.UserID), logger.CorrelationField(ctx))
	return nil
}

// ResendVerification issues a fresh verification token when the account
// exists and is still pending. The response is uniform either way so
// the endpoint cannot be used to enumerate accounts.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.findByEmail(ctx, email)
	if err != nil || user == nil || user.EmailVerified {
		return err
	}

	token, _, err := s.verifications.Issue(ctx, user.ID, models.TokenTypeEmailVerification, IssueOptions{Email: user.Email})
	if err != nil {
		return err
	}
	s.sendVerificationEmail(ctx, user, token)
	return nil
}

// Login checks a credential presentation. The error surface is coarse:
// unknown email, wrong password, and lockout that engaged mid-flight
// all come back as the same pair of generic errors.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	user, err := s.findByEmail(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		crypto.VerifyPassword(input.Password, s.decoyRecord)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	now := s.now().UTC()
	if user.IsLockedAt(now) {
		metrics.AuthAttempts.WithLabelValues("locked").Inc()
		return nil, apperrors.ErrAccountLocked
	}

	if !s.passwords.Verify(user, input.Password) {
		s.recordFailedAttempt(ctx, user, now)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	if user.Status != models.UserStatusActive {
		metrics.AuthAttempts.WithLabelValues("inactive").Inc()
		return nil, apperrors.ErrAccountNotActive
	}

	s.clearFailedAttempts(ctx, user)

	if user.TwoFactorEnabled && !s.deviceTrusted(ctx, user.ID, input.TrustedDeviceToken) {
		challenge, _, err := s.verifications.Issue(ctx, user.ID, models.TokenTypeTwoFactor, IssueOptions{Purpose: twoFactorLoginPurpose})
		if err != nil {
			return nil, err
		}
		metrics.AuthAttempts.WithLabelValues("two_factor_required").Inc()
		return &LoginResult{TwoFactorRequired: true, ChallengeToken: challenge}, nil
	}

	result, err := s.establishSession(ctx, user, input.Device, input.Context, "login")
	if err != nil {
		return nil, err
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return result, nil
}

// CompleteTwoFactorLogin answers a pending challenge with a TOTP code
// or a backup code. Wrong answers charge the challenge token's attempt
// budget; exhausting it invalidates the challenge.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, input TwoFactorLoginInput) (*LoginResult, error) {
	record, err := s.verifications.Validate(ctx, input.ChallengeToken, models.TokenTypeTwoFactor, "")
	if err != nil {
		return nil, err
	}
	if record.Purpose != twoFactorLoginPurpose {
		return nil, apperrors.ErrTokenInvalid
	}

	user, err := s.findByID(ctx, record.UserID)
	if err != nil {
		return nil, err
	}

	ok, err := s.checkSecondFactor(ctx, user, input.Code, input.BackupCode)
	if err != nil {
		return nil, err
	}
	if !ok {
		if chargeErr := s.verifications.ChargeAttempt(ctx, record); chargeErr != nil {
			return nil, chargeErr
		}
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrTwoFactorInvalid
	}

	if _, err := s.verifications.Consume(ctx, input.ChallengeToken, models.TokenTypeTwoFactor); err != nil {
		return nil, err
	}

	device := input.Device
	device.Trusted = input.RememberDevice
	result, err := s.establishSession(ctx, user, device, input.Context, "two_factor")
	if err != nil {
		return nil, err
	}

	if input.RememberDevice {
		trustToken, _, err := s.verifications.Issue(ctx, user.ID, models.TokenTypeTrustedDevice, IssueOptions{Purpose: device.DeviceID})
		if err != nil {
			return nil, err
		}
		result.TrustedDeviceToken = trustToken
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return result, nil
}

// Refresh rotates a refresh token and mints a new access token against
// the surviving session. The prior access token is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	newToken, session, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshReuse) {
			return nil, apperrors.ErrTokenInvalid.WithInternal(err)
		}
		return nil, err
	}

	user, err := s.findByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.UserStatusActive || user.IsLockedAt(s.now().UTC()) {
		_ = s.sessions.Revoke(ctx, session.UserID, session.ID)
		return nil, apperrors.ErrAccountNotActive
	}

	previousTokenID := session.AccessTokenID
	issued, err := s.issueAccessToken(ctx, user, session)
	if err != nil {
		return nil, err
	}

	if previousTokenID != "" {
		_ = s.jwt.RevokeToken(ctx, previousTokenID, s.now().UTC().Add(s.jwt.ttl))
		metrics.TokensRevoked.Inc()
	}

	metrics.TokensIssued.WithLabelValues("refresh").Inc()
	return &LoginResult{
		AccessToken:      issued.Token,
		RefreshToken:     newToken,
		AccessExpiresAt:  issued.ExpiresAt,
		SessionID:        session.ID,
		SessionExpiresAt: session.ExpiresAt,
		User:             user,
	}, nil
}

// Logout revokes one session, or every session of the user when no
// session id is supplied. Access tokens minted against the revoked
// sessions join the revocation set.
func (s *Service) Logout(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		return s.revokeAllSessions(ctx, userID, "")
	}

	session, err := s.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, userID, sessionID); err != nil {
		return err
	}
	s.revokeAccessToken(ctx, session)

	logger.Info("session terminated",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		logger.CorrelationField(ctx))
	return nil
}

// ListSessions returns the caller's live sessions.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.UserSession, error) {
	return s.sessions.ListActive(ctx, userID)
}

// TerminateSession revokes one named session of the caller.
func (s *Service) TerminateSession(ctx context.Context, userID, sessionID string) error {
	return s.Logout(ctx, userID, sessionID)
}

// ChangePassword replaces the caller's credential after verifying the
// current one, then revokes every other session.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, keepSessionID string, meta HistoryMeta) error {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}

	if !s.passwords.Verify(user, currentPassword) {
		return apperrors.ErrInvalidCredentials
	}

	meta.Reason = "change"
	meta.ChangedBy = userID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.passwords.Change(tx, user, newPassword, meta)
	})
	if err != nil {
		return err
	}

	if err := s.revokeAllSessions(ctx, userID, keepSessionID); err != nil {
		return err
	}

	logger.Info("password changed", zap.String("user_id", userID), logger.CorrelationField(ctx))
	return nil
}

// ForgotPassword issues a reset token when the account exists. The
// response is uniform either way.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.findByEmail(ctx, email)
	if err != nil || user == nil {
		return err
	}

	token, _, err := s.verifications.Issue(ctx, user.ID, models.TokenTypePasswordReset, IssueOptions{Email: user.Email})
	if err != nil {
		return err
	}
	s.sendResetEmail(ctx, user, token)
	return nil
}

// ResetPassword redeems a reset token, replaces the credential and
// revokes every session of the account.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta HistoryMeta) error {
	record, err := s.verifications.Consume(ctx, token, models.TokenTypePasswordReset)
	if err != nil {
		return err
	}

	user, err := s.findByID(ctx, record.UserID)
	if err != nil {
		return err
	}

	meta.Reason = "reset"
	meta.ChangedBy = user.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.passwords.Change(tx, user, newPassword, meta); err != nil {
			return err
		}
		// A successful reset also clears any standing lockout.
		return tx.Model(user).Updates(map[string]any{
			"failed_login_attempts": 0,
			"account_locked_until":  nil,
			"lockout_reason":        "",
		}).Error
	})
	if err != nil {
		return err
	}

	if err := s.revokeAllSessions(ctx, user.ID, ""); err != nil {
		return err
	}

	logger.Info("password reset", zap.String("user_id", user.ID), logger.CorrelationField(ctx))
	return nil
}

// CheckEmailAvailability reports whether an email is unclaimed. The
// HTTP surface answers uniformly; this is for internal admin flows.
func (s *Service) CheckEmailAvailability(ctx context.Context, email string) (bool, error) {
	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return user == nil, nil
}

// SetupTwoFactor provisions a pending TOTP secret for the caller and
// returns the enrolment material.
func (s *Service) SetupTwoFactor(ctx context.Context, userID string) (*mfa.Provisioned, error) {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.twoFactor.Provision(ctx, user)
}

// EnableTwoFactor confirms the pending secret with a current code.
func (s *Service) EnableTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.twoFactor.ConfirmEnable(ctx, user, code)
}

// DisableTwoFactor turns two-factor off after a fresh password check.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, password string) error {
	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.passwords.Verify(user, password) {
		return apperrors.ErrInvalidCredentials
	}
	return s.twoFactor.Disable(ctx, user)
}

// ValidateAccessToken exposes token validation for middleware.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*Claims, error) {
	return s.jwt.ValidateAccessToken(ctx, token)
}

func (s *Service) establishSession(ctx context.Context, user *models.User, device DeviceInfo, sessionContext map[string]any, flow string) (*LoginResult, error) {
	refreshToken, session, err := s.sessions.Create(ctx, user.ID, device, sessionContext)
	if err != nil {
		return nil, err
	}

	issued, err := s.issueAccessToken(ctx, user, session)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updates := map[string]any{"last_login_at": now, "last_activity_at": now}
	if ip := strings.TrimSpace(device.IPAddress); ip != "" {
		updates["last_login_ip"] = ip
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("auth service: record login: %w", err)
	}

	metrics.TokensIssued.WithLabelValues(flow).Inc()
	logger.Info("login succeeded",
		zap.String("user_id", user.ID),
		zap.String("session_id", session.ID),
		logger.CorrelationField(ctx))

	return &LoginResult{
		AccessToken:      issued.Token,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  issued.ExpiresAt,
		SessionID:        session.ID,
		SessionExpiresAt: session.ExpiresAt,
		User:             user,
	}, nil
}

func (s *Service) issueAccessToken(ctx context.Context, user *models.User, session *models.UserSession) (IssuedToken, error) {
	snapshot, err := s.roles.Resolve(ctx, user.ID)
	if err != nil {
		return IssuedToken{}, err
	}

	issued, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:        user.ID,
		Name:          user.DisplayName(),
		Email:         user.Email,
		PrimaryRole:   snapshot.PrimaryRole,
		Roles:         snapshot.Roles,
		Permissions:   snapshot.Permissions,
		SessionID:     session.ID,
		AccountStatus: string(user.Status),
		EmailVerified: user.EmailVerified,
	})
	if err != nil {
		return IssuedToken{}, err
	}

	if err := s.sessions.RecordAccessToken(ctx, session.ID, issued.TokenID); err != nil {
		return IssuedToken{}, err
	}
	session.AccessTokenID = issued.TokenID
	return issued, nil
}

func (s *Service) checkSecondFactor(ctx context.Context, user *models.User, code, backupCode string) (bool, error) {
	if code != "" {
		return s.twoFactor.Verify(user, code)
	}
	if backupCode != "" {
		return s.twoFactor.UseBackupCode(ctx, user, backupCode)
	}
	return false, nil
}

func (s *Service) deviceTrusted(ctx context.Context, userID, token string) bool {
	if token == "" {
		return false
	}
	record, err := s.verifications.Validate(ctx, token, models.TokenTypeTrustedDevice, "")
	if err != nil {
		return false
	}
	return record.UserID == userID
}

func (s *Service) recordFailedAttempt(ctx context.Context, user *models.User, now time.Time) {
	if err := s.db.WithContext(ctx).Model(user).
		UpdateColumn("failed_login_attempts", gorm.Expr("failed_login_attempts + 1")).Error; err != nil {
		logger.Error("record failed attempt", zap.Error(err), zap.String("user_id", user.ID))
		return
	}

	// The threshold decision reads the stored counter, not the copy this
	// request loaded, so concurrent failures cannot slip past it.
	var fresh models.User
	if err := s.db.WithContext(ctx).Select("failed_login_attempts").
		First(&fresh, "id = ?", user.ID).Error; err != nil {
		logger.Error("read failed attempts", zap.Error(err), zap.String("user_id", user.ID))
		return
	}
	if fresh.FailedLoginAttempts < s.lockoutThreshold {
		return
	}

	lockedUntil := now.Add(s.lockoutDuration)
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (account_locked_until IS NULL OR account_locked_until < ?)", user.ID, now).
		Updates(map[string]any{
			"account_locked_until": lockedUntil,
			"lockout_reason":       "too many failed login attempts",
		})
	if result.Error != nil {
		logger.Error("engage lockout", zap.Error(result.Error), zap.String("user_id", user.ID))
		return
	}
	if result.RowsAffected == 0 {
		// A concurrent failure already engaged the lockout.
		return
	}

	metrics.AccountLockouts.Inc()
	logger.Warn("account locked",
		zap.String("user_id", user.ID),
		zap.Time("locked_until", lockedUntil),
		logger.CorrelationField(ctx))

	// Lockout is a compromise signal. Every live session dies with it so
	// a stolen refresh or access token cannot ride out the lock.
	if err := s.revokeAllSessions(ctx, user.ID, ""); err != nil {
		logger.Error("revoke sessions on lockout", zap.Error(err), zap.String("user_id", user.ID))
	}
}

func (s *Service) clearFailedAttempts(ctx context.Context, user *models.User) {
	if user.FailedLoginAttempts == 0 && user.AccountLockedUntil == nil {
		return
	}
	err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"failed_login_attempts": 0,
		"account_locked_until":  nil,
		"lockout_reason":        "",
	}).Error
	if err != nil {
		logger.Error("clear failed attempts", zap.Error(err), zap.String("user_id", user.ID))
	}
	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil
}

func (s *Service) revokeAllSessions(ctx context.Context, userID, exceptSessionID string) error {
	revoked, err := s.sessions.RevokeAllForUser(ctx, userID, exceptSessionID)
	if err != nil {
		return err
	}
	for i := range revoked {
		s.revokeAccessToken(ctx, &revoked[i])
	}
	return nil
}

func (s *Service) revokeAccessToken(ctx context.Context, session *models.UserSession) {
	if session.AccessTokenID == "" {
		return
	}
	if err := s.jwt.RevokeToken(ctx, session.AccessTokenID, s.now().UTC().Add(s.jwt.ttl)); err != nil {
		logger.Error("revoke access token", zap.Error(err), zap.String("session_id", session.ID))
		return
	}
	metrics.TokensRevoked.Inc()
}

func (s *Service) findByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, nil
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: find user: %w", err)
	}
	return &user, nil
}

func (s *Service) findByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}
	return &user, nil
}

func (s *Service) sendVerificationEmail(ctx context.Context, user *models.User, token string) {
	err := s.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: "Verify your email address",
		Body:    fmt.Sprintf("Hello %s,\n\nUse this token to verify your email address: %s\n\nThe token expires in 24 hours.", user.DisplayName(), token),
	})
	if err != nil && !errors.Is(err, mail.ErrDeliveryDisabled) {
		logger.Error("send verification email", zap.Error(err), zap.String("user_id", user.ID))
	}
}

func (s *Service) sendResetEmail(ctx context.Context, user *models.User, token string) {
	err := s.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: "Password reset request",
		Body:    fmt.Sprintf("Hello %s,\n\nUse this token to reset your password: %s\n\nThe token expires in 1 hour. If you did not request a reset, ignore this message.", user.DisplayName(), token),
	})
	if err != nil && !errors.Is(err, mail.ErrDeliveryDisabled) {
		logger.Error("send reset email", zap.Error(err), zap.String("user_id", user.ID))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
