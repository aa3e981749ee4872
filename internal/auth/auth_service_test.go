package auth

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/auth/mfa"
	"github.com/clinicore/clinicore/internal/database/testutil"
	"github.com/clinicore/clinicore/internal/models"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/mail"
)

// captureMailer records outbound messages so tests can read the tokens
// that would have been emailed.
type captureMailer struct {
	messages []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, m.messages)

	body := m.messages[len(m.messages)-1].Body
	idx := strings.LastIndex(body, ": ")
	require.GreaterOrEqual(t, idx, 0)

	fields := strings.Fields(body[idx+2:])
	require.NotEmpty(t, fields)
	return fields[0]
}

type authFixture struct {
	db            *gorm.DB
	clock         *testClock
	mailer        *captureMailer
	passwords     *PasswordService
	verifications *VerificationService
	sessions      *SessionService
	twoFactor     *mfa.Service
	jwt           *JWTService
	svc           *Service
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	mailer := &captureMailer{}

	passwords, err := NewPasswordService(db, PasswordConfig{Clock: clock.Now})
	require.NoError(t, err)
	verifications, err := NewVerificationService(db, VerificationConfig{Clock: clock.Now})
	require.NoError(t, err)
	sessions, err := NewSessionService(db, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)
	twoFactor, err := mfa.NewService(db, mfa.Config{
		EncryptionKey: bytes.Repeat([]byte{0x24}, 32),
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	jwtService, err := NewJWTService(JWTConfig{Secret: "test-secret", Clock: clock.Now}, nil)
	require.NoError(t, err)

	svc, err := NewService(db, passwords, verifications, sessions, twoFactor, jwtService, NewRoleResolver(db), mailer, Config{Clock: clock.Now})
	require.NoError(t, err)

	return &authFixture{
		db:            db,
		clock:         clock,
		mailer:        mailer,
		passwords:     passwords,
		verifications: verifications,
		sessions:      sessions,
		twoFactor:     twoFactor,
		jwt:           jwtService,
		svc:           svc,
	}
}

func (f *authFixture) register(t *testing.T, email, password string) *models.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), RegisterInput{
		Email:     email,
		Password:  password,
		FirstName: "Avery",
		LastName:  "Quinn",
	})
	require.NoError(t, err)
	return user
}

func (f *authFixture) registerVerified(t *testing.T, email, password string) *models.User {
	t.Helper()
	user := f.register(t, email, password)
	require.NoError(t, f.svc.VerifyEmail(context.Background(), f.mailer.lastToken(t)))

	var refreshed models.User
	require.NoError(t, f.db.First(&refreshed, "id = ?", user.ID).Error)
	return &refreshed
}

func TestRegisterCreatesPendingAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.register(t, "Clinician@Example.com", "Str0ng!Pass")

	require.Equal(t, "clinician@example.com", user.Email)
	require.Equal(t, models.UserStatusPending, user.Status)
	require.False(t, user.EmailVerified)

	var historyCount int64
	require.NoError(t, f.db.Model(&models.UserPasswordHistory{}).Where("user_id = ?", user.ID).Count(&historyCount).Error)
	require.EqualValues(t, 1, historyCount)

	require.Len(t, f.mailer.messages, 1)
	require.Equal(t, "clinician@example.com", f.mailer.messages[0].To)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "clinician@example.com", "Str0ng!Pass")

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:    "CLINICIAN@example.com",
		Password: "An0ther!Pass",
	})
	require.ErrorIs(t, err, apperrors.ErrDuplicateEmail)

	// The failed attempt leaves no partial rows behind.
	var userCount, tokenCount int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&userCount).Error)
	require.NoError(t, f.db.Model(&models.VerificationToken{}).Count(&tokenCount).Error)
	require.EqualValues(t, 1, userCount)
	require.EqualValues(t, 1, tokenCount)
}

func TestRegisterWeakPasswordRejected(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		Email:    "clinician@example.com",
		Password: "weak",
	})
	require.ErrorIs(t, err, apperrors.ErrPasswordPolicy)

	var userCount int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&userCount).Error)
	require.Zero(t, userCount)
}

func TestVerifyEmailActivatesAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")

	require.Equal(t, models.UserStatusActive, user.Status)
	require.True(t, user.EmailVerified)
}

func TestLoginBeforeVerificationRejected(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "clinician@example.com", "Str0ng!Pass")

	_, err := f.svc.Login(context.Background(), LoginInput{
		Email:    "clinician@example.com",
		Password: "Str0ng!Pass",
	})
	require.ErrorIs(t, err, apperrors.ErrAccountNotActive)
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	result, err := f.svc.Login(ctx, LoginInput{
		Email:    "clinician@example.com",
		Password: "Str0ng!Pass",
		Device:   DeviceInfo{DeviceName: "ward tablet", IPAddress: "10.0.0.4"},
	})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.AccessToken)
	require.NotEmpty(t, result.RefreshToken)
	require.NotEmpty(t, result.SessionID)

	claims, err := f.svc.ValidateAccessToken(ctx, result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, result.User.ID, claims.UserID)
	require.Equal(t, result.SessionID, claims.SessionID)

	var stored models.User
	require.NoError(t, f.db.First(&stored, "id = ?", result.User.ID).Error)
	require.NotNil(t, stored.LastLoginAt)
	require.Equal(t, "10.0.0.4", stored.LastLoginIP)
}

func TestLoginUnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	f := newAuthFixture(t)
	f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	_, unknownErr := f.svc.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "Str0ng!Pass"})
	_, wrongErr := f.svc.Login(ctx, LoginInput{Email: "clinician@example.com", Password: "Wr0ng!Pass"})

	require.ErrorIs(t, unknownErr, apperrors.ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, apperrors.ErrInvalidCredentials)
	require.EqualError(t, unknownErr, wrongErr.Error())
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	for i := 0; i < DefaultLockoutThreshold; i++ {
		_, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Wr0ng!Pass"})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	}

	// The correct password is now refused too.
	_, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)

	// After the lockout window the account recovers and the counter resets.
	f.clock.Advance(DefaultLockoutDuration + time.Minute)
	result, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	require.NotEmpty(t, result.AccessToken)

	var stored models.User
	require.NoError(t, f.db.First(&stored, "id = ?", user.ID).Error)
	require.Zero(t, stored.FailedLoginAttempts)
	require.Nil(t, stored.AccountLockedUntil)
}

func TestLockoutRevokesActiveSessions(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	for i := 0; i < DefaultLockoutThreshold; i++ {
		_, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Wr0ng!Pass"})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	}

	// Engaging the lockout kills the pre-existing session: it is no
	// longer listed, its access token is revoked and its refresh token
	// no longer rotates.
	sessions, err := f.svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = f.svc.ValidateAccessToken(ctx, login.AccessToken)
	require.Error(t, err)
	_, err = f.svc.Refresh(ctx, login.RefreshToken)
	require.Error(t, err)
}

func TestLockoutThresholdReadsStoredCounter(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	// Model two in-flight requests that loaded the user before either
	// failure landed: the stored counter sits one below the threshold
	// while this request's copy still reads zero.
	stale := &models.User{}
	require.NoError(t, f.db.First(stale, "id = ?", user.ID).Error)
	require.Zero(t, stale.FailedLoginAttempts)
	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", user.ID).
		UpdateColumn("failed_login_attempts", DefaultLockoutThreshold-1).Error)

	f.svc.recordFailedAttempt(ctx, stale, f.clock.current)

	var stored models.User
	require.NoError(t, f.db.First(&stored, "id = ?", user.ID).Error)
	require.Equal(t, DefaultLockoutThreshold, stored.FailedLoginAttempts)
	require.NotNil(t, stored.AccountLockedUntil)

	_, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)
}

func enableTwoFactor(t *testing.T, f *authFixture, user *models.User) *mfa.Provisioned {
	t.Helper()
	ctx := context.Background()

	provisioned, err := f.svc.SetupTwoFactor(ctx, user.ID)
	require.NoError(t, err)

	code, err := totp.GenerateCode(provisioned.Secret, f.clock.current)
	require.NoError(t, err)
	require.NoError(t, f.svc.EnableTwoFactor(ctx, user.ID, code))
	return provisioned
}

func TestLoginWithTwoFactorChallenge(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	provisioned := enableTwoFactor(t, f, user)
	ctx := context.Background()

	result, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.ChallengeToken)
	require.Empty(t, result.AccessToken)

	// A wrong code burns an attempt but keeps the challenge alive.
	_, err = f.svc.CompleteTwoFactorLogin(ctx, TwoFactorLoginInput{
		ChallengeToken: result.ChallengeToken,
		Code:           "000000",
	})
	require.ErrorIs(t, err, apperrors.ErrTwoFactorInvalid)

	code, err := totp.GenerateCode(provisioned.Secret, f.clock.current)
	require.NoError(t, err)
	completed, err := f.svc.CompleteTwoFactorLogin(ctx, TwoFactorLoginInput{
		ChallengeToken: result.ChallengeToken,
		Code:           code,
	})
	require.NoError(t, err)
	require.NotEmpty(t, completed.AccessToken)
	require.NotEmpty(t, completed.RefreshToken)

	// The challenge is single-use.
	_, err = f.svc.CompleteTwoFactorLogin(ctx, TwoFactorLoginInput{
		ChallengeToken: result.ChallengeToken,
		Code:           code,
	})
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestLoginWithBackupCode(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	provisioned := enableTwoFactor(t, f, user)
	ctx := context.Background()

	result, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)

	completed, err := f.svc.CompleteTwoFactorLogin(ctx, TwoFactorLoginInput{
		ChallengeToken: result.ChallengeToken,
		BackupCode:     provisioned.BackupCodes[0],
	})
	require.NoError(t, err)
	require.NotEmpty(t, completed.AccessToken)
}

func TestTrustedDeviceSkipsTwoFactor(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	provisioned := enableTwoFactor(t, f, user)
	ctx := context.Background()

	result, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)

	code, err := totp.GenerateCode(provisioned.Secret, f.clock.current)
	require.NoError(t, err)
	completed, err := f.svc.CompleteTwoFactorLogin(ctx, TwoFactorLoginInput{
		ChallengeToken: result.ChallengeToken,
		Code:           code,
		RememberDevice: true,
		Device:         DeviceInfo{DeviceID: "tablet-7"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, completed.TrustedDeviceToken)

	// The remembered device goes straight to a session on the next login.
	again, err := f.svc.Login(ctx, LoginInput{
		Email:              user.Email,
		Password:           "Str0ng!Pass",
		TrustedDeviceToken: completed.TrustedDeviceToken,
	})
	require.NoError(t, err)
	require.False(t, again.TwoFactorRequired)
	require.NotEmpty(t, again.AccessToken)
}

func TestRefreshRotatesAndRevokesOldAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	refreshed, err := f.svc.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)
	require.Equal(t, login.SessionID, refreshed.SessionID)

	// The pre-refresh access token is on the revocation list.
	_, err = f.svc.ValidateAccessToken(ctx, login.AccessToken)
	require.Error(t, err)
	_, err = f.svc.ValidateAccessToken(ctx, refreshed.AccessToken)
	require.NoError(t, err)

	// Replaying the rotated refresh token kills the session.
	_, err = f.svc.Refresh(ctx, login.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrTokenInvalid)
	_, err = f.svc.Refresh(ctx, refreshed.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestLogoutSingleSession(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, user.ID, login.SessionID))

	_, err = f.svc.ValidateAccessToken(ctx, login.AccessToken)
	require.Error(t, err)
	_, err = f.svc.Refresh(ctx, login.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestLogoutAllSessions(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	first, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, user.ID, ""))

	sessions, err := f.svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = f.svc.ValidateAccessToken(ctx, first.AccessToken)
	require.Error(t, err)
	_, err = f.svc.ValidateAccessToken(ctx, second.AccessToken)
	require.Error(t, err)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	keep, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	other, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	require.ErrorIs(t,
		f.svc.ChangePassword(ctx, user.ID, "Wr0ng!Pass", "N3w!Passw0rd", keep.SessionID, HistoryMeta{}),
		apperrors.ErrInvalidCredentials)

	require.NoError(t, f.svc.ChangePassword(ctx, user.ID, "Str0ng!Pass", "N3w!Passw0rd", keep.SessionID, HistoryMeta{}))

	sessions, err := f.svc.ListSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, keep.SessionID, sessions[0].ID)
	_ = other

	_, err = f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "N3w!Passw0rd"})
	require.NoError(t, err)
}

func TestForgotPasswordIsUniform(t *testing.T) {
	f := newAuthFixture(t)
	f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	mailCount := len(f.mailer.messages)
	require.NoError(t, f.svc.ForgotPassword(ctx, "clinician@example.com"))
	require.Len(t, f.mailer.messages, mailCount+1)

	// Unknown addresses answer the same but send nothing.
	require.NoError(t, f.svc.ForgotPassword(ctx, "nobody@example.com"))
	require.Len(t, f.mailer.messages, mailCount+1)
}

func TestResetPasswordFlow(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	login, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)

	require.NoError(t, f.svc.ForgotPassword(ctx, user.Email))
	token := f.mailer.lastToken(t)

	require.NoError(t, f.svc.ResetPassword(ctx, token, "N3w!Passw0rd", HistoryMeta{}))

	// Every session is revoked and the old password is dead.
	_, err = f.svc.Refresh(ctx, login.RefreshToken)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	_, err = f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "N3w!Passw0rd"})
	require.NoError(t, err)

	// The reset token is single-use.
	require.ErrorIs(t, f.svc.ResetPassword(ctx, token, "An0ther!Pass", HistoryMeta{}), apperrors.ErrTokenInvalid)
}

func TestResendVerificationIsUniform(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	mailCount := len(f.mailer.messages)
	require.NoError(t, f.svc.ResendVerification(ctx, "clinician@example.com"))
	require.Len(t, f.mailer.messages, mailCount+1)

	require.NoError(t, f.svc.ResendVerification(ctx, "nobody@example.com"))
	require.Len(t, f.mailer.messages, mailCount+1)

	// The re-issued token verifies; the superseded one does not.
	require.NoError(t, f.svc.VerifyEmail(ctx, f.mailer.lastToken(t)))
}

func TestCheckEmailAvailability(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "clinician@example.com", "Str0ng!Pass")
	ctx := context.Background()

	available, err := f.svc.CheckEmailAvailability(ctx, "CLINICIAN@example.com")
	require.NoError(t, err)
	require.False(t, available)

	available, err = f.svc.CheckEmailAvailability(ctx, "new@example.com")
	require.NoError(t, err)
	require.True(t, available)
}

func TestDisableTwoFactorRequiresPassword(t *testing.T) {
	f := newAuthFixture(t)
	user := f.registerVerified(t, "clinician@example.com", "Str0ng!Pass")
	enableTwoFactor(t, f, user)
	ctx := context.Background()

	require.ErrorIs(t, f.svc.DisableTwoFactor(ctx, user.ID, "Wr0ng!Pass"), apperrors.ErrInvalidCredentials)
	require.NoError(t, f.svc.DisableTwoFactor(ctx, user.ID, "Str0ng!Pass"))

	// Logins no longer hit the two-factor gate.
	result, err := f.svc.Login(ctx, LoginInput{Email: user.Email, Password: "Str0ng!Pass"})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
}
