package mfa

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/database/testutil"
	"github.com/clinicore/clinicore/internal/models"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func newTestService(t *testing.T, db *gorm.DB, current *time.Time) *Service {
	t.Helper()
	svc, err := NewService(db, Config{
		Issuer:        "CliniCore Test",
		EncryptionKey: testKey,
		Clock:         func() time.Time { return *current },
	})
	require.NoError(t, err)
	return svc
}

func seedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Email:             "clinician@example.com",
		PasswordHash:      "h",
		PasswordSalt:      "s",
		PasswordAlgorithm: "a",
		Status:            models.UserStatusActive,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestProvisionStoresPendingSecret(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)

	provisioned, err := svc.Provision(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, provisioned.Secret)
	require.Contains(t, provisioned.OtpauthURL, "otpauth://totp/")
	require.NotEmpty(t, provisioned.QRCodePNG)
	require.Len(t, provisioned.BackupCodes, backupCodeCount)

	// The stored secret is encrypted, not the raw value, and the account
	// does not require two-factor until confirmation.
	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	require.NotEmpty(t, stored.TwoFactorPendingSecret)
	require.NotEqual(t, provisioned.Secret, stored.TwoFactorPendingSecret)
	require.False(t, stored.TwoFactorEnabled)
}

func TestConfirmEnablePromotesSecret(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, user)
	require.NoError(t, err)

	require.ErrorIs(t, svc.ConfirmEnable(ctx, user, "000000"), apperrors.ErrTwoFactorInvalid)
	require.False(t, user.TwoFactorEnabled)

	code, err := totp.GenerateCode(provisioned.Secret, current)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmEnable(ctx, user, code))

	require.True(t, user.TwoFactorEnabled)
	require.Empty(t, user.TwoFactorPendingSecret)
	require.NotNil(t, user.TwoFactorConfirmedAt)

	ok, err := svc.Verify(user, code)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyAcceptsSkewedCodes(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, user)
	require.NoError(t, err)
	code, err := totp.GenerateCode(provisioned.Secret, current)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmEnable(ctx, user, code))

	// A code from one step behind is accepted within the skew window.
	stale, err := totp.GenerateCode(provisioned.Secret, current.Add(-30*time.Second))
	require.NoError(t, err)
	ok, err := svc.Verify(user, stale)
	require.NoError(t, err)
	require.True(t, ok)

	// Far outside the window it is not.
	old, err := totp.GenerateCode(provisioned.Secret, current.Add(-10*time.Minute))
	require.NoError(t, err)
	ok, err = svc.Verify(user, old)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackupCodesAreSingleUse(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, user)
	require.NoError(t, err)
	code, err := totp.GenerateCode(provisioned.Secret, current)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmEnable(ctx, user, code))

	backup := provisioned.BackupCodes[0]
	ok, err := svc.UseBackupCode(ctx, user, backup)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.UseBackupCode(ctx, user, backup)
	require.NoError(t, err)
	require.False(t, ok)

	// The remaining codes still work.
	ok, err = svc.UseBackupCode(ctx, user, provisioned.BackupCodes[1])
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBackupCodeBurnReadsStoredSet(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, user)
	require.NoError(t, err)
	code, err := totp.GenerateCode(provisioned.Secret, current)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmEnable(ctx, user, code))

	// Two requests holding independent copies of the user row, the way
	// concurrent logins would.
	copyA, copyB := &models.User{}, &models.User{}
	require.NoError(t, db.First(copyA, "id = ?", user.ID).Error)
	require.NoError(t, db.First(copyB, "id = ?", user.ID).Error)

	ok, err := svc.UseBackupCode(ctx, copyA, provisioned.BackupCodes[0])
	require.NoError(t, err)
	require.True(t, ok)

	// The second copy is stale but the burn matched against the stored
	// set, so the spent code does not redeem twice.
	ok, err = svc.UseBackupCode(ctx, copyB, provisioned.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, ok)

	// Burning a different code through the stale copy must not
	// resurrect the first one.
	ok, err = svc.UseBackupCode(ctx, copyB, provisioned.BackupCodes[1])
	require.NoError(t, err)
	require.True(t, ok)

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	var hashes []string
	require.NoError(t, json.Unmarshal(stored.TwoFactorBackupCodes, &hashes))
	require.Len(t, hashes, backupCodeCount-2)

	ok, err = svc.UseBackupCode(ctx, &stored, provisioned.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDisableClearsState(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	current := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, db, &current)
	user := seedUser(t, db)
	ctx := context.Background()

	provisioned, err := svc.Provision(ctx, user)
	require.NoError(t, err)
	code, err := totp.GenerateCode(provisioned.Secret, current)
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmEnable(ctx, user, code))

	require.NoError(t, svc.Disable(ctx, user))

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	require.False(t, stored.TwoFactorEnabled)
	require.Empty(t, stored.TwoFactorSecret)
	require.Empty(t, stored.TwoFactorPendingSecret)

	_, err = svc.Verify(&stored, code)
	require.Error(t, err)
}
