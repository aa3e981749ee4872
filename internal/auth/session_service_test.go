package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/database/testutil"
	"github.com/clinicore/clinicore/internal/models"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
)

func newSessionService(t *testing.T, db *gorm.DB, clock *testClock) *SessionService {
	t.Helper()
	svc, err := NewSessionService(db, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)
	return svc
}

func TestSessionCreateAndList(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	token, session, err := svc.Create(ctx, user.ID, DeviceInfo{
		DeviceName: "ward tablet",
		IPAddress:  "10.0.0.4",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEqual(t, token, session.RefreshTokenHash)
	require.Equal(t, clock.current.Add(DefaultSessionTTL), session.ExpiresAt)

	sessions, err := svc.ListActive(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "ward tablet", sessions[0].DeviceName)
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	token, session, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	newToken, refreshed, err := svc.Refresh(ctx, token)
	require.NoError(t, err)
	require.NotEqual(t, token, newToken)
	require.Equal(t, session.ID, refreshed.ID)
	require.Equal(t, clock.current.Add(DefaultSessionTTL), refreshed.ExpiresAt)

	// The old token no longer refreshes; its replay revokes the session.
	_, _, err = svc.Refresh(ctx, token)
	require.ErrorIs(t, err, ErrRefreshReuse)

	_, _, err = svc.Refresh(ctx, newToken)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestSessionRefreshCapsLifetime(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	token, session, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	// Pin the creation instant to the test clock; the lifetime cap is
	// measured from it.
	require.NoError(t, db.Model(&models.UserSession{}).
		Where("id = ?", session.ID).
		UpdateColumn("created_at", clock.current).Error)
	lifetimeCap := clock.current.Add(MaxSessionLifetime)

	// Keep refreshing just before each expiry; the expiry stops sliding
	// once it reaches the lifetime cap.
	var refreshed *models.UserSession
	for i := 0; i < 4; i++ {
		clock.Advance(DefaultSessionTTL - time.Hour)
		token, refreshed, err = svc.Refresh(ctx, token)
		require.NoError(t, err)
		require.False(t, refreshed.ExpiresAt.After(lifetimeCap))
	}
	require.True(t, refreshed.ExpiresAt.Equal(lifetimeCap))
}

func TestSessionExpiredRefreshRejected(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	token, _, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	clock.Advance(DefaultSessionTTL + time.Minute)

	_, _, err = svc.Refresh(ctx, token)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestSessionRevoke(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	_, session, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, user.ID, session.ID))
	require.ErrorIs(t, svc.Revoke(ctx, user.ID, session.ID), apperrors.ErrSessionNotFound)

	// The row survives for audit review.
	var row models.UserSession
	require.NoError(t, db.First(&row, "id = ?", session.ID).Error)
	require.False(t, row.IsActive)
	require.NotNil(t, row.RevokedAt)
}

func TestSessionRevokeWrongUserRejected(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	owner := seedUser(t, db, "owner@example.com")
	other := seedUser(t, db, "other@example.com")
	ctx := context.Background()

	_, session, err := svc.Create(ctx, owner.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	require.ErrorIs(t, svc.Revoke(ctx, other.ID, session.ID), apperrors.ErrSessionNotFound)
}

func TestSessionRevokeAllExcept(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	_, first, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)
	_, second, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)
	_, third, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	revoked, err := svc.RevokeAllForUser(ctx, user.ID, second.ID)
	require.NoError(t, err)
	require.Len(t, revoked, 2)

	sessions, err := svc.ListActive(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, second.ID, sessions[0].ID)

	_ = first
	_ = third
}

func TestSessionCleanupExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := newSessionService(t, db, clock)
	user := seedUser(t, db, "a@example.com")
	ctx := context.Background()

	_, expired, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)
	_ = expired

	clock.Advance(DefaultSessionTTL + time.Hour)

	_, live, err := svc.Create(ctx, user.ID, DeviceInfo{}, nil)
	require.NoError(t, err)

	removed, err := svc.CleanupExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, db.Model(&models.UserSession{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
	_ = live
}
