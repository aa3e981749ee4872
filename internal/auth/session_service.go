package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/crypto"
	apperrors "github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/logger"
	"github.com/clinicore/clinicore/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultSessionTTL is the sliding window a refresh token stays valid for.
	DefaultSessionTTL = 7 * 24 * time.Hour
	// MaxSessionLifetime caps how far refreshes can extend a session past
	// its creation, regardless of activity.
	MaxSessionLifetime = 30 * 24 * time.Hour

	refreshTokenBytes = 48
)

// ErrRefreshReuse reports that an already-rotated refresh token was
// presented again. The session it belonged to has been revoked.
var ErrRefreshReuse = errors.New("session: rotated refresh token replayed")

// SessionConfig tunes the session manager.
type SessionConfig struct {
	SessionTTL  time.Duration
	MaxLifetime time.Duration
	Clock       func() time.Time
}

// DeviceInfo describes the client a session was established from.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	IPAddress  string
	UserAgent  string
	Trusted    bool
}

// SessionService is the session manager: it mints refresh tokens,
// rotates them on use, detects replay of rotated tokens, and revokes
// sessions individually or in bulk.
type SessionService struct {
	db          *gorm.DB
	ttl         time.Duration
	maxLifetime time.Duration
	now         func() time.Time
}

// NewSessionService constructs the session manager.
func NewSessionService(db *gorm.DB, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	maxLifetime := cfg.MaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = MaxSessionLifetime
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &SessionService{db: db, ttl: ttl, maxLifetime: maxLifetime, now: now}, nil
}

// Create opens a session for the user and returns the opaque refresh
// token alongside the stored row. The token value leaves this method
// exactly once; only its fingerprint is persisted.
func (s *SessionService) Create(ctx context.Context, userID string, device DeviceInfo, sessionContext map[string]any) (string, *models.UserSession, error) {
	if userID == "" {
		return "", nil, errors.New("session service: user id is required")
	}

	token, err := crypto.GenerateToken(refreshTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	now := s.now().UTC()
	session := models.UserSession{
		UserID:           userID,
		RefreshTokenHash: crypto.FingerprintToken(token),
		ExpiresAt:        now.Add(s.ttl),
		LastUsedAt:       now,
		DeviceID:         strings.TrimSpace(device.DeviceID),
		DeviceName:       strings.TrimSpace(device.DeviceName),
		DeviceType:       strings.TrimSpace(device.DeviceType),
		IPAddress:        strings.TrimSpace(device.IPAddress),
		UserAgent:        strings.TrimSpace(device.UserAgent),
		Trusted:          device.Trusted,
		IsActive:         true,
	}
	if len(sessionContext) > 0 {
		session.Context = datatypes.JSONMap(sessionContext)
	}

	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return "", nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()
	return token, &session, nil
}

// Refresh rotates a refresh token: the presented token is retired, a
// new one minted, and the session expiry extended within the lifetime
// cap. Rotation is a single conditional update keyed on the current
// fingerprint, so two concurrent refreshes of the same token produce
// exactly one winner.
//
// Presenting a token that matches a session's previous fingerprint is
// treated as replay of a stolen-or-cached credential: the whole session
// is revoked and ErrRefreshReuse returned.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (string, *models.UserSession, error) {
	if refreshToken == "" {
		return "", nil, apperrors.ErrSessionNotFound
	}

	fingerprint := crypto.FingerprintToken(refreshToken)
	now := s.now().UTC()

	var session models.UserSession
	err := s.db.WithContext(ctx).
		Where("refresh_token_hash = ?", fingerprint).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.handleUnknownToken(ctx, fingerprint)
	}
	if err != nil {
		return "", nil, fmt.Errorf("session service: lookup session: %w", err)
	}

	if !session.Valid(now) {
		return "", nil, apperrors.ErrSessionNotFound
	}

	newToken, err := crypto.GenerateToken(refreshTokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}
	newFingerprint := crypto.FingerprintToken(newToken)

	expiresAt := now.Add(s.ttl)
	if cap := session.CreatedAt.Add(s.maxLifetime); expiresAt.After(cap) {
		expiresAt = cap
	}

	result := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("refresh_token_hash = ? AND is_active = ?", fingerprint, true).
		Updates(map[string]any{
			"refresh_token_hash":  newFingerprint,
			"previous_token_hash": fingerprint,
			"expires_at":          expiresAt,
			"last_used_at":        now,
		})
	if result.Error != nil {
		return "", nil, fmt.Errorf("session service: rotate token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the race to a concurrent refresh, or the session was
		// revoked between lookup and update.
		return s.handleUnknownToken(ctx, fingerprint)
	}

	session.RefreshTokenHash = newFingerprint
	session.PreviousTokenHash = fingerprint
	session.ExpiresAt = expiresAt
	session.LastUsedAt = now
	return newToken, &session, nil
}

// handleUnknownToken distinguishes replay of a rotated token from a
// token this ledger has never seen. Replay revokes the session.
func (s *SessionService) handleUnknownToken(ctx context.Context, fingerprint string) (string, *models.UserSession, error) {
	var session models.UserSession
	err := s.db.WithContext(ctx).
		Where("previous_token_hash = ?", fingerprint).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("session service: replay lookup: %w", err)
	}

	logger.Warn("refresh token replay detected, revoking session",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID))

	if err := s.Revoke(ctx, session.UserID, session.ID); err != nil && !errors.Is(err, apperrors.ErrSessionNotFound) {
		return "", nil, err
	}
	return "", nil, ErrRefreshReuse
}

// Get returns the session by id scoped to the user.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*models.UserSession, error) {
	var session models.UserSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session service: get session: %w", err)
	}
	return &session, nil
}

// ListActive returns the user's live sessions, most recently used first.
func (s *SessionService) ListActive(ctx context.Context, userID string) ([]models.UserSession, error) {
	var sessions []models.UserSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, s.now().UTC()).
		Order("last_used_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// RecordAccessToken stores the id of the most recent access token minted
// against the session, so logout can revoke it.
func (s *SessionService) RecordAccessToken(ctx context.Context, sessionID, tokenID string) error {
	err := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ?", sessionID).
		Update("access_token_id", tokenID).Error
	if err != nil {
		return fmt.Errorf("session service: record access token: %w", err)
	}
	return nil
}

// Revoke deactivates one session belonging to the user. Already revoked
// sessions report ErrSessionNotFound so callers cannot probe ownership.
func (s *SessionService) Revoke(ctx context.Context, userID, sessionID string) error {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ? AND user_id = ? AND is_active = ?", sessionID, userID, true).
		Updates(map[string]any{"is_active": false, "revoked_at": now})
	if result.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrSessionNotFound
	}

	metrics.ActiveSessions.Dec()
	return nil
}

// RevokeAllForUser deactivates every live session of the user, optionally
// sparing one. Returns the revoked sessions so callers can also revoke
// the access tokens minted against them.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string, exceptSessionID string) ([]models.UserSession, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true)
	if exceptSessionID != "" {
		query = query.Where("id <> ?", exceptSessionID)
	}

	var sessions []models.UserSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session service: list for revoke: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	ids := make([]string, len(sessions))
	for i, session := range sessions {
		ids[i] = session.ID
	}

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"is_active": false, "revoked_at": now})
	if result.Error != nil {
		return nil, fmt.Errorf("session service: revoke sessions: %w", result.Error)
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return sessions, nil
}

// MarkTrusted flags the session as belonging to a remembered device.
func (s *SessionService) MarkTrusted(ctx context.Context, sessionID string, trusted bool) error {
	err := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ?", sessionID).
		Update("trusted", trusted).Error
	if err != nil {
		return fmt.Errorf("session service: mark trusted: %w", err)
	}
	return nil
}

// CleanupExpired deletes sessions that lapsed or were revoked before the
// retention cutoff. Revoked rows are kept for the window so audit review
// can still see them.
func (s *SessionService) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	now := s.now().UTC()
	cutoff := now.Add(-retention)
	result := s.db.WithContext(ctx).
		Where("expires_at < ? OR (is_active = ? AND revoked_at < ?)", now, false, cutoff).
		Delete(&models.UserSession{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
