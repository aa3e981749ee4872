package handlers

import (
	"encoding/base64"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/clinicore/clinicore/internal/auth"
	"github.com/clinicore/clinicore/internal/middleware"
	"github.com/clinicore/clinicore/internal/models"
	"github.com/clinicore/clinicore/pkg/errors"
	"github.com/clinicore/clinicore/pkg/response"
)

// AuthHandler exposes the authentication flows over HTTP.
type AuthHandler struct {
	auth *iauth.Service
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(auth *iauth.Service) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

type userPayload struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Status        string    `json:"status"`
	EmailVerified bool      `json:"email_verified"`
	TwoFactor     bool      `json:"two_factor_enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

func toUserPayload(user *models.User) userPayload {
	return userPayload{
		ID:            user.ID,
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		Status:        string(user.Status),
		EmailVerified: user.EmailVerified,
		TwoFactor:     user.TwoFactorEnabled,
		CreatedAt:     user.CreatedAt,
	}
}

// POST /api/v1/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.auth.Register(c.Request.Context(), iauth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, "Account created. Check your email to verify your address", toUserPayload(user))
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /api/v1/auth/verify-email
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Email verified", nil)
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/v1/auth/resend-verification
//
// Answers uniformly whether or not the address has an account.
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ResendVerification(c.Request.Context(), req.Email); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "If the address has a pending account, a new verification email has been sent", nil)
}

type deviceRequest struct {
	DeviceID   string `json:"device_id" validate:"max=128"`
	DeviceName string `json:"device_name" validate:"max=128"`
	DeviceType string `json:"device_type" validate:"max=32"`
}

func (d deviceRequest) toDeviceInfo(c *gin.Context) iauth.DeviceInfo {
	return iauth.DeviceInfo{
		DeviceID:   d.DeviceID,
		DeviceName: d.DeviceName,
		DeviceType: d.DeviceType,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}
}

type loginRequest struct {
	Email              string `json:"email" validate:"required,email"`
	Password           string `json:"password" validate:"required"`
	TrustedDeviceToken string `json:"trusted_device_token"`
	deviceRequest
}

type tokenPayload struct {
	AccessToken        string      `json:"access_token,omitempty"`
	RefreshToken       string      `json:"refresh_token,omitempty"`
	AccessExpiresAt    *time.Time  `json:"access_expires_at,omitempty"`
	SessionID          string      `json:"session_id,omitempty"`
	SessionExpiresAt   *time.Time  `json:"session_expires_at,omitempty"`
	TwoFactorRequired  bool        `json:"two_factor_required,omitempty"`
	ChallengeToken     string      `json:"challenge_token,omitempty"`
	TrustedDeviceToken string      `json:"trusted_device_token,omitempty"`
	User               interface{} `json:"user,omitempty"`
}

func toTokenPayload(result *iauth.LoginResult) tokenPayload {
	payload := tokenPayload{
		TwoFactorRequired:  result.TwoFactorRequired,
		ChallengeToken:     result.ChallengeToken,
		AccessToken:        result.AccessToken,
		RefreshToken:       result.RefreshToken,
		SessionID:          result.SessionID,
		TrustedDeviceToken: result.TrustedDeviceToken,
	}
	if !result.AccessExpiresAt.IsZero() {
		payload.AccessExpiresAt = &result.AccessExpiresAt
	}
	if !result.SessionExpiresAt.IsZero() {
		payload.SessionExpiresAt = &result.SessionExpiresAt
	}
	if result.User != nil {
		payload.User = toUserPayload(result.User)
	}
	return payload
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.Login(c.Request.Context(), iauth.LoginInput{
		Email:              req.Email,
		Password:           req.Password,
		TrustedDeviceToken: req.TrustedDeviceToken,
		Device:             req.toDeviceInfo(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.TwoFactorRequired {
		response.OK(c, "Two-factor authentication required", toTokenPayload(result))
		return
	}
	response.OK(c, "Login successful", toTokenPayload(result))
}

type twoFactorLoginRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"omitempty,len=6,numeric"`
	BackupCode     string `json:"backup_code" validate:"omitempty,len=8,numeric"`
	RememberDevice bool   `json:"remember_device"`
	deviceRequest
}

// POST /api/v1/auth/login/2fa
func (h *AuthHandler) CompleteTwoFactorLogin(c *gin.Context) {
	var req twoFactorLoginRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Code == "" && req.BackupCode == "" {
		response.Error(c, errors.NewBadRequest("a code or backup code is required"))
		return
	}

	result, err := h.auth.CompleteTwoFactorLogin(c.Request.Context(), iauth.TwoFactorLoginInput{
		ChallengeToken: req.ChallengeToken,
		Code:           req.Code,
		BackupCode:     req.BackupCode,
		RememberDevice: req.RememberDevice,
		Device:         req.toDeviceInfo(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Login successful", toTokenPayload(result))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Token refreshed", toTokenPayload(result))
}

type logoutRequest struct {
	SessionID string `json:"session_id"`
}

// POST /api/v1/auth/logout
//
// Without a session id every session of the caller is terminated.
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req logoutRequest
	if c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &req) {
			return
		}
	}

	if err := h.auth.Logout(c.Request.Context(), userID, req.SessionID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Logged out", nil)
}

// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	response.OK(c, "Authenticated", gin.H{
		"user_id":        claims.UserID,
		"name":           claims.Name,
		"email":          claims.Email,
		"role":           claims.PrimaryRole,
		"roles":          claims.Roles,
		"permissions":    claims.Permissions,
		"session_id":     claims.SessionID,
		"email_verified": claims.EmailVerified,
	})
}

// GET /api/v1/auth/sessions
func (h *AuthHandler) ListSessions(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	sessions, err := h.auth.ListSessions(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Active sessions", sessions)
}

// DELETE /api/v1/auth/sessions/:id
func (h *AuthHandler) TerminateSession(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.auth.TerminateSession(c.Request.Context(), userID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Session terminated", nil)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// POST /api/v1/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	sessionID := c.GetString(middleware.CtxSessionIDKey)
	err := h.auth.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword, sessionID, iauth.HistoryMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Password changed. Other sessions have been signed out", nil)
}

// POST /api/v1/auth/forgot-password
//
// Answers uniformly whether or not the address has an account.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "If the address has an account, a password reset email has been sent", nil)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// POST /api/v1/auth/reset-password
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.auth.ResetPassword(c.Request.Context(), req.Token, req.NewPassword, iauth.HistoryMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Password reset. All sessions have been signed out", nil)
}

// POST /api/v1/auth/check-email
//
// Always answers the same so the endpoint cannot be used to enumerate
// registered addresses. Registration reports duplicates authoritatively.
func (h *AuthHandler) CheckEmail(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}
	response.OK(c, "If the address is available, registration will succeed", nil)
}

// POST /api/v1/auth/2fa/setup
func (h *AuthHandler) SetupTwoFactor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	provisioned, err := h.auth.SetupTwoFactor(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, "Scan the QR code and confirm with a code to enable two-factor authentication", gin.H{
		"secret":       provisioned.Secret,
		"otpauth_url":  provisioned.OtpauthURL,
		"qr_code_png":  base64.StdEncoding.EncodeToString(provisioned.QRCodePNG),
		"backup_codes": provisioned.BackupCodes,
	})
}

type twoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// POST /api/v1/auth/2fa/enable
func (h *AuthHandler) EnableTwoFactor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req twoFactorCodeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.EnableTwoFactor(c.Request.Context(), userID, req.Code); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Two-factor authentication enabled", nil)
}

type disableTwoFactorRequest struct {
	Password string `json:"password" validate:"required"`
}

// POST /api/v1/auth/2fa/disable
func (h *AuthHandler) DisableTwoFactor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req disableTwoFactorRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.auth.DisableTwoFactor(c.Request.Context(), userID, req.Password); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, "Two-factor authentication disabled", nil)
}
