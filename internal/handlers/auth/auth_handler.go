package auth

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"booru-service/internal/domain/auth"
	"booru-service/internal/middleware"
	xerrors "booru-service/internal/pkg/errors"
	"booru-service/internal/pkg/response"
	authUsecase "booru-service/internal/service/auth"
)

// RetryAfter is the hint sent with 503 responses.
const RetryAfter = 2 * time.Second

type AuthHandler struct {
	authService *authUsecase.AuthService
	logger      *zap.Logger
}

func NewAuthHandler(authService *authUsecase.AuthService, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		logger:      logger,
	}
}

// ========== Registration ==========

// Register handles user registration (public endpoint)
func (h *AuthHandler) Register(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	loginResp, err := h.authService.Register(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		h.fail(c, "registration failed", err, zap.String("name", req.Name))
		return
	}

	response.Success(c, http.StatusCreated, "registration successful", loginResp)
}

// ========== Login ==========

// Login handles name and password login
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	loginResp, err := h.authService.Login(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		h.fail(c, "login failed", err, zap.String("name", req.Name))
		return
	}

	h.logger.Info("user logged in",
		zap.Int64("user_id", loginResp.User.ID),
		zap.String("ip", c.ClientIP()),
	)

	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// ========== Refresh ==========

// Refresh exchanges a refresh token for a new credential pair (public endpoint)
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP())
	if err != nil {
		h.fail(c, "refresh failed", err)
		return
	}

	response.Success(c, http.StatusOK, "token refreshed", result)
}

// ========== Logout ==========

// Logout revokes the caller's session (requires auth)
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.MustGetClaims(c)

	if err := h.authService.Logout(c.Request.Context(), claims); err != nil {
		h.fail(c, "logout failed", err, zap.Int64("session_id", claims.SessionID))
		return
	}

	response.Success(c, http.StatusOK, "logout successful", nil)
}

// LogoutAll handles logging out all sessions (requires auth)
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	claims := middleware.MustGetClaims(c)

	if err := h.authService.LogoutAllSessions(c.Request.Context(), claims.UserID); err != nil {
		h.fail(c, "logout all failed", err, zap.Int64("user_id", claims.UserID))
		return
	}

	response.Success(c, http.StatusOK, "all sessions logged out", nil)
}

// ========== Profile ==========

func (h *AuthHandler) GetMe(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "access denied")
		return
	}

	me, err := h.authService.Me(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "failed to load profile", err, zap.Int64("user_id", userID))
		return
	}

	response.Success(c, http.StatusOK, "profile retrieved", me)
}

// GetActiveSessions lists the caller's active sessions
func (h *AuthHandler) GetActiveSessions(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "access denied")
		return
	}
	current, _ := middleware.GetSessionID(c)

	sessions, err := h.authService.Sessions(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "failed to list sessions", err, zap.Int64("user_id", userID))
		return
	}

	response.Success(c, http.StatusOK, "sessions retrieved", gin.H{
		"current_session_id": current,
		"sessions":           sessions,
	})
}

// ========== Moderation ==========

// RevokeUserSessions logs a user out everywhere (requires admin rank)
func (h *AuthHandler) RevokeUserSessions(c *gin.Context) {
	claims := middleware.MustGetClaims(c)

	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || targetID <= 0 {
		response.ValidationError(c, "invalid user id", nil)
		return
	}

	if err := h.authService.RevokeUserSessions(c.Request.Context(), claims.UserID, targetID); err != nil {
		h.fail(c, "admin revoke failed", err,
			zap.Int64("admin_id", claims.UserID),
			zap.Int64("user_id", targetID),
		)
		return
	}

	response.Success(c, http.StatusOK, "user sessions revoked", gin.H{"user_id": targetID})
}

// fail maps service errors onto status codes. Causes are logged, never sent.
func (h *AuthHandler) fail(c *gin.Context, op string, err error, fields ...zap.Field) {
	_ = c.Error(err)
	fields = append(fields, zap.String("ip", c.ClientIP()), zap.Error(err))

	switch {
	case xerrors.IsRetryable(err):
		h.logger.Error(op, fields...)
		response.Unavailable(c, "service temporarily unavailable", RetryAfter)
	case xerrors.IsAuthFailure(err):
		if errors.Is(err, xerrors.ErrRefreshConsumed) {
			h.logger.Warn(op, fields...)
		} else {
			h.logger.Debug(op, fields...)
		}
		response.Unauthorized(c, "access denied")
	case errors.Is(err, xerrors.ErrInvalidCredentials):
		h.logger.Info(op, fields...)
		response.Unauthorized(c, "invalid name or password")
	case errors.Is(err, xerrors.ErrRateLimited):
		h.logger.Warn(op, fields...)
		response.Error(c, http.StatusTooManyRequests, "too many login attempts", nil)
	case errors.Is(err, xerrors.ErrAdminRequired):
		h.logger.Warn(op, fields...)
		response.Forbidden(c, "admin rank required")
	case errors.Is(err, xerrors.ErrForbidden):
		response.Forbidden(c, "registration is disabled")
	case errors.Is(err, xerrors.ErrConflict):
		response.Error(c, http.StatusConflict, "name already taken", nil)
	case errors.Is(err, xerrors.ErrInvalidInput):
		response.ValidationError(c, "invalid request", nil)
	case errors.Is(err, xerrors.ErrNotFound):
		response.NotFound(c, "user not found")
	default:
		h.logger.Error(op, fields...)
		response.Error(c, http.StatusInternalServerError, "internal server error", nil)
	}
}
