package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medsurvey/internal/service"
)

// AuthHandler mantiene dependencias para los endpoints de autenticación.
type AuthHandler struct {
	logger  *zap.Logger
	authSvc *service.AuthService
	limiter service.LoginRateLimiter
}

func NewAuthHandler(logger *zap.Logger, authSvc *service.AuthService, limiter service.LoginRateLimiter) *AuthHandler {
	return &AuthHandler{
		logger:  logger,
		authSvc: authSvc,
		limiter: limiter,
	}
}

// Login maneja POST /v1/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		Device   string `json:"device" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid login request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.Username) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
		return
	}

	token, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password, req.Device)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		case errors.Is(err, service.ErrAccountDeactivated):
			c.JSON(http.StatusForbidden, gin.H{"error": "account deactivated"})
		default:
			h.logger.Error("login failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
