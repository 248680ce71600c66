package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/moldsim/internal/auth"
	"github.com/KevinKickass/moldsim/internal/types"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeAuthBadRequest, "Invalid request body", err.Error()))
		return
	}

	token, expiresAt, err := s.authService.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		c.JSON(http.StatusNotImplemented, types.NewErrorResponse(types.CodeAuthNotConfigured, "Operator login is not configured", nil))
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeAuthUnauthorized, "Invalid credentials", nil))
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeAuthInternal, "Login failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
	})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	permissions, _ := c.Get("permissions")
	c.JSON(http.StatusOK, gin.H{
		"auth_enabled": s.authService.Enabled(),
		"permissions":  permissions,
	})
}
