package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermViewer   Permission = "viewer"
	PermOperator Permission = "operator"
	PermArchiver Permission = "archiver"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleArchiver = "archiver"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("operator login is not configured")
)

// AuthService issues and checks bearer tokens. There is a single operator
// account whose argon2id hash comes from configuration.
type AuthService struct {
	enabled        bool
	operatorUser   string
	operatorHash   string
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or shorter than 32 bytes",
			zap.String("env", cfg.JWTSecretEnv))
	}

	hasher := NewPasswordHasher()
	if cfg.OperatorPasswordHash != "" && hasher.NeedsRehash(cfg.OperatorPasswordHash) {
		logger.Warn("Operator password hash is malformed or uses weaker argon2 parameters, regenerate it with `moldsim config hash-password`")
	}

	return &AuthService{
		enabled:        cfg.Enabled,
		operatorUser:   cfg.OperatorUser,
		operatorHash:   cfg.OperatorPasswordHash,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.TokenTTL),
		passwordHasher: hasher,
		logger:         logger,
	}
}

// Enabled reports whether API requests must carry a token.
func (a *AuthService) Enabled() bool {
	return a.enabled
}

// Login checks the operator credentials and returns an access token.
func (a *AuthService) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	if a.operatorHash == "" {
		return "", time.Time{}, ErrLoginDisabled
	}

	if username != a.operatorUser {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "unknown user"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, a.operatorHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		a.logger.Warn("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(username, RoleOperator)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Operator logged in", zap.String("username", username))
	return token, expiresAt, nil
}

// IssueServiceToken signs a token for a non-interactive client such as the
// archive uploader.
func (a *AuthService) IssueServiceToken(subject, role string) (string, error) {
	token, _, err := a.jwtHandler.GenerateAccessToken(subject, role)
	return token, err
}

// ValidateToken returns the permissions granted by token.
func (a *AuthService) ValidateToken(_ context.Context, token string) ([]Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return roleToPermissions(claims.Role), nil
}

func (a *AuthService) HashPassword(password string) (string, error) {
	return a.passwordHasher.HashPassword(password)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleOperator:
		return []Permission{PermViewer, PermOperator}
	case RoleArchiver:
		return []Permission{PermArchiver}
	default:
		return []Permission{PermViewer}
	}
}
