package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher()

	encoded, err := h.HashPassword("s3cret")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$argon2id$v=19$m=65536,t=3,")

	ok, err := h.VerifyPassword("s3cret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("s3cret", "plain-text")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.VerifyPassword("s3cret", strings.Replace(encoded, "v=19", "v=16", 1))
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestPasswordHasherNeedsRehash(t *testing.T) {
	h := NewPasswordHasher()
	weak := &PasswordHasher{params: argonParams{memory: 1024, iterations: 1, parallelism: 1}, saltLength: 16, keyLength: 32}

	current, err := h.HashPassword("s3cret")
	require.NoError(t, err)
	old, err := weak.HashPassword("s3cret")
	require.NoError(t, err)

	assert.False(t, h.NeedsRehash(current))
	assert.True(t, h.NeedsRehash(old))
	assert.True(t, h.NeedsRehash("garbage"))

	ok, err := h.VerifyPassword("s3cret", old)
	require.NoError(t, err)
	assert.True(t, ok, "old hashes keep verifying")
}

func TestJWTExpiry(t *testing.T) {
	j := NewJWTHandler("0123456789abcdef0123456789abcdef", time.Minute)
	now := time.Now()
	j.now = func() time.Time { return now }

	token, expiresAt, err := j.GenerateAccessToken("operator", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), expiresAt)

	claims, err := j.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)

	j.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = j.ValidateAccessToken(token)
	assert.Error(t, err)

	other := NewJWTHandler("another-secret-another-secret-xx", time.Minute)
	_, err = other.ValidateAccessToken(token)
	assert.Error(t, err)
}

func newService(t *testing.T, enabled bool) *AuthService {
	t.Helper()
	t.Setenv("MOLDSIM_TEST_JWT", "0123456789abcdef0123456789abcdef")

	hash, err := NewPasswordHasher().HashPassword("hunter2")
	require.NoError(t, err)

	return NewAuthService(config.AuthConfig{
		Enabled:              enabled,
		JWTSecretEnv:         "MOLDSIM_TEST_JWT",
		TokenTTL:             time.Hour,
		OperatorUser:         "operator",
		OperatorPasswordHash: hash,
	}, zap.NewNop())
}

func TestLogin(t *testing.T) {
	svc := newService(t, true)
	ctx := context.Background()

	_, _, err := svc.Login(ctx, "operator", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "admin", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, _, err := svc.Login(ctx, "operator", "hunter2")
	require.NoError(t, err)

	perms, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Permission{PermViewer, PermOperator}, perms)

	disabled := NewAuthService(config.AuthConfig{TokenTTL: time.Hour}, zap.NewNop())
	_, _, err = disabled.Login(ctx, "operator", "hunter2")
	assert.ErrorIs(t, err, ErrLoginDisabled)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t, true)

	router := gin.New()
	router.POST("/command", svc.AuthMiddleware(), RequirePermission(PermOperator), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	do := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/command", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(""))
	assert.Equal(t, http.StatusUnauthorized, do("Token abc"))
	assert.Equal(t, http.StatusUnauthorized, do("Bearer garbage"))

	archiver, err := svc.IssueServiceToken("archiver", RoleArchiver)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do("Bearer "+archiver))

	operator, err := svc.IssueServiceToken("operator", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do("Bearer "+operator))
}

func TestMiddlewareDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t, false)

	router := gin.New()
	router.POST("/command", svc.AuthMiddleware(), RequirePermission(PermOperator), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/command", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
