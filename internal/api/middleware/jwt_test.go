package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJWTConfig() JWTConfig {
	return JWTConfig{
		SigningKey: []byte("test-signing-key-1234567890123456"),
		Issuer:     "carelink",
		ExpiresIn:  time.Hour,
	}
}

func authedRequest(t *testing.T, signingKey []byte, token string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(JWTAuth(signingKey))
	router.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"actor_id":   c.GetString("actor_id"),
			"actor_name": c.GetString("actor_name"),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth_ValidToken(t *testing.T) {
	cfg := testJWTConfig()
	token, expiresAt, err := GenerateToken(cfg, "u-1", "alice", []string{"operator"})
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	w := authedRequest(t, cfg.SigningKey, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"actor_id":"u-1"`)
	assert.Contains(t, w.Body.String(), `"actor_name":"alice"`)
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	w := authedRequest(t, testJWTConfig().SigningKey, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing authorization header")
}

func TestJWTAuth_WrongKey(t *testing.T) {
	cfg := testJWTConfig()
	token, _, err := GenerateToken(cfg, "u-1", "alice", nil)
	require.NoError(t, err)

	w := authedRequest(t, []byte("another-key-98765432109876543210"), token)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	cfg := testJWTConfig()
	cfg.ExpiresIn = -time.Minute
	token, _, err := GenerateToken(cfg, "u-1", "alice", nil)
	require.NoError(t, err)

	w := authedRequest(t, cfg.SigningKey, token)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestJWTAuth_RejectsNonHMACAlgorithm(t *testing.T) {
	// alg=none tokens must never pass.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{ActorID: "u-1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	w := authedRequest(t, testJWTConfig().SigningKey, token)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
