package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/recycling-ledger/internal/adapter"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return privateKey, string(publicPEM)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestNewAuthenticator(t *testing.T) {
	_, publicPEM := generateKeyPair(t)

	_, err := NewAuthenticator(AuthConfig{JWTPublicKey: publicPEM}, adapter.NewClock())
	assert.NoError(t, err)

	_, err = NewAuthenticator(AuthConfig{}, adapter.NewClock())
	assert.NoError(t, err)

	_, err = NewAuthenticator(AuthConfig{JWTPublicKey: "not a pem"}, adapter.NewClock())
	assert.Error(t, err)
}

func TestAuthenticator_Authenticate(t *testing.T) {
	privateKey, publicPEM := generateKeyPair(t)
	otherKey, _ := generateKeyPair(t)

	auth, err := NewAuthenticator(AuthConfig{JWTPublicKey: publicPEM, APIKeys: []string{"secret-key", ""}}, adapter.NewClock())
	require.NoError(t, err)

	now := time.Now()
	validToken := signToken(t, privateKey, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	expiredToken := signToken(t, privateKey, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	})
	notYetValidToken := signToken(t, privateKey, jwt.RegisteredClaims{
		Subject:   "user-42",
		NotBefore: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	foreignToken := signToken(t, otherKey, jwt.RegisteredClaims{Subject: "user-42"})
	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-42"}).SignedString([]byte("k"))
	require.NoError(t, err)

	tests := []struct {
		name        string
		header      string
		wantSuccess bool
		wantType    string
		wantSubject string
	}{
		{"valid jwt", "Bearer " + validToken, true, AuthTypeJWT, "user-42"},
		{"lower case scheme", "bearer " + validToken, true, AuthTypeJWT, "user-42"},
		{"valid api key", "ApiKey secret-key", true, AuthTypeAPIKey, ""},
		{"missing header", "", false, "", ""},
		{"malformed header", "Bearer", false, "", ""},
		{"unsupported scheme", "Basic dXNlcjpwYXNz", false, "", ""},
		{"expired jwt", "Bearer " + expiredToken, false, "", ""},
		{"jwt not yet valid", "Bearer " + notYetValidToken, false, "", ""},
		{"jwt signed by another key", "Bearer " + foreignToken, false, "", ""},
		{"hmac jwt", "Bearer " + hmacToken, false, "", ""},
		{"wrong api key", "ApiKey nope", false, "", ""},
		{"empty api key", "ApiKey ", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := auth.Authenticate(tt.header)
			assert.Equal(t, tt.wantSuccess, result.Success)
			if !tt.wantSuccess {
				assert.Error(t, result.Error)
				return
			}
			assert.NoError(t, result.Error)
			assert.Equal(t, tt.wantType, result.AuthType)
			assert.Equal(t, tt.wantSubject, result.AuthSubject)
		})
	}
}

func TestAuthenticator_WithoutConfiguration(t *testing.T) {
	privateKey, _ := generateKeyPair(t)
	auth, err := NewAuthenticator(AuthConfig{}, adapter.NewClock())
	require.NoError(t, err)

	result := auth.Authenticate("Bearer " + signToken(t, privateKey, jwt.RegisteredClaims{Subject: "u"}))
	assert.False(t, result.Success)
	assert.EqualError(t, result.Error, "JWT public key not configured")

	result = auth.Authenticate("ApiKey anything")
	assert.False(t, result.Success)
	assert.EqualError(t, result.Error, "no API keys configured")
}

func TestAuthenticator_Auth(t *testing.T) {
	privateKey, publicPEM := generateKeyPair(t)
	auth, err := NewAuthenticator(AuthConfig{JWTPublicKey: publicPEM, APIKeys: []string{"secret-key"}}, adapter.NewClock())
	require.NoError(t, err)

	router := gin.New()
	router.GET("/private", auth.Auth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": Subject(c), "type": AuthType(c)})
	})

	t.Run("rejects anonymous requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
	})

	t.Run("exposes the jwt subject", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/private", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, privateKey, jwt.RegisteredClaims{Subject: "user-7"}))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"subject":"user-7","type":"jwt"}`, w.Body.String())
	})

	t.Run("api keys have no subject", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/private", nil)
		req.Header.Set("Authorization", "ApiKey secret-key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"subject":"","type":"apikey"}`, w.Body.String())
	})
}
