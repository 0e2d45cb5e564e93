package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims() Claims {
	return Claims{
		Role: RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "viewer-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerifier_Valid(t *testing.T) {
	v := NewVerifier(testSecret)
	require.True(t, v.Enabled())

	claims, err := v.Verify(signToken(t, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "viewer-1", claims.Subject)
	assert.Equal(t, RoleViewer, claims.Role)
}

func TestVerifier_Expired(t *testing.T) {
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := NewVerifier(testSecret).Verify(signToken(t, testSecret, c))
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify(signToken(t, "other", validClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_Missing(t *testing.T) {
	_, err := NewVerifier(testSecret).Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestVerifier_DisabledWithoutSecret(t *testing.T) {
	assert.False(t, NewVerifier("").Enabled())
	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Enabled())
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = BearerToken("Basic abc")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	tok, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "query-token", tok)

	r.Header.Set("Authorization", "Bearer header-token")
	tok, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "header-token", tok)

	_, err = TokenFromRequest(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrMissingToken)
}
