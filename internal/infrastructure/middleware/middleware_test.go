package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/pkg/auth"
	apperrors "meshcast/pkg/errors"
	"meshcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const secret = "middleware-secret"

func sign(t *testing.T, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authRouter(verifier *auth.Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(verifier), RequireRole(verifier, auth.RoleBroadcaster))
	router.POST("/api/v1/broadcast", func(c *gin.Context) {
		subject := ""
		if claims, ok := ClaimsFromContext(c); ok {
			subject = claims.Subject
		}
		c.String(http.StatusOK, subject)
	})
	return router
}

func post(router http.Handler, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	router := authRouter(auth.NewVerifier(secret))

	w := post(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeUnauthorized))

	w = post(router, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(router, sign(t, auth.RoleViewer))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(router, sign(t, auth.RoleBroadcaster))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())
}

func TestAuthMiddleware_DisabledVerifier(t *testing.T) {
	router := authRouter(auth.NewVerifier(""))

	w := post(router, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{domain.ErrSessionNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{fmt.Errorf("change quality: %w", domain.ErrUnknownQualityTier), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{domain.ErrNotLive, http.StatusConflict, apperrors.ErrCodeInvalidState},
		{domain.NewInitializationError("acquire media", errors.New("no camera")), http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{apperrors.NewInvalidInputError("title too long"), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			appErr := ToAppError(tt.err)
			assert.Equal(t, tt.status, appErr.HTTPStatus)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		c.Error(domain.ErrSessionNotFound)
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"NOT_FOUND","message":"session not found"}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequestLoggingMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLoggingMiddleware(logger.NewContextLogger(zaptest.NewLogger(t))), TracingMiddleware())
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, logger.RequestIDFrom(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get("X-Request-ID"))
}
