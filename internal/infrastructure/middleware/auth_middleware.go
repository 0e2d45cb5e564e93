package middleware

import (
	"net/http"

	"meshcast/pkg/auth"
	apperrors "meshcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// AuthMiddleware verifies the bearer token when verification is enabled and
// stores the claims on the context. A disabled verifier lets every request
// through.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifier.Enabled() {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			abortUnauthorized(c, err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects requests whose verified claims carry a different
// role. It is a no-op when verification is disabled.
func RequireRole(verifier *auth.Verifier, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifier.Enabled() {
			c.Next()
			return
		}

		claims, ok := ClaimsFromContext(c)
		if !ok {
			abortUnauthorized(c, auth.ErrMissingToken)
			return
		}
		if claims.Role != role {
			appErr := apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "insufficient permissions", http.StatusForbidden)
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by AuthMiddleware.
func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func abortUnauthorized(c *gin.Context, err error) {
	appErr := apperrors.NewUnauthorizedError(err.Error())
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
