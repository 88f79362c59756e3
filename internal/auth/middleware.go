package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "sealkeeper_operator_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer operator
// token granting scope. An empty scope accepts any valid token.
//
// A nil issuer disables auth, for development setups without a secret.
func RequireToken(tokens *TokenIssuer, scope string) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		if scope != "" && !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks scope " + scope,
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireToken.
func ClaimsFromCtx(c *gin.Context) *OperatorClaims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*OperatorClaims)
	return claims
}
