package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyAccountID = "auth_account_id"

// authMiddleware validates the session JWT and stores its subject as the
// caller's account identifier. The token may arrive as a cookie or as an
// Authorization bearer header.
func authMiddleware(cfg Config) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.SessionIssuer),
		jwt.WithExpirationRequired(),
	)
	signingKey := []byte(cfg.SessionSigningKey)
	return func(ctx *gin.Context) {
		rawToken := tokenFromRequest(ctx, cfg.SessionCookieName)
		if rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyAccountID, claims.Subject)
		ctx.Next()
	}
}

func tokenFromRequest(ctx *gin.Context, cookieName string) string {
	if cookie, err := ctx.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	if token, found := strings.CutPrefix(authorization, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}

func callerAccountID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyAccountID)
	if !ok {
		return ""
	}
	accountID, _ := value.(string)
	return accountID
}
