package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-dashboard/internal/service"
)

const ClaimsKey = "user_claims"

// JWTAuthMiddleware validates the bearer token and stores its claims in the
// context. Browsers cannot set headers on websocket upgrades, so a "token"
// query parameter is accepted as well.
func JWTAuthMiddleware(auth *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString := c.QueryParam("token")

			if authHeader := c.Request().Header.Get(echo.HeaderAuthorization); authHeader != "" {
				parts := strings.Fields(authHeader)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					return unauthorized(c, "Invalid authorization header format", "INVALID_AUTH_HEADER")
				}
				tokenString = parts[1]
			}
			if tokenString == "" {
				return unauthorized(c, "Unauthorized", "UNAUTHORIZED")
			}

			claims, err := auth.ValidateAccessToken(tokenString)
			if err != nil {
				return unauthorized(c, "Invalid or expired token", "INVALID_TOKEN")
			}

			c.Set(ClaimsKey, claims)
			c.Set("username", claims.Username)
			c.Set("role", claims.Role)

			return next(c)
		}
	}
}

func unauthorized(c echo.Context, message, code string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"success": false,
		"message": message,
		"error": map[string]string{
			"code": code,
		},
	})
}
