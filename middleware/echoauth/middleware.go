// Package echoauth guards echo routes with an authgate gateway.
package echoauth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/middleware"
)

// PrincipalKey is the echo context key holding the *authgate.Principal.
const PrincipalKey = "_authgate_principal"

// Require authenticates the request and checks permission. An empty
// permission only authenticates.
//
// The client IP comes from Echo#IPExtractor when the server sets one, and
// from the peer address otherwise. Forwarding headers are never trusted
// implicitly.
func Require(gate middleware.Checker, permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			credential, ok := middleware.Credential(req.Header)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "credential required")
			}

			ctx := middleware.RequestContext(req.Context(), clientIP(c), req.UserAgent())
			d := gate.Check(ctx, credential, permission)
			if !d.Allowed() {
				return httpError(c, d.Err)
			}

			c.Set(PrincipalKey, d.Principal)
			c.SetRequest(req.WithContext(authgate.WithPrincipal(ctx, d.Principal)))
			return next(c)
		}
	}
}

// GetPrincipal returns the principal stored by Require, or nil.
func GetPrincipal(c echo.Context) *authgate.Principal {
	if p, ok := c.Get(PrincipalKey).(*authgate.Principal); ok {
		return p
	}
	return nil
}

func clientIP(c echo.Context) string {
	if x := c.Echo().IPExtractor; x != nil {
		return x(c.Request())
	}
	return middleware.ClientIP(c.Request())
}

func httpError(c echo.Context, err *authgate.AuthError) error {
	if err == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if err.Kind == authgate.KindRateLimited && err.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", middleware.RetryAfterSeconds(err.RetryAfter))
	}
	return echo.NewHTTPError(middleware.StatusCode(err.Kind), err.Kind.String())
}
