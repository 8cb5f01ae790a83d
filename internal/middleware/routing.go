package middleware

import (
	"github.com/labstack/echo/v4"
)

// RootPath returns an Echo pre-routing middleware that gives requests with
// an empty URL path, such as CONNECT host:port or an absolute URI without a
// path, the path "/" so that the router can match them.
func RootPath() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u := c.Request().URL
			if u.Path == "" && u.RawPath == "" {
				u.Path = "/"
			}
			return next(c)
		}
	}
}
