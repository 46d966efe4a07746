package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/logger"
)

// HeaderUserID carries the authenticated caller's identity.
const HeaderUserID = "X-User-ID"

// identity resolves the caller from HeaderUserID. Browsers cannot set headers
// on a websocket handshake, so allowQuery also accepts a user_id query parameter.
func identity(allowQuery bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(HeaderUserID)
			if id == "" && allowQuery {
				id = c.QueryParam("user_id")
			}
			if id == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing caller identity")
			}
			if err := chat.ValidateIdentifier(id); err != nil {
				return err
			}

			c.Set(logger.UserIDKey, id)
			return next(c)
		}
	}
}

func callerID(c echo.Context) string {
	id, _ := c.Get(logger.UserIDKey).(string)
	return id
}
