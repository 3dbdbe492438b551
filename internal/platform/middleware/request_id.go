package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header a request id is read from and echoed on.
const RequestIDHeader = "X-Request-ID"

// RequestID stamps every request with an id, stored in context under
// "request_id" for Logger and Recovery to pick up, and echoed back on the
// X-Request-ID response header. An incoming X-Request-ID is reused; a fresh
// UUID is generated only when the request carries none.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			c.Set("request_id", id)
			c.Response().Header().Set(RequestIDHeader, id)
			return next(c)
		}
	}
}
