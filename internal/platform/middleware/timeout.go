package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request and answers 504 when it
// passes. Upload and commit requests are exempt: they stream large archives
// and run imports that take as long as the export is big.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isLongRunning(c.Request()) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return gatewayTimeoutError(c)
				}
				return ctx.Err()
			}
		}
	}
}

func isLongRunning(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	return path == UploadPath || (strings.HasPrefix(path, UploadPath+"/") && strings.HasSuffix(path, "/commit"))
}

func gatewayTimeoutError(c echo.Context) error {
	if !c.Response().Committed {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
	}
	return nil
}
