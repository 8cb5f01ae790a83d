package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/classifier"
	"policy-proxy-go/internal/upstream"
)

var (
	errDenied   = errors.New("denied by policy")
	errNotFound = errors.New("no matching policy")
)

// rejectionMessages are the only bodies a rejected client sees. They never
// name a rule or an upstream.
var rejectionMessages = map[int]string{
	http.StatusBadRequest:     "malformed request",
	http.StatusForbidden:      "forbidden",
	http.StatusNotFound:       "not found",
	http.StatusBadGateway:     "bad gateway",
	http.StatusGatewayTimeout: "gateway timeout",
}

func rejectionMessage(code int) string {
	if msg, ok := rejectionMessages[code]; ok {
		return msg
	}
	return strings.ToLower(http.StatusText(code))
}

// rejectionStatus maps a pipeline error to the status sent to the client.
// It reports false when no response should be written.
func rejectionStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, upstream.ErrClientDisconnected):
		return 0, false
	case errors.Is(err, classifier.ErrMalformedRequest):
		return http.StatusBadRequest, true
	case errors.Is(err, errDenied):
		return http.StatusForbidden, true
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusBadGateway, true
	}
}

func writeRejection(c echo.Context, code int) error {
	if c.Request().Method == http.MethodHead {
		return c.NoContent(code)
	}
	return c.JSON(code, map[string]string{"error": rejectionMessage(code)})
}

// ErrorHandler replaces Echo's default error handler so that router and
// middleware errors such as an oversized body get the same
// generic bodies as policy rejections.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}
		if code >= http.StatusInternalServerError {
			logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
		}

		if werr := writeRejection(c, code); werr != nil {
			logger.Debug("writing error response", "err", werr)
		}
	}
}
