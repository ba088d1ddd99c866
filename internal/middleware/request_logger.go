package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/creatorsync/client/internal/logging"
)

// Middleware decorates an outgoing transport.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Chain applies middlewares so that the first one listed runs first.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// RequestIDHeader carries the client generated id of each backend call.
const RequestIDHeader = "X-Request-ID"

// RequestLogger tags every backend call with a request id and logs its outcome
// through the logger found on the request context.
func RequestLogger() Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			requestID := uuid.NewString()

			req = req.Clone(req.Context())
			req.Header.Set(RequestIDHeader, requestID)

			logger := logging.FromContext(req.Context()).With(
				slog.String("request_id", requestID),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
			)

			resp, err := next.RoundTrip(req)
			if err != nil {
				logger.Warn("backend request failed",
					slog.String("error", err.Error()),
					slog.Duration("duration", time.Since(start)),
				)
				return nil, err
			}

			logger.Debug("backend request completed",
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", time.Since(start)),
			)
			return resp, nil
		})
	}
}
