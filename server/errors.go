package server

import (
	"context"
	"net/http"

	"github.com/jmgilman/go/errors"
)

// statusFromCode maps an error code to the HTTP status returned to clients.
// Failures talking to Orthanc are reported as gateway errors.
func statusFromCode(code errors.ErrorCode) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeRateLimit:
		return http.StatusTooManyRequests
	case errors.CodeNetwork, errors.CodeUnauthorized, errors.CodeForbidden:
		return http.StatusBadGateway
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away, nobody reads the response.
		s.logger.DebugContext(r.Context(), "request cancelled", "path", r.URL.Path)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Wrap(err, errors.CodeTimeout, "request timed out")
	}

	resp := errors.ToJSON(err)
	status := statusFromCode(errors.GetCode(err))
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		if errors.GetCode(err) == errors.CodeUnknown {
			resp.Message = http.StatusText(status)
		}
	}
	if errors.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, map[string]any{"error": resp})
}
