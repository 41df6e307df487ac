package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// Codes for failures raised by the HTTP layer itself.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternal       = "INTERNAL"
)

// requestError is a malformed request rejected before the engine is called.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error {
	return &requestError{message: message}
}

// errorStatus maps an error to its HTTP status and envelope code.
func errorStatus(err error) (int, string) {
	var re *requestError
	if errors.As(err, &re) {
		return http.StatusBadRequest, codeInvalidRequest
	}
	switch code := state.CodeOf(err); code {
	case state.ErrCodeInvalidPatch, state.ErrCodeNothingToSave:
		return http.StatusBadRequest, string(code)
	case state.ErrCodeNotAuthorized:
		return http.StatusUnauthorized, string(code)
	case state.ErrCodeUserStateNotFound:
		return http.StatusNotFound, string(code)
	case state.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable, string(code)
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// errorMessage is the client-facing text. Store causes stay in the logs.
func errorMessage(err error) string {
	var re *requestError
	if errors.As(err, &re) {
		return re.message
	}
	var se *state.Error
	if !errors.As(err, &se) {
		return "internal error"
	}
	if se.Code == state.ErrCodeInvalidPatch && se.Err != nil {
		return se.Message + ": " + se.Err.Error()
	}
	return se.Message
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	data, err := jsondoc.Marshal(body)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "encode response", "error", err)
		status = http.StatusInternalServerError
		data = []byte(`{"data":null,"error":{"code":"INTERNAL","message":"internal error"},"success":false}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	w.Write([]byte("\n"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"request_id", requestIDFrom(r.Context()),
		"code", code,
		"status", status,
		"error", err,
	)
	s.writeJSON(w, r, status, map[string]any{
		"success": false,
		"data":    nil,
		"error": map[string]any{
			"code":    code,
			"message": errorMessage(err),
		},
	})
}
