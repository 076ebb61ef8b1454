package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"blueroots.org/internal/audit"
	"blueroots.org/internal/auth"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/store"
	"blueroots.org/internal/users"
)

// envelope is the body of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

var errBadRequest = errors.New("bad request")

// requestError is a malformed request detected at the HTTP boundary.
type requestError struct{ msg string }

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == errBadRequest }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Success: code < http.StatusBadRequest, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Success: false, Message: message})
}

// statusFor maps domain errors onto HTTP status codes. The second result is
// false when the error text must not reach the client.
func statusFor(err error) (int, bool) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, true
	case errors.Is(err, errBadRequest),
		errors.Is(err, users.ErrInvalidInput),
		errors.Is(err, incidents.ErrInvalidInput):
		return http.StatusBadRequest, true
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, true
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, true
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, store.ErrConflict), errors.Is(err, incidents.ErrInvalidState):
		return http.StatusConflict, true
	default:
		return http.StatusInternalServerError, false
	}
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code, public := statusFor(err)
	msg := err.Error()
	switch {
	case code == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="blueroots"`)
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			msg = authErr.Error()
		}
	case code == http.StatusNotFound:
		msg = "resource not found"
	case code == http.StatusRequestEntityTooLarge:
		msg = "request body too large"
	case !public:
		a.log.Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
		if a.opts.Development {
			msg = err.Error()
		}
	}
	writeError(w, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return badRequest("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return err
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		default:
			return badRequest("invalid JSON body")
		}
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}
