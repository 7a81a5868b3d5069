// responses.go -- JSON response helpers and the error envelope.
//
// Every failure leaves as {"error": CODE, "message"?, "details"?}. SERVER_ERROR
// bodies carry a fixed message; the wrapped cause only reaches the log.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vln-gg/vlnauth/internal/auth"
)

// maxBodyBytes caps request bodies. Every endpoint takes a handful of short fields.
const maxBodyBytes = 64 << 10

type errorBody struct {
	Error   auth.Code `json:"error"`
	Message string    `json:"message,omitempty"`
	Details []string  `json:"details,omitempty"`
}

// statusFor maps an auth error code to its HTTP status.
func statusFor(code auth.Code) int {
	switch code {
	case auth.CodeValidation:
		return http.StatusUnprocessableEntity
	case auth.CodeUnauthorized:
		return http.StatusUnauthorized
	case auth.CodeConflict:
		return http.StatusConflict
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as the error envelope. Untyped errors become SERVER_ERROR.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auth.Error
	if !errors.As(err, &ae) {
		ae = &auth.Error{Code: auth.CodeServer, Err: err}
	}

	status := statusFor(ae.Code)
	if status == http.StatusInternalServerError {
		logError(r, "internal server error", "error", err)
		writeJSON(w, status, errorBody{Error: auth.CodeServer, Message: "internal server error"})
		return
	}
	if status == http.StatusTooManyRequests {
		logWarn(r, "rate limited")
	}
	writeJSON(w, status, errorBody{Error: ae.Code, Message: ae.Message, Details: ae.Details})
}

// badRequestBody is the response for a body that isn't the expected JSON object.
func badRequestBody(w http.ResponseWriter, r *http.Request, err error) {
	logWarn(r, "failed to decode request body", "error", err)
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{
		Error:   auth.CodeValidation,
		Message: "validation failed",
		Details: []string{"invalid request body"},
	})
}

// decodeJSON reads a size-capped JSON object into dst. An empty body leaves dst zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
