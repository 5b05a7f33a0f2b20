package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code apperrors.Code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(code)})
}

// writeAppError maps a domain error onto its HTTP status and code.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if apperrors.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, apperrors.HTTPStatus(err), errorResponse{
		Error:     err.Error(),
		Code:      string(code),
		Retryable: apperrors.Retryable(err),
	})
}
