package common

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope wraps ErrorBody the way it appears on the wire.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorEnvelope{Error: ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// DecodeJSON decodes a single JSON document from the request body into dst.
// Trailing data after the document is rejected.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return BadRequest("BAD_REQUEST", "request body is empty")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return BadRequest("BAD_REQUEST", "request body is empty")
		}
		return BadRequest("BAD_REQUEST", "invalid body")
	}
	if dec.More() {
		return BadRequest("BAD_REQUEST", "unexpected data after JSON body")
	}
	return nil
}
