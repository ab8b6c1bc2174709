// Package httputil holds the JSON envelope shared by the HTTP API and its
// middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
)

// MaxBodyBytes bounds request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

// ErrorBody is the error part of the envelope. Retryable tells the client
// whether repeating the request is safe.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any, message string) {
	WriteJSON(w, status, Response{Success: true, Data: data, Message: message})
}

// WriteError renders err as an error envelope. Unclassified errors become
// opaque internal errors so their text is not leaked.
func WriteError(w http.ResponseWriter, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	status := se.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := se.Message
	if se.Code == apperrors.CodeInternal {
		message = "internal error"
	}
	WriteJSON(w, status, Response{
		Success: false,
		Message: message,
		Error: &ErrorBody{
			Code:      string(se.Code),
			Message:   message,
			Retryable: se.Retryable,
			Details:   se.Details,
		},
	})
}

// ReadJSON decodes a bounded JSON body into v, reporting malformed input as a
// validation error.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return apperrors.Validation("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("request body is required")
		}
		return apperrors.Validation("invalid request body: %v", err)
	}
	if dec.More() {
		return apperrors.Validation("request body must contain a single JSON object")
	}
	return nil
}
