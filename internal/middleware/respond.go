package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

// ErrorBody is the JSON error envelope of every failed request.
type ErrorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// WriteError maps err to a status and writes the error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	var body ErrorBody
	if se := apperrors.GetServiceError(err); se != nil {
		body.Error.Code = string(se.Code)
		body.Error.Message = se.Message
		body.Error.Details = se.Details
	} else {
		body.Error.Code = string(apperrors.CodeInternal)
		body.Error.Message = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError && body.Error.Code == string(apperrors.CodeInternal) {
		// Internal causes stay in the logs.
		body.Error.Details = nil
	}
	body.TraceID = GetTraceID(r.Context())
	WriteJSON(w, status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}
