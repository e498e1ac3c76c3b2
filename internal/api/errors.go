package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// errorResponse is the structured error envelope of the HTTP surface.
type errorResponse struct {
	Error *types.ServiceError `json:"error"`
}

// respondError writes a structured error body.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, errorResponse{
		Error: &types.ServiceError{Code: code, Message: message, Details: details},
	})
}

// respondTypedError maps a typed error chain onto the wire.
func respondTypedError(w http.ResponseWriter, err error) {
	if te, ok := apperrors.As(err); ok {
		respondError(w, te.StatusCode, te.Code, te.Message, te.Details)
		return
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal server error occurred", nil)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody decodes the request body into v.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
