package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is a classified gateway failure carrying the HTTP status it renders
// as. All gateway-originated non-2xx responses go through WriteError so the
// body shape stays uniform.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a classified gateway error.
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteError renders err as the uniform JSON error body. Unclassified errors
// become a generic 500 so internals never leak to the caller.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	herr := &Error{Status: http.StatusInternalServerError, Message: "Internal server error"}
	errors.As(err, &herr)

	if scope := ScopeFrom(r.Context()); scope != nil {
		scope.SetError(herr.Status, herr.Message)
	}

	writeJSON(w, herr.Status, errorBody{Error: errorDetail{Message: herr.Message, Code: herr.Status}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// NotFound renders unmatched routes in the same error shape, unclassified.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Message: "Not found", Code: http.StatusNotFound}})
}

// MethodNotAllowed mirrors NotFound for disallowed methods on known routes.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{Message: "Method not allowed", Code: http.StatusMethodNotAllowed}})
}
