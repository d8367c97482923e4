package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// checked in order; the first match wins
var errorStatusCodes = []struct {
	sentinel error
	status   int
}{
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrInvalidSnapshot, http.StatusUnprocessableEntity},
	{ErrQueueFull, http.StatusTooManyRequests},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrStoreFailure, http.StatusBadGateway},
	{ErrBroadcastFailure, http.StatusBadGateway},
	{ErrInternalError, http.StatusInternalServerError},
}

// WriteError writes a JSON error response with a status derived from err
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		response = map[string]interface{}{"error": "unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(err)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// HTTPStatusFromError maps the first known sentinel in err's chain to a status
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	for _, entry := range errorStatusCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}
