package middleware

import (
	"encoding/json"
	"net/http"

	"fleetcp.sh/internal/ferrors"
)

// writeJSONError writes a ferrors.Body as the response, shared by the
// auth and recovery middleware so both emit the same envelope shape
// internal/httpapi's handlers use.
func writeJSONError(w http.ResponseWriter, status int, body ferrors.Body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
