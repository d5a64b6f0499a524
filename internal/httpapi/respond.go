// Package httpapi is the thin binding layer of spec §4.7 (component
// I): parse inputs, enforce request-kind authentication, delegate to
// components A-H, format responses, map the error taxonomy to status
// codes. Grounded on the teacher's internal/control/auth_http.go
// gorilla/mux registration style and internal/control/server.go's
// layered-middleware composition.
package httpapi

import (
	"encoding/json"
	"net/http"

	"fleetcp.sh/internal/ferrors"
)

// marshalRaw re-encodes a decoded any value back to json.RawMessage,
// used when a handler accepts a free-form field but the downstream
// component wants json.RawMessage. Returns nil for a nil input.
func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps an error through the ferrors.ErrorCode taxonomy
// (spec §7) to a status and `{error, message}` body.
func writeError(w http.ResponseWriter, err error) {
	code := ferrors.GetCode(err)
	var body ferrors.Body
	if fe, ok := err.(*ferrors.FleetError); ok {
		body = fe.Body()
	} else {
		body = ferrors.Body{Error: string(code), Message: err.Error()}
	}
	writeJSON(w, code.HTTPStatus(), body)
}

func isNotFound(err error) bool {
	return ferrors.GetCode(err) == ferrors.CodeNotFound
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return ferrors.New(ferrors.CodeInvalidInput, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return ferrors.Wrap(err, ferrors.CodeInvalidInput, "malformed JSON body")
	}
	return nil
}
