package api

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the error envelope for every non-2xx body. A machine-usable
// code accompanies the message so clients can branch without string matching.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON encodes v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: codeFor(status)})
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusConflict:
		return "duplicate_in_flight"
	case http.StatusUnprocessableEntity:
		return "invalid_policy"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timed_out"
	default:
		return ""
	}
}
