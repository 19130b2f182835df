package utils

import (
	"encoding/json"
	"net/http"
)

// JSONError writes the standard error envelope with the given status.
func JSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// JSONErrorReason writes the error envelope with a machine-readable
// reason code alongside the message, e.g. {"error":"conflict",
// "reason":"stale_rev"}.
func JSONErrorReason(w http.ResponseWriter, status int, message, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "reason": reason})
}

// JSONWrite writes the provided value as JSON with the given status
// code. A zero status leaves the default 200.
func JSONWrite(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}
