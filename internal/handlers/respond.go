package handlers

import (
	"encoding/json"
	"net/http"
)

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{
		"error": message,
	}
	if err != nil {
		body["detail"] = err.Error()
	}
	writeJSONResponse(w, status, body)
}
