// Package handlers groups the HTTP handlers served by the demo server.
package handlers

import (
	"encoding/json"
	"net/http"
)

// Public responds on the generously limited route.
func Public(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": "Request successful"})
}

// Sensitive responds on the strictly limited route.
func Sensitive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": "Sensitive request successful"})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
