package gate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// maxBodyBytes bounds API request bodies; world profiles and bulk decision
// writes fit comfortably below it.
const maxBodyBytes = 1 << 20

func (g *Gate) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("response encode failed", slog.Any("error", err))
	}
}

// WriteError emits the JSON error payload shared by every gate route.
func (g *Gate) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	g.writeJSON(w, status, map[string]any{"error": message})
}

// readJSON decodes a request body into dst, answering 400 on malformed
// input. Unknown fields are rejected so client typos surface instead of
// silently dropping data.
func (g *Gate) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		g.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
