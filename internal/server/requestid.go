package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestID stamps every request with a correlation identifier on the given
// header. An inbound value is trusted and echoed back; otherwise a fresh
// UUID is minted. The gate handlers read the header off the request, so the
// middleware writes it there as well as on the response.
func RequestID(header string) func(http.Handler) http.Handler {
	header = strings.TrimSpace(header)
	return func(next http.Handler) http.Handler {
		if header == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if id == "" {
				id = uuid.New().String()
				r.Header.Set(header, id)
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r)
		})
	}
}
