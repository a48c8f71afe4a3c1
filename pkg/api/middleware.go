package api

import (
	"net/http"
)

// readOnly rejects mutating requests. Used for listeners that face more
// than the local operator, where only inspection should be possible.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "write operations not allowed on this listener", http.StatusForbidden)
		}
	})
}
