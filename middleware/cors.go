package middleware

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// AllowCORS reflects the request origin when it appears in the configured
// list. A single "*" entry allows any origin.
func AllowCORS(allowedOrigins []string) func(httprouter.Handle) httprouter.Handle {
	allowed := make(map[string]bool, len(allowedOrigins))
	any := false
	for _, o := range allowedOrigins {
		if o == "*" {
			any = true
		}
		allowed[o] = true
	}

	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			origin := r.Header.Get("Origin")
			if origin != "" && (any || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next(w, r, ps)
		}
	}
}
