package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
)

// IsAuthorized gates a handler behind the fixed X-API-Key secret.
func IsAuthorized(apiKey string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.Header.Get("X-API-Key")

		if key == "" {
			errors.WriteHTTPUnauthorized(w, "Missing X-API-Key header", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			errors.WriteHTTPUnauthorized(w, "Invalid API key", nil)
			return
		}

		next(w, r, ps)
	}
}
