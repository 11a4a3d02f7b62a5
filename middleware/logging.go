package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-kit/log"
	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/metrics"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func LogRequest(logger log.Logger) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		fn := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)
			metrics.Metrics.HTTPRequestsInFlight.Inc()
			defer metrics.Metrics.HTTPRequestsInFlight.Dec()

			defer func() {
				if err := recover(); err != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					logger.Log("err", err, "trace", debug.Stack())
				}
			}()

			next(wrapped, r, ps)
			logger.Log(
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"duration", time.Since(start),
				"status", wrapped.status,
			)
		}

		return fn
	}
}
