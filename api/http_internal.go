package api

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wpvideo/compress-api/config"
	"github.com/wpvideo/compress-api/log"
)

// ListenAndServeInternal runs the operator-facing listener with Prometheus
// metrics and pprof. It must never be exposed publicly.
func ListenAndServeInternal(ctx context.Context, addr string) error {
	router := NewCompressAPIRouterInternal()
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting internal API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewCompressAPIRouterInternal() *httprouter.Router {
	router := httprouter.New()

	router.Handler("GET", "/metrics", promhttp.Handler())

	// The pprof import registers its handlers on the default mux.
	router.Handler("GET", "/debug/pprof/*profile", http.DefaultServeMux)

	return router
}
