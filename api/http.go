package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/config"
	"github.com/wpvideo/compress-api/handlers"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/middleware"
	"github.com/wpvideo/compress-api/pipeline"
	"github.com/wpvideo/compress-api/queue"
)

func ListenAndServe(ctx context.Context, cli config.Cli, broker *queue.Client) error {
	router := NewCompressAPIRouter(cli, broker)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Compress API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
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

func NewCompressAPIRouter(cli config.Cli, broker *queue.Client) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(log.NewLogger())
	withCORS := middleware.AllowCORS(cli.AllowedOrigins)
	withAuth := middleware.IsAuthorized
	limiter := middleware.NewRateLimiter()

	layout := pipeline.MediaLayout{
		UploadsRoot: cli.UploadsDir,
		ContentRoot: cli.ContentDir,
		BaseURL:     cli.BaseURL,
	}
	compressHandlers := handlers.NewHandlersCollection(broker, layout)

	// Simple endpoint for load balancer checks
	router.GET("/ok", withLogging(compressHandlers.Ok()))

	// Health is public so monitors can poll it without credentials
	router.GET("/api/health", withLogging(withCORS(compressHandlers.Healthcheck())))

	// Authenticated compression API
	router.POST("/api/compress",
		withLogging(
			withCORS(
				limiter.Limit(
					withAuth(
						cli.APIKey,
						compressHandlers.Compress(),
					),
				),
			),
		),
	)
	router.GET("/api/status",
		withLogging(
			withCORS(
				limiter.Limit(
					withAuth(
						cli.APIKey,
						compressHandlers.Status(),
					),
				),
			),
		),
	)
	router.POST("/api/webhook",
		withLogging(
			withCORS(
				limiter.Limit(
					withAuth(
						cli.APIKey,
						compressHandlers.Webhook(),
					),
				),
			),
		),
	)

	// Admin surface is guarded by the admin password instead of the API key
	router.GET("/api/admin/jobs",
		withLogging(
			limiter.Limit(
				withAuth(
					cli.AdminPassword,
					compressHandlers.AdminJobs(),
				),
			),
		),
	)

	// Compressed renditions, playlists and thumbnails
	router.GET("/content/*filepath", withLogging(withCORS(compressHandlers.ServeContent())))

	return router
}
