package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3"
	"github.com/wpvideo/compress-api/api"
	"github.com/wpvideo/compress-api/clients"
	"github.com/wpvideo/compress-api/config"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/pipeline"
	"github.com/wpvideo/compress-api/queue"
	"github.com/wpvideo/compress-api/video"
	"github.com/wpvideo/compress-api/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		fatalf("%s", err)
	}
	fs := flag.NewFlagSet("compress-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for the public compression API")
	config.AddrFlag(fs, &cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7979", "Address to bind for internal metrics and pprof")

	// service parameters
	fs.StringVar(&cli.Mode, "mode", "all", "Which components to run: api, worker or all")
	fs.StringVar(&cli.APIKey, "api-key", "", "Auth header value for API access")
	fs.StringVar(&cli.AdminPassword, "admin-password", "", "Auth header value for the admin endpoints")
	fs.StringVar(&cli.BaseURL, "base-url", "http://localhost:8989", "Public base URL used to build content links")
	fs.StringVar(&cli.LogFile, "log-file", "", "Path to also write logs to, in addition to stderr")

	// redis broker
	fs.StringVar(&cli.RedisHost, "redis-host", "127.0.0.1", "Hostname of the Redis broker")
	fs.IntVar(&cli.RedisPort, "redis-port", 6379, "Port of the Redis broker")
	fs.StringVar(&cli.RedisPassword, "redis-password", "", "Password of the Redis broker")
	fs.IntVar(&cli.RedisDatabase, "redis-database", 0, "Redis database number to use")

	// media directories
	fs.StringVar(&cli.UploadsDir, "media-uploads-dir", "/var/media/uploads", "Directory holding original uploads")
	fs.StringVar(&cli.ContentDir, "media-content-dir", "/var/media/content", "Directory compressed output is written to and served from")

	// compression parameters
	fs.IntVar(&cli.HLSTime, "hls-time", 2, "HLS segment duration in seconds, clamped to [2, 3]")
	fs.IntVar(&cli.ThumbnailQuality, "thumbnail-quality", config.DefaultThumbnailQuality, "WebP quality for converted thumbnails")
	fs.IntVar(&cli.ThumbnailMaxWidth, "thumbnail-max-width", 1280, "Maximum thumbnail width, larger images are scaled down")
	fs.IntVar(&cli.ThumbnailMaxHeight, "thumbnail-max-height", 720, "Maximum thumbnail height, larger images are scaled down")
	fs.IntVar(&cli.ParallelLimit, "parallel-limit", config.DefaultParallelLimit, "Number of jobs one worker processes concurrently")

	// outbound traffic
	fs.StringVar(&cli.WebhookURL, "wordpress-webhook-url", "", "URL to POST job lifecycle events to. Empty disables webhooks")
	config.CommaSliceFlag(fs, &cli.AllowedDownloadDomains, "allowed-download-domains", []string{}, "Comma delimited list of domains media may be fetched from. Supports *.suffix wildcards")
	config.InvertedBoolFlag(fs, &cli.VerifySSLDownloads, "verify-ssl-downloads", true, "Verify TLS certificates when fetching remote media")
	config.CommaSliceFlag(fs, &cli.AllowedOrigins, "allowed-origins", []string{}, "Comma delimited list of origins allowed by CORS")

	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("COMPRESS_API"),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("compress-api version: %s\n", config.Version)
		return
	}
	if cli.Mode != "api" && cli.Mode != "worker" && cli.Mode != "all" {
		fatalf("invalid -mode %q, must be api, worker or all", cli.Mode)
	}

	if cli.LogFile != "" {
		f, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fatalf("error opening log file: %s", err)
		}
		defer f.Close()
		log.SetDestination(io.MultiWriter(os.Stderr, f))
	}

	broker, err := queue.NewClient(queue.Options{
		Addr:        cli.RedisAddr(),
		Password:    cli.RedisPassword,
		DB:          cli.RedisDatabase,
		MaxAttempts: config.MaxJobAttempts,
		BackoffBase: config.RetryBackoffBaseSec * time.Second,
	})
	if err != nil {
		fatalf("error connecting to the broker: %s", err)
	}
	defer broker.Close()

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	// lifecycle event feed, for operator-visible job transition logs
	sub := broker.Subscribe()
	defer sub.Close()
	group.Go(func() error {
		sub.Each(ctx, func(ev queue.Event) {
			if ev.Error != "" {
				log.Log(ev.JobID, "job transition", "event", string(ev.Type), "err", ev.Error)
				return
			}
			log.Log(ev.JobID, "job transition", "event", string(ev.Type))
		})
		return nil
	})

	if cli.RunAPI() {
		group.Go(func() error {
			return api.ListenAndServe(ctx, cli, broker)
		})
	}

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, cli.HTTPInternalAddress)
	})

	if cli.RunWorker() {
		layout := pipeline.MediaLayout{
			UploadsRoot: cli.UploadsDir,
			ContentRoot: cli.ContentDir,
			BaseURL:     cli.BaseURL,
		}
		engine := &pipeline.Engine{
			Broker:     broker,
			Sender:     clients.NewCallbackClient(cli.WebhookURL, cli.APIKey),
			Fetch:      clients.NewFetcher(cli.AllowedDownloadDomains, cli.VerifySSLDownloads),
			Toolkit:    pipeline.NewFFmpegToolkit(),
			Layout:     layout,
			SegmentSec: cli.SegmentDurationSec(),
			Thumbnail: video.ThumbnailOptions{
				Quality:   cli.ThumbnailQuality,
				MaxWidth:  cli.ThumbnailMaxWidth,
				MaxHeight: cli.ThumbnailMaxHeight,
			},
		}
		hostname, _ := os.Hostname()
		supervisor := &worker.Supervisor{
			WorkerID:    fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
			Broker:      broker,
			Processor:   engine,
			Concurrency: cli.ParallelLimit,
			Dirs:        []string{cli.UploadsDir, cli.ContentDir},
		}
		if err := supervisor.Boot(ctx); err != nil {
			fatalf("worker boot failed: %s", err)
		}
		group.Go(func() error {
			supervisor.Run(ctx)
			return nil
		})
	}

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

// fatalf logs a startup error and exits with status 1. glog's own Fatal
// family exits with 255, which reads as an abnormal kill to supervisors.
func fatalf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
	glog.Flush()
	os.Exit(1)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
