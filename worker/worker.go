package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/wpvideo/compress-api/cache"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/queue"
	"golang.org/x/time/rate"
)

const (
	restartBackoffBase = 5 * time.Second
	restartBackoffMax  = 60 * time.Second
	initialRetries     = 10
	drainTimeout       = 30 * time.Second
	heartbeatInterval  = 10 * time.Second
)

// Broker is the subset of the queue client the supervisor drives.
type Broker interface {
	ClaimNext(ctx context.Context, workerID string) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID string)
	Healthy(ctx context.Context) error
	StartPromoter(ctx context.Context)
}

// Processor handles one claimed job end to end.
type Processor interface {
	Process(ctx context.Context, job *queue.Job)
}

// Supervisor owns the worker lifecycle: it verifies the host can do the work,
// claims jobs under a concurrency cap and a matching per-second rate limit,
// and restarts the claim loop with exponential backoff when the broker
// connection degrades.
type Supervisor struct {
	WorkerID    string
	Broker      Broker
	Processor   Processor
	Concurrency int

	// Dirs are created and writability-checked at boot.
	Dirs []string
	// TranscoderBinaries must resolve on PATH at boot. Left nil, the
	// standard ffmpeg pair is required.
	TranscoderBinaries []string

	inflight *cache.Cache[*queue.Job]
	wg       sync.WaitGroup
}

// InFlight lists the IDs of jobs currently being processed.
func (s *Supervisor) InFlight() []string {
	if s.inflight == nil {
		return nil
	}
	return s.inflight.GetKeys()
}

// Boot prepares the host: media directories exist and are writable, the
// transcoder binaries resolve, and the broker answers a ping. The broker
// check retries with linear backoff so a worker can come up before Redis.
// Any other failure is fatal.
func (s *Supervisor) Boot(ctx context.Context) error {
	for _, dir := range s.Dirs {
		if err := ensureWritableDir(dir); err != nil {
			return err
		}
	}

	binaries := s.TranscoderBinaries
	if binaries == nil {
		binaries = []string{"ffmpeg", "ffprobe"}
	}
	for _, bin := range binaries {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("transcoder binary %q not found on PATH: %w", bin, err)
		}
	}

	var err error
	for attempt := 1; attempt <= initialRetries; attempt++ {
		if err = s.Broker.Healthy(ctx); err == nil {
			return nil
		}
		log.LogNoJobID("broker not reachable yet, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("broker unreachable after %d attempts: %w", initialRetries, err)
}

// Run claims and processes jobs until ctx is cancelled, then drains in-flight
// jobs for up to 30 s. The claim loop is supervised: a broker failure or a
// panic outside job handling schedules a restart after min(5s x 2^k, 60s).
func (s *Supervisor) Run(ctx context.Context) {
	s.inflight = cache.New[*queue.Job]()
	go s.Broker.StartPromoter(ctx)

	cap := s.Concurrency
	if cap < 1 {
		cap = 1
	}
	sem := make(chan struct{}, cap)
	limiter := rate.NewLimiter(rate.Limit(cap), cap)

	failures := 0
	for ctx.Err() == nil {
		start := time.Now()
		err := s.claimLoop(ctx, sem, limiter)
		if ctx.Err() != nil {
			break
		}
		failures = nextFailureCount(failures, time.Since(start))
		delay := restartBackoff(failures)
		log.LogNoJobID("claim loop exited, restarting", "err", err, "consecutive_failures", failures, "delay", delay)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	s.drain()
}

// claimLoop pulls jobs until the broker errors or ctx is cancelled. A panic
// anywhere outside job handling is converted into an error so the supervisor
// restarts the loop.
func (s *Supervisor) claimLoop(ctx context.Context, sem chan struct{}, limiter *rate.Limiter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in claim loop: %v", rec)
		}
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		job, err := s.Broker.ClaimNext(ctx, s.WorkerID)
		if err != nil {
			<-sem
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-sem }()
			// a shutdown signal pauses new claims but lets in-flight jobs
			// run to completion, so the job context outlives ctx
			s.handle(context.Background(), job)
		}()
	}
}

// handle runs one job with a heartbeat ticker keeping stall detection at bay.
// The processor does its own panic recovery; this is just belt and braces so
// a fault here never kills the claim loop's semaphore accounting.
func (s *Supervisor) handle(ctx context.Context, job *queue.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				s.Broker.Heartbeat(hbCtx, job.ID)
			}
		}
	}()

	s.inflight.Store(job.ID, job)
	defer s.inflight.Remove(job.ID)

	// job-scoped logging context, carried through the processor
	ctx = log.WithLogValues(ctx, "job_id", job.ID, "worker", s.WorkerID)
	log.LogCtx(ctx, "claimed job", "attempt", job.Attempts)
	s.Processor.Process(ctx, job)
}

// drain waits for in-flight jobs, bounded by the shutdown budget. Anything
// unfinished loses its heartbeat and returns to pending via stall promotion.
func (s *Supervisor) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.LogNoJobID("worker drained cleanly")
	case <-time.After(drainTimeout):
		log.LogNoJobID("drain timeout reached, abandoning in-flight jobs", "jobs", fmt.Sprintf("%v", s.inflight.GetKeys()))
	}
}

// nextFailureCount bumps the consecutive-failure count, except when the loop
// ran longer than the max backoff before dying. That stretch counts as a
// recovery, so the restart delay starts over from the base.
func nextFailureCount(failures int, ranFor time.Duration) int {
	if ranFor > restartBackoffMax {
		return 1
	}
	return failures + 1
}

func restartBackoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := restartBackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= restartBackoffMax {
			return restartBackoffMax
		}
	}
	return delay
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating media directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".writecheck")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("media directory %s is not writable: %w", dir, err)
	}
	return os.Remove(probe)
}
