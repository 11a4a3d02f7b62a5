package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wpvideo/compress-api/clients"
	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/metrics"
	"github.com/wpvideo/compress-api/queue"
	"github.com/wpvideo/compress-api/video"
)

// Stage tags advertised over progress webhooks and stored on the job record.
const (
	StageQueued      = "queued"
	StageDownloading = "downloading"
	StageValidating  = "validating"
	StageHLS         = "hls_conversion"
	StageThumbnail   = "thumbnail_compression"
	StageComplete    = "complete"
)

func compressingStage(quality string) string { return "compressing_" + quality }

// Broker is the subset of the queue client the engine needs.
type Broker interface {
	UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error
	Finalize(ctx context.Context, jobID string, success bool, result json.RawMessage, jobErr string, retriable bool) error
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
}

// EventSender delivers webhook events.
type EventSender interface {
	SendEvent(event clients.WebhookEvent) error
}

// Downloader fetches remote media through the SSRF guard.
type Downloader interface {
	Download(ctx context.Context, jobID, rawURL, destPath string, kind clients.FetchKind) (int64, error)
}

// Engine drives one claimed job through the stage machine: download,
// validate, the compression ladder, HLS packaging, thumbnail conversion and
// finalization. Stages run sequentially; partial failures in the ladder, the
// HLS stage and the thumbnail stage are absorbed.
type Engine struct {
	Broker     Broker
	Sender     EventSender
	Fetch      Downloader
	Toolkit    Toolkit
	Layout     MediaLayout
	SegmentSec int
	Thumbnail  video.ThumbnailOptions
}

// rendition is one successfully transcoded quality.
type rendition struct {
	preset   video.QualityPreset
	result   video.TranscodeResult
	playlist *video.SegmentResult
	width    int64
	height   int64
}

// attempt carries the mutable state of one processing run.
type attempt struct {
	engine      *Engine
	ctx         context.Context
	job         *queue.Job
	layout      JobLayout
	started     time.Time
	lastPercent int
	stage       string
}

// Process runs one attempt for a claimed job. Panics inside the attempt are
// recovered and treated as attempt errors; the terminal record and webhook
// delivery happen here regardless of outcome.
func (e *Engine) Process(ctx context.Context, job *queue.Job) {
	a := &attempt{
		engine:  e,
		ctx:     ctx,
		job:     job,
		layout:  e.Layout.ForJob(job.Submission),
		started: time.Now(),
	}
	payload, err := recovered(func() (*clients.CompletionPayload, error) {
		return a.run()
	})
	a.finish(payload, err)
}

func (a *attempt) run() (*clients.CompletionPayload, error) {
	sub := a.job.Submission
	a.report(0, StageQueued)

	// cleanup is serialized before any new write so reprocessing the same
	// post is idempotent
	if err := a.layout.Cleanup(); err != nil {
		return nil, xerrors.E(xerrors.KindInternalError, err)
	}

	sourcePath, err := a.resolveSource()
	if err != nil {
		return nil, err
	}

	a.report(25, StageValidating)
	info, err := timedStage(StageValidating, func() (video.VideoInfo, error) {
		return a.engine.Toolkit.Probe(a.job.ID, sourcePath)
	})
	if err != nil {
		return nil, err
	}
	if err := video.Validate(info).Err(); err != nil {
		return nil, err
	}

	renditions := a.compressLadder(sourcePath)
	if len(renditions) == 0 {
		return nil, xerrors.Ef(xerrors.KindTranscodeFailed, "all qualities failed to transcode")
	}

	a.report(75, StageHLS)
	masterWritten := a.packageHLS(renditions)

	a.report(80, StageThumbnail)
	thumbnailWritten := a.convertThumbnail()

	payload := a.buildResult(sub, info, renditions, masterWritten, thumbnailWritten)
	return payload, nil
}

// resolveSource prefers an existing local upload and falls back to fetching
// the remote video URL into the job directory.
func (a *attempt) resolveSource() (string, error) {
	sub := a.job.Submission
	a.report(0, StageDownloading)

	if sub.MediaPath != "" {
		local := a.engine.Layout.LocalSourcePath(sub.MediaPath)
		if fileExists(local) {
			log.Log(a.job.ID, "using local source", "path", local)
			return local, nil
		}
	}
	if sub.VideoURL == "" {
		return "", xerrors.Ef(xerrors.KindFileNotFound, "no local source at %q and no video url provided", sub.MediaPath)
	}

	dest := a.layout.OriginalPath(urlExtension(sub.VideoURL))
	_, err := timedStage(StageDownloading, func() (int64, error) {
		return a.engine.Fetch.Download(a.ctx, a.job.ID, sub.VideoURL, dest, clients.FetchVideo)
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// compressLadder runs the fixed quality ladder in order. Individual quality
// failures are logged and skipped; the caller fails the attempt only when
// nothing succeeded.
func (a *attempt) compressLadder(sourcePath string) []rendition {
	var renditions []rendition
	for i, preset := range video.Presets {
		stage := compressingStage(preset.Name)
		a.report(25+12*i, stage)

		outPath := a.layout.CompressedPath(preset.Name)
		res, err := timedStage(stage, func() (video.TranscodeResult, error) {
			return a.engine.Toolkit.Transcode(a.job.ID, sourcePath, outPath, preset, a.engine.SegmentSec)
		})
		if err != nil {
			log.LogError(a.job.ID, "quality failed to transcode, continuing", err, "quality", preset.Name)
			continue
		}
		renditions = append(renditions, rendition{preset: preset, result: res})
	}
	return renditions
}

// packageHLS segments every produced rendition and writes the master
// playlist. Failures here are non-fatal: the job completes without HLS URLs.
func (a *attempt) packageHLS(renditions []rendition) bool {
	if err := os.MkdirAll(a.layout.HLSDir(), 0755); err != nil {
		log.LogError(a.job.ID, "hls stage skipped", err)
		return false
	}

	var variants []video.Variant
	for i := range renditions {
		r := &renditions[i]
		seg, err := a.engine.Toolkit.Segment(a.job.ID, r.result.Path, a.layout.HLSDir(), r.preset.Name, a.engine.SegmentSec)
		if err != nil {
			log.LogError(a.job.ID, "rendition failed to segment, continuing", err, "quality", r.preset.Name)
			continue
		}
		r.playlist = &seg
		r.width, r.height = a.encodedDimensions(r)
		variants = append(variants, video.Variant{
			Preset: r.preset,
			Width:  r.width,
			Height: r.height,
			URI:    r.preset.Name + ".m3u8",
		})
	}
	if len(variants) == 0 {
		return false
	}
	if err := a.engine.Toolkit.WriteMasterPlaylist(a.layout.MasterPlaylistPath(), variants); err != nil {
		log.LogError(a.job.ID, "failed to write master playlist", err)
		return false
	}
	return true
}

// encodedDimensions reads the actual dimensions of an encoded rendition so
// the master playlist advertises real values rather than preset targets.
func (a *attempt) encodedDimensions(r *rendition) (int64, int64) {
	info, err := a.engine.Toolkit.Probe(a.job.ID, r.result.Path)
	if err == nil && info.Width > 0 && info.Height > 0 {
		return info.Width, info.Height
	}
	log.LogError(a.job.ID, "could not probe rendition dimensions, deriving from preset", err, "quality", r.preset.Name)
	return video.ScaledWidth(16, 9, r.preset.Height), r.preset.Height
}

// convertThumbnail fetches (or finds) the post thumbnail and converts it to
// WebP. Failure is non-fatal.
func (a *attempt) convertThumbnail() bool {
	sub := a.job.Submission
	source := ""
	if sub.ThumbnailPath != "" {
		local := a.engine.Layout.LocalSourcePath(sub.ThumbnailPath)
		if fileExists(local) {
			source = local
		}
	}
	if source == "" && sub.ThumbnailURL != "" {
		dest := filepath.Join(a.layout.Dir(), "thumbnail_source"+urlExtensionSuffix(sub.ThumbnailURL))
		if _, err := a.engine.Fetch.Download(a.ctx, a.job.ID, sub.ThumbnailURL, dest, clients.FetchImage); err != nil {
			log.LogError(a.job.ID, "thumbnail fetch failed, continuing", err)
			return false
		}
		source = dest
		defer os.Remove(dest)
	}
	if source == "" {
		return false
	}

	_, err := timedStage(StageThumbnail, func() (video.ThumbnailResult, error) {
		return a.engine.Toolkit.Thumbnail(a.job.ID, source, a.layout.ThumbnailPath(), a.engine.Thumbnail)
	})
	if err != nil {
		log.LogError(a.job.ID, "thumbnail conversion failed, continuing", err)
		return false
	}
	return true
}

func (a *attempt) buildResult(sub queue.Submission, info video.VideoInfo, renditions []rendition, masterWritten, thumbnailWritten bool) *clients.CompletionPayload {
	payload := &clients.CompletionPayload{
		OriginalSize:   info.SizeBytes,
		Duration:       info.Duration,
		ProcessingTime: time.Since(a.started).Seconds(),
	}

	for _, r := range renditions {
		mp4URL := a.layout.URL("compressed_" + r.preset.Name + ".mp4")
		var hlsURL string
		if r.playlist != nil {
			hlsURL = a.layout.HLSURL(r.preset.Name + ".m3u8")
		}
		switch r.preset.Name {
		case "480p":
			payload.Compressed480pURL = mp4URL
			payload.HLS480pURL = hlsURL
		case "360p":
			payload.Compressed360pURL = mp4URL
			payload.HLS360pURL = hlsURL
		case "240p":
			payload.Compressed240pURL = mp4URL
			payload.HLS240pURL = hlsURL
		case "144p":
			payload.Compressed144pURL = mp4URL
			payload.HLS144pURL = hlsURL
		}
		payload.Qualities = append(payload.Qualities, clients.QualityStat{
			Quality:        r.preset.Name,
			SizeBytes:      r.result.SizeBytes,
			ElapsedSeconds: r.result.Elapsed.Seconds(),
		})
	}

	// the primary quality is the highest rung that succeeded; ladder order is
	// highest-first so that's the first rendition
	primary := renditions[0]
	payload.CompressedSize = primary.result.SizeBytes
	if payload.CompressedSize > 0 {
		payload.CompressionRatio = fmt.Sprintf("%.2f", float64(info.SizeBytes)/float64(payload.CompressedSize))
	}

	if masterWritten {
		payload.HLSMasterURL = a.layout.HLSURL("master.m3u8")
	}
	if thumbnailWritten {
		payload.ThumbnailWebpURL = a.layout.URL("thumbnail.webp")
	}
	return payload
}

// finish writes the terminal record and delivers the terminal webhook. A
// retriable failure leaves the job delayed in the broker; only a terminal
// failure emits the failure webhook.
func (a *attempt) finish(payload *clients.CompletionPayload, err error) {
	e := a.engine
	if err == nil {
		result, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			err = marshalErr
		} else {
			a.report(100, StageComplete)
			if finErr := e.Broker.Finalize(a.ctx, a.job.ID, true, result, "", false); finErr != nil {
				log.LogError(a.job.ID, "failed to finalize successful job", finErr)
				return
			}
			if refreshed, getErr := e.Broker.GetJob(a.ctx, a.job.ID); getErr != nil || refreshed.State != queue.StateCompleted {
				// removed mid-attempt; the terminal record was discarded
				return
			}
			if sendErr := e.Sender.SendEvent(clients.NewCompletionEvent(a.job.ID, a.job.Submission.PostID, payload)); sendErr != nil {
				log.LogError(a.job.ID, "failed to deliver completion webhook", sendErr)
			}
			metrics.Metrics.JobsCompleted.WithLabelValues("completed").Inc()
			log.LogCtx(a.ctx, "job completed", "processing_time", payload.ProcessingTime)
			return
		}
	}

	retriable := !xerrors.IsUnretriable(err)
	log.LogError(a.job.ID, "attempt failed", err, "stage", a.stage, "retriable", retriable)
	if finErr := e.Broker.Finalize(a.ctx, a.job.ID, false, nil, err.Error(), retriable); finErr != nil {
		log.LogError(a.job.ID, "failed to finalize failed job", finErr)
		return
	}

	refreshed, getErr := e.Broker.GetJob(a.ctx, a.job.ID)
	if getErr != nil || refreshed == nil {
		// removed mid-attempt; the terminal record was discarded
		return
	}
	if refreshed.State == queue.StateFailed {
		if sendErr := e.Sender.SendEvent(clients.NewFailureEvent(a.job.ID, a.job.Submission.PostID, a.stage, err.Error())); sendErr != nil {
			log.LogError(a.job.ID, "failed to deliver failure webhook", sendErr)
		}
		metrics.Metrics.JobsCompleted.WithLabelValues("failed").Inc()
	}
}

// report advances the job's progress. Progress is monotonic within an
// attempt: a stage can never move the percent backwards.
func (a *attempt) report(percent int, stage string) {
	if percent < a.lastPercent {
		percent = a.lastPercent
	}
	a.lastPercent = percent
	a.stage = stage

	if err := a.engine.Broker.UpdateProgress(a.ctx, a.job.ID, percent, stage); err != nil {
		log.LogError(a.job.ID, "failed to update broker progress", err, "stage", stage)
	}
	if stage == StageComplete {
		// the completion webhook carries the terminal payload instead
		return
	}
	if err := a.engine.Sender.SendEvent(clients.NewProgressEvent(a.job.ID, a.job.Submission.PostID, percent, stage)); err != nil {
		log.LogError(a.job.ID, "failed to deliver progress webhook", err, "stage", stage)
	}
}

// timedStage runs fn and observes its duration under the stage label.
func timedStage[T any](stage string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	metrics.Metrics.StageDurationSec.
		WithLabelValues(stage, strconv.FormatBool(err == nil)).
		Observe(time.Since(start).Seconds())
	return out, err
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}

func urlExtension(rawURL string) string {
	return strings.TrimPrefix(urlExtensionSuffix(rawURL), ".")
}

func urlExtensionSuffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return filepath.Ext(u.Path)
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in job attempt, recovering", "err", rec)
			err = fmt.Errorf("panic in job attempt: %v", rec)
		}
	}()
	return f()
}
