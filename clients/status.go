package clients

import (
	"github.com/wpvideo/compress-api/config"
)

// The various status values an event can carry

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// QualityStat is the per-quality slice of the completion stats.
type QualityStat struct {
	Quality        string  `json:"quality"`
	SizeBytes      int64   `json:"size"`
	ElapsedSeconds float64 `json:"elapsed"`
}

// CompletionPayload is attached to completion events only. Field names match
// the wire contract consumed by the CMS plugin.
type CompletionPayload struct {
	Compressed480pURL string `json:"compressed480pUrl,omitempty"`
	Compressed360pURL string `json:"compressed360pUrl,omitempty"`
	Compressed240pURL string `json:"compressed240pUrl,omitempty"`
	Compressed144pURL string `json:"compressed144pUrl,omitempty"`

	ThumbnailWebpURL string `json:"compressedThumbnailWebp,omitempty"`

	HLSMasterURL string `json:"hlsMasterUrl,omitempty"`
	HLS480pURL   string `json:"hls_480p,omitempty"`
	HLS360pURL   string `json:"hls_360p,omitempty"`
	HLS240pURL   string `json:"hls_240p,omitempty"`
	HLS144pURL   string `json:"hls_144p,omitempty"`

	OriginalSize     int64         `json:"original_size,omitempty"`
	CompressedSize   int64         `json:"compressed_size,omitempty"`
	CompressionRatio string        `json:"compression_ratio,omitempty"`
	Duration         float64       `json:"duration,omitempty"`
	ProcessingTime   float64       `json:"processing_time,omitempty"`
	Qualities        []QualityStat `json:"qualities,omitempty"`
}

// WebhookEvent is the outbound callback body. Progress events carry only
// status and stage; completion events embed the payload; failure events carry
// the terminal error string.
type WebhookEvent struct {
	JobID     string    `json:"jobId"`
	PostID    int64     `json:"postId"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage"`
	Timestamp int64     `json:"timestamp"`
	Error     string    `json:"error,omitempty"`

	*CompletionPayload
}

func NewProgressEvent(jobID string, postID int64, percent int, stage string) WebhookEvent {
	return WebhookEvent{
		JobID:     jobID,
		PostID:    postID,
		Status:    JobStatusProcessing,
		Progress:  percent,
		Stage:     stage,
		Timestamp: config.Clock.GetTimestampUTC(),
	}
}

func NewCompletionEvent(jobID string, postID int64, payload *CompletionPayload) WebhookEvent {
	return WebhookEvent{
		JobID:             jobID,
		PostID:            postID,
		Status:            JobStatusCompleted,
		Progress:          100,
		Stage:             "complete",
		Timestamp:         config.Clock.GetTimestampUTC(),
		CompletionPayload: payload,
	}
}

func NewFailureEvent(jobID string, postID int64, stage, errMsg string) WebhookEvent {
	return WebhookEvent{
		JobID:     jobID,
		PostID:    postID,
		Status:    JobStatusFailed,
		Stage:     stage,
		Timestamp: config.Clock.GetTimestampUTC(),
		Error:     errMsg,
	}
}

func (e WebhookEvent) terminal() bool {
	return e.Status == JobStatusCompleted || e.Status == JobStatusFailed
}
