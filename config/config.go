package config

var Version string

// Used so that we can generate fixed timestamps in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// Default quality for encoded thumbnails. Overridable via -thumbnail-quality.
const DefaultThumbnailQuality = 60

// Hard limits enforced by the validation stage.
const (
	MaxSourceDurationSec = 300
	MaxSourceSizeBytes   = 100 * 1024 * 1024
)

// Attempt policy applied by the broker to every job.
const (
	MaxJobAttempts      = 3
	RetryBackoffBaseSec = 5
)

// Workers process one job at a time unless -parallel-limit raises it.
const DefaultParallelLimit = 1
