package video

import (
	"bytes"
	"fmt"
	"os"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
	"github.com/wpvideo/compress-api/metrics"
)

const (
	audioBitrateBps = 64_000
	audioSampleRate = 44_100
	audioChannels   = 2
	x264Preset      = "slow"
	x264Profile     = "main"
)

// TranscodeResult describes one produced rendition.
type TranscodeResult struct {
	Path      string
	SizeBytes int64
	Elapsed   time.Duration
}

// Transcode produces a single quality rendition of the source. Keyframes are
// forced on the HLS segment cadence with scene-cut insertion disabled, so the
// later stream-copy segmenting always lands on a keyframe boundary.
func Transcode(jobID, sourcePath, outPath string, preset QualityPreset, segmentSec int) (TranscodeResult, error) {
	start := time.Now()
	ffmpegErr := bytes.Buffer{}

	outputArgs := ffmpeg.KwArgs{
		"vf":               fmt.Sprintf("scale=-2:%d", preset.Height),
		"c:v":              "libx264",
		"preset":           x264Preset,
		"crf":              preset.CRF,
		"profile:v":        x264Profile,
		"level":            preset.Level,
		"pix_fmt":          "yuv420p",
		"b:v":              preset.Bitrate,
		"maxrate":          preset.Maxrate,
		"bufsize":          preset.Maxrate,
		"c:a":              "aac",
		"b:a":              "64k",
		"ar":               audioSampleRate,
		"ac":               audioChannels,
		"map":              []string{"0:v:0", "0:a:0?"},
		"movflags":         "+faststart",
		"force_key_frames": fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentSec),
		"sc_threshold":     "0",
	}

	err := ffmpeg.Input(sourcePath).
		Output(outPath, outputArgs).
		OverWriteOutput().
		WithErrorOutput(&ffmpegErr).
		Run()
	if err != nil {
		metrics.Metrics.TranscodeFailures.WithLabelValues(preset.Name).Inc()
		return TranscodeResult{}, xerrors.Ef(xerrors.KindTranscodeFailed,
			"failed to transcode %s to %s [%s]: %s", sourcePath, preset.Name, ffmpegErr.String(), err)
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return TranscodeResult{}, xerrors.Ef(xerrors.KindTranscodeFailed, "transcode produced no output for %s: %s", preset.Name, err)
	}
	elapsed := time.Since(start)
	log.Log(jobID, "transcoded rendition", "quality", preset.Name, "bytes", stat.Size(), "elapsed", elapsed)
	return TranscodeResult{Path: outPath, SizeBytes: stat.Size(), Elapsed: elapsed}, nil
}
