package video

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// VideoInfo is the probe result for a source file.
type VideoInfo struct {
	Container  string  `json:"container"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	Width      int64   `json:"width"`
	Height     int64   `json:"height"`
	FPS        float64 `json:"fps,omitempty"`
	Duration   float64 `json:"duration"`
	SizeBytes  int64   `json:"size"`
	BitRate    int64   `json:"bitrate,omitempty"`
	HasAudio   bool    `json:"has_audio"`
}

type Prober interface {
	ProbeFile(jobID, path string, ffProbeOptions ...string) (VideoInfo, error)
}

type Probe struct{}

func (p Probe) ProbeFile(jobID, path string, ffProbeOptions ...string) (VideoInfo, error) {
	if len(ffProbeOptions) == 0 {
		ffProbeOptions = []string{"-loglevel", "error"}
	}
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, ffProbeOptions...)
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		log.LogError(jobID, "probe failed", err, "path", path)
		return VideoInfo{}, xerrors.Ef(xerrors.KindVideoCorrupted, "error probing %s: %s", path, err)
	}
	return parseProbeOutput(data)
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (VideoInfo, error) {
	if probeData.Format == nil {
		return VideoInfo{}, xerrors.Ef(xerrors.KindVideoCorrupted, "format information missing from probe")
	}
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return VideoInfo{}, xerrors.Ef(xerrors.KindVideoCorrupted, "no video stream found")
	}
	if videoStream.Width == 0 || videoStream.Height == 0 {
		return VideoInfo{}, xerrors.Ef(xerrors.KindVideoCorrupted, "video stream has zero dimensions")
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = probeData.Format.DurationSeconds
	}
	if duration <= 0 {
		return VideoInfo{}, xerrors.Ef(xerrors.KindVideoCorrupted, "video has zero duration")
	}

	size, err := strconv.ParseInt(probeData.Format.Size, 10, 64)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("error parsing filesize from probed data: %w", err)
	}

	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = probeData.Format.BitRate
	}
	bitrate, _ := strconv.ParseInt(bitRateValue, 10, 64)

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil || fps == 0 {
		fps, _ = parseFps(videoStream.RFrameRate)
	}

	info := VideoInfo{
		Container:  probeData.Format.FormatName,
		VideoCodec: strings.ToLower(videoStream.CodecName),
		Width:      int64(videoStream.Width),
		Height:     int64(videoStream.Height),
		FPS:        fps,
		Duration:   duration,
		SizeBytes:  size,
		BitRate:    bitrate,
	}
	if audioStream := probeData.FirstAudioStream(); audioStream != nil {
		info.HasAudio = true
		info.AudioCodec = strings.ToLower(audioStream.CodecName)
	}
	return info, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing framerate: %w", err)
		}
		return fps, nil
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate denominator: %w", err)
	}
	if den == 0 {
		// 0/0 can be valid for a video track i.e. mjpeg
		if num == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("invalid framerate denominator 0")
	}
	return float64(num) / float64(den), nil
}
