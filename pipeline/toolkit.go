package pipeline

import (
	"github.com/wpvideo/compress-api/video"
)

// Toolkit abstracts the external transcoder binary and the image library so
// the engine can be exercised without either installed.
type Toolkit interface {
	Probe(jobID, path string) (video.VideoInfo, error)
	Transcode(jobID, sourcePath, outPath string, preset video.QualityPreset, segmentSec int) (video.TranscodeResult, error)
	Segment(jobID, sourcePath, outDir, quality string, segmentSec int) (video.SegmentResult, error)
	Thumbnail(jobID, sourcePath, outPath string, opts video.ThumbnailOptions) (video.ThumbnailResult, error)
	WriteMasterPlaylist(path string, variants []video.Variant) error
}

// FFmpegToolkit is the production toolkit backed by ffmpeg/ffprobe and the
// native image libraries.
type FFmpegToolkit struct {
	prober video.Probe
}

func NewFFmpegToolkit() FFmpegToolkit {
	return FFmpegToolkit{}
}

func (f FFmpegToolkit) Probe(jobID, path string) (video.VideoInfo, error) {
	return f.prober.ProbeFile(jobID, path)
}

func (f FFmpegToolkit) Transcode(jobID, sourcePath, outPath string, preset video.QualityPreset, segmentSec int) (video.TranscodeResult, error) {
	return video.Transcode(jobID, sourcePath, outPath, preset, segmentSec)
}

func (f FFmpegToolkit) Segment(jobID, sourcePath, outDir, quality string, segmentSec int) (video.SegmentResult, error) {
	return video.Segment(jobID, sourcePath, outDir, quality, segmentSec)
}

func (f FFmpegToolkit) Thumbnail(jobID, sourcePath, outPath string, opts video.ThumbnailOptions) (video.ThumbnailResult, error) {
	return video.ResizeToWebP(jobID, sourcePath, outPath, opts)
}

func (f FFmpegToolkit) WriteMasterPlaylist(path string, variants []video.Variant) error {
	return video.WriteMasterPlaylist(path, variants)
}
