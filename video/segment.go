package video

import (
	"bytes"
	"fmt"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
)

// SegmentResult describes one produced HLS rendition playlist.
type SegmentResult struct {
	PlaylistPath string
	SegmentCount int
}

// Segment splits an already-transcoded MP4 into a VOD rendition playlist
// plus MPEG-TS segments, using stream copy. The rendition relies on the
// keyframe cadence the transcode stage forced, so no re-encode happens here.
//
// Output lands in outDir as <quality>.m3u8 and <quality>_NNN.ts.
func Segment(jobID, sourcePath, outDir, quality string, segmentSec int) (SegmentResult, error) {
	playlistPath := filepath.Join(outDir, quality+".m3u8")
	segmentPattern := filepath.Join(outDir, quality+"_%03d.ts")

	ffmpegErr := bytes.Buffer{}
	outputArgs := ffmpeg.KwArgs{
		"c":                    "copy",
		"f":                    "hls",
		"hls_time":             segmentSec,
		"hls_playlist_type":    "vod",
		"hls_segment_type":     "mpegts",
		"hls_segment_filename": segmentPattern,
		"hls_flags":            "independent_segments+append_list",
		"start_number":         0,
	}

	err := ffmpeg.Input(sourcePath).
		Output(playlistPath, outputArgs).
		OverWriteOutput().
		WithErrorOutput(&ffmpegErr).
		Run()
	if err != nil {
		return SegmentResult{}, xerrors.Ef(xerrors.KindTranscodeFailed,
			"failed to segment %s [%s]: %s", sourcePath, ffmpegErr.String(), err)
	}

	count, err := countSegments(outDir, quality)
	if err != nil {
		return SegmentResult{}, err
	}
	log.Log(jobID, "segmented rendition", "quality", quality, "segments", count)
	return SegmentResult{PlaylistPath: playlistPath, SegmentCount: count}, nil
}

func countSegments(outDir, quality string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, quality+"_*.ts"))
	if err != nil {
		return 0, fmt.Errorf("error listing segments for %s: %w", quality, err)
	}
	if len(matches) == 0 {
		return 0, xerrors.Ef(xerrors.KindTranscodeFailed, "segmenting %s produced no segments", quality)
	}
	return len(matches), nil
}
