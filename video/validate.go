package video

import (
	"fmt"
	"strings"

	"github.com/wpvideo/compress-api/config"
	xerrors "github.com/wpvideo/compress-api/errors"
)

var allowedVideoCodecs = map[string]bool{
	"h264":   true,
	"hevc":   true,
	"vp8":    true,
	"vp9":    true,
	"prores": true,
	"mpeg4":  true,
	"av1":    true,
}

// allowedContainers maps ffprobe format-name tokens to allowed containers.
// ffprobe reports compound names ("mov,mp4,m4a,3gp,3g2,mj2", "matroska,webm")
// so a source is allowed when any token matches.
var allowedContainers = map[string]bool{
	"mp4":      true,
	"mov":      true,
	"webm":     true,
	"matroska": true, // mkv
}

// ValidationResult reports every limit violation found, in check order, plus
// the kind of the first one for error classification.
type ValidationResult struct {
	Valid  bool
	Errors []string
	Kind   xerrors.Kind
}

// Validate enforces the source limits on a probed video. All checks run so
// the result lists every violation, but the returned kind is the first one
// hit.
func Validate(info VideoInfo) ValidationResult {
	res := ValidationResult{Valid: true}
	fail := func(kind xerrors.Kind, msg string) {
		if res.Valid {
			res.Valid = false
			res.Kind = kind
		}
		res.Errors = append(res.Errors, msg)
	}

	if info.Duration > config.MaxSourceDurationSec {
		fail(xerrors.KindDurationTooLong, fmt.Sprintf("video duration %.2fs exceeds the %ds limit", info.Duration, int(config.MaxSourceDurationSec)))
	}
	if info.SizeBytes > config.MaxSourceSizeBytes {
		fail(xerrors.KindFileTooLarge, fmt.Sprintf("file size %d bytes exceeds the %d byte limit", info.SizeBytes, int64(config.MaxSourceSizeBytes)))
	}
	if !allowedVideoCodecs[info.VideoCodec] {
		fail(xerrors.KindInvalidCodec, fmt.Sprintf("video codec %q is not supported", info.VideoCodec))
	}
	if !containerAllowed(info.Container) {
		fail(xerrors.KindInvalidContainer, fmt.Sprintf("container %q is not supported", info.Container))
	}
	return res
}

// Err converts a failed result into a classified error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return xerrors.E(r.Kind, fmt.Errorf("%s", strings.Join(r.Errors, "; ")))
}

func containerAllowed(formatName string) bool {
	for _, token := range strings.Split(strings.ToLower(formatName), ",") {
		if allowedContainers[strings.TrimSpace(token)] {
			return true
		}
	}
	return false
}
