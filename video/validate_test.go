package video

import (
	"testing"

	"github.com/stretchr/testify/require"
	xerrors "github.com/wpvideo/compress-api/errors"
)

func validInfo() VideoInfo {
	return VideoInfo{
		Container:  "mov,mp4,m4a,3gp,3g2,mj2",
		VideoCodec: "h264",
		Width:      1920,
		Height:     1080,
		Duration:   60,
		SizeBytes:  10 * 1024 * 1024,
	}
}

func TestValidateAccepts(t *testing.T) {
	res := Validate(validInfo())
	require.True(t, res.Valid)
	require.Empty(t, res.Errors)
	require.NoError(t, res.Err())
}

func TestValidateDurationBoundary(t *testing.T) {
	info := validInfo()
	info.Duration = 300.0
	require.True(t, Validate(info).Valid)

	info.Duration = 300.01
	res := Validate(info)
	require.False(t, res.Valid)
	require.Equal(t, xerrors.KindDurationTooLong, res.Kind)
	require.True(t, xerrors.IsKind(res.Err(), xerrors.KindDurationTooLong))
}

func TestValidateSizeBoundary(t *testing.T) {
	info := validInfo()
	info.SizeBytes = 100 * 1024 * 1024
	require.True(t, Validate(info).Valid)

	info.SizeBytes++
	res := Validate(info)
	require.False(t, res.Valid)
	require.Equal(t, xerrors.KindFileTooLarge, res.Kind)
}

func TestValidateCodecs(t *testing.T) {
	for _, codec := range []string{"h264", "hevc", "vp8", "vp9", "prores", "mpeg4", "av1"} {
		info := validInfo()
		info.VideoCodec = codec
		require.True(t, Validate(info).Valid, codec)
	}

	info := validInfo()
	info.VideoCodec = "mjpeg"
	res := Validate(info)
	require.False(t, res.Valid)
	require.Equal(t, xerrors.KindInvalidCodec, res.Kind)
}

func TestValidateContainers(t *testing.T) {
	for _, container := range []string{"mov,mp4,m4a,3gp,3g2,mj2", "matroska,webm", "mp4"} {
		info := validInfo()
		info.Container = container
		require.True(t, Validate(info).Valid, container)
	}

	info := validInfo()
	info.Container = "avi"
	res := Validate(info)
	require.False(t, res.Valid)
	require.Equal(t, xerrors.KindInvalidContainer, res.Kind)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	info := validInfo()
	info.Duration = 301
	info.VideoCodec = "wmv2"
	info.Container = "asf"
	res := Validate(info)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 3)
	// kind reflects the first violation hit
	require.Equal(t, xerrors.KindDurationTooLong, res.Kind)
}

func TestValidationErrorsAreUnretriable(t *testing.T) {
	info := validInfo()
	info.Duration = 301
	require.True(t, xerrors.IsUnretriable(Validate(info).Err()))
}
