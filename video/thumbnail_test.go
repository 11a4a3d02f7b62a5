package video

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	xerrors "github.com/wpvideo/compress-api/errors"
)

func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	path := filepath.Join(t.TempDir(), "source.png")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestResizeToWebPFitsInsideBounds(t *testing.T) {
	source := writeTestImage(t, 800, 600)
	out := filepath.Join(t.TempDir(), "thumbnail.webp")

	res, err := ResizeToWebP("job_1_1", source, out, ThumbnailOptions{Quality: 60, MaxWidth: 320, MaxHeight: 180})
	require.NoError(t, err)
	// 4:3 source fitted into 320x180 is height-bound
	require.Equal(t, 240, res.Width)
	require.Equal(t, 180, res.Height)
	require.Greater(t, res.OriginalBytes, int64(0))
	require.Greater(t, res.OutputBytes, int64(0))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := webp.Decode(f)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 240, 180), decoded.Bounds())
}

func TestResizeToWebPNeverEnlarges(t *testing.T) {
	source := writeTestImage(t, 100, 50)
	out := filepath.Join(t.TempDir(), "thumbnail.webp")

	res, err := ResizeToWebP("job_1_1", source, out, ThumbnailOptions{Quality: 60, MaxWidth: 320, MaxHeight: 180})
	require.NoError(t, err)
	require.Equal(t, 100, res.Width)
	require.Equal(t, 50, res.Height)
}

func TestResizeToWebPMissingSource(t *testing.T) {
	_, err := ResizeToWebP("job_1_1", filepath.Join(t.TempDir(), "nope.png"), filepath.Join(t.TempDir(), "out.webp"), ThumbnailOptions{Quality: 60, MaxWidth: 320, MaxHeight: 180})
	require.Error(t, err)
	require.True(t, xerrors.IsKind(err, xerrors.KindFileNotFound))
}

func TestResizeToWebPRejectsGarbage(t *testing.T) {
	source := filepath.Join(t.TempDir(), "garbage.png")
	require.NoError(t, os.WriteFile(source, []byte("not an image"), 0644))

	_, err := ResizeToWebP("job_1_1", source, filepath.Join(t.TempDir(), "out.webp"), ThumbnailOptions{Quality: 60, MaxWidth: 320, MaxHeight: 180})
	require.Error(t, err)
	require.True(t, xerrors.IsKind(err, xerrors.KindValidationError))
}

func TestHasAlpha(t *testing.T) {
	opaque := imaging.New(10, 10, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	require.False(t, hasAlpha(opaque))

	translucent := imaging.New(10, 10, color.NRGBA{R: 1, G: 2, B: 3, A: 128})
	require.True(t, hasAlpha(translucent))
}
