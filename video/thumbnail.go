package video

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	xerrors "github.com/wpvideo/compress-api/errors"
	"github.com/wpvideo/compress-api/log"
)

// ThumbnailOptions controls the WebP conversion.
type ThumbnailOptions struct {
	Quality   int // 0..100
	MaxWidth  int
	MaxHeight int
}

// ThumbnailResult reports the conversion stats.
type ThumbnailResult struct {
	OriginalBytes int64
	OutputBytes   int64
	Width         int
	Height        int
}

// ResizeToWebP converts a source image into a WebP thumbnail. The image is
// fitted inside MaxWidth x MaxHeight preserving aspect ratio and is never
// enlarged. Images carrying an alpha channel are encoded at a reduced
// quality, floored at 10, since transparency compresses poorly at the
// configured level.
func ResizeToWebP(jobID, sourcePath, outPath string, opts ThumbnailOptions) (ThumbnailResult, error) {
	stat, err := os.Stat(sourcePath)
	if err != nil {
		return ThumbnailResult{}, xerrors.E(xerrors.KindFileNotFound, err)
	}

	img, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return ThumbnailResult{}, xerrors.Ef(xerrors.KindValidationError, "error decoding thumbnail source %s: %s", sourcePath, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > opts.MaxWidth || bounds.Dy() > opts.MaxHeight {
		img = imaging.Fit(img, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
		bounds = img.Bounds()
	}

	quality := opts.Quality
	if hasAlpha(img) {
		quality = quality - 10
		if quality < 10 {
			quality = 10
		}
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return ThumbnailResult{}, fmt.Errorf("error encoding webp: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0644); err != nil {
		return ThumbnailResult{}, fmt.Errorf("error writing webp thumbnail: %w", err)
	}

	res := ThumbnailResult{
		OriginalBytes: stat.Size(),
		OutputBytes:   int64(buf.Len()),
		Width:         bounds.Dx(),
		Height:        bounds.Dy(),
	}
	log.Log(jobID, "converted thumbnail", "original_bytes", res.OriginalBytes, "webp_bytes", res.OutputBytes, "width", res.Width, "height", res.Height)
	return res, nil
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64:
	default:
		return false
	}
	b := img.Bounds()
	// sample the corners and center rather than every pixel
	points := []image.Point{
		{b.Min.X, b.Min.Y},
		{b.Max.X - 1, b.Min.Y},
		{b.Min.X, b.Max.Y - 1},
		{b.Max.X - 1, b.Max.Y - 1},
		{(b.Min.X + b.Max.X) / 2, (b.Min.Y + b.Max.Y) / 2},
	}
	for _, pt := range points {
		if _, _, _, a := img.At(pt.X, pt.Y).RGBA(); a < 0xffff {
			return true
		}
	}
	return false
}
