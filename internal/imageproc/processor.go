package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
)

// ClampDimensions returns the size an image of w x h should be scaled to so
// that neither side exceeds limit. Images with both sides strictly below limit
// are returned unchanged; otherwise the longer side becomes limit and the
// shorter side is scaled and rounded, never below 1.
func ClampDimensions(w, h, limit int) (int, int) {
	if limit <= 0 || (w < limit && h < limit) {
		return w, h
	}
	if w >= h {
		return limit, scaleSide(h, limit, w)
	}
	return scaleSide(w, limit, h), limit
}

func scaleSide(shorter, limit, longer int) int {
	n := int(math.Round(float64(shorter) * float64(limit) / float64(longer)))
	if n < 1 {
		n = 1
	}
	return n
}

// resize downscales img with Lanczos when limit requires it.
func resize(img image.Image, limit int) image.Image {
	b := img.Bounds()
	w, h := ClampDimensions(b.Dx(), b.Dy(), limit)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// Encoder is one candidate codec. Implementations must not retain img.
type Encoder interface {
	Name() string
	ContentType() string
	Encode(img image.Image) ([]byte, error)
}

// DefaultJPEGQuality is used by the lossy primary candidate.
const DefaultJPEGQuality = 80

// JPEGEncoder is the lossy primary candidate.
type JPEGEncoder struct {
	Quality int
}

func (JPEGEncoder) Name() string        { return "jpeg" }
func (JPEGEncoder) ContentType() string { return "image/jpeg" }

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	q := e.Quality
	if q == 0 {
		q = DefaultJPEGQuality
	}
	return encodeImage(img, imaging.JPEG, imaging.JPEGQuality(q))
}

// PNGEncoder is the lossless secondary candidate.
type PNGEncoder struct{}

func (PNGEncoder) Name() string        { return "png" }
func (PNGEncoder) ContentType() string { return "image/png" }

func (PNGEncoder) Encode(img image.Image) ([]byte, error) {
	return encodeImage(img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
}

// encodeImage encodes an image to the specified format and returns the bytes.
func encodeImage(img image.Image, format imaging.Format, opts ...imaging.EncodeOption) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
