package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Format is the decoder used for a stored or uploaded image.
type Format string

const (
	FormatPNG      Format = "png"
	FormatJPEG     Format = "jpeg"
	FormatGIF      Format = "gif"
	FormatWebP     Format = "webp"
	FormatPNM      Format = "pnm"
	FormatTIFF     Format = "tiff"
	FormatTGA      Format = "tga"
	FormatDDS      Format = "dds"
	FormatBMP      Format = "bmp"
	FormatICO      Format = "ico"
	FormatHDR      Format = "hdr"
	FormatFarbfeld Format = "farbfeld"
	FormatAVIF     Format = "avif"
)

// DefaultFormat is used when a content type is not in the table. Clients
// sometimes mislabel uploads, so a bad guess surfaces as a decode error.
const DefaultFormat = FormatJPEG

var contentTypes = map[string]Format{
	"image/png":      FormatPNG,
	"image/jpeg":     FormatJPEG,
	"image/gif":      FormatGIF,
	"image/webp":     FormatWebP,
	"image/pnm":      FormatPNM,
	"image/tiff":     FormatTIFF,
	"image/tga":      FormatTGA,
	"image/dds":      FormatDDS,
	"image/bmp":      FormatBMP,
	"image/ico":      FormatICO,
	"image/hdr":      FormatHDR,
	"image/farbfeld": FormatFarbfeld,
	"image/avif":     FormatAVIF,
}

type decodeFunc func(io.Reader) (image.Image, error)

// decoders covers the formats with a pure Go decoder. The rest of the
// table resolves fine but fails at decode time.
var decoders = map[Format]decodeFunc{
	FormatPNG:  png.Decode,
	FormatJPEG: jpeg.Decode,
	FormatGIF:  gif.Decode,
	FormatWebP: webp.Decode,
	FormatTIFF: tiff.Decode,
	FormatBMP:  bmp.Decode,
}

// ErrUnsupportedFormat is wrapped by DecodeError when no decoder exists.
var ErrUnsupportedFormat = errors.New("no decoder for format")

// DecodeError reports bytes that could not be decoded as the given format.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ResolveFormat maps a declared content type to a decoder format. Parameters
// and case are ignored; anything unknown falls back to DefaultFormat.
func ResolveFormat(contentType string) Format {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if f, ok := contentTypes[ct]; ok {
		return f
	}
	return DefaultFormat
}

// Decode decodes data strictly as f. No other format is tried.
func Decode(data []byte, f Format) (image.Image, error) {
	dec, ok := decoders[f]
	if !ok {
		return nil, &DecodeError{Format: f, Err: ErrUnsupportedFormat}
	}
	img, err := dec(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Format: f, Err: err}
	}
	return img, nil
}
