// Package optimize re-encodes stored images more heavily than the upload
// path does and advances their optimization level.
package optimize

import (
	"errors"
	"fmt"

	"github.com/leca/imgshrink/internal/imageproc"
)

// ErrIneligible matches every IneligibleError.
var ErrIneligible = errors.New("image is not eligible for optimization")

// IneligibleError reports an image already at or past the last level.
type IneligibleError struct {
	Level int
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("image at optimization level %d is already too compressed", e.Level)
}

func (e *IneligibleError) Is(target error) bool { return target == ErrIneligible }

// PassConfig holds transcode options for both variants of one pass.
type PassConfig struct {
	Primary   imageproc.Options
	Thumbnail imageproc.Options
}

const (
	DefaultPrimaryMaxDimension   = 1024
	DefaultThumbnailMaxDimension = 128
)

// Policy is a two-stage scheme: level 0 is the cheap upload encoding and
// level 1 is the result of the single background pass.
type Policy struct {
	PrimaryMaxDimension   int
	ThumbnailMaxDimension int
}

// DefaultPolicy returns the stock dimensions.
func DefaultPolicy() Policy {
	return Policy{
		PrimaryMaxDimension:   DefaultPrimaryMaxDimension,
		ThumbnailMaxDimension: DefaultThumbnailMaxDimension,
	}
}

// MaxLevel is the terminal level. Images below it are eligible.
func (p Policy) MaxLevel() int { return 1 }

// Upload returns the options used when an image is first stored.
func (p Policy) Upload() PassConfig {
	return PassConfig{
		Primary:   imageproc.Options{MaxDimension: p.PrimaryMaxDimension},
		Thumbnail: imageproc.Options{MaxDimension: p.ThumbnailMaxDimension},
	}
}

// Next returns the pass that takes an image from level to level+1, or an
// IneligibleError when level is terminal.
func (p Policy) Next(level int) (PassConfig, error) {
	if level < 0 || level >= p.MaxLevel() {
		return PassConfig{}, &IneligibleError{Level: level}
	}
	return PassConfig{
		Primary:   imageproc.Options{MaxDimension: p.PrimaryMaxDimension, EnableSecondaryCodec: true},
		Thumbnail: imageproc.Options{MaxDimension: p.ThumbnailMaxDimension, EnableSecondaryCodec: true},
	}, nil
}
