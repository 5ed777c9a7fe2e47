package imageproc

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/leca/imgshrink/internal/metrics"
	"github.com/leca/imgshrink/internal/workers"
)

// Options controls a single Transcode call.
type Options struct {
	// MaxDimension caps the longer side. Zero disables resizing.
	MaxDimension int
	// EnableSecondaryCodec adds the lossless candidate next to the lossy one.
	EnableSecondaryCodec bool
}

// Result is the winning candidate.
type Result struct {
	Data        []byte
	ContentType string
	Codec       string
	Width       int
	Height      int
}

// AllCandidatesFailedError is returned when no enabled encoder produced
// output. Err is the first failure in candidate order.
type AllCandidatesFailedError struct {
	Err    error
	Causes []error
}

func (e *AllCandidatesFailedError) Error() string {
	return fmt.Sprintf("all %d candidates failed: %v", len(e.Causes), e.Err)
}

func (e *AllCandidatesFailedError) Unwrap() error { return e.Err }

// Engine decodes, resizes and encodes images on a bounded worker pool.
type Engine struct {
	pool      *workers.Pool
	primary   Encoder
	secondary Encoder
}

// NewEngine creates an engine. primary always runs; secondary runs only when
// a call enables it. Either encoder may be nil to get the defaults.
func NewEngine(pool *workers.Pool, primary, secondary Encoder) *Engine {
	if primary == nil {
		primary = JPEGEncoder{Quality: DefaultJPEGQuality}
	}
	if secondary == nil {
		secondary = PNGEncoder{}
	}
	return &Engine{pool: pool, primary: primary, secondary: secondary}
}

type candidate struct {
	data []byte
	err  error
}

// Transcode decodes data as format, clamps it to opts.MaxDimension and
// returns the smallest successful encoding. Candidates run concurrently;
// ties go to the earlier candidate, so the outcome does not depend on
// completion order.
func (e *Engine) Transcode(ctx context.Context, data []byte, format Format, opts Options) (*Result, error) {
	var img image.Image
	err := e.pool.Run(ctx, func() error {
		decoded, err := Decode(data, format)
		if err != nil {
			return err
		}
		img = resize(decoded, opts.MaxDimension)
		return nil
	})
	if err != nil {
		return nil, err
	}

	encoders := []Encoder{e.primary}
	if opts.EnableSecondaryCodec {
		encoders = append(encoders, e.secondary)
	}

	results := make([]candidate, len(encoders))
	var wg sync.WaitGroup
	for i, enc := range encoders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out []byte
			err := e.pool.Run(ctx, func() error {
				var err error
				out, err = enc.Encode(img)
				return err
			})
			if err != nil {
				err = fmt.Errorf("%s: %w", enc.Name(), err)
				metrics.TranscodeCandidatesTotal.WithLabelValues(enc.Name(), "error").Inc()
			} else {
				metrics.TranscodeCandidatesTotal.WithLabelValues(enc.Name(), "ok").Inc()
			}
			results[i] = candidate{data: out, err: err}
		}()
	}
	wg.Wait()

	best := -1
	var causes []error
	for i, r := range results {
		if r.err != nil {
			causes = append(causes, r.err)
			continue
		}
		if best < 0 || len(r.data) < len(results[best].data) {
			best = i
		}
	}
	if best < 0 {
		return nil, &AllCandidatesFailedError{Err: causes[0], Causes: causes}
	}

	metrics.TranscodeWinsTotal.WithLabelValues(encoders[best].Name()).Inc()
	b := img.Bounds()
	return &Result{
		Data:        results[best].data,
		ContentType: encoders[best].ContentType(),
		Codec:       encoders[best].Name(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}
