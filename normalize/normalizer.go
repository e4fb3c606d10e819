// Package normalize turns uploaded bytes into the fixed-size RGB tensor the
// detector expects.
package normalize

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
	"github.com/Phichayapa48/banana-ai-farm/rembg"
)

type Options struct {
	Size      int
	MaxBytes  int64
	MaxPixels int64
	Sharpen   bool
	Resize    ResizeMode
}

// Normalized is the output of one Normalize call.
type Normalized struct {
	Image  *image.NRGBA
	Tensor []float32
	Shape  [4]int64

	BackgroundRemoved bool
	BackgroundErr     error
}

type Normalizer struct {
	opts    Options
	remover rembg.Remover
	logger  *zap.Logger
}

// New returns a Normalizer. A nil remover disables background removal.
func New(opts Options, remover rembg.Remover, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Normalizer{opts: opts, remover: remover, logger: logger}
}

func (n *Normalizer) Options() Options {
	return n.opts
}

// BackgroundRemoval reports whether the background step is enabled.
func (n *Normalizer) BackgroundRemoval() bool {
	return n.remover != nil
}

// Normalize runs check, decode with EXIF orientation, sharpen, background
// removal, RGB conversion, square resize and tensor conversion, in that order.
func (n *Normalizer) Normalize(ctx context.Context, up Upload, timings *models.ProcessingTimings) (*Normalized, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	if err := CheckUpload(up, n.opts.MaxBytes); err != nil {
		return nil, err
	}

	start := time.Now()
	img, err := Decode(up.Data, n.opts.MaxPixels)
	timings.ImageDecode = time.Since(start)
	if err != nil {
		return nil, err
	}

	if n.opts.Sharpen {
		start = time.Now()
		img = UnsharpMask(img, SharpenRadius, SharpenPercent, SharpenThreshold)
		timings.Sharpen = time.Since(start)
	}

	out := &Normalized{}
	if n.remover != nil {
		start = time.Now()
		outcome := rembg.Apply(ctx, n.remover, img)
		timings.BackgroundRemoval = time.Since(start)

		img = outcome.Image
		out.BackgroundRemoved = outcome.Applied
		out.BackgroundErr = outcome.Err
		if outcome.Err != nil {
			n.logger.Warn("background removal failed, using original image",
				zap.String("request_id", timings.RequestID),
				zap.Error(outcome.Err))
		}
	}

	start = time.Now()
	out.Image = Square(ToRGB(img), n.opts.Size, n.opts.Resize)
	timings.Resize = time.Since(start)

	start = time.Now()
	out.Tensor = ToTensor(out.Image)
	out.Shape = [4]int64{1, 3, int64(n.opts.Size), int64(n.opts.Size)}
	timings.Preprocess = time.Since(start)

	return out, nil
}
