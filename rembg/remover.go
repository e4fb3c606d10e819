// Package rembg strips image backgrounds before detection. Removal is a soft
// step: callers get the original image back whenever it fails.
package rembg

import (
	"context"
	"errors"
	"image"
)

// Remover returns img with its background made transparent.
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Outcome is the result of one removal attempt. On failure Image is the input
// image, Applied is false and Err holds the reason.
type Outcome struct {
	Image   image.Image
	Applied bool
	Err     error
}

// ErrEmptyResult is reported when a remover returns neither an image nor an error.
var ErrEmptyResult = errors.New("background removal returned no image")

// Apply runs r on img and never fails: errors and panics degrade to the original image.
func Apply(ctx context.Context, r Remover, img image.Image) (out Outcome) {
	out = Outcome{Image: img}
	if r == nil {
		return out
	}

	defer func() {
		if p := recover(); p != nil {
			out = Outcome{Image: img, Err: panicError{p}}
		}
	}()

	removed, err := r.Remove(ctx, img)
	switch {
	case err != nil:
		out.Err = err
	case removed == nil:
		out.Err = ErrEmptyResult
	default:
		out = Outcome{Image: removed, Applied: true}
	}
	return out
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return "background removal panicked: " + err.Error()
	}
	return "background removal panicked"
}

// Unavailable is used when the configured remover could not be built at
// startup. Every call fails so requests take the fallback branch.
type Unavailable struct {
	Err error
}

func (u Unavailable) Remove(context.Context, image.Image) (image.Image, error) {
	if u.Err == nil {
		return nil, errors.New("background removal unavailable")
	}
	return nil, u.Err
}
