package normalize

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

type ResizeMode string

const (
	// ResizePad scales to fit and centers on a black square.
	ResizePad ResizeMode = "pad"
	// ResizeStretch scales straight to the square, ignoring aspect ratio.
	ResizeStretch ResizeMode = "stretch"
)

func ParseResizeMode(s string) (ResizeMode, error) {
	switch ResizeMode(s) {
	case ResizePad, "":
		return ResizePad, nil
	case ResizeStretch:
		return ResizeStretch, nil
	}
	return "", fmt.Errorf("unknown resize mode %q", s)
}

// ToRGB drops the alpha channel and keeps the stored color values.
func ToRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Square resizes img to size x size with the Lanczos filter.
func Square(img image.Image, size int, mode ResizeMode) *image.NRGBA {
	if mode == ResizeStretch {
		return imaging.Resize(img, size, size, imaging.Lanczos)
	}

	b := img.Bounds()
	ratio := math.Min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	w := max(1, int(math.Round(float64(b.Dx())*ratio)))
	h := max(1, int(math.Round(float64(b.Dy())*ratio)))

	scaled := imaging.Resize(img, w, h, imaging.Lanczos)
	canvas := imaging.New(size, size, color.NRGBA{A: 0xff})
	return imaging.Paste(canvas, scaled, image.Pt((size-w)/2, (size-h)/2))
}
