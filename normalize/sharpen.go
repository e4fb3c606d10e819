package normalize

import (
	"image"

	"github.com/disintegration/imaging"
)

// Unsharp mask parameters matching PIL's ImageFilter.UnsharpMask(1, 100, 3).
const (
	SharpenRadius    = 1.0
	SharpenPercent   = 100
	SharpenThreshold = 3
)

// UnsharpMask adds percent% of (src - blur) to every color channel whose
// difference exceeds threshold. Alpha is copied unchanged.
func UnsharpMask(img image.Image, radius float64, percent, threshold int) *image.NRGBA {
	src := imaging.Clone(img)
	blurred := imaging.Blur(src, radius)
	dst := image.NewNRGBA(src.Bounds())

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < h; y++ {
		srow := src.Pix[y*src.Stride : y*src.Stride+w*4]
		brow := blurred.Pix[y*blurred.Stride : y*blurred.Stride+w*4]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for i := 0; i < len(srow); i += 4 {
			for c := 0; c < 3; c++ {
				in := int(srow[i+c])
				diff := in - int(brow[i+c])
				if abs(diff) > threshold {
					in += diff * percent / 100
				}
				drow[i+c] = clamp8(in)
			}
			drow[i+3] = srow[i+3]
		}
	}
	return dst
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp8(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
