package normalize

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// extra upload formats beyond jpeg/png/gif
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

// Upload is one image as received from a client.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// CheckUpload enforces the empty, size and content-type rules on the bytes
// actually read, before any decoding happens.
func CheckUpload(up Upload, maxBytes int64) error {
	if len(up.Data) == 0 {
		return models.NewError(models.ErrInvalidImage, "File is empty", nil)
	}
	if maxBytes > 0 && int64(len(up.Data)) > maxBytes {
		return models.NewError(models.ErrPayloadTooLarge,
			fmt.Sprintf("File exceeds the %d byte limit", maxBytes), nil)
	}

	contentType := mediaType(up.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(up.Data).String()
	}
	if !strings.HasPrefix(mediaType(contentType), "image/") {
		return models.NewError(models.ErrInvalidImage, "File must be an image", nil)
	}
	return nil
}

// DefaultMaxPixels matches the decompression bomb limit of PIL.
const DefaultMaxPixels = 89478485

// Decode decodes the upload and applies its EXIF orientation. The header is
// read first so images over maxPixels are rejected before any pixel buffer is
// allocated. A maxPixels of zero or less means DefaultMaxPixels.
func Decode(data []byte, maxPixels int64) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, models.NewError(models.ErrInvalidImage, "Failed to decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, models.NewError(models.ErrInvalidImage, "Image has no pixels", nil)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, models.NewError(models.ErrPayloadTooLarge,
			fmt.Sprintf("Image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, maxPixels), nil)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.NewError(models.ErrInvalidImage, "Failed to decode image", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, models.NewError(models.ErrInvalidImage, "Image has no pixels", nil)
	}
	return img, nil
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
