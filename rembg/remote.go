package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Remote calls a rembg HTTP server (`rembg s`).
type Remote struct {
	client *resty.Client
}

func NewRemote(baseURL string, timeout time.Duration, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Remote{client: client}
}

func (r *Remote) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("file", "image.png", &buf).
		Post("/api/remove")
	if err != nil {
		return nil, fmt.Errorf("rembg request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rembg server returned %s", resp.Status())
	}

	out, err := imaging.Decode(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("decode rembg response: %w", err)
	}
	return out, nil
}
