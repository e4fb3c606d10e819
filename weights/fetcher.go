// Package weights makes sure model weights exist on local disk, downloading
// them when the cached copy is missing or too small to be real.
package weights

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

const (
	// DefaultMinBytes is the size a cached file must exceed to be trusted.
	DefaultMinBytes = 1000
	DefaultTimeout  = 60 * time.Second
	chunkSize       = 8192
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

type Options struct {
	URL      string
	Path     string
	MinBytes int64
	Timeout  time.Duration
	S3       S3Options
}

type Fetcher struct {
	opts   Options
	client *resty.Client
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Fetcher {
	if opts.MinBytes <= 0 {
		opts.MinBytes = DefaultMinBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetLogger(logger.Sugar()).
		SetTimeout(opts.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(100 * time.Millisecond)

	return &Fetcher{opts: opts, client: client, logger: logger}
}

func (f *Fetcher) Path() string {
	return f.opts.Path
}

// Usable reports whether path is a regular file larger than minBytes.
func Usable(path string, minBytes int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > minBytes
}

// Fetch returns the local weights path, downloading first when needed.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if Usable(f.opts.Path, f.opts.MinBytes) {
		f.logger.Info("model weights already cached", zap.String("path", f.opts.Path))
		return f.opts.Path, nil
	}

	if strings.TrimSpace(f.opts.URL) == "" {
		return "", models.NewError(models.ErrConfiguration,
			fmt.Sprintf("no model URL configured and %s is missing", f.opts.Path), nil)
	}

	src, err := url.Parse(f.opts.URL)
	if err != nil {
		return "", models.NewError(models.ErrConfiguration, "invalid model URL", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.opts.Path), 0o755); err != nil {
		return "", models.NewError(models.ErrModelDownload, "create model directory", err)
	}
	tmp := f.opts.Path + ".part"
	defer os.Remove(tmp)

	f.logger.Info("downloading model weights",
		zap.String("scheme", src.Scheme),
		zap.String("host", src.Host),
		zap.String("path", f.opts.Path))

	switch src.Scheme {
	case "http", "https":
		err = f.fetchHTTP(ctx, src.String(), tmp)
	case "s3":
		err = f.fetchS3(ctx, src, tmp)
	default:
		return "", models.NewError(models.ErrConfiguration,
			fmt.Sprintf("unsupported model URL scheme %q", src.Scheme), nil)
	}
	if err != nil {
		return "", err
	}

	if !Usable(tmp, f.opts.MinBytes) {
		return "", models.NewError(models.ErrModelDownload,
			fmt.Sprintf("downloaded file is not larger than %d bytes", f.opts.MinBytes), nil)
	}
	if err := os.Rename(tmp, f.opts.Path); err != nil {
		return "", models.NewError(models.ErrModelDownload, "move weights into place", err)
	}

	f.logger.Info("model weights downloaded", zap.String("path", f.opts.Path))
	return f.opts.Path, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL, dst string) error {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return models.NewError(models.ErrModelDownload, "download weights", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return models.NewError(models.ErrModelDownload,
			fmt.Sprintf("download weights: unexpected status %s", resp.Status()), nil)
	}

	out, err := os.Create(dst)
	if err != nil {
		return models.NewError(models.ErrModelDownload, "create weights file", err)
	}

	_, err = io.CopyBuffer(out, NewProgressReader(body, filepath.Base(f.opts.Path), f.logger), make([]byte, chunkSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return models.NewError(models.ErrModelDownload, "write weights file", err)
	}
	return nil
}

func (f *Fetcher) fetchS3(ctx context.Context, src *url.URL, dst string) error {
	bucket, key, err := ParseS3URL(src)
	if err != nil {
		return err
	}
	if f.opts.S3.Endpoint == "" {
		return models.NewError(models.ErrConfiguration, "s3 model URL requires model.s3.endpoint", nil)
	}

	client, err := minio.New(f.opts.S3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(f.opts.S3.AccessKey, f.opts.S3.SecretKey, ""),
		Secure: f.opts.S3.Secure,
		Region: f.opts.S3.Region,
	})
	if err != nil {
		return models.NewError(models.ErrConfiguration, "create s3 client", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	if err := client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{}); err != nil {
		return models.NewError(models.ErrModelDownload, fmt.Sprintf("get s3://%s/%s", bucket, key), err)
	}
	return nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", models.NewError(models.ErrConfiguration,
			fmt.Sprintf("s3 URL %q needs both bucket and key", u.String()), nil)
	}
	return bucket, key, nil
}
