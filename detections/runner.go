package detections

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

// WeightsFetcher returns a local path to usable model weights.
type WeightsFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Backend is a loaded model able to run forward passes.
type Backend interface {
	Detect(ctx context.Context, input []float32) ([]models.Detection, error)
	Device() string
	Close() error
}

type Loader interface {
	Load(ctx context.Context, weightsPath string) (Backend, error)
}

// Runner owns the process-wide model handle. The first successful Load
// fetches and loads the weights; every later call reuses that backend.
type Runner struct {
	fetcher WeightsFetcher
	loader  Loader
	logger  *zap.Logger

	mu      sync.Mutex
	backend atomic.Pointer[loaded]
	loads   atomic.Int64
}

type loaded struct {
	Backend
	digest string
}

func NewRunner(fetcher WeightsFetcher, loader Loader, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{fetcher: fetcher, loader: loader, logger: logger}
}

// Load is safe for concurrent use. A failed attempt is not remembered, so
// the next call tries again.
func (r *Runner) Load(ctx context.Context) (Backend, error) {
	if b := r.backend.Load(); b != nil {
		return b.Backend, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b := r.backend.Load(); b != nil {
		return b.Backend, nil
	}

	path, err := r.fetcher.Fetch(ctx)
	if err != nil {
		r.logger.Error("fetch model weights", zap.Error(err))
		return nil, asKind(err, models.ErrModelDownload, "fetch model weights")
	}

	backend, err := r.loader.Load(ctx, path)
	if err != nil {
		r.logger.Error("load model", zap.String("path", path), zap.Error(err))
		return nil, asKind(err, models.ErrModelDownload, "load model weights")
	}

	digest, err := fileDigest(path)
	if err != nil {
		r.logger.Warn("hash model weights, falling back to path", zap.String("path", path), zap.Error(err))
		digest = "path:" + path
	}

	r.backend.Store(&loaded{Backend: backend, digest: digest})
	r.loads.Add(1)
	r.logger.Info("model ready", zap.String("device", backend.Device()), zap.String("sha256", digest))
	return backend, nil
}

// Fingerprint identifies the loaded weights, loading them first if needed.
func (r *Runner) Fingerprint(ctx context.Context) (string, error) {
	if _, err := r.Load(ctx); err != nil {
		return "", err
	}
	if b := r.backend.Load(); b != nil {
		return b.digest, nil
	}
	return "", errors.New("model closed")
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Predict runs exactly one forward pass, loading the model first if needed.
func (r *Runner) Predict(ctx context.Context, input []float32) ([]models.Detection, error) {
	backend, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}

	dets, err := backend.Detect(ctx, input)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if err != nil {
		return nil, models.NewError(models.ErrInference, "forward pass failed", err)
	}
	if dets == nil {
		dets = []models.Detection{}
	}
	return dets, nil
}

func (r *Runner) Loaded() bool {
	return r.backend.Load() != nil
}

// Loads counts successful loads. It stays at one unless Close is called.
func (r *Runner) Loads() int64 {
	return r.loads.Load()
}

func (r *Runner) Device() string {
	if b := r.backend.Load(); b != nil {
		return b.Device()
	}
	return ""
}

// Backend returns the loaded backend or nil.
func (r *Runner) Backend() Backend {
	if b := r.backend.Load(); b != nil {
		return b.Backend
	}
	return nil
}

func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.backend.Swap(nil)
	if b == nil {
		return nil
	}
	return b.Close()
}

func asKind(err error, kind error, message string) error {
	var perr *models.ProcessingError
	if errors.As(err, &perr) {
		return err
	}
	return models.NewError(kind, message, err)
}
