// Package pipeline runs one upload through normalization, inference and
// result formatting.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
	"github.com/Phichayapa48/banana-ai-farm/normalize"
)

// Detector runs one forward pass over a normalized CHW tensor.
type Detector interface {
	Predict(ctx context.Context, input []float32) ([]models.Detection, error)
}

// Fingerprinter is implemented by detectors that can name the weights they
// run. Cached results are only shared between identical fingerprints.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

type Result struct {
	Detections        []models.Detection
	BackgroundRemoved bool
	Cached            bool
	Timings           models.ProcessingTimings
}

type Pipeline struct {
	normalizer *normalize.Normalizer
	detector   Detector
	cache      Cache
	settings   string
	logger     *zap.Logger
	debug      bool
}

type Option func(*Pipeline)

// WithCache stores results by image content. Only safe for deterministic models.
func WithCache(cache Cache) Option {
	return func(p *Pipeline) { p.cache = cache }
}

// WithModelSettings adds detector settings that are not visible in the
// weights, such as thresholds, to the cache key.
func WithModelSettings(settings string) Option {
	return func(p *Pipeline) { p.settings = settings }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithDebugTimings logs per-stage timings for every request.
func WithDebugTimings(debug bool) Option {
	return func(p *Pipeline) { p.debug = debug }
}

func New(normalizer *normalize.Normalizer, detector Detector, opts ...Option) *Pipeline {
	p := &Pipeline{normalizer: normalizer, detector: detector, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Run(ctx context.Context, requestID string, up normalize.Upload) (*Result, error) {
	start := time.Now()
	res := &Result{Timings: models.ProcessingTimings{RequestID: requestID}}

	// cheap checks first so a rejected upload never touches the cache
	if err := normalize.CheckUpload(up, p.normalizer.Options().MaxBytes); err != nil {
		return nil, err
	}

	var key string
	if p.cache != nil {
		model, err := p.modelFingerprint(ctx)
		if err != nil {
			p.logger.Warn("model fingerprint unavailable, skipping result cache", zap.String("request_id", requestID), zap.Error(err))
		} else {
			key = CacheKey(up.Data, p.normalizer, model)
		}
	}
	if key != "" {
		dets, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("result cache read failed", zap.String("request_id", requestID), zap.Error(err))
		}
		if ok {
			res.Detections = dets
			res.Cached = true
			res.Timings.Total = time.Since(start)
			p.logTimings(res)
			return res, nil
		}
	}

	normalized, err := p.normalizer.Normalize(ctx, up, &res.Timings)
	if err != nil {
		return nil, err
	}
	res.BackgroundRemoved = normalized.BackgroundRemoved

	inferStart := time.Now()
	dets, err := p.detector.Predict(ctx, normalized.Tensor)
	res.Timings.Inference = time.Since(inferStart)
	if err != nil {
		return nil, err
	}
	if dets == nil {
		dets = []models.Detection{}
	}
	res.Detections = dets

	// a fallback image would poison the cache for later successful removals
	if key != "" && normalized.BackgroundErr == nil {
		if err := p.cache.Set(ctx, key, dets); err != nil {
			p.logger.Warn("result cache write failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	res.Timings.Total = time.Since(start)
	p.logTimings(res)
	return res, nil
}

func (p *Pipeline) modelFingerprint(ctx context.Context) (string, error) {
	f, ok := p.detector.(Fingerprinter)
	if !ok {
		return p.settings, nil
	}
	weights, err := f.Fingerprint(ctx)
	if err != nil {
		return "", err
	}
	return p.settings + ";weights=" + weights, nil
}

func (p *Pipeline) logTimings(res *Result) {
	if !p.debug {
		return
	}
	t := res.Timings
	p.logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Bool("cached", res.Cached),
		zap.Int("detections", len(res.Detections)),
		zap.Duration("decode", t.ImageDecode),
		zap.Duration("sharpen", t.Sharpen),
		zap.Duration("background_removal", t.BackgroundRemoval),
		zap.Duration("resize", t.Resize),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("total", t.Total))
}
