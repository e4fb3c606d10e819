package detections

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

type ORTOptions struct {
	Size          int
	PoolSize      int
	Device        string
	ConfThreshold float32
	IoUThreshold  float32
}

// ORTLoader builds an ONNX Runtime backend from a weights file. The runtime
// environment must be initialized by the caller.
type ORTLoader struct {
	opts   ORTOptions
	logger *zap.Logger
}

func NewORTLoader(opts ORTOptions, logger *zap.Logger) *ORTLoader {
	if opts.Size <= 0 {
		opts.Size = DefaultInputSize
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Device == "" {
		opts.Device = DeviceAuto
	}
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = ConfThreshold
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = IouThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ORTLoader{opts: opts, logger: logger}
}

func (l *ORTLoader) Load(_ context.Context, weightsPath string) (Backend, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime environment is not initialized")
	}

	info, err := inspectModel(weightsPath, l.opts.Size)
	if err != nil {
		return nil, err
	}

	decoder, err := NewDecoder(info.OutputShape, l.opts.Size, l.opts.ConfThreshold, l.opts.IoUThreshold)
	if err != nil {
		return nil, err
	}

	threads := sessionThreads(l.opts.PoolSize)
	device, err := l.selectDevice(info, threads)
	if err != nil {
		return nil, err
	}

	pool, err := NewModelSessionPool(l.opts.PoolSize, func() (*ModelSession, error) {
		return initSession(info, device, threads)
	})
	if err != nil {
		return nil, err
	}

	backend := &ORTBackend{
		pool:      pool,
		decoder:   decoder,
		device:    describeDevice(device),
		inputSize: int(info.InputShape[1] * info.InputShape[2] * info.InputShape[3]),
	}

	// warm-up run
	if _, err := backend.Detect(context.Background(), make([]float32, backend.inputSize)); err != nil {
		pool.Destroy()
		return nil, fmt.Errorf("warm-up inference: %w", err)
	}

	l.logger.Info("detection model loaded",
		zap.String("path", weightsPath),
		zap.String("device", backend.device),
		zap.String("input", info.InputName),
		zap.Int64s("output_shape", info.OutputShape),
		zap.String("layout", decoder.Layout().String()),
		zap.Int("classes", decoder.NumClasses()),
		zap.Int("sessions", l.opts.PoolSize))

	return backend, nil
}

// selectDevice decides once between CUDA and CPU by probing a CUDA session.
func (l *ORTLoader) selectDevice(info *ModelInfo, threads int) (string, error) {
	if l.opts.Device == DeviceCPU {
		return DeviceCPU, nil
	}

	probe, err := initSession(info, DeviceCUDA, threads)
	if err == nil {
		probe.Destroy()
		return DeviceCUDA, nil
	}
	if l.opts.Device == DeviceCUDA {
		return "", fmt.Errorf("cuda requested: %w", err)
	}

	l.logger.Info("cuda not available, using cpu", zap.Error(err))
	return DeviceCPU, nil
}

type ORTBackend struct {
	pool      *ModelSessionPool
	decoder   *Decoder
	device    string
	inputSize int
}

func (b *ORTBackend) Detect(ctx context.Context, input []float32) ([]models.Detection, error) {
	if len(input) != b.inputSize {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), b.inputSize)
	}

	session, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := session.Run(input)
	if err != nil {
		b.pool.Discard(session)
		return nil, err
	}
	b.pool.Release(session)

	return b.decoder.Decode(raw)
}

func (b *ORTBackend) Device() string { return b.device }

func (b *ORTBackend) Metrics() PoolMetrics { return b.pool.GetMetrics() }

func (b *ORTBackend) Close() error {
	b.pool.Destroy()
	return nil
}
