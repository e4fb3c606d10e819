package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Phichayapa48/banana-ai-farm/config"
	"github.com/Phichayapa48/banana-ai-farm/detections"
	custom_logger "github.com/Phichayapa48/banana-ai-farm/logger"
	"github.com/Phichayapa48/banana-ai-farm/normalize"
	"github.com/Phichayapa48/banana-ai-farm/pipeline"
	"github.com/Phichayapa48/banana-ai-farm/rembg"
	"github.com/Phichayapa48/banana-ai-farm/weights"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	if err := config.Init(config.ParseConfigFlag()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, _ := custom_logger.GetZapLogger(ctx)
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, config.Config, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) error {
	libPath, err := resolveLibrary(cfg.Model.Library, librarySearchDirs)
	if err != nil {
		return err
	}
	destroyEnv, err := initOnnxRuntime(libPath)
	if err != nil {
		return err
	}
	defer destroyEnv()
	logger.Info("onnxruntime initialized", zap.String("library", libPath))

	runner := detections.NewRunner(
		weights.New(weights.Options{
			URL:      cfg.Model.URL,
			Path:     cfg.Model.Path,
			MinBytes: cfg.Model.MinBytes,
			Timeout:  cfg.Model.DownloadTimeout,
			S3: weights.S3Options{
				Endpoint:  cfg.Model.S3.Endpoint,
				AccessKey: cfg.Model.S3.AccessKey,
				SecretKey: cfg.Model.S3.SecretKey,
				Region:    cfg.Model.S3.Region,
				Secure:    cfg.Model.S3.Secure,
			},
		}, logger),
		detections.NewORTLoader(detections.ORTOptions{
			Size:          cfg.Pipeline.ImgSize,
			PoolSize:      cfg.Model.PoolSize,
			Device:        cfg.Model.Device,
			ConfThreshold: float32(cfg.Pipeline.ConfThreshold),
			IoUThreshold:  float32(cfg.Pipeline.IoUThreshold),
		}, logger),
		logger,
	)
	defer runner.Close()

	if cfg.Model.Eager {
		if _, err := runner.Load(ctx); err != nil {
			return err
		}
	}

	remover, closeRemover := buildRemover(ctx, cfg, logger)
	defer closeRemover()

	resizeMode, err := normalize.ParseResizeMode(cfg.Pipeline.Resize)
	if err != nil {
		return err
	}
	normalizer := normalize.New(normalize.Options{
		Size:      cfg.Pipeline.ImgSize,
		MaxBytes:  cfg.Upload.MaxBytes,
		MaxPixels: cfg.Upload.MaxPixels,
		Sharpen:   cfg.Pipeline.Sharpen,
		Resize:    resizeMode,
	}, remover, logger)

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithDebugTimings(cfg.Server.Debug),
		pipeline.WithModelSettings(fmt.Sprintf("url=%s;path=%s;conf=%g;iou=%g",
			cfg.Model.URL, cfg.Model.Path, cfg.Pipeline.ConfThreshold, cfg.Pipeline.IoUThreshold)),
	}
	if cfg.Cache.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("result cache unreachable, continuing without hits", zap.Error(err))
		}
		opts = append(opts, pipeline.WithCache(pipeline.NewRedisCache(client, cfg.Cache.TTL)))
	}

	state := &AppState{
		Pipeline: pipeline.New(normalizer, runner, opts...),
		Runner:   runner,
		Labels:   cfg.Model.Labels,
		MaxBytes: cfg.Upload.MaxBytes,
		Logger:   logger,
	}

	srv := &http.Server{
		Handler:      newRouter(state, cfg.Server),
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(state *AppState, cfg config.ServerConfig) *mux.Router {
	ips := newClientIPResolver(cfg.TrustedProxies)

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware(state.Logger, ips), corsMiddleware(cfg.CORS.AllowedOrigins))
	if cfg.RateLimit.Enabled {
		r.Use(newRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst).middleware(state.Logger, ips))
	}

	r.HandleFunc("/", state.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", state.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/detect", state.handleDetect(detectFormat)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/predict", state.handleDetect(predictFormat)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/detect", state.handleWebSocket(newUpgrader(cfg.CORS.AllowedOrigins))).Methods(http.MethodGet)
	state.addMonitoringRoutes(r)

	return r
}

// buildRemover returns nil when background removal is off. A remover that
// cannot be built is replaced by one that always fails, so requests fall back
// to the original image instead of the service refusing to start.
func buildRemover(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (rembg.Remover, func()) {
	noop := func() {}
	if !cfg.Pipeline.RemoveBackground || cfg.Rembg.Mode == "none" {
		return nil, noop
	}

	if cfg.Rembg.Mode == "remote" {
		return rembg.NewRemote(cfg.Rembg.URL, cfg.Rembg.Timeout, logger), noop
	}

	path, err := weights.New(weights.Options{
		URL:     cfg.Rembg.ModelURL,
		Path:    cfg.Rembg.ModelPath,
		Timeout: cfg.Rembg.DownloadTimeout,
	}, logger).Fetch(ctx)
	if err != nil {
		logger.Warn("background removal disabled for this run", zap.Error(err))
		return rembg.Unavailable{Err: err}, noop
	}

	u2net, err := rembg.NewU2Net(path)
	if err != nil {
		logger.Warn("background removal disabled for this run", zap.Error(err))
		return rembg.Unavailable{Err: err}, noop
	}
	return u2net, u2net.Destroy
}
