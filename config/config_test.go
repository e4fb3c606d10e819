package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, int64(5<<20), cfg.Upload.MaxBytes)
	assert.Equal(t, int64(89478485), cfg.Upload.MaxPixels)
	assert.Empty(t, cfg.Server.TrustedProxies)
	assert.Equal(t, 640, cfg.Pipeline.ImgSize)
	assert.Equal(t, "pad", cfg.Pipeline.Resize)
	assert.InDelta(t, 0.25, cfg.Pipeline.ConfThreshold, 1e-9)
	assert.InDelta(t, 0.45, cfg.Pipeline.IoUThreshold, 1e-9)
	assert.Equal(t, int64(1000), cfg.Model.MinBytes)
	assert.Equal(t, 60*time.Second, cfg.Model.DownloadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORS.AllowedOrigins)
	assert.True(t, cfg.Model.Eager)
	assert.Equal(t, "auto", cfg.Model.Device)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
model:
  url: https://example.com/from-file.onnx
  labels: [healthy, sigatoka]
pipeline:
  resize: stretch
  sharpen: false
`), 0o600))

	t.Setenv("CFG_MODEL_URL", "https://example.com/from-env.onnx")
	t.Setenv("CFG_MODEL_POOLSIZE", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://example.com/from-env.onnx", cfg.Model.URL)
	assert.Equal(t, 4, cfg.Model.PoolSize)
	assert.Equal(t, []string{"healthy", "sigatoka"}, cfg.Model.Labels)
	assert.Equal(t, "stretch", cfg.Pipeline.Resize)
	assert.False(t, cfg.Pipeline.Sharpen)
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MODEL_URL", "https://example.com/best_model.onnx")
	t.Setenv("MODEL_PATH", "/tmp/best_model.onnx")
	t.Setenv("MAX_UPLOAD_MB", "10")
	t.Setenv("IMG_SIZE", "320")
	t.Setenv("CFG_SERVER_PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port, "plain names win over CFG_ names")
	assert.Equal(t, "https://example.com/best_model.onnx", cfg.Model.URL)
	assert.Equal(t, "/tmp/best_model.onnx", cfg.Model.Path)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxBytes)
	assert.Equal(t, 320, cfg.Pipeline.ImgSize)
}

func TestLoad_TrustedProxies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  trustedproxies: [10.0.0.0/8, "192.168.1.10"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.10"}, cfg.Server.TrustedProxies)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{name: "image size not multiple of 32", env: map[string]string{"IMG_SIZE": "100"}},
		{name: "bad resize mode", env: map[string]string{"CFG_PIPELINE_RESIZE": "crop"}},
		{name: "bad device", env: map[string]string{"CFG_MODEL_DEVICE": "tpu"}},
		{name: "bad upload ceiling", env: map[string]string{"MAX_UPLOAD_MB": "lots"}},
		{name: "threshold out of range", env: map[string]string{"CFG_PIPELINE_CONFTHRESHOLD": "1.5"}},
		{name: "remote rembg without url", env: map[string]string{"CFG_REMBG_MODE": "remote"}},
		{name: "trusted proxy not an address", env: map[string]string{"CFG_SERVER_TRUSTEDPROXIES": "load-balancer"}},
		{name: "zero pixel ceiling", env: map[string]string{"CFG_UPLOAD_MAXPIXELS": "0"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfiguration), "got %v", err)
		})
	}
}

func TestInit_SetsGlobal(t *testing.T) {
	t.Setenv("PORT", "8123")
	require.NoError(t, Init(""))
	assert.Equal(t, 8123, Config.Server.Port)
}
