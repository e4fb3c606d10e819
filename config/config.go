package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/Phichayapa48/banana-ai-farm/models"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"min=1,max=65535"`
	Debug          bool          `koanf:"debug"`
	ReadTimeout    time.Duration `koanf:"readtimeout"`
	WriteTimeout   time.Duration `koanf:"writetimeout"`
	TrustedProxies []string      `koanf:"trustedproxies" validate:"dive,cidr|ip"`
	CORS           struct {
		AllowedOrigins []string `koanf:"allowedorigins"`
	} `koanf:"cors"`
	RateLimit struct {
		Enabled bool    `koanf:"enabled"`
		RPS     float64 `koanf:"rps" validate:"gte=0"`
		Burst   int     `koanf:"burst" validate:"gte=0"`
	} `koanf:"ratelimit"`
}

// UploadConfig bounds accepted request payloads
type UploadConfig struct {
	MaxBytes  int64 `koanf:"maxbytes" validate:"gt=0"`
	MaxPixels int64 `koanf:"maxpixels" validate:"gt=0"`
}

// S3Config is used when the model URL has the s3:// scheme
type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"accesskey"`
	SecretKey string `koanf:"secretkey"`
	Region    string `koanf:"region"`
	Secure    bool   `koanf:"secure"`
}

// ModelConfig related to the detection model
type ModelConfig struct {
	URL             string        `koanf:"url"`
	Path            string        `koanf:"path" validate:"required"`
	MinBytes        int64         `koanf:"minbytes" validate:"gte=0"`
	DownloadTimeout time.Duration `koanf:"downloadtimeout"`
	Eager           bool          `koanf:"eager"`
	Device          string        `koanf:"device" validate:"oneof=auto cpu cuda"`
	PoolSize        int           `koanf:"poolsize" validate:"gte=1"`
	Library         string        `koanf:"library"`
	Labels          []string      `koanf:"labels"`
	S3              S3Config      `koanf:"s3"`
}

// PipelineConfig toggles the optional normalizer steps
type PipelineConfig struct {
	ImgSize          int     `koanf:"imgsize" validate:"gt=0"`
	Sharpen          bool    `koanf:"sharpen"`
	RemoveBackground bool    `koanf:"removebackground"`
	Resize           string  `koanf:"resize" validate:"oneof=pad stretch"`
	ConfThreshold    float64 `koanf:"confthreshold" validate:"gt=0,lte=1"`
	IoUThreshold     float64 `koanf:"iouthreshold" validate:"gt=0,lte=1"`
}

// RembgConfig related to background removal
type RembgConfig struct {
	Mode            string        `koanf:"mode" validate:"oneof=onnx remote none"`
	ModelPath       string        `koanf:"modelpath"`
	ModelURL        string        `koanf:"modelurl"`
	DownloadTimeout time.Duration `koanf:"downloadtimeout"`
	URL             string        `koanf:"url"`
	Timeout         time.Duration `koanf:"timeout"`
}

// CacheConfig related to the detection result cache
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
	Redis   struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`
}

// LogConfig related to the optional rotated log file
type LogConfig struct {
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxsizemb"`
	MaxBackups int    `koanf:"maxbackups"`
	MaxAgeDays int    `koanf:"maxagedays"`
}

// AppConfig defines
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Upload   UploadConfig   `koanf:"upload"`
	Model    ModelConfig    `koanf:"model"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Rembg    RembgConfig    `koanf:"rembg"`
	Cache    CacheConfig    `koanf:"cache"`
	Log      LogConfig      `koanf:"log"`
}

// Config - Global variable to export
var Config AppConfig

func defaults() map[string]any {
	return map[string]any{
		"server.host":                "0.0.0.0",
		"server.port":                8000,
		"server.readtimeout":         "60s",
		"server.writetimeout":        "60s",
		"server.cors.allowedorigins": []string{"*"},
		"server.ratelimit.rps":       10,
		"server.ratelimit.burst":     20,
		"upload.maxbytes":            5 << 20,
		"upload.maxpixels":           89478485,
		"model.path":                 "best_model.onnx",
		"model.minbytes":             1000,
		"model.downloadtimeout":      "60s",
		"model.eager":                true,
		"model.device":               "auto",
		"model.poolsize":             2,
		"pipeline.imgsize":           640,
		"pipeline.sharpen":           true,
		"pipeline.removebackground":  true,
		"pipeline.resize":            "pad",
		"pipeline.confthreshold":     0.25,
		"pipeline.iouthreshold":      0.45,
		"rembg.mode":                 "onnx",
		"rembg.modelpath":            "u2net.onnx",
		"rembg.modelurl":             "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2net.onnx",
		"rembg.downloadtimeout":      "10m",
		"rembg.timeout":              "30s",
		"cache.ttl":                  "24h",
		"cache.redis.addr":           "localhost:6379",
		"log.maxsizemb":              50,
		"log.maxbackups":             3,
		"log.maxagedays":             28,
	}
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	cfg, err := Load(filePath)
	if err != nil {
		return err
	}
	Config = *cfg
	return nil
}

// Load builds a config from defaults, the optional YAML file, CFG_ prefixed
// variables and finally the plain variable names the service has always read.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, configError("load defaults", err)
	}

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
				return nil, configError("load "+filePath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, configError("stat "+filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, configError("load env", err)
	}

	legacy, err := legacyEnv()
	if err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
		return nil, configError("load env", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, configError("decode", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var legacyKeys = map[string]string{
	"PORT":            "server.port",
	"DEBUG":           "server.debug",
	"MODEL_URL":       "model.url",
	"MODEL_PATH":      "model.path",
	"IMG_SIZE":        "pipeline.imgsize",
	"ONNXRUNTIME_LIB": "model.library",
}

func legacyEnv() (map[string]any, error) {
	out := map[string]any{}
	for name, key := range legacyKeys {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			out[key] = v
		}
	}

	if v, ok := os.LookupEnv("MAX_UPLOAD_MB"); ok && v != "" {
		mb, err := strconv.ParseFloat(v, 64)
		if err != nil || mb <= 0 {
			return nil, configError("MAX_UPLOAD_MB", fmt.Errorf("want a positive number, got %q", v))
		}
		out["upload.maxbytes"] = int64(mb * (1 << 20))
	}
	return out, nil
}

var validate = validator.New()

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return configError("validate", err)
	}
	if cfg.Pipeline.ImgSize%32 != 0 {
		return configError("validate", fmt.Errorf("pipeline.imgsize %d is not a multiple of 32", cfg.Pipeline.ImgSize))
	}
	if cfg.Rembg.Mode == "remote" && cfg.Pipeline.RemoveBackground && cfg.Rembg.URL == "" {
		return configError("validate", errors.New("rembg.url is required when rembg.mode is remote"))
	}
	if cfg.Cache.Enabled && cfg.Cache.Redis.Addr == "" {
		return configError("validate", errors.New("cache.redis.addr is required when the cache is enabled"))
	}
	return nil
}

func configError(msg string, err error) error {
	return models.NewError(models.ErrConfiguration, "config: "+msg, err)
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
