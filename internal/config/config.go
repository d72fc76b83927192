// Package config loads service settings from defaults, an optional YAML file
// and FRAMESEARCH_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FRAMESEARCH_"

type MinIOConfig struct {
	Endpoint    string `yaml:"endpoint"     env:"ENDPOINT"`
	AccessKey   string `yaml:"access_key"   env:"ACCESS_KEY"`
	SecretKey   string `yaml:"secret_key"   env:"SECRET_KEY"`
	UseSSL      bool   `yaml:"use_ssl"      env:"USE_SSL"`
	VideoBucket string `yaml:"video_bucket" env:"VIDEO_BUCKET"`
	FrameBucket string `yaml:"frame_bucket" env:"FRAME_BUCKET"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"     env:"HOST"`
	Port     string `yaml:"port"     env:"PORT"`
	User     string `yaml:"user"     env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname"   env:"DBNAME"`
	SSLMode  string `yaml:"sslmode"  env:"SSLMODE"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"    env:"HOST"`
	Port   int    `yaml:"port"    env:"PORT"`
	APIKey string `yaml:"api_key" env:"API_KEY"`
	UseTLS bool   `yaml:"use_tls" env:"USE_TLS"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string `yaml:"log_level"   env:"LOG_LEVEL"`

	VideoDir string `yaml:"video_dir" env:"VIDEO_DIR"`
	FrameDir string `yaml:"frame_dir" env:"FRAME_DIR"`
	TempDir  string `yaml:"temp_dir"  env:"TEMP_DIR"`

	AssetBackend string      `yaml:"asset_backend" env:"ASSET_BACKEND"`
	MinIO        MinIOConfig `yaml:"minio"         envPrefix:"MINIO_"`

	IndexBackend       string         `yaml:"index_backend"        env:"INDEX_BACKEND"`
	Postgres           PostgresConfig `yaml:"postgres"             envPrefix:"POSTGRES_"`
	Qdrant             QdrantConfig   `yaml:"qdrant"               envPrefix:"QDRANT_"`
	Collection         string         `yaml:"collection"           env:"COLLECTION"`
	ResetCollection    bool           `yaml:"reset_collection"     env:"RESET_COLLECTION"`
	RecreateOnMismatch bool           `yaml:"recreate_on_mismatch" env:"RECREATE_ON_MISMATCH"`
	BatchSize          int            `yaml:"batch_size"           env:"BATCH_SIZE"`

	SampleInterval     float64       `yaml:"sample_interval"     env:"SAMPLE_INTERVAL"`
	AcceptedExtensions []string      `yaml:"accepted_extensions" env:"ACCEPTED_EXTENSIONS" envSeparator:","`
	FrameFormat        string        `yaml:"frame_format"        env:"FRAME_FORMAT"`
	MaxWorkers         int           `yaml:"max_workers"         env:"MAX_WORKERS"`
	DecodeTimeout      time.Duration `yaml:"decode_timeout"      env:"DECODE_TIMEOUT"`

	DefaultTopK    int   `yaml:"default_top_k"    env:"DEFAULT_TOP_K"`
	MaxTopK        int   `yaml:"max_top_k"        env:"MAX_TOP_K"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`

	TracingEndpoint string `yaml:"tracing_endpoint" env:"TRACING_ENDPOINT"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		ListenAddr: ":8000",
		LogLevel:   "info",

		VideoDir: "uploaded_videos",
		FrameDir: "frames",
		TempDir:  os.TempDir(),

		AssetBackend: "fs",
		MinIO: MinIOConfig{
			Endpoint:    "localhost:9000",
			VideoBucket: "videos",
			FrameBucket: "frames",
		},

		IndexBackend: "memory",
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "vision",
			SSLMode: "disable",
		},
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		Collection: "video_frames",
		BatchSize:  64,

		SampleInterval:     1,
		AcceptedExtensions: []string{".mp4"},
		FrameFormat:        "png",
		MaxWorkers:         4,
		DecodeTimeout:      2 * time.Minute,

		DefaultTopK:    5,
		MaxTopK:        100,
		MaxUploadBytes: 512 << 20,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		yamlText, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error loading configuration file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(yamlText, cfg); err != nil {
			return nil, fmt.Errorf("error parsing configuration file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	cfg.AcceptedExtensions = normalizeExtensions(cfg.AcceptedExtensions)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.AssetBackend {
	case "fs", "minio":
	default:
		errs = append(errs, fmt.Errorf("asset_backend must be fs or minio, got %q", c.AssetBackend))
	}
	switch c.IndexBackend {
	case "memory", "pgvector", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("index_backend must be memory, pgvector or qdrant, got %q", c.IndexBackend))
	}
	switch c.FrameFormat {
	case "png", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("frame_format must be png or jpeg, got %q", c.FrameFormat))
	}
	if c.Collection == "" {
		errs = append(errs, errors.New("collection must not be empty"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample_interval must be positive, got %v", c.SampleInterval))
	}
	if len(c.AcceptedExtensions) == 0 {
		errs = append(errs, errors.New("accepted_extensions must not be empty"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.DefaultTopK <= 0 || c.MaxTopK < c.DefaultTopK {
		errs = append(errs, fmt.Errorf("need 0 < default_top_k <= max_top_k, got %d and %d", c.DefaultTopK, c.MaxTopK))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if c.DecodeTimeout < 0 {
		errs = append(errs, fmt.Errorf("decode_timeout must not be negative, got %s", c.DecodeTimeout))
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// SampleEvery is SampleInterval as a duration.
func (c *Config) SampleEvery() time.Duration {
	return time.Duration(c.SampleInterval * float64(time.Second))
}
