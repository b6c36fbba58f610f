package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	backend "picx/internal/storage"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const DefaultListen = ":8080"

// Config is the immutable configuration every provider is built from.
type Config struct {
	BaseURL    string                   `toml:"base_url"`
	Listen     string                   `toml:"listen"`
	Storage    string                   `toml:"storage"`
	Bucket     backend.BucketConfig     `toml:"bucket"`
	Repository backend.RepositoryConfig `toml:"repository"`
}

type ConfigOption func(*Config)

func WithBaseURL(baseURL string) ConfigOption {
	return func(cfg *Config) {
		cfg.BaseURL = baseURL
	}
}

func WithListen(listen string) ConfigOption {
	return func(cfg *Config) {
		cfg.Listen = listen
	}
}

func WithBucket(bucket backend.BucketConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.Bucket = bucket
	}
}

func WithRepository(repo backend.RepositoryConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.Repository = repo
	}
}

// WithVerify overrides the post-commit verification budget.
func WithVerify(attempts int, delay time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.Repository.VerifyAttempts = attempts
		cfg.Repository.VerifyDelay = delay
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{Listen: DefaultListen}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfig reads the optional TOML file at path and overlays the
// environment on top of it. A .env file in the working directory is loaded
// into the environment first when present.
func LoadConfig(path string, opts ...ConfigOption) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := NewConfig(opts...)

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString("BASE_URL", &cfg.BaseURL)
	setString("PICX_LISTEN", &cfg.Listen)
	setString("STORAGE_TYPE", &cfg.Storage)

	setString("R2_ENDPOINT", &cfg.Bucket.Endpoint)
	setString("R2_ACCESS_KEY_ID", &cfg.Bucket.AccessKeyID)
	setString("R2_SECRET_ACCESS_KEY", &cfg.Bucket.SecretAccessKey)
	setString("R2_BUCKET", &cfg.Bucket.Bucket)
	setString("R2_REGION", &cfg.Bucket.Region)

	if v, ok := os.LookupEnv("R2_SECURE"); ok && v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid R2_SECURE %q: %w", v, err)
		}
		cfg.Bucket.Secure = secure
	}

	setString("HF_TOKEN", &cfg.Repository.Token)
	setString("HF_REPO", &cfg.Repository.Repo)
	setString("HF_ENDPOINT", &cfg.Repository.Endpoint)
	setString("HF_REPO_TYPE", &cfg.Repository.RepoType)
	setString("HF_REVISION", &cfg.Repository.Revision)

	return nil
}
