package core

import (
	"errors"
	"fmt"
	"strings"

	backend "picx/internal/storage"
	"picx/pkg/storage"
)

var ErrMissingConfig = errors.New("missing storage configuration")

// ParseKind maps a configured storage name onto a provider kind.
func ParseKind(name string) (storage.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "r2", "bucket", "s3":
		return storage.KindBucket, nil
	case "hf", "repository", "huggingface":
		return storage.KindRepository, nil
	default:
		return "", fmt.Errorf("%w: %q", storage.ErrUnknownKind, name)
	}
}

// NewProvider builds the provider of the requested kind from cfg. It only
// captures configuration, so calling it once per request is fine.
func NewProvider(cfg Config, kind storage.Kind) (storage.Provider, error) {
	switch kind {
	case storage.KindBucket:
		if cfg.Bucket.Endpoint == "" || cfg.Bucket.Bucket == "" {
			return nil, fmt.Errorf("%w: bucket endpoint and name are required", ErrMissingConfig)
		}
		provider, err := backend.NewBucketProvider(cfg.Bucket, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return provider, nil

	case storage.KindRepository:
		if cfg.Repository.Token == "" || cfg.Repository.Repo == "" {
			return nil, fmt.Errorf("%w: repository token and id are required", ErrMissingConfig)
		}
		provider, err := backend.NewRepositoryProvider(cfg.Repository, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return provider, nil

	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownKind, kind)
	}
}
