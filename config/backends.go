package config

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/persist/file"
	s3persist "github.com/jrhy/atmast/persist/s3"
	"github.com/jrhy/atmast/persist/sqlite"
)

// Factory opens a backend. The returned Closer, if any, releases it.
type Factory func(ctx context.Context, cfg BlockstoreConfig) (blockstore.Blockstore, io.Closer, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under kind, replacing any backend
// already registered under it.
func Register(kind string, f Factory) {
	registryMu.Lock()
	registry[kind] = f
	registryMu.Unlock()
}

func lookup(kind string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

func init() {
	Register("memory", func(context.Context, BlockstoreConfig) (blockstore.Blockstore, io.Closer, error) {
		return blockstore.NewMemory(), nil, nil
	})
	Register("file", func(_ context.Context, cfg BlockstoreConfig) (blockstore.Blockstore, io.Closer, error) {
		p := file.NewPersistForPath(cfg.Path)
		if cfg.Depth > 0 {
			p = file.NewPersistForPathWithDepth(cfg.Path, cfg.Depth)
		}
		return p, nil, nil
	})
	Register("sqlite", func(ctx context.Context, cfg BlockstoreConfig) (blockstore.Blockstore, io.Closer, error) {
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	})
	Register("s3", func(_ context.Context, cfg BlockstoreConfig) (blockstore.Blockstore, io.Closer, error) {
		awsConfig := aws.NewConfig()
		if cfg.Region != "" {
			awsConfig = awsConfig.WithRegion(cfg.Region)
		}
		if cfg.Endpoint != "" {
			awsConfig = awsConfig.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
		}
		sess, err := session.NewSession(awsConfig)
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating aws session")
		}
		return s3persist.NewPersist(s3.New(sess), cfg.Bucket, cfg.Prefix), nil, nil
	})
}

// OpenBlockstore opens the configured backend, behind a read cache when
// one is configured. The returned Closer, if not nil, must be closed
// when the store is no longer used.
func OpenBlockstore(ctx context.Context, cfg *Config) (blockstore.Blockstore, io.Closer, error) {
	s, closer, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	cached, err := withCache(s, cfg)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, err
	}
	return cached, closer, nil
}

func openBackend(ctx context.Context, cfg *Config) (blockstore.Blockstore, io.Closer, error) {
	f, ok := lookup(cfg.Blockstore.Kind)
	if !ok {
		return nil, nil, errors.Errorf("unknown blockstore kind %q", cfg.Blockstore.Kind)
	}
	s, closer, err := f(ctx, cfg.Blockstore)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s blockstore", cfg.Blockstore.Kind)
	}
	return s, closer, nil
}

func withCache(s blockstore.Blockstore, cfg *Config) (blockstore.Blockstore, error) {
	if cfg.Blockstore.CacheSize <= 0 {
		return s, nil
	}
	cached, err := blockstore.NewCached(s, cfg.Blockstore.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating block cache")
	}
	return cached, nil
}
