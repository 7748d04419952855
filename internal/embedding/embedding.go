// Package embedding turns text into vectors for the similarity index.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider" yaml:"provider"` // "api", "ollama" or "hash"
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
	CacheSize int64  `json:"cache_size" yaml:"cache_size"` // bytes; zero disables the cache
}

// New builds the provider named by cfg.Provider, wrapped in a cache when
// cfg.CacheSize is set.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "api", "openai", "":
		p, err = NewAPIProvider(cfg)
	case "ollama", "local":
		p, err = NewOllamaProvider(cfg)
	case "hash":
		dim := cfg.Dimension
		if dim == 0 {
			dim = 256
		}
		p = NewHashProvider(dim)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCachedProvider(p, cfg.Model, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		logger.Info("embedding cache enabled", zap.Int64("max_bytes", cfg.CacheSize))
		return cached, nil
	}
	return p, nil
}
