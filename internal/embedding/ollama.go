package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ollama/ollama/api"
)

// OllamaProvider implements Provider against a local Ollama server.
type OllamaProvider struct {
	client    *api.Client
	model     string
	dimension int

	once    sync.Once
	dimOnce int
}

// NewOllamaProvider creates a provider for cfg.Endpoint, falling back to
// OLLAMA_HOST when no endpoint is configured.
func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding: model is required")
	}
	var client *api.Client
	if cfg.Endpoint != "" {
		host := cfg.Endpoint
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "http://" + host
		}
		base, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("embedding: invalid endpoint: %w", err)
		}
		client = api.NewClient(base, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("embedding: ollama client: %w", err)
		}
	}
	return &OllamaProvider{client: client, model: cfg.Model, dimension: cfg.Dimension}, nil
}

// Embed sends all texts in a single /api/embed call.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	if len(resp.Embeddings[0]) > 0 {
		p.once.Do(func() {
			p.dimOnce = len(resp.Embeddings[0])
		})
	}
	return resp.Embeddings, nil
}

func (p *OllamaProvider) Dimension() int {
	if p.dimOnce > 0 {
		return p.dimOnce
	}
	return p.dimension
}
