package llm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/polymind/polymind/moe/cache"
)

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
	// MemoSize caps the in-process vector memo. Zero keeps the default.
	MemoSize int
}

const defaultEmbeddingMemoSize = 4096

// EmbeddingService turns text into vectors. It memoizes results per input
// string and collapses concurrent requests for the same text into one
// upstream call, since expert descriptions and repeated queries embed the
// same strings over and over.
type EmbeddingService struct {
	client     *openai.Client
	model      string
	dimensions int
	memo       *cache.LRU[string, []float32]
	group      singleflight.Group
}

// NewEmbeddingService builds an embedding client for any OpenAI-compatible
// provider.
func NewEmbeddingService(cfg EmbeddingConfig) (*EmbeddingService, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	memoSize := cfg.MemoSize
	if memoSize <= 0 {
		memoSize = defaultEmbeddingMemoSize
	}

	return &EmbeddingService{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		memo:       cache.NewLRU[string, []float32](memoSize),
	}, nil
}

// Embed returns the vector for one text.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.memo.Get(text); ok {
		return v, nil
	}

	v, err, _ := s.group.Do(text, func() (any, error) {
		vectors, err := s.embedBatch(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		s.memo.Set(text, vectors[0], 0)
		return vectors[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch returns vectors for several texts in one upstream request.
// Batch results populate the memo but bypass the single-flight group.
func (s *EmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("llm: no texts to embed")
	}
	vectors, err := s.embedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, t := range texts {
		s.memo.Set(t, vectors[i], 0)
	}
	return vectors, nil
}

// Dimensions returns the configured vector width, zero when the provider
// decides.
func (s *EmbeddingService) Dimensions() int { return s.dimensions }

func (s *EmbeddingService) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embedding response size mismatch: want %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}
