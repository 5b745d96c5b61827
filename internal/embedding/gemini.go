package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Embedder using Google Gemini embedding models
type Gemini struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	dimension int
	timeout   time.Duration
}

// NewGemini creates a new Gemini embedder. text-embedding-004 produces 768
// dimensions.
func NewGemini(apiKey, modelName string, dimension int, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	if dimension == 0 {
		dimension = ModelDimension(modelName)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		model:     client.EmbeddingModel(modelName),
		dimension: dimension,
		timeout:   timeout,
	}, nil
}

// Embed requests the embedding of text
func (g *Gemini) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}
	if resp == nil || resp.Embedding == nil {
		return nil, &EmbeddingError{Reason: "no embedding in response"}
	}

	values := make([]float64, len(resp.Embedding.Values))
	for i, v := range resp.Embedding.Values {
		values[i] = float64(v)
	}
	if err := CheckValues(values, g.dimension); err != nil {
		return nil, err
	}
	return values, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
