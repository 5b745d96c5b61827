package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Embedder using a local Ollama server
type Ollama struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// NewOllama creates a new Ollama embedder.
// nomic-embed-text produces 768 dimensions, mxbai-embed-large 1024.
func NewOllama(baseURL, model string, dimension int, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dimension == 0 {
		dimension = ModelDimension(model)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Ollama{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding json.RawMessage `json:"embedding"`
}

// Embed requests the embedding of text
func (o *Ollama) Embed(ctx context.Context, text string) ([]float64, error) {
	jsonData, err := json.Marshal(ollamaEmbeddingRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embeddings", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embResp ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return Validate(embResp.Embedding, o.dimension)
}
