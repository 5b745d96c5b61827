package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements Analyzer and Describer using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini instance
func NewGemini(apiKey string, modelName string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   client.GenerativeModel(modelName),
		timeout: timeout,
	}, nil
}

func (g *Gemini) generate(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// genai.ImageData expects just the format suffix, not the full MIME type
	parts := make([]genai.Part, 0, 2)
	if len(jpeg) > 0 {
		parts = append(parts, genai.ImageData("jpeg", jpeg))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// AnalyzeReceipt reads a receipt and extracts its line items
func (g *Gemini) AnalyzeReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	return analyzeWith(ctx, g.generate, imageData, contentType)
}

// DescribeItem generates keyword sets for an item
func (g *Gemini) DescribeItem(ctx context.Context, name, tag string) ([]Description, error) {
	return describeWith(ctx, g.generate, name, tag)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
