package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouter implements Analyzer and Describer against an OpenAI-compatible
// chat completions API, by default OpenRouter
type OpenRouter struct {
	baseURL string
	apiKey  string
	model   string
	referer string
	client  *http.Client
}

// NewOpenRouter creates a new OpenRouter instance. referer is sent as the
// HTTP-Referer header OpenRouter uses to attribute traffic.
func NewOpenRouter(baseURL, apiKey, modelName, referer string, timeout time.Duration) (*OpenRouter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if modelName == "" {
		modelName = "google/gemini-2.0-flash-lite-001"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenRouter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		referer: referer,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenRouter) generate(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	content := []chatContentPart{{Type: "text", Text: prompt}}
	if len(jpeg) > 0 {
		content = append(content, chatContentPart{
			Type:     "image_url",
			ImageURL: &chatImageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)},
		})
	}

	jsonData, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.referer != "" {
		req.Header.Set("HTTP-Referer", o.referer)
	}
	req.Header.Set("X-Title", "shoplist")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling openrouter API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openrouter API error (status %d): %s", resp.StatusCode, string(body))
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

// AnalyzeReceipt reads a receipt and extracts its line items
func (o *OpenRouter) AnalyzeReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	return analyzeWith(ctx, o.generate, imageData, contentType)
}

// DescribeItem generates keyword sets for an item
func (o *OpenRouter) DescribeItem(ctx context.Context, name, tag string) ([]Description, error) {
	return describeWith(ctx, o.generate, name, tag)
}

// Close is a no-op for the HTTP client
func (o *OpenRouter) Close() error {
	return nil
}
