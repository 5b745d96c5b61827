package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnreadable is returned when the model judges a receipt unreadable or
// incomplete and answers with the ERROR sentinel
var ErrUnreadable = errors.New("receipt is unreadable or incomplete")

// LineItem is one purchased line parsed from a receipt
type LineItem struct {
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
}

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	Date  string     `json:"date"` // ISO 8601 format
	Place string     `json:"place"`
	Items []LineItem `json:"items"`
}

// Description is one set of search keywords for an item, in English and Italian
type Description struct {
	EN string `json:"en"`
	IT string `json:"it"`
}

// Text joins both languages into the form stored on an item
func (d Description) Text() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{d.EN, d.IT} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// AnalysisError reports a model reply that could not be turned into receipt
// or description data
type AnalysisError struct {
	Reason string
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis failed: %s: %v", e.Reason, e.Err)
	}
	return "analysis failed: " + e.Reason
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Analyzer defines the interface for receipt analysis operations
type Analyzer interface {
	// AnalyzeReceipt reads a receipt image/PDF and extracts its line items
	AnalyzeReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the analyzer and releases resources
	Close() error
}

// Describer generates search keywords for a shopping list item
type Describer interface {
	DescribeItem(ctx context.Context, name, tag string) ([]Description, error)
}

// generateFunc sends a prompt, optionally with a JPEG image, and returns the
// model's text reply
type generateFunc func(ctx context.Context, prompt string, jpeg []byte) (string, error)

func analyzeWith(ctx context.Context, generate generateFunc, imageData []byte, contentType string) (*ReceiptData, error) {
	jpeg, err := prepareImageData(imageData, contentType)
	if err != nil {
		return nil, err
	}

	text, err := generate(ctx, receiptScanPrompt, jpeg)
	if err != nil {
		return nil, err
	}

	data, err := parseReceiptJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

func describeWith(ctx context.Context, generate generateFunc, name, tag string) ([]Description, error) {
	text, err := generate(ctx, itemDescriptionPrompt(name, tag), nil)
	if err != nil {
		return nil, err
	}

	descriptions, err := parseDescriptionsJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing item descriptions: %w", err)
	}
	return descriptions, nil
}
