package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DefaultDimension is the vector length produced by text-embedding-3-small
const DefaultDimension = 1536

var modelDimensions = map[string]int{
	"text-embedding-3-small": DefaultDimension,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"text-embedding-004":     768,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
}

// ModelDimension returns the vector length of a known embedding model, or 0
// when the model is unknown and any length is accepted.
func ModelDimension(model string) int {
	return modelDimensions[strings.TrimSuffix(model, ":latest")]
}

// Embedder turns free text into a fixed-length vector
type Embedder interface {
	// Embed returns the embedding of text. Implementations validate the
	// provider response and fail with *EmbeddingError on a malformed vector.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Text builds the string that is embedded for an item or receipt line
func Text(name, description string) string {
	return strings.TrimSpace(strings.TrimSpace(name) + " " + strings.TrimSpace(description))
}

// EmbeddingError reports a provider response that is not a usable vector
type EmbeddingError struct {
	Reason string
}

func (e *EmbeddingError) Error() string {
	return "invalid embedding: " + e.Reason
}

// Validate checks a raw provider payload and converts it to a vector of
// length dim. A dim of zero or less skips the length check.
func Validate(raw json.RawMessage, dim int) ([]float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &EmbeddingError{Reason: "response is not an array"}
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &EmbeddingError{Reason: "response is not an array"}
	}

	values := make([]float64, len(elems))
	for i, elem := range elems {
		// null decodes into a float64 without error
		if bytes.Equal(bytes.TrimSpace(elem), []byte("null")) {
			return nil, &EmbeddingError{Reason: fmt.Sprintf("element %d is not a number", i)}
		}
		if err := json.Unmarshal(elem, &values[i]); err != nil {
			return nil, &EmbeddingError{Reason: fmt.Sprintf("element %d is not a number", i)}
		}
	}

	if err := CheckValues(values, dim); err != nil {
		return nil, err
	}
	return values, nil
}

// CheckValues applies the emptiness, finiteness and length gates to an
// already decoded vector
func CheckValues(values []float64, dim int) error {
	if len(values) == 0 {
		return &EmbeddingError{Reason: "empty vector"}
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &EmbeddingError{Reason: fmt.Sprintf("element %d is not a number", i)}
		}
	}
	if dim > 0 && len(values) != dim {
		return &EmbeddingError{Reason: fmt.Sprintf("expected %d dimensions, got %d", dim, len(values))}
	}
	return nil
}
