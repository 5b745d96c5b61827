package vector

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Empty vectors, vectors of different lengths and zero-magnitude vectors
// all score 0 so that a stale stored vector simply fails to match.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	// Rounding can push identical vectors a hair past 1
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// Encode serializes a vector into its persisted form, a JSON array of numbers
func Encode(v []float64) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("element %d is not a finite number", i)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling vector: %w", err)
	}
	return string(data), nil
}

// Decode parses a persisted vector. A missing or unparseable value yields an
// empty vector rather than an error.
func Decode(s string) []float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
