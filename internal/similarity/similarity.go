// Package similarity provides pluggable query/summary scoring for retrieval.
// The default scorer needs no external service; an embedding-backed scorer
// can be plugged in where one is available.
package similarity

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Scorer scores how well a document matches a query, in [0, 1].
type Scorer interface {
	Score(ctx context.Context, query, doc string) (float64, error)
}

// BagOfWords scores by cosine similarity over term-frequency vectors.
type BagOfWords struct{}

// NewBagOfWords returns the default offline scorer.
func NewBagOfWords() *BagOfWords { return &BagOfWords{} }

// Score implements Scorer.
func (*BagOfWords) Score(_ context.Context, query, doc string) (float64, error) {
	return cosineBoW(termFreq(query), termFreq(doc)), nil
}

// Tokenize lower-cases and splits text on non-letter, non-digit runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func termFreq(text string) map[string]float64 {
	tf := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		tf[tok]++
	}
	return tf
}

func cosineBoW(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for k, v := range a {
		normA += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		normB += w * w
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Vector is a float32 embedding vector.
type Vector = []float32

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// EmbeddingScorer scores via an external embedding provider.
type EmbeddingScorer struct {
	embedder Embedder
}

// NewEmbeddingScorer wraps an embedder as a Scorer.
func NewEmbeddingScorer(e Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: e}
}

// Score implements Scorer. Scores are clamped to [0, 1].
func (s *EmbeddingScorer) Score(ctx context.Context, query, doc string) (float64, error) {
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return 0, err
	}
	dv, err := s.embedder.Embed(ctx, doc)
	if err != nil {
		return 0, err
	}
	return math.Max(0, CosineSimilarity(qv, dv)), nil
}
