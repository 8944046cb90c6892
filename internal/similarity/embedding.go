package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPEmbedder calls any OpenAI-compatible embeddings API.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedder creates an embedder for an OpenAI-compatible endpoint.
func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	body, _ := json.Marshal(embedRequest{Input: text, Model: e.model})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed error %d: %s", resp.StatusCode, string(b))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return result.Data[0].Embedding, nil
}

// NewScorerFromEnv picks a scorer from environment variables.
// COGNIGRAPH_EMBED_PROVIDER: "openai" for an embedding-backed scorer,
// anything else for the bag-of-words default.
// COGNIGRAPH_EMBED_URL / COGNIGRAPH_EMBED_MODEL / OPENAI_API_KEY configure it.
func NewScorerFromEnv() Scorer {
	if os.Getenv("COGNIGRAPH_EMBED_PROVIDER") == "openai" {
		return NewEmbeddingScorer(NewHTTPEmbedder(
			os.Getenv("COGNIGRAPH_EMBED_URL"),
			os.Getenv("OPENAI_API_KEY"),
			os.Getenv("COGNIGRAPH_EMBED_MODEL"),
		))
	}
	return NewBagOfWords()
}
