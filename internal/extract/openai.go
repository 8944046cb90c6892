package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const extractionSystemPrompt = `You are a memory extraction module for a long-term conversational agent.
Given a short dialogue chunk, you must extract:
  - A concise session summary update
  - A small set of important entities
  - A small set of salient entity-relation triples

Return ONLY a JSON object with this exact structure:
{
  "session_summary": {
    "summary_text": string,        // brief overall summary for the session so far
    "keywords": string[],          // key nouns / concepts
    "themes": string[]             // coarse themes like "work", "relationship", etc.
  },
  "entities": [
    {
      "canonical_name": string,    // short name, e.g. "Oliver", "PVM project"
      "entity_type": string,       // e.g. "person", "project", "emotion", "place"
      "aliases": string[]          // other surface forms, can be empty
    }, ...
  ],
  "triples": [
    {
      "subject": string,           // SHOULD match one of entities.canonical_name
      "subject_type": string,
      "object": string,            // another entity name
      "object_type": string,
      "relation_type": string,     // short verb-like label, e.g. "feels", "works_on"
      "relation_text": string,     // natural language paraphrase of the relation
      "importance": number,        // 0.0-1.0, higher = more important
      "is_state": boolean,         // true if it is an ongoing state, false if event-like
      "confidence": number         // 0.0-1.0, how confident you are
    }, ...
  ]
}

Rules:
- Focus on semantically important facts (preferences, relationships, goals,
  longer-term projects). Ignore trivial chit-chat.
- Prefer a handful of high-quality entities and triples over many low-quality ones.
- Do NOT include any extra keys outside this schema.`

const queryEntitySystemPrompt = `You extract entity mentions from a search query for a memory system.
Return ONLY a JSON object of the form:
{"entities": [{"canonical_name": string, "entity_type": string, "aliases": []}, ...]}
List every person, project, place or concept the query refers to. No other keys.`

// OpenAIExtractor calls any OpenAI-compatible chat completions API with a
// JSON response format.
type OpenAIExtractor struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIExtractor creates an extractor for an OpenAI-compatible endpoint.
// A zero timeout defaults to 30s; callers can impose a tighter bound per call
// through the context.
func NewOpenAIExtractor(baseURL, apiKey, model string, timeout time.Duration) *OpenAIExtractor {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIExtractor{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// NewFromEnv creates an extractor from environment variables.
// COGNIGRAPH_EXTRACT_URL: base URL override (e.g. a local Ollama /v1)
// COGNIGRAPH_EXTRACT_MODEL: model name
// OPENAI_API_KEY: bearer token, may be empty for local endpoints
func NewFromEnv() *OpenAIExtractor {
	return NewOpenAIExtractor(
		os.Getenv("COGNIGRAPH_EXTRACT_URL"),
		os.Getenv("OPENAI_API_KEY"),
		os.Getenv("COGNIGRAPH_EXTRACT_MODEL"),
		0,
	)
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract implements Extractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, sessionID, chunkText, priorSummary string) (*Result, error) {
	payload, _ := json.Marshal(map[string]string{
		"chunk":                    chunkText,
		"existing_session_summary": priorSummary,
	})
	raw, err := e.complete(ctx, extractionSystemPrompt,
		"Here is the latest dialogue chunk and the previous session summary (if any). "+
			"Respond with a single JSON object only.\n\n"+string(payload))
	if err != nil {
		return nil, err
	}
	return ParseResult(raw)
}

// ExtractQueryEntities implements Extractor.
func (e *OpenAIExtractor) ExtractQueryEntities(ctx context.Context, query string) ([]EntityMention, error) {
	raw, err := e.complete(ctx, queryEntitySystemPrompt, query)
	if err != nil {
		return nil, err
	}
	return ParseQueryEntities(raw)
}

func (e *OpenAIExtractor) complete(ctx context.Context, system, user string) ([]byte, error) {
	body, _ := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(b))
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrMalformed, resp.StatusCode, string(b))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}
	return []byte(result.Choices[0].Message.Content), nil
}

var _ Extractor = (*OpenAIExtractor)(nil)

// IsUnavailable reports whether err is the transient boundary failure,
// including context deadline expiry on the adapter call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
