// Package extract is the boundary to the external language-model extractor.
// It validates and normalizes the model's structured output; semantic
// deduplication and identity resolution belong to the store, not here.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Boundary failure modes. Callers match with errors.Is and choose a
// degradation path: unavailable defers indexing, malformed degrades to an
// empty extraction.
var (
	// ErrUnavailable signals a transient transport failure or timeout.
	ErrUnavailable = errors.New("extraction unavailable")

	// ErrMalformed signals output that fails schema validation.
	ErrMalformed = errors.New("extraction malformed")
)

// EntityMention is one extracted entity surface form.
type EntityMention struct {
	Name    string   `json:"canonical_name"`
	Type    string   `json:"entity_type"`
	Aliases []string `json:"aliases,omitempty"`
}

// TripleMention is one extracted candidate fact. Subject, relation and object
// are required; the rest is optional LLM-sourced metadata.
type TripleMention struct {
	Subject      string   `json:"subject"`
	SubjectType  string   `json:"subject_type"`
	Relation     string   `json:"relation_type"`
	Object       string   `json:"object"`
	ObjectType   string   `json:"object_type"`
	RelationText string   `json:"relation_text,omitempty"`
	Importance   *float64 `json:"importance,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	IsState      *bool    `json:"is_state,omitempty"`
}

// Result is the validated extraction output for one chunk.
type Result struct {
	SummaryDelta string
	Keywords     []string
	Themes       []string
	Entities     []EntityMention
	Triples      []TripleMention
}

// wireResult matches the JSON contract the model is prompted to produce.
type wireResult struct {
	SessionSummary struct {
		SummaryText string   `json:"summary_text"`
		Keywords    []string `json:"keywords"`
		Themes      []string `json:"themes"`
	} `json:"session_summary"`
	Entities []EntityMention `json:"entities"`
	Triples  []TripleMention `json:"triples"`
}

// ParseResult decodes and schema-validates raw model output. Any violation
// returns ErrMalformed; partial or best-effort parses are never produced.
func ParseResult(raw []byte) (*Result, error) {
	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for i, e := range wire.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("%w: entity %d missing canonical_name", ErrMalformed, i)
		}
	}
	for i, t := range wire.Triples {
		switch {
		case strings.TrimSpace(t.Subject) == "":
			return nil, fmt.Errorf("%w: triple %d missing subject", ErrMalformed, i)
		case strings.TrimSpace(t.Relation) == "":
			return nil, fmt.Errorf("%w: triple %d missing relation_type", ErrMalformed, i)
		case strings.TrimSpace(t.Object) == "":
			return nil, fmt.Errorf("%w: triple %d missing object", ErrMalformed, i)
		}
		if t.Importance != nil && (*t.Importance < 0 || *t.Importance > 1) {
			return nil, fmt.Errorf("%w: triple %d importance out of range", ErrMalformed, i)
		}
		if t.Confidence != nil && (*t.Confidence < 0 || *t.Confidence > 1) {
			return nil, fmt.Errorf("%w: triple %d confidence out of range", ErrMalformed, i)
		}
	}

	return &Result{
		SummaryDelta: strings.TrimSpace(wire.SessionSummary.SummaryText),
		Keywords:     wire.SessionSummary.Keywords,
		Themes:       wire.SessionSummary.Themes,
		Entities:     wire.Entities,
		Triples:      wire.Triples,
	}, nil
}

// ParseQueryEntities decodes the lightweight query-path output, which carries
// entity mentions only.
func ParseQueryEntities(raw []byte) ([]EntityMention, error) {
	var wire struct {
		Entities []EntityMention `json:"entities"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, e := range wire.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("%w: entity %d missing canonical_name", ErrMalformed, i)
		}
	}
	return wire.Entities, nil
}
