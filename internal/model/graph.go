// Package model defines the memory graph record types.
package model

import "time"

// SessionSummary is the top layer of the graph: one evolving summary per
// conversation session.
type SessionSummary struct {
	ID          string    `json:"id"`
	SummaryText string    `json:"summary_text"`
	Keywords    []string  `json:"keywords,omitempty"`
	Themes      []string  `json:"themes,omitempty"`
	Version     int       `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	TripleIDs   []string  `json:"triple_ids,omitempty"`
	ChunkIDs    []string  `json:"chunk_ids,omitempty"`
}

// Entity is a canonical named referent (person, project, concept, ...).
type Entity struct {
	ID            string    `json:"id"`
	CanonicalName string    `json:"canonical_name"`
	EntityType    string    `json:"entity_type"`
	Aliases       []string  `json:"aliases,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Triple is a directed subject-relation-object fact, the middle layer.
// SupportChunkIDs lists the evidence chunks it was extracted from.
type Triple struct {
	ID              string    `json:"id"`
	SubjectEntityID string    `json:"subject_entity_id"`
	Relation        string    `json:"relation"`
	ObjectEntityID  string    `json:"object_entity_id"`
	SessionID       string    `json:"session_id"`
	RelationText    string    `json:"relation_text,omitempty"`
	Importance      *float64  `json:"importance,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`
	IsState         bool      `json:"is_state"`
	CreatedAt       time.Time `json:"created_at"`
	ReinforcedAt    time.Time `json:"reinforced_at"`
	SupportChunkIDs []string  `json:"support_chunk_ids,omitempty"`
}

// MemoryChunk is an immutable evidence unit: the raw text of one turn.
// Text and MessageIDs never change after creation.
type MemoryChunk struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	TripleIDs  []string  `json:"triple_ids,omitempty"`
}

// ContextBundle is the ranked, size-bounded retrieval result assembled for a
// query: session summaries first, then triples, then raw evidence chunks.
type ContextBundle struct {
	Sessions []BundleSession `json:"sessions"`
	Triples  []BundleTriple  `json:"triples"`
	Chunks   []BundleChunk   `json:"chunks"`
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
}

// BundleSession is a ranked session entry in a context bundle.
type BundleSession struct {
	SessionID string   `json:"session_id"`
	Summary   string   `json:"summary"`
	Keywords  []string `json:"keywords,omitempty"`
	Score     float64  `json:"score"`
}

// BundleTriple is a fact entry in a context bundle, denormalized to names.
type BundleTriple struct {
	TripleID     string `json:"triple_id"`
	Subject      string `json:"subject"`
	Relation     string `json:"relation"`
	Object       string `json:"object"`
	RelationText string `json:"relation_text,omitempty"`
	Support      int    `json:"support"`
}

// BundleChunk is an evidence entry in a context bundle.
type BundleChunk struct {
	ChunkID   string    `json:"chunk_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Empty reports whether the bundle carries no content at all.
func (b *ContextBundle) Empty() bool {
	return len(b.Sessions) == 0 && len(b.Triples) == 0 && len(b.Chunks) == 0
}
