// Package store provides the memory graph storage interface and its SQLite
// implementation. The store exclusively owns the four record kinds and their
// links; identity and dedup rules are enforced here and nowhere else.
package store

import (
	"context"

	"github.com/rcliao/cognigraph/internal/model"
)

// UpsertEntityParams holds parameters for resolving or creating an entity.
type UpsertEntityParams struct {
	Name    string
	Type    string
	Aliases []string
}

// UpsertTripleParams holds parameters for deduplicating a fact.
type UpsertTripleParams struct {
	SubjectID    string
	Relation     string
	ObjectID     string
	SessionID    string
	ChunkID      string // supporting evidence chunk
	RelationText string
	Importance   *float64
	Confidence   *float64
	IsState      *bool
}

// AppendChunkParams holds parameters for storing an evidence chunk.
type AppendChunkParams struct {
	SessionID  string
	Text       string
	MessageIDs []string
}

// MergeSummaryParams holds parameters for evolving a session summary.
// SummaryText replaces the stored text; keywords and themes are unioned.
type MergeSummaryParams struct {
	SessionID   string
	SummaryText string
	Keywords    []string
	Themes      []string
}

// Store defines the graph storage contract.
type Store interface {
	// UpsertSession returns the session with the given id, creating it with
	// an empty summary when missing.
	UpsertSession(ctx context.Context, sessionID string) (*model.SessionSummary, error)

	// UpsertEntity resolves a mention to a canonical entity, creating it on
	// first sight. Re-mention advances last-seen and unions aliases.
	UpsertEntity(ctx context.Context, p UpsertEntityParams) (*model.Entity, error)

	// LookupEntity resolves a name/type pair to an existing entity without
	// creating one. Alias surface forms resolve too.
	LookupEntity(ctx context.Context, name, entityType string) (*model.Entity, error)

	// UpsertTriple deduplicates a fact by (subject, relation, object). An
	// existing triple gains the chunk as support and its reinforcement
	// timestamp advances.
	UpsertTriple(ctx context.Context, p UpsertTripleParams) (*model.Triple, error)

	// AppendChunk stores an immutable evidence chunk for a known session.
	AppendChunk(ctx context.Context, p AppendChunkParams) (*model.MemoryChunk, error)

	// MergeSummary replaces the summary text, unions keywords/themes and
	// advances the session end timestamp and version.
	MergeSummary(ctx context.Context, p MergeSummaryParams) (*model.SessionSummary, error)

	// LinkChunkToSession and LinkTripleToSession are idempotent: re-adding an
	// existing link is a no-op.
	LinkChunkToSession(ctx context.Context, sessionID, chunkID string) error
	LinkTripleToSession(ctx context.Context, sessionID, tripleID string) error

	// Reads.
	GetSession(ctx context.Context, id string) (*model.SessionSummary, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	GetTriple(ctx context.Context, id string) (*model.Triple, error)
	GetChunk(ctx context.Context, id string) (*model.MemoryChunk, error)
	SessionsByRecency(ctx context.Context, limit int) ([]model.SessionSummary, error)
	TriplesBySession(ctx context.Context, sessionID string) ([]model.Triple, error)
	ChunksBySession(ctx context.Context, sessionID string) ([]model.MemoryChunk, error)
	TriplesByEntity(ctx context.Context, entityID string) ([]model.Triple, error)
	ChunksByTriple(ctx context.Context, tripleID string, limit int) ([]model.MemoryChunk, error)

	// Close closes the store.
	Close() error
}
