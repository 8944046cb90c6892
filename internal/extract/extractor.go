package extract

import "context"

// Extractor is the synchronous boundary to the external language model.
type Extractor interface {
	// Extract pulls a summary delta, entities and candidate triples from one
	// dialogue chunk, given the session's current summary as context.
	Extract(ctx context.Context, sessionID, chunkText, priorSummary string) (*Result, error)

	// ExtractQueryEntities is the lightweight retrieval path: entity mentions
	// only, no summary or triples.
	ExtractQueryEntities(ctx context.Context, query string) ([]EntityMention, error)
}
