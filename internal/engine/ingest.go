package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rcliao/cognigraph/internal/extract"
	"github.com/rcliao/cognigraph/internal/store"
)

// Stage identifies a step of the update pipeline for error reporting.
type Stage string

// Pipeline stages, in execution order.
const (
	StageSessionResolved  Stage = "session_resolved"
	StageChunkAppended    Stage = "chunk_appended"
	StageExtracted        Stage = "extracted"
	StageEntitiesResolved Stage = "entities_resolved"
	StageTriplesResolved  Stage = "triples_resolved"
	StageSummaryMerged    Stage = "summary_merged"
)

// IngestStatus is the terminal state of one ingested turn.
type IngestStatus string

const (
	// StatusCommitted means the turn is fully indexed.
	StatusCommitted IngestStatus = "committed"
	// StatusDeferred means the chunk is persisted but indexing is deferred
	// because the extractor was unavailable. An external scheduler may retry
	// the whole turn.
	StatusDeferred IngestStatus = "deferred"
	// StatusRejected means the turn produced no graph state.
	StatusRejected IngestStatus = "rejected"
)

// IngestError reports which pipeline stage failed and why. Steps are
// individually idempotent, so the caller may retry the whole turn.
type IngestError struct {
	Stage Stage
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingestion failed at %s: %v", e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// IngestParams describes one completed turn from the chat transport.
type IngestParams struct {
	SessionID     string // empty means start a new session
	UserText      string
	AssistantText string
	MessageIDs    []string
}

// IngestResult reports the outcome of one ingested turn.
type IngestResult struct {
	SessionID string       `json:"session_id"`
	ChunkID   string       `json:"chunk_id,omitempty"`
	Status    IngestStatus `json:"status"`
	Entities  int          `json:"entities"`
	Triples   int          `json:"triples"`
}

// IngestTurn runs the update pipeline for one completed turn: chunk the
// exchange, extract facts, dedup them into the graph and evolve the session
// summary. Same-session calls are serialized.
func (e *Engine) IngestTurn(ctx context.Context, p IngestParams) (*IngestResult, error) {
	if strings.TrimSpace(p.UserText) == "" && strings.TrimSpace(p.AssistantText) == "" {
		return nil, fmt.Errorf("%w: turn has no text", store.ErrInvalidArgument)
	}

	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	log := e.logger.With("session_id", sessionID)
	result := &IngestResult{SessionID: sessionID, Status: StatusRejected}

	session, err := e.store.UpsertSession(ctx, sessionID)
	if err != nil {
		return result, &IngestError{Stage: StageSessionResolved, Err: err}
	}

	chunk, err := e.store.AppendChunk(ctx, store.AppendChunkParams{
		SessionID:  sessionID,
		Text:       formatTurn(p.UserText, p.AssistantText),
		MessageIDs: p.MessageIDs,
	})
	if err != nil {
		return result, &IngestError{Stage: StageChunkAppended, Err: err}
	}
	result.ChunkID = chunk.ID

	extraction, err := e.extractChunk(ctx, sessionID, chunk.Text, session.SummaryText)
	if err != nil {
		if extract.IsUnavailable(err) {
			// Evidence is persisted; only indexing is deferred.
			log.Warn("extractor unavailable, indexing deferred", "chunk_id", chunk.ID, "error", err)
			result.Status = StatusDeferred
			return result, nil
		}
		// Malformed output degrades to an empty extraction rather than
		// discarding the chunk.
		log.Warn("extraction malformed, continuing with empty result", "chunk_id", chunk.ID, "error", err)
		extraction = &extract.Result{}
	}

	entityIDs := make(map[string]string, len(extraction.Entities))
	for _, m := range extraction.Entities {
		ent, err := e.store.UpsertEntity(ctx, store.UpsertEntityParams{
			Name:    m.Name,
			Type:    m.Type,
			Aliases: m.Aliases,
		})
		if err != nil {
			return result, &IngestError{Stage: StageEntitiesResolved, Err: err}
		}
		entityIDs[mentionKey(m.Name, m.Type)] = ent.ID
	}
	result.Entities = len(entityIDs)

	for _, m := range extraction.Triples {
		subjID, ok := entityIDs[mentionKey(m.Subject, m.SubjectType)]
		if !ok {
			// Subject was not declared as an entity mention; skip.
			continue
		}
		objID, ok := entityIDs[mentionKey(m.Object, m.ObjectType)]
		if !ok {
			continue
		}
		triple, err := e.store.UpsertTriple(ctx, store.UpsertTripleParams{
			SubjectID:    subjID,
			Relation:     m.Relation,
			ObjectID:     objID,
			SessionID:    sessionID,
			ChunkID:      chunk.ID,
			RelationText: m.RelationText,
			Importance:   m.Importance,
			Confidence:   m.Confidence,
			IsState:      m.IsState,
		})
		if err != nil {
			return result, &IngestError{Stage: StageTriplesResolved, Err: err}
		}
		if err := e.store.LinkTripleToSession(ctx, sessionID, triple.ID); err != nil {
			return result, &IngestError{Stage: StageTriplesResolved, Err: err}
		}
		result.Triples++
	}

	merged := mergeSummaryText(session.SummaryText, extraction.SummaryDelta, e.cfg.SummaryMaxLen)
	if _, err := e.store.MergeSummary(ctx, store.MergeSummaryParams{
		SessionID:   sessionID,
		SummaryText: merged,
		Keywords:    extraction.Keywords,
		Themes:      extraction.Themes,
	}); err != nil {
		return result, &IngestError{Stage: StageSummaryMerged, Err: err}
	}
	if err := e.store.LinkChunkToSession(ctx, sessionID, chunk.ID); err != nil {
		return result, &IngestError{Stage: StageSummaryMerged, Err: err}
	}

	result.Status = StatusCommitted
	log.Info("turn ingested",
		"chunk_id", chunk.ID,
		"entities", result.Entities,
		"triples", result.Triples)
	return result, nil
}

// extractChunk calls the adapter under the configured timeout.
func (e *Engine) extractChunk(ctx context.Context, sessionID, chunkText, priorSummary string) (*extract.Result, error) {
	if e.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExtractTimeout)
		defer cancel()
	}
	return e.extractor.Extract(ctx, sessionID, chunkText, priorSummary)
}

// formatTurn renders both sides of the exchange as one evidence chunk.
func formatTurn(userText, assistantText string) string {
	return "user: " + strings.TrimSpace(userText) + "\nassistant: " + strings.TrimSpace(assistantText)
}

// mentionKey matches the store's identity rule so triple mentions resolve to
// the entities upserted from the same extraction.
func mentionKey(name, entityType string) string {
	return store.NormalizeName(name) + "|" + store.NormalizeName(entityType)
}

// mergeSummaryText concatenates the prior summary with the new delta,
// truncating from the front so the most recent content always survives.
func mergeSummaryText(prior, delta string, maxLen int) string {
	prior = strings.TrimSpace(prior)
	delta = strings.TrimSpace(delta)

	var combined string
	switch {
	case delta == "":
		combined = prior
	case prior == "":
		combined = delta
	default:
		combined = prior + "\n" + delta
	}

	if maxLen <= 0 || len(combined) <= maxLen {
		return combined
	}
	runes := []rune(combined)
	if len(runes) <= maxLen {
		return combined
	}
	trimmed := string(runes[len(runes)-maxLen:])
	// Drop a leading partial line left by the cut.
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 && i < len(trimmed)-1 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
