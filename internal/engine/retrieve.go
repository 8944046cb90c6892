package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/cognigraph/internal/model"
	"github.com/rcliao/cognigraph/internal/store"
)

type rankedSession struct {
	session     model.SessionSummary
	score       float64
	entityTouch int
}

type rankedTriple struct {
	triple model.Triple
	touch  int
}

// RetrieveContext runs the retrieval pipeline: resolve query entities, rank
// sessions under temporal decay, pick their best triples and evidence chunks
// and pack everything into a size-bounded bundle. The graph is never mutated;
// a query with no matches yields an empty bundle, not an error.
func (e *Engine) RetrieveContext(ctx context.Context, query, sessionID string) (*model.ContextBundle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", store.ErrInvalidArgument)
	}

	bundle := &model.ContextBundle{
		Sessions: []model.BundleSession{},
		Triples:  []model.BundleTriple{},
		Chunks:   []model.BundleChunk{},
		Budget:   e.cfg.ContextBudget,
	}

	resolved := e.resolveQueryEntities(ctx, query)

	candidates, err := e.rankSessions(ctx, query, sessionID, resolved)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return bundle, nil
	}
	if len(candidates) > e.cfg.TopSessions {
		candidates = candidates[:e.cfg.TopSessions]
	}

	var triples []rankedTriple
	for _, c := range candidates {
		picked, err := e.rankSessionTriples(ctx, c.session.ID, resolved)
		if err != nil {
			return nil, err
		}
		triples = append(triples, picked...)
	}

	e.packBundle(ctx, bundle, candidates, triples)

	e.logger.Debug("context retrieved",
		"query_entities", len(resolved),
		"sessions", len(bundle.Sessions),
		"triples", len(bundle.Triples),
		"chunks", len(bundle.Chunks))
	return bundle, nil
}

// resolveQueryEntities extracts mentions from the query and resolves them
// against the graph by lookup only; unseen entities are never inserted.
// Extractor failures degrade to zero mentions.
func (e *Engine) resolveQueryEntities(ctx context.Context, query string) map[string]bool {
	resolved := make(map[string]bool)

	if e.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExtractTimeout)
		defer cancel()
	}
	mentions, err := e.extractor.ExtractQueryEntities(ctx, query)
	if err != nil {
		e.logger.Warn("query entity extraction degraded", "error", err)
		return resolved
	}

	for _, m := range mentions {
		ent, err := e.store.LookupEntity(ctx, m.Name, m.Type)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			e.logger.Warn("entity lookup failed", "name", m.Name, "error", err)
			continue
		}
		resolved[ent.ID] = true
	}
	return resolved
}

// rankSessions scores recent sessions by summary similarity and entity
// overlap, down-weighted by exponential age decay. Sessions with neither
// overlap nor similarity are excluded outright; an explicitly pinned session
// is exempt from exclusion. Ties break by most recent end timestamp.
func (e *Engine) rankSessions(ctx context.Context, query, pinnedID string, resolved map[string]bool) ([]rankedSession, error) {
	sessions, err := e.store.SessionsByRecency(ctx, e.cfg.CandidateSessions)
	if err != nil {
		return nil, err
	}

	lambda := math.Ln2 / e.cfg.DecayHalfLife.Seconds()
	now := time.Now()

	var ranked []rankedSession
	for _, sess := range sessions {
		doc := sess.SummaryText
		if len(sess.Keywords) > 0 {
			doc += "\n" + strings.Join(sess.Keywords, " ")
		}
		sim, err := e.scorer.Score(ctx, query, doc)
		if err != nil {
			return nil, fmt.Errorf("similarity: %w", err)
		}

		touch, err := e.sessionEntityTouch(ctx, sess.ID, resolved)
		if err != nil {
			return nil, err
		}

		if sim == 0 && touch == 0 && sess.ID != pinnedID {
			continue
		}

		base := sim
		if len(resolved) > 0 {
			base += float64(touch) / float64(len(resolved))
		}
		age := now.Sub(sess.EndedAt).Seconds()
		if age < 0 {
			age = 0
		}
		score := base * math.Exp(-lambda*age)

		ranked = append(ranked, rankedSession{session: sess, score: score, entityTouch: touch})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].session.EndedAt.After(ranked[j].session.EndedAt)
	})
	return ranked, nil
}

// sessionEntityTouch counts resolved query entities that appear in any of the
// session's triples.
func (e *Engine) sessionEntityTouch(ctx context.Context, sessionID string, resolved map[string]bool) (int, error) {
	if len(resolved) == 0 {
		return 0, nil
	}
	triples, err := e.store.TriplesBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	touched := make(map[string]bool)
	for _, t := range triples {
		if resolved[t.SubjectEntityID] {
			touched[t.SubjectEntityID] = true
		}
		if resolved[t.ObjectEntityID] {
			touched[t.ObjectEntityID] = true
		}
	}
	return len(touched), nil
}

// rankSessionTriples orders one session's triples by resolved-entity touch
// count, then reinforcement recency, then support-set size as a confidence
// proxy, and keeps the top N.
func (e *Engine) rankSessionTriples(ctx context.Context, sessionID string, resolved map[string]bool) ([]rankedTriple, error) {
	triples, err := e.store.TriplesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedTriple, 0, len(triples))
	for _, t := range triples {
		touch := 0
		if resolved[t.SubjectEntityID] {
			touch++
		}
		if resolved[t.ObjectEntityID] {
			touch++
		}
		ranked = append(ranked, rankedTriple{triple: t, touch: touch})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].touch != ranked[j].touch {
			return ranked[i].touch > ranked[j].touch
		}
		if !ranked[i].triple.ReinforcedAt.Equal(ranked[j].triple.ReinforcedAt) {
			return ranked[i].triple.ReinforcedAt.After(ranked[j].triple.ReinforcedAt)
		}
		return len(ranked[i].triple.SupportChunkIDs) > len(ranked[j].triple.SupportChunkIDs)
	})

	if len(ranked) > e.cfg.TriplesPerSession {
		ranked = ranked[:e.cfg.TriplesPerSession]
	}
	return ranked, nil
}

// packBundle fills the bundle in rank order under the character budget:
// sessions, then triples, then evidence chunks. Once an item does not fit,
// the rest of its layer is dropped; higher-ranked content is never evicted
// for lower-ranked content.
func (e *Engine) packBundle(ctx context.Context, bundle *model.ContextBundle, sessions []rankedSession, triples []rankedTriple) {
	used := 0
	budget := e.cfg.ContextBudget

	for _, c := range sessions {
		cost := len(c.session.SummaryText) + len(strings.Join(c.session.Keywords, " "))
		if used+cost > budget {
			break
		}
		used += cost
		bundle.Sessions = append(bundle.Sessions, model.BundleSession{
			SessionID: c.session.ID,
			Summary:   c.session.SummaryText,
			Keywords:  c.session.Keywords,
			Score:     math.Round(c.score*1000) / 1000,
		})
	}

	names := make(map[string]string)
	entityName := func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		name := id
		if ent, err := e.store.GetEntity(ctx, id); err == nil {
			name = ent.CanonicalName
		}
		names[id] = name
		return name
	}

	var selected []model.Triple
	for _, r := range triples {
		t := r.triple
		bt := model.BundleTriple{
			TripleID:     t.ID,
			Subject:      entityName(t.SubjectEntityID),
			Relation:     t.Relation,
			Object:       entityName(t.ObjectEntityID),
			RelationText: t.RelationText,
			Support:      len(t.SupportChunkIDs),
		}
		cost := len(bt.Subject) + len(bt.Relation) + len(bt.Object) + len(bt.RelationText)
		if used+cost > budget {
			break
		}
		used += cost
		bundle.Triples = append(bundle.Triples, bt)
		selected = append(selected, t)
	}

	seen := make(map[string]bool)
	for _, t := range selected {
		chunks, err := e.store.ChunksByTriple(ctx, t.ID, e.cfg.ChunksPerTriple)
		if err != nil {
			e.logger.Warn("evidence fetch failed", "triple_id", t.ID, "error", err)
			continue
		}
		for _, c := range chunks {
			if seen[c.ID] {
				continue
			}
			if used+len(c.Text) > budget {
				bundle.Used = used
				return
			}
			seen[c.ID] = true
			used += len(c.Text)
			bundle.Chunks = append(bundle.Chunks, model.BundleChunk{
				ChunkID:   c.ID,
				Text:      c.Text,
				CreatedAt: c.CreatedAt,
			})
		}
	}
	bundle.Used = used
}
