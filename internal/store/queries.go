package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rcliao/cognigraph/internal/model"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*model.Entity, error) {
	var e model.Entity
	var aliases sql.NullString
	var firstSeen, lastSeen string
	err := row.Scan(&e.ID, &e.CanonicalName, &e.EntityType, &aliases, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	e.Aliases = splitJSON(aliases)
	e.FirstSeenAt, _ = time.Parse(timeLayout, firstSeen)
	e.LastSeenAt, _ = time.Parse(timeLayout, lastSeen)
	return &e, nil
}

const tripleCols = `id, subject_entity_id, relation, object_entity_id, session_id,
	relation_text, importance, confidence, is_state, created_at, reinforced_at`

func scanTriple(row scanner) (*model.Triple, error) {
	var t model.Triple
	var importance, confidence sql.NullFloat64
	var isState int
	var createdAt, reinforcedAt string
	err := row.Scan(&t.ID, &t.SubjectEntityID, &t.Relation, &t.ObjectEntityID, &t.SessionID,
		&t.RelationText, &importance, &confidence, &isState, &createdAt, &reinforcedAt)
	if err != nil {
		return nil, err
	}
	if importance.Valid {
		v := importance.Float64
		t.Importance = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		t.Confidence = &v
	}
	t.IsState = isState != 0
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	t.ReinforcedAt, _ = time.Parse(timeLayout, reinforcedAt)
	return &t, nil
}

const sessionCols = `id, summary_text, keywords, themes, version, started_at, ended_at, created_at, updated_at`

func scanSession(row scanner) (*model.SessionSummary, error) {
	var sess model.SessionSummary
	var keywords, themes sql.NullString
	var startedAt, endedAt, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.SummaryText, &keywords, &themes, &sess.Version,
		&startedAt, &endedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Keywords = splitJSON(keywords)
	sess.Themes = splitJSON(themes)
	sess.StartedAt, _ = time.Parse(timeLayout, startedAt)
	sess.EndedAt, _ = time.Parse(timeLayout, endedAt)
	sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &sess, nil
}

func scanChunk(row scanner) (*model.MemoryChunk, error) {
	var c model.MemoryChunk
	var messageIDs sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.SessionID, &c.Text, &messageIDs, &createdAt)
	if err != nil {
		return nil, err
	}
	c.MessageIDs = splitJSON(messageIDs)
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &c, nil
}

// GetSession fetches a session with its ordered triple and chunk id lists.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	sess.TripleIDs, err = s.linkedIDs(ctx, `SELECT triple_id FROM session_triples WHERE session_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	sess.ChunkIDs, err = s.linkedIDs(ctx, `SELECT chunk_id FROM session_chunks WHERE session_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetEntity fetches an entity by id.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id = ?`, id)
	ent, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// GetTriple fetches a triple with its support chunk ids.
func (s *SQLiteStore) GetTriple(ctx context.Context, id string) (*model.Triple, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tripleCols+` FROM triples WHERE id = ?`, id)
	t, err := scanTriple(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: triple %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t.SupportChunkIDs, err = s.linkedIDs(ctx, `SELECT chunk_id FROM triple_chunks WHERE triple_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetChunk fetches a chunk with the ids of the triples it supports.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*model.MemoryChunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, text, message_ids, created_at FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	c.TripleIDs, err = s.linkedIDs(ctx, `SELECT triple_id FROM triple_chunks WHERE chunk_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SessionsByRecency lists sessions ordered by end timestamp, newest first.
func (s *SQLiteStore) SessionsByRecency(ctx context.Context, limit int) ([]model.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.SessionSummary
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// TriplesBySession lists the triples linked to a session in link order.
func (s *SQLiteStore) TriplesBySession(ctx context.Context, sessionID string) ([]model.Triple, error) {
	return s.queryTriples(ctx,
		`SELECT `+tripleCols+` FROM triples
		 WHERE id IN (SELECT triple_id FROM session_triples WHERE session_id = ?)
		 ORDER BY reinforced_at DESC`, sessionID)
}

// ChunksBySession lists a session's chunks, newest first.
func (s *SQLiteStore) ChunksBySession(ctx context.Context, sessionID string) ([]model.MemoryChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, message_ids, created_at FROM chunks
		 WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.MemoryChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// TriplesByEntity lists triples where the entity appears as subject or object.
func (s *SQLiteStore) TriplesByEntity(ctx context.Context, entityID string) ([]model.Triple, error) {
	return s.queryTriples(ctx,
		`SELECT `+tripleCols+` FROM triples
		 WHERE subject_entity_id = ? OR object_entity_id = ?
		 ORDER BY reinforced_at DESC`, entityID, entityID)
}

// ChunksByTriple lists the evidence chunks supporting a triple, newest first.
func (s *SQLiteStore) ChunksByTriple(ctx context.Context, tripleID string, limit int) ([]model.MemoryChunk, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.session_id, c.text, c.message_ids, c.created_at
		 FROM chunks c
		 INNER JOIN triple_chunks tc ON tc.chunk_id = c.id
		 WHERE tc.triple_id = ?
		 ORDER BY c.created_at DESC
		 LIMIT ?`, tripleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.MemoryChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) queryTriples(ctx context.Context, query string, args ...interface{}) ([]model.Triple, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triples []model.Triple
	for rows.Next() {
		t, err := scanTriple(rows)
		if err != nil {
			return nil, err
		}
		triples = append(triples, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range triples {
		triples[i].SupportChunkIDs, err = s.linkedIDs(ctx,
			`SELECT chunk_id FROM triple_chunks WHERE triple_id = ? ORDER BY rowid`, triples[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return triples, nil
}

func (s *SQLiteStore) linkedIDs(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
