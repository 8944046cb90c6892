package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/cognigraph/internal/model"
)

// timeLayout is RFC3339 with fixed-width nanoseconds so that lexicographic
// ordering of stored text timestamps matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	idMu    sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// Write transactions begin immediate: a deferred transaction that reads
	// before writing cannot upgrade its snapshot once another writer commits,
	// and fails with SQLITE_BUSY where busy_timeout does not apply. Taking the
	// write lock at BEGIN makes concurrent writers queue on busy_timeout
	// instead.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func now() time.Time { return time.Now().UTC() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		summary_text TEXT NOT NULL DEFAULT '',
		keywords     TEXT,
		themes       TEXT,
		version      INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT NOT NULL,
		ended_at     TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at DESC);

	CREATE TABLE IF NOT EXISTS entities (
		id             TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		norm_name      TEXT NOT NULL,
		entity_type    TEXT NOT NULL DEFAULT '',
		aliases        TEXT,
		first_seen_at  TEXT NOT NULL,
		last_seen_at   TEXT NOT NULL,
		UNIQUE (norm_name, entity_type)
	);

	CREATE TABLE IF NOT EXISTS triples (
		id                TEXT PRIMARY KEY,
		subject_entity_id TEXT NOT NULL REFERENCES entities(id),
		relation          TEXT NOT NULL,
		object_entity_id  TEXT NOT NULL REFERENCES entities(id),
		session_id        TEXT NOT NULL REFERENCES sessions(id),
		relation_text     TEXT NOT NULL DEFAULT '',
		importance        REAL,
		confidence        REAL,
		is_state          INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		reinforced_at     TEXT NOT NULL,
		UNIQUE (subject_entity_id, relation, object_entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_triples_subject ON triples(subject_entity_id);
	CREATE INDEX IF NOT EXISTS idx_triples_object ON triples(object_entity_id);
	CREATE INDEX IF NOT EXISTS idx_triples_session ON triples(session_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		text        TEXT NOT NULL,
		message_ids TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS triple_chunks (
		triple_id  TEXT NOT NULL REFERENCES triples(id),
		chunk_id   TEXT NOT NULL REFERENCES chunks(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (triple_id, chunk_id)
	);
	CREATE INDEX IF NOT EXISTS idx_triple_chunks_chunk ON triple_chunks(chunk_id);

	CREATE TABLE IF NOT EXISTS session_triples (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		triple_id  TEXT NOT NULL REFERENCES triples(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, triple_id)
	);

	CREATE TABLE IF NOT EXISTS session_chunks (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		chunk_id   TEXT NOT NULL REFERENCES chunks(id),
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, chunk_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertSession returns the session with the given id, creating it when
// missing. Creation is race-safe via the primary key conflict clause.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}

	ts := now().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, summary_text, keywords, themes, version, started_at, ended_at, created_at, updated_at)
		 VALUES (?, '', NULL, NULL, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sessionID, ts, ts, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	return s.GetSession(ctx, sessionID)
}

// UpsertEntity resolves a mention to its canonical entity. Identity is the
// normalized (name, type) pair; alias surface forms supplied earlier by the
// extractor resolve to the existing entity as well.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, p UpsertEntityParams) (*model.Entity, error) {
	normName := NormalizeName(p.Name)
	if normName == "" {
		return nil, fmt.Errorf("%w: empty entity name", ErrInvalidArgument)
	}
	normType := NormalizeName(p.Type)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := now().Format(timeLayout)

	existing, err := findEntity(ctx, tx, normName, normType)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if err == sql.ErrNoRows {
		id := s.newID()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (id, canonical_name, norm_name, entity_type, aliases, first_seen_at, last_seen_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(norm_name, entity_type) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			id, strings.TrimSpace(p.Name), normName, normType, jsonList(dedupStrings(p.Aliases)), ts, ts)
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		existing, err = findEntity(ctx, tx, normName, normType)
		if err != nil {
			return nil, err
		}
	} else {
		merged, grew := unionStrings(existing.Aliases, p.Aliases)
		if grew {
			existing.Aliases = merged
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET last_seen_at = ?, aliases = ? WHERE id = ?`,
			ts, jsonList(existing.Aliases), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("touch entity: %w", err)
		}
		existing.LastSeenAt, _ = time.Parse(timeLayout, ts)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return existing, nil
}

// LookupEntity resolves a mention without creating anything. Used by the
// retrieval path: unseen entities contribute no match instead of polluting
// the graph.
func (s *SQLiteStore) LookupEntity(ctx context.Context, name, entityType string) (*model.Entity, error) {
	normName := NormalizeName(name)
	if normName == "" {
		return nil, fmt.Errorf("%w: empty entity name", ErrInvalidArgument)
	}
	ent, err := findEntity(ctx, s.db, normName, NormalizeName(entityType))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: entity %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const entityCols = `id, canonical_name, entity_type, aliases, first_seen_at, last_seen_at`

// findEntity matches by normalized (name, type) first, then by alias. When
// the mention carries no type, any entity with a matching name wins.
func findEntity(ctx context.Context, q querier, normName, normType string) (*model.Entity, error) {
	var row *sql.Row
	if normType != "" {
		row = q.QueryRowContext(ctx,
			`SELECT `+entityCols+` FROM entities WHERE norm_name = ? AND entity_type = ?`,
			normName, normType)
	} else {
		row = q.QueryRowContext(ctx,
			`SELECT `+entityCols+` FROM entities WHERE norm_name = ? ORDER BY last_seen_at DESC LIMIT 1`,
			normName)
	}
	ent, err := scanEntity(row)
	if err == nil {
		return ent, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Alias fallback: the mention may be a known surface form.
	pattern := `%"` + normName + `"%`
	if normType != "" {
		row = q.QueryRowContext(ctx,
			`SELECT `+entityCols+` FROM entities WHERE entity_type = ? AND lower(aliases) LIKE ? ORDER BY last_seen_at DESC LIMIT 1`,
			normType, pattern)
	} else {
		row = q.QueryRowContext(ctx,
			`SELECT `+entityCols+` FROM entities WHERE lower(aliases) LIKE ? ORDER BY last_seen_at DESC LIMIT 1`,
			pattern)
	}
	return scanEntity(row)
}

// UpsertTriple deduplicates by the (subject, relation, object) tuple across
// all sessions. A rematch advances reinforcement, keeps the highest
// importance/confidence seen, and gains the chunk as additional support.
func (s *SQLiteStore) UpsertTriple(ctx context.Context, p UpsertTripleParams) (*model.Triple, error) {
	relation := NormalizeRelation(p.Relation)
	if relation == "" || p.SubjectID == "" || p.ObjectID == "" || p.SessionID == "" {
		return nil, fmt.Errorf("%w: triple requires subject, relation, object and session", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, entityID := range []string{p.SubjectID, p.ObjectID} {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, entityID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: entity %s", ErrDanglingReference, entityID)
			}
			return nil, err
		}
	}
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, p.SessionID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, p.SessionID)
		}
		return nil, err
	}
	if p.ChunkID != "" {
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM chunks WHERE id = ?`, p.ChunkID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("%w: chunk %s", ErrNotFound, p.ChunkID)
			}
			return nil, err
		}
	}

	ts := now().Format(timeLayout)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO triples (id, subject_entity_id, relation, object_entity_id, session_id,
		                      relation_text, importance, confidence, is_state, created_at, reinforced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_entity_id, relation, object_entity_id) DO UPDATE SET
			reinforced_at = excluded.reinforced_at,
			relation_text = COALESCE(NULLIF(excluded.relation_text, ''), triples.relation_text),
			importance = CASE
				WHEN excluded.importance IS NOT NULL AND (triples.importance IS NULL OR excluded.importance > triples.importance)
				THEN excluded.importance ELSE triples.importance END,
			confidence = CASE
				WHEN excluded.confidence IS NOT NULL AND (triples.confidence IS NULL OR excluded.confidence > triples.confidence)
				THEN excluded.confidence ELSE triples.confidence END`,
		s.newID(), p.SubjectID, relation, p.ObjectID, p.SessionID,
		p.RelationText, p.Importance, p.Confidence, boolInt(p.IsState), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("upsert triple: %w", err)
	}

	var tripleID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM triples WHERE subject_entity_id = ? AND relation = ? AND object_entity_id = ?`,
		p.SubjectID, relation, p.ObjectID).Scan(&tripleID)
	if err != nil {
		return nil, err
	}

	if p.IsState != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE triples SET is_state = ? WHERE id = ?`, boolInt(p.IsState), tripleID); err != nil {
			return nil, err
		}
	}

	if p.ChunkID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO triple_chunks (triple_id, chunk_id, created_at) VALUES (?, ?, ?)`,
			tripleID, p.ChunkID, ts)
		if err != nil {
			return nil, fmt.Errorf("link support chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTriple(ctx, tripleID)
}

// AppendChunk stores an immutable evidence chunk. The chunk row is never
// updated afterwards.
func (s *SQLiteStore) AppendChunk(ctx context.Context, p AppendChunkParams) (*model.MemoryChunk, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: empty chunk text", ErrInvalidArgument)
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, p.SessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, p.SessionID)
	}
	if err != nil {
		return nil, err
	}

	id := s.newID()
	ts := now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, session_id, text, message_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, p.SessionID, p.Text, jsonList(p.MessageIDs), ts.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}

	return &model.MemoryChunk{
		ID:         id,
		SessionID:  p.SessionID,
		Text:       p.Text,
		MessageIDs: p.MessageIDs,
		CreatedAt:  ts,
	}, nil
}

// MergeSummary is the single audited mutation path for the evolving summary:
// text is replaced, keyword/theme sets are unioned, the end timestamp and
// version advance.
func (s *SQLiteStore) MergeSummary(ctx context.Context, p MergeSummaryParams) (*model.SessionSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var keywordsJSON, themesJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT keywords, themes FROM sessions WHERE id = ?`, p.SessionID).Scan(&keywordsJSON, &themesJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, p.SessionID)
	}
	if err != nil {
		return nil, err
	}

	keywords, _ := unionStrings(splitJSON(keywordsJSON), p.Keywords)
	themes, _ := unionStrings(splitJSON(themesJSON), p.Themes)

	ts := now().Format(timeLayout)
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET summary_text = ?, keywords = ?, themes = ?,
		        version = version + 1, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		p.SummaryText, jsonList(keywords), jsonList(themes), ts, ts, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("merge summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSession(ctx, p.SessionID)
}

// LinkChunkToSession records the chunk in the session's ordered chunk list.
// Re-adding an existing link is a no-op.
func (s *SQLiteStore) LinkChunkToSession(ctx context.Context, sessionID, chunkID string) error {
	return s.insertLink(ctx, `session_chunks`, `chunk_id`, `chunks`, sessionID, chunkID)
}

// LinkTripleToSession records the triple in the session's ordered triple
// list. Re-adding an existing link is a no-op.
func (s *SQLiteStore) LinkTripleToSession(ctx context.Context, sessionID, tripleID string) error {
	return s.insertLink(ctx, `session_triples`, `triple_id`, `triples`, sessionID, tripleID)
}

func (s *SQLiteStore) insertLink(ctx context.Context, table, col, refTable, sessionID, refID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+refTable+` WHERE id = ?`, refID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s %s", ErrNotFound, col, refID)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+table+` (session_id, `+col+`, created_at) VALUES (?, ?, ?)`,
		sessionID, refID, now().Format(timeLayout))
	return err
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b *bool) int {
	if b != nil && *b {
		return 1
	}
	return 0
}

// jsonList encodes a string slice as JSON text, or NULL for an empty slice.
func jsonList(list []string) *string {
	if len(list) == 0 {
		return nil
	}
	b, _ := json.Marshal(list)
	s := string(b)
	return &s
}

func splitJSON(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var list []string
	json.Unmarshal([]byte(v.String), &list)
	return list
}

func dedupStrings(in []string) []string {
	out, _ := unionStrings(nil, in)
	return out
}

// unionStrings appends unseen trimmed values from add to base, preserving
// order. The second return reports whether anything was added.
func unionStrings(base, add []string) ([]string, bool) {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(add))
	for _, v := range base {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	grew := false
	for _, v := range add {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		grew = true
	}
	return out, grew
}
