package store

import (
	"context"

	"github.com/rcliao/cognigraph/internal/model"
)

// Export is a full JSON-serializable dump of the graph.
type Export struct {
	Sessions []model.SessionSummary `json:"sessions"`
	Entities []model.Entity         `json:"entities"`
	Triples  []model.Triple         `json:"triples"`
	Chunks   []model.MemoryChunk    `json:"chunks"`
}

// ExportAll returns every record in the graph with its links resolved.
func (s *SQLiteStore) ExportAll(ctx context.Context) (*Export, error) {
	out := &Export{}

	sessions, err := s.SessionsByRecency(ctx, 1<<30)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		full, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		out.Sessions = append(out.Sessions, *full)

		chunks, err := s.ChunksBySession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		out.Chunks = append(out.Chunks, chunks...)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+entityCols+` FROM entities ORDER BY norm_name, entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out.Entities = append(out.Entities, *ent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out.Triples, err = s.queryTriples(ctx, `SELECT `+tripleCols+` FROM triples ORDER BY created_at`)
	if err != nil {
		return nil, err
	}

	return out, nil
}
