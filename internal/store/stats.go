package store

import (
	"context"
	"os"
)

// Stats holds graph statistics.
type Stats struct {
	DBPath      string      `json:"db_path"`
	DBSizeBytes int64       `json:"db_size_bytes"`
	Sessions    int         `json:"sessions"`
	Entities    int         `json:"entities"`
	Triples     int         `json:"triples"`
	Chunks      int         `json:"chunks"`
	EntityTypes []TypeStats `json:"entity_types,omitempty"`
}

// TypeStats holds per-entity-type counts.
type TypeStats struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Stats returns record counts per kind plus database size.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&st.Entities)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triples`).Scan(&st.Triples)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.Chunks)

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) as cnt
		FROM entities
		GROUP BY entity_type ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		rows.Scan(&ts.Type, &ts.Count)
		st.EntityTypes = append(st.EntityTypes, ts)
	}

	return st, nil
}
