package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.UpsertSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Errorf("expected id sess-1, got %q", sess.ID)
	}
	if sess.SummaryText != "" {
		t.Errorf("expected empty summary, got %q", sess.SummaryText)
	}
	if sess.Version != 0 {
		t.Errorf("expected version 0, got %d", sess.Version)
	}

	// Second upsert returns the same session, not a new one
	again, err := s.UpsertSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !again.CreatedAt.Equal(sess.CreatedAt) {
		t.Error("second upsert created a new session")
	}

	_, err = s.UpsertSession(ctx, "  ")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for blank id, got %v", err)
	}
}

func TestUpsertEntityIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "Oliver", Type: "person"})
	if err != nil {
		t.Fatalf("upsert entity: %v", err)
	}

	// Same normalized (name, type) must resolve to the same id
	second, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "  oliver ", Type: "Person"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same id %s, got %s", first.ID, second.ID)
	}
	if second.LastSeenAt.Before(first.LastSeenAt) {
		t.Error("last seen did not advance")
	}

	st, _ := s.Stats(ctx, "")
	if st.Entities != 1 {
		t.Errorf("expected 1 entity, got %d", st.Entities)
	}

	// Different type is a different entity
	other, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "Oliver", Type: "project"})
	if err != nil {
		t.Fatalf("typed upsert: %v", err)
	}
	if other.ID == first.ID {
		t.Error("expected distinct entity for distinct type")
	}
}

func TestUpsertEntityConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Parallel writers racing on the same identity must all succeed and
	// converge on a single entity.
	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	ids := make([]string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ent, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "Oliver", Type: "person"})
			errs[i] = err
			if err == nil {
				ids[i] = ent.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("writer %d resolved to %s, want %s", i, ids[i], ids[0])
		}
	}

	st, _ := s.Stats(ctx, "")
	if st.Entities != 1 {
		t.Errorf("expected 1 entity, got %d", st.Entities)
	}
}

func TestUpsertEntityEmptyName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "   ", Type: "person"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestEntityAliasResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.UpsertEntity(ctx, UpsertEntityParams{
		Name: "PVM Project", Type: "project", Aliases: []string{"PVM", "the PVM effort"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// An alias surface form resolves to the same entity
	got, err := s.LookupEntity(ctx, "pvm", "project")
	if err != nil {
		t.Fatalf("alias lookup: %v", err)
	}
	if got.ID != ent.ID {
		t.Errorf("alias resolved to %s, want %s", got.ID, ent.ID)
	}

	// Upsert through an alias does not create a duplicate
	viaAlias, err := s.UpsertEntity(ctx, UpsertEntityParams{Name: "PVM", Type: "project"})
	if err != nil {
		t.Fatalf("upsert via alias: %v", err)
	}
	if viaAlias.ID != ent.ID {
		t.Error("alias upsert created a duplicate entity")
	}

	// New aliases are unioned, existing ones not duplicated
	again, err := s.UpsertEntity(ctx, UpsertEntityParams{
		Name: "PVM Project", Type: "project", Aliases: []string{"PVM", "pvm proj"},
	})
	if err != nil {
		t.Fatalf("alias union: %v", err)
	}
	if len(again.Aliases) != 3 {
		t.Errorf("expected 3 aliases, got %v", again.Aliases)
	}

	_, err = s.LookupEntity(ctx, "unknown thing", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func mustSession(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	if _, err := s.UpsertSession(context.Background(), id); err != nil {
		t.Fatalf("upsert session %s: %v", id, err)
	}
}

func mustChunk(t *testing.T, s *SQLiteStore, sessionID, text string) string {
	t.Helper()
	c, err := s.AppendChunk(context.Background(), AppendChunkParams{SessionID: sessionID, Text: text})
	if err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	return c.ID
}

func mustEntity(t *testing.T, s *SQLiteStore, name, typ string) string {
	t.Helper()
	e, err := s.UpsertEntity(context.Background(), UpsertEntityParams{Name: name, Type: typ})
	if err != nil {
		t.Fatalf("upsert entity %s: %v", name, err)
	}
	return e.ID
}

func TestUpsertTripleDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	mustSession(t, s, "b")
	oliver := mustEntity(t, s, "Oliver", "person")
	pvm := mustEntity(t, s, "PVM Project", "project")
	chunkA := mustChunk(t, s, "a", "turn in session a")
	chunkB := mustChunk(t, s, "b", "turn in session b")

	first, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: oliver, Relation: "works_on", ObjectID: pvm,
		SessionID: "a", ChunkID: chunkA,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same tuple from another session reinforces instead of duplicating.
	// Relation normalization makes "works on" hit the same tuple.
	second, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: oliver, Relation: "Works On", ObjectID: pvm,
		SessionID: "b", ChunkID: chunkB,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected dedup to same triple, got %s and %s", first.ID, second.ID)
	}
	if len(second.SupportChunkIDs) != 2 {
		t.Errorf("expected 2 support chunks, got %v", second.SupportChunkIDs)
	}
	if second.ReinforcedAt.Before(first.ReinforcedAt) {
		t.Error("reinforcement timestamp went backwards")
	}

	st, _ := s.Stats(ctx, "")
	if st.Triples != 1 {
		t.Errorf("expected 1 triple, got %d", st.Triples)
	}
}

func TestUpsertTripleKeepsMaxScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	subj := mustEntity(t, s, "Oliver", "person")
	obj := mustEntity(t, s, "stress", "emotion")
	chunk := mustChunk(t, s, "a", "text")

	lo, hi := 0.3, 0.9
	if _, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: subj, Relation: "feels", ObjectID: obj, SessionID: "a",
		ChunkID: chunk, Importance: &hi, Confidence: &lo,
	}); err != nil {
		t.Fatalf("first: %v", err)
	}

	got, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: subj, Relation: "feels", ObjectID: obj, SessionID: "a",
		ChunkID: chunk, Importance: &lo, Confidence: &hi,
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if got.Importance == nil || *got.Importance != hi {
		t.Errorf("importance should keep max %v, got %v", hi, got.Importance)
	}
	if got.Confidence == nil || *got.Confidence != hi {
		t.Errorf("confidence should keep max %v, got %v", hi, got.Confidence)
	}
}

func TestUpsertTripleDanglingReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	oliver := mustEntity(t, s, "Oliver", "person")
	chunk := mustChunk(t, s, "a", "text")

	_, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: oliver, Relation: "works_on", ObjectID: "no-such-entity",
		SessionID: "a", ChunkID: chunk,
	})
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}

	st, _ := s.Stats(ctx, "")
	if st.Triples != 0 {
		t.Errorf("triple count changed on failed upsert: %d", st.Triples)
	}
}

func TestUpsertTripleUnknownChunk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	subj := mustEntity(t, s, "Oliver", "person")
	obj := mustEntity(t, s, "PVM", "project")

	_, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: subj, Relation: "works_on", ObjectID: obj,
		SessionID: "a", ChunkID: "no-such-chunk",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown chunk, got %v", err)
	}

	st, _ := s.Stats(ctx, "")
	if st.Triples != 0 {
		t.Errorf("triple count changed on failed upsert: %d", st.Triples)
	}
}

func TestAppendChunkUnknownSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendChunk(ctx, AppendChunkParams{SessionID: "ghost", Text: "hello"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChunkImmutability(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	chunk, err := s.AppendChunk(ctx, AppendChunkParams{
		SessionID: "a", Text: "original text", MessageIDs: []string{"m1", "m2"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Later activity in the same and other sessions
	mustSession(t, s, "b")
	mustChunk(t, s, "a", "later chunk")
	mustChunk(t, s, "b", "other session chunk")
	subj := mustEntity(t, s, "Oliver", "person")
	obj := mustEntity(t, s, "PVM", "project")
	if _, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: subj, Relation: "works_on", ObjectID: obj, SessionID: "a", ChunkID: chunk.ID,
	}); err != nil {
		t.Fatalf("triple: %v", err)
	}
	if _, err := s.MergeSummary(ctx, MergeSummaryParams{SessionID: "a", SummaryText: "summary"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := s.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got.Text != "original text" {
		t.Errorf("chunk text changed: %q", got.Text)
	}
	if len(got.MessageIDs) != 2 || got.MessageIDs[0] != "m1" || got.MessageIDs[1] != "m2" {
		t.Errorf("message ids changed: %v", got.MessageIDs)
	}
}

func TestMergeSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")

	sess, err := s.MergeSummary(ctx, MergeSummaryParams{
		SessionID:   "a",
		SummaryText: "talked about work",
		Keywords:    []string{"work", "deadline"},
		Themes:      []string{"work"},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if sess.Version != 1 {
		t.Errorf("expected version 1, got %d", sess.Version)
	}

	sess, err = s.MergeSummary(ctx, MergeSummaryParams{
		SessionID:   "a",
		SummaryText: "talked about work and the PVM project",
		Keywords:    []string{"deadline", "pvm"},
		Themes:      []string{"projects"},
	})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if sess.SummaryText != "talked about work and the PVM project" {
		t.Errorf("summary not replaced: %q", sess.SummaryText)
	}
	if len(sess.Keywords) != 3 {
		t.Errorf("expected keyword union of 3, got %v", sess.Keywords)
	}
	if len(sess.Themes) != 2 {
		t.Errorf("expected theme union of 2, got %v", sess.Themes)
	}
	if sess.Version != 2 {
		t.Errorf("expected version 2, got %d", sess.Version)
	}
	if !sess.EndedAt.After(sess.StartedAt) {
		t.Error("end timestamp did not advance")
	}

	_, err = s.MergeSummary(ctx, MergeSummaryParams{SessionID: "ghost", SummaryText: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinksIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustSession(t, s, "a")
	chunk := mustChunk(t, s, "a", "text")
	subj := mustEntity(t, s, "Oliver", "person")
	obj := mustEntity(t, s, "PVM", "project")
	triple, err := s.UpsertTriple(ctx, UpsertTripleParams{
		SubjectID: subj, Relation: "works_on", ObjectID: obj, SessionID: "a", ChunkID: chunk,
	})
	if err != nil {
		t.Fatalf("triple: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.LinkChunkToSession(ctx, "a", chunk); err != nil {
			t.Fatalf("link chunk: %v", err)
		}
		if err := s.LinkTripleToSession(ctx, "a", triple.ID); err != nil {
			t.Fatalf("link triple: %v", err)
		}
	}

	sess, err := s.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.ChunkIDs) != 1 {
		t.Errorf("expected 1 chunk link, got %v", sess.ChunkIDs)
	}
	if len(sess.TripleIDs) != 1 {
		t.Errorf("expected 1 triple link, got %v", sess.TripleIDs)
	}

	if err := s.LinkChunkToSession(ctx, "ghost", chunk); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	if got := NormalizeName("  Oliver   Smith "); got != "oliver smith" {
		t.Errorf("NormalizeName = %q", got)
	}
	if got := NormalizeRelation("Works  On"); got != "works_on" {
		t.Errorf("NormalizeRelation = %q", got)
	}
	if got := NormalizeRelation("works_on"); got != "works_on" {
		t.Errorf("NormalizeRelation underscore = %q", got)
	}
}
