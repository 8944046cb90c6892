package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/cognigraph/internal/extract"
	"github.com/rcliao/cognigraph/internal/store"
)

// fakeExtractor returns canned results so pipeline tests need no external
// model endpoint.
type fakeExtractor struct {
	mu         sync.Mutex
	result     *extract.Result
	err        error
	queryHits  []extract.EntityMention
	queryErr   error
	extractLog []string
}

func (f *fakeExtractor) Extract(_ context.Context, sessionID, chunkText, _ string) (*extract.Result, error) {
	f.mu.Lock()
	f.extractLog = append(f.extractLog, sessionID+": "+chunkText)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &extract.Result{}, nil
	}
	return f.result, nil
}

func (f *fakeExtractor) ExtractQueryEntities(_ context.Context, _ string) ([]extract.EntityMention, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryHits, nil
}

func newTestEngine(t *testing.T, fx *fakeExtractor, cfg Config) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, fx, nil, nil, cfg), s
}

func floatPtr(v float64) *float64 { return &v }

// oliverExtraction is the canonical ingest fixture: two entities and one fact
// linking them.
func oliverExtraction() *extract.Result {
	return &extract.Result{
		SummaryDelta: "Oliver is working on the PVM project and worried about the deadline.",
		Keywords:     []string{"pvm", "deadline"},
		Themes:       []string{"work"},
		Entities: []extract.EntityMention{
			{Name: "Oliver", Type: "person"},
			{Name: "PVM Project", Type: "project", Aliases: []string{"PVM"}},
		},
		Triples: []extract.TripleMention{
			{
				Subject: "Oliver", SubjectType: "person",
				Relation: "works_on",
				Object:   "PVM Project", ObjectType: "project",
				RelationText: "is working on",
				Importance:   floatPtr(0.8),
				Confidence:   floatPtr(0.9),
			},
		},
	}
}

func TestIngestCommitsFacts(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{result: oliverExtraction()}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	res, err := eng.IngestTurn(ctx, IngestParams{
		SessionID:     "sess-1",
		UserText:      "How is work going?",
		AssistantText: "Oliver said the PVM project deadline is close.",
		MessageIDs:    []string{"m1", "m2"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, 2, res.Entities)
	assert.Equal(t, 1, res.Triples)

	chunk, err := s.GetChunk(ctx, res.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, "user: How is work going?\nassistant: Oliver said the PVM project deadline is close.", chunk.Text)
	assert.Equal(t, []string{"m1", "m2"}, chunk.MessageIDs)

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Version)
	assert.Contains(t, sess.SummaryText, "PVM project")
	assert.ElementsMatch(t, []string{"pvm", "deadline"}, sess.Keywords)
	assert.Len(t, sess.TripleIDs, 1)
	assert.Len(t, sess.ChunkIDs, 1)

	triple, err := s.GetTriple(ctx, sess.TripleIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "works_on", triple.Relation)
	assert.Equal(t, []string{chunk.ID}, triple.SupportChunkIDs)

	// Alias from the extraction reaches the entity record
	ent, err := s.LookupEntity(ctx, "pvm", "project")
	require.NoError(t, err)
	assert.Equal(t, "PVM Project", ent.CanonicalName)
}

func TestIngestGeneratesSessionID(t *testing.T) {
	fx := &fakeExtractor{}
	eng, _ := newTestEngine(t, fx, DefaultConfig())

	res, err := eng.IngestTurn(context.Background(), IngestParams{
		UserText: "hi", AssistantText: "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, StatusCommitted, res.Status)
}

func TestIngestExtractorUnavailable(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{err: fmt.Errorf("post: %w", extract.ErrUnavailable)}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	res, err := eng.IngestTurn(ctx, IngestParams{
		SessionID: "sess-1", UserText: "hi", AssistantText: "hello",
	})
	require.NoError(t, err, "unavailable extraction is a degraded outcome, not a failure")
	assert.Equal(t, StatusDeferred, res.Status)
	assert.Zero(t, res.Entities)
	assert.Zero(t, res.Triples)

	// The raw evidence must survive for a later retry
	chunk, err := s.GetChunk(ctx, res.ChunkID)
	require.NoError(t, err)
	assert.Contains(t, chunk.Text, "user: hi")

	// No indexing happened
	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, sess.Version)
	assert.Empty(t, sess.TripleIDs)
}

func TestIngestMalformedExtraction(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{err: fmt.Errorf("%w: bad schema", extract.ErrMalformed)}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	res, err := eng.IngestTurn(ctx, IngestParams{
		SessionID: "sess-1", UserText: "hi", AssistantText: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status, "malformed output degrades to an empty extraction")
	assert.Zero(t, res.Entities)
	assert.Zero(t, res.Triples)

	_, err = s.GetChunk(ctx, res.ChunkID)
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Version, "summary merge still runs")
	assert.Len(t, sess.ChunkIDs, 1)
}

func TestIngestSkipsUndeclaredTripleEntities(t *testing.T) {
	fx := &fakeExtractor{result: &extract.Result{
		Entities: []extract.EntityMention{{Name: "Oliver", Type: "person"}},
		Triples: []extract.TripleMention{
			{Subject: "Oliver", SubjectType: "person", Relation: "works_on",
				Object: "Ghost Project", ObjectType: "project"},
		},
	}}
	eng, _ := newTestEngine(t, fx, DefaultConfig())

	res, err := eng.IngestTurn(context.Background(), IngestParams{
		SessionID: "sess-1", UserText: "hi", AssistantText: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, res.Status)
	assert.Equal(t, 1, res.Entities)
	assert.Zero(t, res.Triples, "triple with undeclared object is skipped")
}

func TestIngestDedupAcrossSessions(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{result: oliverExtraction()}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	for _, sid := range []string{"sess-1", "sess-2"} {
		res, err := eng.IngestTurn(ctx, IngestParams{
			SessionID: sid, UserText: "update?", AssistantText: "still on pvm",
		})
		require.NoError(t, err)
		require.Equal(t, StatusCommitted, res.Status)
	}

	st, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Triples, "same fact from two sessions stays one triple")
	assert.Equal(t, 2, st.Entities)
	assert.Equal(t, 2, st.Chunks)

	sess, err := s.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, sess.TripleIDs, 1)
	triple, err := s.GetTriple(ctx, sess.TripleIDs[0])
	require.NoError(t, err)
	assert.Len(t, triple.SupportChunkIDs, 2, "both evidence chunks support the fact")
}

func TestIngestConcurrentSameSession(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{result: oliverExtraction()}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	const turns = 8
	var wg sync.WaitGroup
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.IngestTurn(ctx, IngestParams{
				SessionID: "sess-1",
				UserText:  fmt.Sprintf("turn %d", i), AssistantText: "ok",
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "turn %d", i)
	}

	sess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, turns, sess.Version)
	assert.Len(t, sess.ChunkIDs, turns)
	assert.Len(t, sess.TripleIDs, 1)
}

func TestIngestConcurrentAcrossSessions(t *testing.T) {
	ctx := context.Background()
	fx := &fakeExtractor{result: oliverExtraction()}
	eng, s := newTestEngine(t, fx, DefaultConfig())

	// Every session extracts the same facts, so all writers race on the same
	// canonical entities and triple. Each turn must commit, not fail busy.
	const sessions = 16
	var wg sync.WaitGroup
	errs := make([]error, sessions)
	results := make([]*IngestResult, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.IngestTurn(ctx, IngestParams{
				SessionID: fmt.Sprintf("sess-%d", i),
				UserText:  "status?", AssistantText: "pvm is on track",
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "session %d", i)
		require.Equal(t, StatusCommitted, results[i].Status, "session %d", i)
	}

	st, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entities, "racing upserts resolve to one entity per identity")
	assert.Equal(t, 1, st.Triples, "racing upserts resolve to one triple")
	assert.Equal(t, sessions, st.Sessions)
	assert.Equal(t, sessions, st.Chunks)

	sess, err := s.GetSession(ctx, "sess-0")
	require.NoError(t, err)
	require.Len(t, sess.TripleIDs, 1)
	triple, err := s.GetTriple(ctx, sess.TripleIDs[0])
	require.NoError(t, err)
	assert.Len(t, triple.SupportChunkIDs, sessions, "every turn's chunk supports the shared fact")
}

func TestIngestRejectsEmptyTurn(t *testing.T) {
	fx := &fakeExtractor{}
	eng, _ := newTestEngine(t, fx, DefaultConfig())

	_, err := eng.IngestTurn(context.Background(), IngestParams{
		SessionID: "sess-1", UserText: "  ", AssistantText: "",
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestIngestStoreFailureReportsStage(t *testing.T) {
	fx := &fakeExtractor{}
	eng, s := newTestEngine(t, fx, DefaultConfig())
	require.NoError(t, s.Close())

	_, err := eng.IngestTurn(context.Background(), IngestParams{
		SessionID: "sess-1", UserText: "hi", AssistantText: "hello",
	})
	require.Error(t, err)

	var ingErr *IngestError
	require.True(t, errors.As(err, &ingErr))
	assert.Equal(t, StageSessionResolved, ingErr.Stage)
}

func TestMergeSummaryText(t *testing.T) {
	t.Run("concatenates", func(t *testing.T) {
		got := mergeSummaryText("first line", "second line", 100)
		assert.Equal(t, "first line\nsecond line", got)
	})

	t.Run("empty delta keeps prior", func(t *testing.T) {
		assert.Equal(t, "prior", mergeSummaryText("prior", "", 100))
	})

	t.Run("empty prior takes delta", func(t *testing.T) {
		assert.Equal(t, "delta", mergeSummaryText("", "delta", 100))
	})

	t.Run("truncates from the front", func(t *testing.T) {
		prior := strings.Repeat("old news line\n", 20)
		got := mergeSummaryText(prior, "the latest development", 60)
		assert.LessOrEqual(t, len(got), 60)
		assert.True(t, strings.HasSuffix(got, "the latest development"))
		assert.False(t, strings.HasPrefix(got, "ews"), "leading partial line is dropped")
	})
}
