// Package engine wires the graph store, extraction adapter and similarity
// scorer into the per-turn update pipeline and the per-query retrieval
// pipeline.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/cognigraph/internal/extract"
	"github.com/rcliao/cognigraph/internal/similarity"
	"github.com/rcliao/cognigraph/internal/store"
)

// Config holds pipeline tuning knobs.
type Config struct {
	// DecayHalfLife is the session-age half-life for temporal down-weighting.
	DecayHalfLife time.Duration
	// TopSessions is how many ranked sessions contribute to a bundle.
	TopSessions int
	// TriplesPerSession caps facts taken from each ranked session.
	TriplesPerSession int
	// ChunksPerTriple caps evidence chunks pulled per selected triple.
	ChunksPerTriple int
	// ContextBudget is the total bundle size budget in characters.
	ContextBudget int
	// SummaryMaxLen bounds the merged summary text; older content is
	// truncated first.
	SummaryMaxLen int
	// ExtractTimeout bounds each extraction adapter call.
	ExtractTimeout time.Duration
	// CandidateSessions caps how many recent sessions are scored per query.
	CandidateSessions int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		DecayHalfLife:     7 * 24 * time.Hour,
		TopSessions:       3,
		TriplesPerSession: 5,
		ChunksPerTriple:   2,
		ContextBudget:     8000,
		SummaryMaxLen:     2000,
		ExtractTimeout:    30 * time.Second,
		CandidateSessions: 100,
	}
}

// Engine runs the update and retrieval pipelines against a single store.
type Engine struct {
	store     store.Store
	extractor extract.Extractor
	scorer    similarity.Scorer
	logger    *slog.Logger
	cfg       Config

	// Same-session ingests are serialized; different sessions proceed in
	// parallel.
	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New creates an engine. A nil scorer falls back to bag-of-words; a nil
// logger discards output. Zero config fields take their defaults
// individually, so a partial config keeps the fields the caller did set.
func New(st store.Store, ex extract.Extractor, sc similarity.Scorer, logger *slog.Logger, cfg Config) *Engine {
	if sc == nil {
		sc = similarity.NewBagOfWords()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	def := DefaultConfig()
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = def.DecayHalfLife
	}
	if cfg.TopSessions <= 0 {
		cfg.TopSessions = def.TopSessions
	}
	if cfg.TriplesPerSession <= 0 {
		cfg.TriplesPerSession = def.TriplesPerSession
	}
	if cfg.ChunksPerTriple <= 0 {
		cfg.ChunksPerTriple = def.ChunksPerTriple
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = def.ContextBudget
	}
	if cfg.SummaryMaxLen <= 0 {
		cfg.SummaryMaxLen = def.SummaryMaxLen
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = def.ExtractTimeout
	}
	if cfg.CandidateSessions <= 0 {
		cfg.CandidateSessions = def.CandidateSessions
	}
	return &Engine{
		store:        st,
		extractor:    ex,
		scorer:       sc,
		logger:       logger,
		cfg:          cfg,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// lockSession acquires the per-session exclusion and returns its release.
func (e *Engine) lockSession(sessionID string) func() {
	e.mu.Lock()
	l, ok := e.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.sessionLocks[sessionID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
