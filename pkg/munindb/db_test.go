package munindb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/capability"
	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/storage"
)

func newTestDB(t *testing.T, mutate ...func(*config.Config)) *DB {
	t.Helper()

	cfg := config.DefaultConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	db, err := Open(Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustIngest(t *testing.T, db *DB, text string, source Source) *IngestReport {
	t.Helper()
	report, err := db.Ingest(context.Background(), text, source)
	require.NoError(t, err)
	return report
}

type failEmbedder struct{}

func (failEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}

func (failEmbedder) Dimensions() int { return 384 }

type failExtractor struct{}

func (failExtractor) ExtractTriples(context.Context, string) ([]capability.Triple, error) {
	return nil, errors.New("model unavailable")
}

// vectorFailEngine delegates everything to the wrapped engine except vector
// writes, which always fail.
type vectorFailEngine struct {
	storage.Engine
}

func (vectorFailEngine) PutVector(string, []float32) error {
	return errors.New("disk full")
}

func TestOpen_RejectsDimensionMismatch(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Dimensions = 128

	_, err := Open(Options{
		Config:   cfg,
		Embedder: &capability.HashEmbedder{Dims: 384},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestIngest_CreatesThenReinforces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	src := Source{ID: "wiki:turing", Trust: 0.9}

	report := mustIngest(t, db, "Alan Turing | born_in | London", src)
	assert.Equal(t, 1, report.TriplesExtracted)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, db.index.Len())

	report, err := db.Ingest(ctx, "Alan Turing | born_in | London", src)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)
	assert.Zero(t, report.Created)

	edges, err := db.graph.QueryPattern("Alan Turing", "born_in", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, 0.55, edges[0].Weight, 1e-9)
	assert.Equal(t, 2, edges[0].Corroboration)
	assert.Equal(t, 1, db.index.Len())
}

func TestIngest_ExtractionFailureStoresNothing(t *testing.T) {
	cfg := config.DefaultConfig()
	db, err := Open(Options{Config: cfg, Extractor: failExtractor{}})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Ingest(context.Background(), "some text", Source{ID: "wiki", Trust: 0.9})
	require.ErrorIs(t, err, ErrExtraction)

	count, err := db.engine.EdgeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngest_CapacityCeiling(t *testing.T) {
	db := newTestDB(t, func(cfg *config.Config) {
		cfg.Storage.MaxBytes = 1
	})
	src := Source{ID: "wiki", Trust: 0.9}

	// The first ingest lands on an empty store.
	mustIngest(t, db, "water | boils_at | 100C", src)

	_, err := db.Ingest(context.Background(), "iron | melts_at | 1538C", src)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestIngest_EmbedderDownStoresSymbolically(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.MaxRetries = 0
	db, err := Open(Options{Config: cfg, Embedder: failEmbedder{}})
	require.NoError(t, err)
	defer db.Close()

	report, err := db.Ingest(context.Background(), "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.SkippedEmbeddings)

	edges, err := db.graph.QueryPattern("Mars", "", "")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Zero(t, db.index.Len())
}

func TestIngest_ReinforceBackfillsMissingVector(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.MaxRetries = 0
	db, err := Open(Options{Config: cfg, Embedder: failEmbedder{}})
	require.NoError(t, err)
	defer db.Close()

	mustIngest(t, db, "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})
	require.Zero(t, db.index.Len())

	// Embedder recovers before the second ingest of the same fact.
	db.embedder = &capability.HashEmbedder{Dims: cfg.Embedding.Dimensions}

	report := mustIngest(t, db, "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})
	assert.Equal(t, 1, report.Reinforced)
	assert.Equal(t, 1, db.index.Len())
}

func TestApplyVector_RollsBackEdgeOnFailure(t *testing.T) {
	db := newTestDB(t)
	report := mustIngest(t, db, "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})
	require.Equal(t, 1, report.Created)

	edges, err := db.graph.QueryPattern("Venus", "", "")
	require.NoError(t, err)
	require.Empty(t, edges)

	res, err := db.graph.UpsertFact(factFor("Venus", "is_a", "planet", "wiki"))
	require.NoError(t, err)

	db.engine = vectorFailEngine{Engine: db.engine}
	err = db.applyVector(res.Edge.ID, make([]float32, 384))
	require.Error(t, err)

	// The edge must be gone: vector and edge land together or not at all.
	_, err = db.graph.Engine().GetEdge(res.Edge.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_BackfillFailureKeepsCommittedFact(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.MaxRetries = 0
	db, err := Open(Options{Config: cfg, Embedder: failEmbedder{}})
	require.NoError(t, err)
	defer db.Close()

	mustIngest(t, db, "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})

	// Embedder recovers but the vector store does not accept writes.
	db.embedder = &capability.HashEmbedder{Dims: cfg.Embedding.Dimensions}
	db.engine = vectorFailEngine{Engine: db.engine}

	report, err := db.Ingest(context.Background(), "Mars | is_a | planet", Source{ID: "wiki", Trust: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)
	assert.Equal(t, 1, report.SkippedEmbeddings)

	// The committed fact survives a failed backfill as a symbolic edge.
	edges, err := db.graph.QueryPattern("Mars", "is_a", "")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Zero(t, db.index.Len())
}

func TestIngest_KeepNewClearsStaleVectorOnWriteFailure(t *testing.T) {
	db := newTestDB(t)

	mustIngest(t, db, "Pluto | status | planet", Source{ID: "blog", Trust: 0.3})
	require.Equal(t, 1, db.index.Len())

	db.engine = vectorFailEngine{Engine: db.engine}

	report, err := db.Ingest(context.Background(), "Pluto | status | dwarf planet", Source{ID: "wiki", Trust: 0.9})
	require.NoError(t, err)
	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, capability.KeepNew, report.Resolutions[0].Verdict)
	assert.Equal(t, 1, report.SkippedEmbeddings)

	// The winning fact stands, but the vector for the retired object is
	// gone rather than left describing stale text.
	edges, err := db.graph.QueryPattern("Pluto", "status", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, storage.NodeID("dwarf_planet"), edges[0].Object)
	assert.Zero(t, db.index.Len())
	_, err = db.graph.Engine().GetVector(string(edges[0].ID))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngest_ConflictTrustFastPath(t *testing.T) {
	db := newTestDB(t)

	mustIngest(t, db, "Alan Turing | born_in | London", Source{ID: "wiki", Trust: 0.9})
	report := mustIngest(t, db, "Alan Turing | born_in | Paris", Source{ID: "blog", Trust: 0.3})

	assert.Equal(t, 1, report.Conflicts)
	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, capability.KeepOld, report.Resolutions[0].Verdict)
	assert.False(t, report.Resolutions[0].UsedJudge)

	edges, err := db.graph.QueryPattern("Alan Turing", "born_in", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, storage.NodeID("london"), edges[0].Object)
}

func TestIngest_ConflictEqualTrustKeepsBothScoped(t *testing.T) {
	db := newTestDB(t)

	mustIngest(t, db, "Pluto | is_a | planet", Source{ID: "peer-a", Trust: 0.6})
	report := mustIngest(t, db, "Pluto | is_a | dwarf planet", Source{ID: "peer-b", Trust: 0.6})

	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, capability.KeepBothScoped, report.Resolutions[0].Verdict)

	edges, err := db.graph.QueryPattern("Pluto", "is_a", "")
	require.NoError(t, err)
	require.Len(t, edges, 2)

	scopes := map[string]bool{}
	for _, edge := range edges {
		scopes[edge.Scope] = true
	}
	assert.True(t, scopes["per source:peer-a"], "incumbent should carry its source scope, got %v", scopes)
	assert.True(t, scopes["per source:peer-b"], "challenger should carry its source scope, got %v", scopes)

	// Both beliefs stay retrievable by vector too.
	assert.Equal(t, 2, db.index.Len())
}

func TestQuery_FusesVectorAndGraphSignals(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	src := Source{ID: "wiki", Trust: 0.9}

	mustIngest(t, db, "Alan Turing | broke | Enigma", src)
	mustIngest(t, db, "Grace Hopper | invented | COBOL", src)
	mustIngest(t, db, "Mount Everest | located_in | Nepal", src)

	results, err := db.Query(ctx, Query{Text: "who broke the Enigma machine"})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, "Alan Turing", top.Subject)
	assert.Equal(t, "broke", top.Predicate)
	assert.Equal(t, "Enigma", top.Object)
	assert.Greater(t, top.Similarity, results[len(results)-1].Similarity)

	// Retrieval reinforces the facts that answered.
	edge, err := db.engine.GetEdge(top.Edge.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, edge.Weight, 1e-9)
}

func TestQuery_PatternOnly(t *testing.T) {
	db := newTestDB(t)
	src := Source{ID: "wiki", Trust: 0.9}

	mustIngest(t, db, "Alan Turing | born_in | London", src)
	mustIngest(t, db, "Alan Turing | broke | Enigma", src)

	results, err := db.Query(context.Background(), Query{Subject: "Alan Turing", Predicate: "born_in"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "born_in", results[0].Predicate)
}

func TestQuery_EmptyResultReportsGap(t *testing.T) {
	db := newTestDB(t)

	results, err := db.Query(context.Background(), Query{Subject: "unobtainium"})
	require.NoError(t, err)
	assert.Empty(t, results)

	gap := db.NextGap()
	require.NotNil(t, gap)
	assert.Equal(t, "unobtainium", gap.Topic)
}

func TestQuery_EmptyRequestRejected(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Query(context.Background(), Query{})
	require.Error(t, err)
}

func TestGroundingFacts_StableFormat(t *testing.T) {
	db := newTestDB(t)
	mustIngest(t, db, "Alan Turing | born_in | London", Source{ID: "wiki", Trust: 0.9})

	results, err := db.Query(context.Background(), Query{Subject: "Alan Turing"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	lines := GroundingFacts(results)
	require.Len(t, lines, 1)
	assert.Equal(t, "(Alan Turing, born_in, London, 0.80)", lines[0])
}

func TestAnswer_GroundsGeneration(t *testing.T) {
	db := newTestDB(t)
	mustIngest(t, db, "Alan Turing | born_in | London", Source{ID: "wiki", Trust: 0.9})

	answer, err := db.Answer(context.Background(), "where was Alan Turing born")
	require.NoError(t, err)
	assert.Contains(t, answer, "born_in")
	assert.Contains(t, answer, "London")
}

func TestRunSleepCycle_SkipsWhenNothingChanged(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustIngest(t, db, "Alan Turing | born_in | London", Source{ID: "wiki", Trust: 0.9})

	first, err := db.RunSleepCycle(ctx)
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, int64(1), first.Stats.CycleCount)

	second, err := db.RunSleepCycle(ctx)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	// A query reinforces, which counts as a write.
	_, err = db.Query(ctx, Query{Subject: "Alan Turing"})
	require.NoError(t, err)

	third, err := db.RunSleepCycle(ctx)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, int64(2), third.Stats.CycleCount)
}

func TestStats_LiveCounts(t *testing.T) {
	db := newTestDB(t)
	mustIngest(t, db, "Alan Turing | born_in | London", Source{ID: "wiki", Trust: 0.9})

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
	assert.Equal(t, int64(1), stats.Edges)
	assert.Zero(t, stats.CycleCount)

	_, err = db.RunSleepCycle(context.Background())
	require.NoError(t, err)

	stats, err = db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CycleCount)
	assert.Greater(t, stats.MeanWeight, 0.0)
}

func TestClose_RefusesFurtherOperations(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Ingest(context.Background(), "x | y | z", Source{ID: "s", Trust: 0.5})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Query(context.Background(), Query{Text: "x"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.RunSleepCycle(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Stats()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultTrust(t *testing.T) {
	assert.InDelta(t, 0.9, DefaultTrust("census.gov"), 1e-9)
	assert.InDelta(t, 0.8, DefaultTrust("wiki:turing"), 1e-9)
	assert.InDelta(t, 0.3, DefaultTrust("some-blog.example"), 1e-9)
	assert.InDelta(t, 0.5, DefaultTrust("unknown"), 1e-9)
}

func TestExclusivityPolicy(t *testing.T) {
	db := newTestDB(t, func(cfg *config.Config) {
		cfg.Arbiter.ExclusivePredicates = []string{"birth_year"}
	})

	strong := Source{ID: "archive", Trust: 0.9}
	weak := Source{ID: "blog", Trust: 0.5}
	weaker := Source{ID: "forum", Trust: 0.3}

	// is_a is non-exclusive: both objects coexist without arbitration.
	mustIngest(t, db, "Turing | is_a | Mathematician", strong)
	report := mustIngest(t, db, "Turing | is_a | Computer Scientist", weak)
	assert.Zero(t, report.Conflicts)

	edges, err := db.graph.QueryPattern("Turing", "is_a", "")
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	// birth_year is exclusive: the lower-trust revision is discarded.
	mustIngest(t, db, "Turing | birth_year | 1912", strong)
	report = mustIngest(t, db, "Turing | birth_year | 1910", weaker)
	assert.Equal(t, 1, report.Conflicts)
	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, capability.KeepOld, report.Resolutions[0].Verdict)

	edges, err = db.graph.QueryPattern("Turing", "birth_year", "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, storage.NodeID("1912"), edges[0].Object)
	assert.Equal(t, 1, edges[0].Corroboration)
}

// TestLifecycle walks the full loop: learn from mixed-quality sources,
// survive a contradiction, answer a question, consolidate, generalize.
func TestLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	wiki := Source{ID: "wiki:biographies", Trust: 0.9}
	blog := Source{ID: "randomblog.example", Trust: 0.3}

	mustIngest(t, db, strings.Join([]string{
		"Alan Turing | is_a | mathematician",
		"Alan Turing | born_in | London",
		"Alan Turing | broke | Enigma",
		"Ada Lovelace | is_a | mathematician",
		"Grace Hopper | is_a | mathematician",
	}, "\n"), wiki)

	// A low-trust source contradicts the birthplace.
	report := mustIngest(t, db, "Alan Turing | born_in | Paris", blog)
	require.Len(t, report.Resolutions, 1)
	assert.Equal(t, capability.KeepOld, report.Resolutions[0].Verdict)

	results, err := db.Query(ctx, Query{Subject: "Alan Turing", Predicate: "born_in"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "London", results[0].Object)

	cycle, err := db.RunSleepCycle(ctx)
	require.NoError(t, err)
	assert.False(t, cycle.Skipped)
	assert.Equal(t, 1, cycle.SuperConceptsNew)
	assert.Equal(t, 3, cycle.SuperConceptMembers)

	supers, err := db.engine.AllSuperConcepts()
	require.NoError(t, err)
	require.Len(t, supers, 1)
	assert.ElementsMatch(t,
		[]storage.NodeID{"alan_turing", "ada_lovelace", "grace_hopper"},
		supers[0].Members)

	// Nothing changed since the commit, so a second cycle is a no-op.
	repeat, err := db.RunSleepCycle(ctx)
	require.NoError(t, err)
	assert.True(t, repeat.Skipped)

	answer, err := db.Answer(ctx, "what did Alan Turing break")
	require.NoError(t, err)
	assert.Contains(t, answer, "Enigma")
}

func factFor(subject, predicate, object, sourceID string) graph.Fact {
	return graph.Fact{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Confidence: 0.8,
		SourceID:   sourceID,
	}
}
