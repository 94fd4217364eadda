// Package munindb is the public face of MuninDB: a hybrid memory engine
// that stores what an agent learns as a symbolic knowledge graph paired
// with a semantic vector index, strengthens what gets used, arbitrates
// contradictions, and consolidates itself during sleep cycles.
//
// Typical usage:
//
//	db, err := munindb.Open(munindb.Options{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	report, err := db.Ingest(ctx, "Alan Turing | broke | Enigma",
//		munindb.Source{ID: "wiki:turing", Trust: 0.9})
//
//	results, err := db.Query(ctx, munindb.Query{Text: "who broke enigma"})
//
// ELI12: MuninDB works like your own memory. Facts you use often get
// easier to recall, facts you never use fade, and when two books disagree
// it decides which one to believe (or remembers both, with a note about
// who said what). While it "sleeps" it tidies up and notices patterns,
// like "Turing, Lovelace, and Hopper are all scientists".
package munindb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/munindb/pkg/arbiter"
	"github.com/orneryd/munindb/pkg/capability"
	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/consolidate"
	"github.com/orneryd/munindb/pkg/curiosity"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/storage"
	"github.com/orneryd/munindb/pkg/vector"
)

var (
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("munindb: database closed")

	// ErrCapacityExceeded is returned when ingestion would push the store
	// past its configured size ceiling.
	ErrCapacityExceeded = errors.New("munindb: capacity exceeded")

	// ErrExtraction is returned when the extractor cannot process a chunk.
	// Nothing from the chunk is stored.
	ErrExtraction = errors.New("munindb: extraction failed")
)

// Source identifies where ingested text came from and how much it is
// trusted. Trust is fixed at first ingestion.
type Source struct {
	ID    string
	Trust float64
}

// Options configures Open. Nil capability fields fall back to the
// deterministic local implementations.
type Options struct {
	Config    *config.Config
	Extractor capability.Extractor
	Embedder  capability.Embedder
	Judge     capability.Judge
	Generator capability.Generator
}

// DB is the memory manager: the single gateway for ingestion, retrieval,
// arbitration, and consolidation.
type DB struct {
	cfg *config.Config

	engine       storage.Engine
	graph        *graph.Store
	index        *vector.Index
	arbiter      *arbiter.Arbiter
	consolidator *consolidate.Consolidator
	prioritizer  *curiosity.Prioritizer

	extractor capability.Extractor
	embedder  capability.Embedder
	generator capability.Generator

	// gate gives the sleep cycle an exclusive window: writers hold the
	// read side, consolidation holds the write side, so writes arriving
	// during a cycle queue instead of being dropped.
	gate sync.RWMutex

	// writeMu serializes triple transactions so each edge+vector pair
	// applies atomically with respect to other writers.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool

	statsMu    sync.Mutex
	statsCache *consolidate.Stats
}

// Open initializes the engine. An empty Storage.DataDir selects the
// in-memory engine; otherwise Badger files live under the directory.
func Open(opts Options) (*DB, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &DB{
		cfg:       cfg,
		extractor: opts.Extractor,
		embedder:  opts.Embedder,
		generator: opts.Generator,
	}
	if db.extractor == nil {
		db.extractor = &capability.RuleExtractor{}
	}
	if db.embedder == nil {
		db.embedder = &capability.HashEmbedder{Dims: cfg.Embedding.Dimensions}
	}
	if db.generator == nil {
		db.generator = capability.TemplateGenerator{}
	}

	if got := db.embedder.Dimensions(); got != cfg.Embedding.Dimensions {
		return nil, fmt.Errorf("munindb: embedder produces %d dimensions, config expects %d",
			got, cfg.Embedding.Dimensions)
	}

	var err error
	if cfg.Storage.DataDir == "" {
		db.engine = storage.NewMemoryEngine()
	} else {
		db.engine, err = storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
			LowMemory:  cfg.Storage.LowMemory,
		})
		if err != nil {
			return nil, err
		}
	}

	policy := graph.NewPolicy(cfg.Arbiter.ExclusivePredicates)
	db.graph, err = graph.NewStore(db.engine, policy, cfg.Memory.InitialWeight, cfg.Memory.ReinforceDelta)
	if err != nil {
		db.engine.Close()
		return nil, err
	}

	db.index = vector.NewIndex(cfg.Embedding.Dimensions)
	rows, err := db.engine.AllVectors()
	if err != nil {
		db.engine.Close()
		return nil, err
	}
	if skipped := db.index.Rebuild(rows); skipped > 0 {
		log.Printf("munindb: skipped %d vector rows with wrong dimensions during index rebuild", skipped)
	}

	db.prioritizer = curiosity.NewPrioritizer(curiosity.Weights{
		Connectivity: cfg.Curiosity.ConnectivityWeight,
		Uncertainty:  cfg.Curiosity.UncertaintyWeight,
		Confidence:   cfg.Curiosity.ConfidenceWeight,
	})

	db.arbiter = arbiter.New(db.graph, opts.Judge, cfg.Arbiter.TrustGap)
	db.consolidator = consolidate.New(db.graph, db.prioritizer, consolidate.Options{
		DecayFactor:         cfg.Memory.DecayFactor,
		PruneThreshold:      cfg.Memory.PruneThreshold,
		RetentionCycles:     cfg.Memory.PruneRetentionCycles,
		GeneralizeMinShared: cfg.Memory.GeneralizeMinShared,
		GeneralizeMinWeight: cfg.Memory.GeneralizeMinWeight,
		NoisePrune:          cfg.Memory.NoisePruneEnabled,
		NoiseTrustCeiling:   cfg.Memory.NoiseTrustCeiling,
	})
	db.consolidator.OnEdgeRemoved(func(id storage.EdgeID) {
		db.index.Remove(string(id))
	})

	return db, nil
}

// Close waits for in-flight operations and shuts the engine down.
func (db *DB) Close() error {
	db.gate.Lock()
	defer db.gate.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.engine.Close()
}

func (db *DB) ensureOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}

// IngestReport summarizes one Ingest call.
type IngestReport struct {
	TriplesExtracted  int
	Created           int
	Reinforced        int
	Conflicts         int
	SkippedEmbeddings int
	Resolutions       []*arbiter.Resolution
}

// Ingest extracts triples from text and stores them under the given source.
//
// Each triple is applied atomically: its edge and its vector land together
// or not at all. Contradictions are arbitrated immediately. If the embedder
// stays unavailable past the retry budget, the fact is stored symbolically
// without a vector and counted in SkippedEmbeddings.
func (db *DB) Ingest(ctx context.Context, text string, source Source) (*IngestReport, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}

	db.gate.RLock()
	defer db.gate.RUnlock()

	if err := db.checkCapacity(); err != nil {
		return nil, err
	}

	if err := db.engine.PutSource(&storage.Source{
		ID:         source.ID,
		Trust:      source.Trust,
		IngestedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	triples, err := db.extractor.ExtractTriples(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	report := &IngestReport{TriplesExtracted: len(triples)}
	for _, triple := range triples {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := db.ingestTriple(ctx, triple, source, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (db *DB) ingestTriple(ctx context.Context, triple capability.Triple, source Source, report *IngestReport) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	// Embed before touching the graph so a dead embedder cannot leave a
	// half-applied triple. A nil vec means "symbolic only".
	vec := db.embedWithRetry(ctx, factText(triple))
	if vec == nil {
		report.SkippedEmbeddings++
	}

	fact := graph.Fact{
		Subject:    triple.Subject,
		Predicate:  triple.Predicate,
		Object:     triple.Object,
		Confidence: triple.Confidence,
		SourceID:   source.ID,
	}
	res, err := db.graph.UpsertFact(fact)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case graph.OutcomeCreated:
		report.Created++
		return db.applyVector(res.Edge.ID, vec)

	case graph.OutcomeReinforced:
		report.Reinforced++
		// Backfill the vector if an earlier ingest stored this fact
		// symbolically.
		if vec != nil {
			if _, err := db.engine.GetVector(string(res.Edge.ID)); errors.Is(err, storage.ErrNotFound) {
				db.backfillVector(res.Edge.ID, vec, report)
			}
		}
		return nil

	case graph.OutcomeConflict:
		report.Conflicts++
		resolution, err := db.arbiter.Resolve(ctx, res.Edge, fact)
		if err != nil {
			return err
		}
		report.Resolutions = append(report.Resolutions, resolution)

		switch resolution.Verdict {
		case capability.KeepNew:
			db.replaceVector(resolution.Edge.ID, vec, report)
		case capability.KeepBothScoped:
			if resolution.ScopedEdge != nil {
				return db.applyVector(resolution.ScopedEdge.ID, vec)
			}
		}
		return nil

	default:
		return fmt.Errorf("munindb: unexpected upsert outcome %v", res.Outcome)
	}
}

// applyVector stages the vector write for an edge created in this
// transaction and rolls the edge back if the vector cannot be persisted,
// keeping the pair atomic. Only fresh edges may use it: rolling back an
// edge that predates the transaction would destroy a committed fact.
func (db *DB) applyVector(edgeID storage.EdgeID, vec []float32) error {
	if vec == nil {
		return nil
	}

	if err := db.engine.PutVector(string(edgeID), vec); err != nil {
		if rollbackErr := db.graph.Remove(edgeID); rollbackErr != nil {
			return fmt.Errorf("munindb: vector write failed (%v) and edge rollback failed: %w", err, rollbackErr)
		}
		return fmt.Errorf("munindb: vector write failed, fact rolled back: %w", err)
	}
	return db.index.Upsert(string(edgeID), vec)
}

// backfillVector attaches a vector to an edge committed by an earlier
// ingest. The edge itself is never touched: on failure the fact stays
// symbolic and the skip is reported.
func (db *DB) backfillVector(edgeID storage.EdgeID, vec []float32, report *IngestReport) {
	if err := db.engine.PutVector(string(edgeID), vec); err != nil {
		report.SkippedEmbeddings++
		return
	}
	if err := db.index.Upsert(string(edgeID), vec); err != nil {
		report.SkippedEmbeddings++
	}
}

// replaceVector swaps the stored vector on an edge whose object just
// changed. The old vector describes retired text, so a nil or unwritable
// replacement clears it instead of leaving it stale.
func (db *DB) replaceVector(edgeID storage.EdgeID, vec []float32, report *IngestReport) {
	if vec == nil {
		db.clearVector(edgeID)
		return
	}
	if err := db.engine.PutVector(string(edgeID), vec); err != nil {
		db.clearVector(edgeID)
		report.SkippedEmbeddings++
		return
	}
	if err := db.index.Upsert(string(edgeID), vec); err != nil {
		db.clearVector(edgeID)
		report.SkippedEmbeddings++
	}
}

func (db *DB) clearVector(edgeID storage.EdgeID) {
	_ = db.engine.DeleteVector(string(edgeID))
	db.index.Remove(string(edgeID))
}

// embedWithRetry tries the embedder up to the configured retry budget with
// exponential backoff. Returns nil when every attempt fails.
func (db *DB) embedWithRetry(ctx context.Context, text string) []float32 {
	attempts := db.cfg.Embedding.MaxRetries + 1
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt < attempts; attempt++ {
		vec, err := db.embedder.Embed(ctx, text)
		if err == nil && len(vec) == db.cfg.Embedding.Dimensions {
			return vec
		}

		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil
}

func (db *DB) checkCapacity() error {
	if db.cfg.Storage.MaxBytes <= 0 {
		return nil
	}
	size, err := db.engine.EstimatedSize()
	if err != nil {
		return err
	}
	if size >= db.cfg.Storage.MaxBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrCapacityExceeded, size, db.cfg.Storage.MaxBytes)
	}
	return nil
}

func factText(t capability.Triple) string {
	return t.Subject + " " + t.Predicate + " " + t.Object
}

// Query describes one retrieval. Text drives vector similarity; the
// optional pattern fields drive symbolic matching. At least one side must
// be set.
type Query struct {
	Text string

	Subject   string
	Predicate string
	Object    string

	// TopK overrides the configured result count when positive.
	TopK int
}

// QueryResult is one retrieved fact with its fused relevance score.
type QueryResult struct {
	Edge *storage.Edge

	Subject   string
	Predicate string
	Object    string

	Similarity float64
	GraphScore float64
	Score      float64
}

// Query retrieves the facts most relevant to the request, fusing vector
// similarity with graph edge weight. Contributing facts are reinforced:
// retrieval is use, and use strengthens memory. An empty result set is
// reported to the curiosity queue as a knowledge gap.
func (db *DB) Query(ctx context.Context, q Query) ([]QueryResult, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}
	if q.Text == "" && q.Subject == "" && q.Predicate == "" && q.Object == "" {
		return nil, errors.New("munindb: empty query")
	}

	db.gate.RLock()
	defer db.gate.RUnlock()

	similarity := make(map[storage.EdgeID]float64)
	if q.Text != "" {
		if vec := db.embedWithRetry(ctx, q.Text); vec != nil {
			hits, err := db.index.QueryKNearest(vec, db.cfg.Query.KNN)
			if err != nil {
				return nil, err
			}
			for _, hit := range hits {
				similarity[storage.EdgeID(hit.ID)] = hit.Score
			}
		}
	}

	candidates := make(map[storage.EdgeID]*storage.Edge)
	for id := range similarity {
		edge, err := db.engine.GetEdge(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		candidates[id] = edge
	}

	if q.Subject != "" || q.Predicate != "" || q.Object != "" {
		matches, err := db.graph.QueryPattern(q.Subject, q.Predicate, q.Object)
		if err != nil {
			return nil, err
		}
		for _, edge := range matches {
			candidates[edge.ID] = edge
		}

		// A subject-only query is a browse: pull in the subject's
		// neighborhood so related facts surface even without lexical
		// overlap. Explicit predicate or object patterns stay precise.
		if q.Subject != "" && q.Predicate == "" && q.Object == "" {
			neighbors, err := db.graph.QueryNeighbors(q.Subject, db.cfg.Query.MaxHops, 0)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				outgoing, err := db.engine.GetOutgoingEdges(n.Node.ID)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return nil, err
				}
				for _, edge := range outgoing {
					if _, ok := candidates[edge.ID]; !ok {
						candidates[edge.ID] = edge
					}
				}
			}
		}
	}

	results := make([]QueryResult, 0, len(candidates))
	for id, edge := range candidates {
		r := QueryResult{
			Edge:       edge,
			Similarity: similarity[id],
			GraphScore: edge.Weight,
		}
		r.Score = db.cfg.Query.VectorWeight*r.Similarity + db.cfg.Query.GraphWeight*r.GraphScore
		r.Subject, r.Predicate, r.Object = db.labelsFor(edge)
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Edge.ID < results[j].Edge.ID
	})

	topK := q.TopK
	if topK <= 0 {
		topK = db.cfg.Query.TopK
	}
	if len(results) > topK {
		results = results[:topK]
	}

	if len(results) == 0 {
		topic := q.Text
		if topic == "" {
			topic = q.Subject
		}
		db.prioritizer.ReportGap(topic)
		return nil, nil
	}

	// Hebbian reinforcement: the facts that answered get stronger.
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	for _, r := range results {
		if err := db.graph.Reinforce(r.Edge.ID, db.cfg.Memory.ReinforceDelta); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return results, nil
}

func (db *DB) labelsFor(edge *storage.Edge) (subject, predicate, object string) {
	subject, object = string(edge.Subject), string(edge.Object)
	if node, err := db.engine.GetNode(edge.Subject); err == nil {
		subject = node.Label
	}
	if node, err := db.engine.GetNode(edge.Object); err == nil {
		object = node.Label
	}
	return subject, edge.Predicate, object
}

// GroundingFacts renders results in the stable grounding format consumed by
// downstream generators: "(subject, predicate, object, confidence)".
func GroundingFacts(results []QueryResult) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("(%s, %s, %s, %.2f)", r.Subject, r.Predicate, r.Object, r.Edge.Confidence))
	}
	return lines
}

// Answer runs a query and synthesizes a natural-language answer grounded in
// the retrieved facts.
func (db *DB) Answer(ctx context.Context, question string) (string, error) {
	results, err := db.Query(ctx, Query{Text: question})
	if err != nil {
		return "", err
	}
	return db.generator.Generate(ctx, question, GroundingFacts(results))
}

// RunSleepCycle runs one consolidation pass under an exclusive window: new
// writes queue until the cycle commits.
func (db *DB) RunSleepCycle(ctx context.Context) (*consolidate.Report, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}

	db.gate.Lock()
	defer db.gate.Unlock()

	report, err := db.consolidator.Run(ctx)
	if err != nil {
		return nil, err
	}

	db.statsMu.Lock()
	db.statsCache = &report.Stats
	db.statsMu.Unlock()
	return report, nil
}

// NextGap returns the highest-priority knowledge gap, or nil when none are
// queued.
func (db *DB) NextGap() *curiosity.Gap {
	return db.prioritizer.NextGap()
}

// ReportGap registers a topic the store should learn about.
func (db *DB) ReportGap(topic string) {
	db.prioritizer.ReportGap(topic)
}

// Stats returns store statistics. Counts and size are always live; the
// consolidation-derived fields (means, top uncertain topics) come from the
// last committed sleep cycle.
func (db *DB) Stats() (*consolidate.Stats, error) {
	if err := db.ensureOpen(); err != nil {
		return nil, err
	}

	db.statsMu.Lock()
	cached := db.statsCache
	db.statsMu.Unlock()

	if cached == nil {
		if loaded, err := consolidate.LoadStats(db.engine); err == nil {
			cached = loaded
		} else {
			cached = &consolidate.Stats{}
		}
	}

	stats := *cached
	var err error
	if stats.Nodes, err = db.engine.NodeCount(); err != nil {
		return nil, err
	}
	if stats.Edges, err = db.engine.EdgeCount(); err != nil {
		return nil, err
	}
	if stats.EstimatedBytes, err = db.engine.EstimatedSize(); err != nil {
		return nil, err
	}
	stats.CycleCount = db.graph.CurrentCycle()

	db.statsMu.Lock()
	db.statsCache = &stats
	db.statsMu.Unlock()
	return &stats, nil
}

// Engine exposes the storage engine for tooling and tests.
func (db *DB) Engine() storage.Engine {
	return db.engine
}
