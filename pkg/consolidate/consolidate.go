// Package consolidate implements the sleep cycle: the offline pass that
// compacts, decays, prunes, and generalizes the knowledge graph.
//
// A cycle runs five ordered steps over a quiesced store:
//
//  1. dedup      - merge accidental duplicate triples (defensive; the
//                  storage layer's uniqueness index should prevent them)
//  2. decay      - weaken edges unused since the previous cycle
//  3. prune      - remove old edges whose weight fell below threshold
//  4. generalize - promote shared (predicate, object) patterns into
//                  SuperConcepts
//  5. stats      - recompute store statistics and rescan curiosity gaps
//
// Cycles are idempotent: if nothing was written since the last committed
// cycle, Run returns immediately and mutates nothing, so back-to-back
// cycles leave the store byte-identical.
package consolidate

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/orneryd/munindb/pkg/curiosity"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/storage"
)

// memberOfPredicate links SuperConcept members to their abstraction node.
const memberOfPredicate = "member_of"

// Options tune the cycle.
type Options struct {
	// DecayFactor multiplies the weight of edges unused since the last
	// cycle.
	DecayFactor float64

	// PruneThreshold is the weight below which aged edges are removed.
	PruneThreshold float64

	// RetentionCycles protects young edges from pruning.
	RetentionCycles int

	// GeneralizeMinShared is how many subjects must share a (predicate,
	// object) pair before a SuperConcept forms.
	GeneralizeMinShared int

	// GeneralizeMinWeight excludes weak edges from contributing to a
	// SuperConcept. Zero means 0.2.
	GeneralizeMinWeight float64

	// NoisePrune removes single-corroboration, never-reinforced edges from
	// low-trust sources before decay runs.
	NoisePrune bool

	// NoiseTrustCeiling marks sources at or below this trust as noise
	// candidates.
	NoiseTrustCeiling float64

	// TopGaps is how many uncertain topics the stats snapshot keeps.
	TopGaps int
}

// Stats is the store summary recomputed at the end of each cycle.
type Stats struct {
	Nodes          int64
	Edges          int64
	SuperConcepts  int
	MeanConfidence float64
	MeanWeight     float64
	EstimatedBytes int64
	CycleCount     int64
	LastCycleTime  time.Time
	// TopUncertainTopics are the highest-priority curiosity gaps.
	TopUncertainTopics []string
}

// Report describes what one cycle did.
type Report struct {
	Cycle    int64
	Skipped  bool
	Duration time.Duration

	Deduped             int
	NoisePruned         int
	Decayed             int
	Pruned              int
	SuperConceptsNew    int
	SuperConceptMembers int

	Stats Stats
}

// Consolidator runs sleep cycles. The caller is responsible for exclusivity:
// no writes may be in flight while Run executes.
type Consolidator struct {
	store       *graph.Store
	prioritizer *curiosity.Prioritizer
	opts        Options

	// onEdgeRemoved fires after a pruned edge is gone, so external indexes
	// (the in-RAM vector index) can evict the row.
	onEdgeRemoved func(storage.EdgeID)
}

// New creates a Consolidator.
func New(store *graph.Store, prioritizer *curiosity.Prioritizer, opts Options) *Consolidator {
	if opts.TopGaps <= 0 {
		opts.TopGaps = 5
	}
	if opts.GeneralizeMinWeight <= 0 {
		opts.GeneralizeMinWeight = 0.2
	}
	return &Consolidator{store: store, prioritizer: prioritizer, opts: opts}
}

// OnEdgeRemoved sets a callback invoked for every edge the cycle removes.
func (c *Consolidator) OnEdgeRemoved(fn func(storage.EdgeID)) {
	c.onEdgeRemoved = fn
}

// Run executes one sleep cycle. If no external writes happened since the
// last committed cycle, it returns a skipped report without touching the
// store.
func (c *Consolidator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	engine := c.store.Engine()

	gen := c.store.WriteGeneration()
	lastGen, cycleCount, lastCycleTime, err := c.readCheckpoint()
	if err != nil {
		return nil, err
	}

	report := &Report{Cycle: cycleCount}

	if cycleCount > 0 && gen == lastGen {
		stats, err := c.computeStats(cycleCount, lastCycleTime)
		if err != nil {
			return nil, err
		}
		report.Skipped = true
		report.Stats = *stats
		report.Duration = time.Since(start)
		return report, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	edges, err := engine.AllEdges()
	if err != nil {
		return nil, err
	}

	if report.Deduped, err = c.dedup(edges); err != nil {
		return nil, err
	}
	if c.opts.NoisePrune {
		if report.NoisePruned, err = c.pruneNoise(); err != nil {
			return nil, err
		}
	}
	if report.Decayed, err = c.decay(lastCycleTime); err != nil {
		return nil, err
	}
	if report.Pruned, err = c.prune(cycleCount); err != nil {
		return nil, err
	}
	if report.SuperConceptsNew, report.SuperConceptMembers, err = c.generalize(); err != nil {
		return nil, err
	}

	// Commit the checkpoint before stats so a stats failure cannot leave
	// the mutating steps unrecorded.
	newCycle := cycleCount + 1
	now := time.Now()
	if err := c.writeCheckpoint(c.store.WriteGeneration(), newCycle, now); err != nil {
		return nil, err
	}
	c.store.SetCycle(newCycle)

	stats, err := c.computeStats(newCycle, now)
	if err != nil {
		return nil, err
	}
	if err := c.persistStats(stats); err != nil {
		return nil, err
	}

	report.Cycle = newCycle
	report.Stats = *stats
	report.Duration = time.Since(start)

	log.Printf("sleep cycle %d: deduped=%d noise=%d decayed=%d pruned=%d superconcepts+%d members+%d (%s)",
		newCycle, report.Deduped, report.NoisePruned, report.Decayed, report.Pruned,
		report.SuperConceptsNew, report.SuperConceptMembers, report.Duration.Round(time.Millisecond))
	return report, nil
}

func (c *Consolidator) readCheckpoint() (gen uint64, cycle int64, lastCycle time.Time, err error) {
	engine := c.store.Engine()

	gen, err = readMetaUint64(engine, storage.MetaConsolidatedGeneration)
	if err != nil {
		return 0, 0, time.Time{}, err
	}

	rawCycle, err := readMetaUint64(engine, storage.MetaCycleCount)
	if err != nil {
		return 0, 0, time.Time{}, err
	}

	data, err := engine.GetMeta(storage.MetaLastCycleTime)
	if errors.Is(err, storage.ErrNotFound) {
		return gen, int64(rawCycle), time.Time{}, nil
	}
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("corrupt last cycle time: %w", err)
	}
	return gen, int64(rawCycle), t, nil
}

func (c *Consolidator) writeCheckpoint(gen uint64, cycle int64, now time.Time) error {
	engine := c.store.Engine()
	if err := writeMetaUint64(engine, storage.MetaConsolidatedGeneration, gen); err != nil {
		return err
	}
	if err := writeMetaUint64(engine, storage.MetaCycleCount, uint64(cycle)); err != nil {
		return err
	}
	return engine.PutMeta(storage.MetaLastCycleTime, []byte(now.Format(time.RFC3339Nano)))
}

func readMetaUint64(engine storage.Engine, key string) (uint64, error) {
	data, err := engine.GetMeta(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, storage.ErrInvalidData
	}
	return binary.BigEndian.Uint64(data), nil
}

func writeMetaUint64(engine storage.Engine, key string, value uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, value)
	return engine.PutMeta(key, data)
}

// dedup merges edges sharing a (subject, predicate, object, scope) key. The
// storage index makes duplicates impossible through the normal write path,
// so this guards against externally restored or hand-edited data.
func (c *Consolidator) dedup(edges []*storage.Edge) (int, error) {
	type key struct {
		subject   storage.NodeID
		predicate string
		object    storage.NodeID
		scope     string
	}

	seen := make(map[key]*storage.Edge, len(edges))
	var doomed []storage.EdgeID
	merged := 0

	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	for _, edge := range edges {
		k := key{edge.Subject, edge.Predicate, edge.Object, edge.Scope}
		keeper, dup := seen[k]
		if !dup {
			seen[k] = edge
			continue
		}

		keeper.Corroboration += edge.Corroboration
		if edge.Weight > keeper.Weight {
			keeper.Weight = edge.Weight
		}
		if edge.Confidence > keeper.Confidence {
			keeper.Confidence = edge.Confidence
		}
		if edge.LastUsedAt.After(keeper.LastUsedAt) {
			keeper.LastUsedAt = edge.LastUsedAt
		}
		if err := c.store.Engine().UpdateEdge(keeper); err != nil {
			return merged, err
		}
		doomed = append(doomed, edge.ID)
		merged++
	}

	if len(doomed) > 0 {
		if err := c.removeEdges(doomed); err != nil {
			return merged, err
		}
	}
	return merged, nil
}

// pruneNoise drops edges that were asserted once by a low-trust source and
// never earned reinforcement.
func (c *Consolidator) pruneNoise() (int, error) {
	engine := c.store.Engine()
	edges, err := engine.AllEdges()
	if err != nil {
		return 0, err
	}

	trust := make(map[string]float64)
	var doomed []storage.EdgeID
	for _, edge := range edges {
		if edge.Corroboration > 1 || edge.Predicate == memberOfPredicate {
			continue
		}

		t, ok := trust[edge.SourceID]
		if !ok {
			src, err := engine.GetSource(edge.SourceID)
			if err != nil {
				t = 0.5
			} else {
				t = src.Trust
			}
			trust[edge.SourceID] = t
		}
		if t <= c.opts.NoiseTrustCeiling {
			doomed = append(doomed, edge.ID)
		}
	}

	if err := c.removeEdges(doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// decay weakens every edge not used since the previous cycle. On the first
// cycle there is no previous cycle, so nothing decays.
func (c *Consolidator) decay(lastCycleTime time.Time) (int, error) {
	if lastCycleTime.IsZero() {
		return 0, nil
	}

	edges, err := c.store.Engine().AllEdges()
	if err != nil {
		return 0, err
	}

	decayed := 0
	for _, edge := range edges {
		// Abstraction edges are maintained by consolidation itself and are
		// not subject to usage decay.
		if edge.Predicate == memberOfPredicate {
			continue
		}
		if edge.LastUsedAt.After(lastCycleTime) {
			continue
		}
		if err := c.store.Decay(edge.ID, c.opts.DecayFactor); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

// prune removes edges whose weight fell below threshold, provided they have
// survived the retention window. Young edges are spared regardless of
// weight.
func (c *Consolidator) prune(currentCycle int64) (int, error) {
	edges, err := c.store.Engine().AllEdges()
	if err != nil {
		return 0, err
	}

	var doomed []storage.EdgeID
	for _, edge := range edges {
		if edge.Predicate == memberOfPredicate {
			continue
		}
		if edge.Weight >= c.opts.PruneThreshold {
			continue
		}
		if currentCycle-edge.CreatedCycle <= int64(c.opts.RetentionCycles) {
			continue
		}
		doomed = append(doomed, edge.ID)
	}

	if err := c.removeEdges(doomed); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func (c *Consolidator) removeEdges(ids []storage.EdgeID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.store.RemoveAll(ids); err != nil {
		return err
	}
	if c.onEdgeRemoved != nil {
		for _, id := range ids {
			c.onEdgeRemoved(id)
		}
	}
	return nil
}

// generalize finds (predicate, object) pairs shared by enough distinct
// subjects and promotes each into a SuperConcept: an abstraction node that
// members link to via member_of edges. SuperConcepts are keyed by their
// pattern, so re-running only adds newly qualifying members.
func (c *Consolidator) generalize() (created, membersAdded int, err error) {
	engine := c.store.Engine()
	edges, err := engine.AllEdges()
	if err != nil {
		return 0, 0, err
	}

	type pattern struct {
		predicate string
		object    storage.NodeID
	}
	subjects := make(map[pattern]map[storage.NodeID]bool)
	weights := make(map[pattern][]float64)
	for _, edge := range edges {
		if edge.Scope != "" || edge.Predicate == memberOfPredicate {
			continue
		}
		if edge.Weight < c.opts.GeneralizeMinWeight {
			continue
		}
		p := pattern{edge.Predicate, edge.Object}
		if subjects[p] == nil {
			subjects[p] = make(map[storage.NodeID]bool)
		}
		subjects[p][edge.Subject] = true
		weights[p] = append(weights[p], edge.Weight)
	}

	// Deterministic processing order.
	patterns := make([]pattern, 0, len(subjects))
	for p := range subjects {
		if len(subjects[p]) >= c.opts.GeneralizeMinShared {
			patterns = append(patterns, p)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].predicate != patterns[j].predicate {
			return patterns[i].predicate < patterns[j].predicate
		}
		return patterns[i].object < patterns[j].object
	})

	now := time.Now()
	for _, p := range patterns {
		superID := fmt.Sprintf("super:%s|%s", p.predicate, p.object)
		superNodeID := graph.NodeIDForLabel(superID)

		sc, err := engine.GetSuperConcept(superID)
		if errors.Is(err, storage.ErrNotFound) {
			sc = &storage.SuperConcept{
				ID:        superID,
				Predicate: p.predicate,
				Object:    p.object,
				CreatedAt: now,
			}
			if err := c.ensureSuperNode(superNodeID, superID, now); err != nil {
				return created, membersAdded, err
			}
			created++
		} else if err != nil {
			return created, membersAdded, err
		}

		var mean float64
		for _, w := range weights[p] {
			mean += w
		}
		mean /= float64(len(weights[p]))

		members := make([]storage.NodeID, 0, len(subjects[p]))
		for id := range subjects[p] {
			members = append(members, id)
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

		grew := false
		for _, member := range members {
			if sc.HasMember(member) {
				continue
			}
			if err := c.linkMember(member, superNodeID, mean, now); err != nil {
				return created, membersAdded, err
			}
			sc.Members = append(sc.Members, member)
			grew = true
			membersAdded++
		}
		if grew {
			if err := engine.PutSuperConcept(sc); err != nil {
				return created, membersAdded, err
			}
		}
	}
	return created, membersAdded, nil
}

func (c *Consolidator) ensureSuperNode(id storage.NodeID, label string, now time.Time) error {
	engine := c.store.Engine()
	if _, err := engine.GetNode(id); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return engine.CreateNode(&storage.Node{
		ID:          id,
		Label:       label,
		Kind:        storage.KindSuper,
		CreatedAt:   now,
		LastTouched: now,
	})
}

// linkMember writes the member_of abstraction edge directly through the
// engine. Going through UpsertFact would bump the write generation and make
// generalization look like external writes, breaking cycle idempotence.
func (c *Consolidator) linkMember(member, superNode storage.NodeID, weight float64, now time.Time) error {
	engine := c.store.Engine()

	if _, err := engine.GetEdgeByTriple(member, memberOfPredicate, superNode, ""); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	edge := &storage.Edge{
		ID:            storage.EdgeID(fmt.Sprintf("member:%s>%s", member, superNode)),
		Subject:       member,
		Predicate:     memberOfPredicate,
		Object:        superNode,
		Weight:        weight,
		Confidence:    1,
		Corroboration: 1,
		SourceID:      "consolidation",
		CreatedAt:     now,
		CreatedCycle:  c.store.CurrentCycle(),
		LastUsedAt:    now,
	}
	if err := engine.CreateEdge(edge); err != nil {
		return err
	}

	for _, id := range []storage.NodeID{member, superNode} {
		node, err := engine.GetNode(id)
		if err != nil {
			return err
		}
		node.Degree++
		node.LastTouched = now
		if err := engine.UpdateNode(node); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consolidator) computeStats(cycle int64, lastCycleTime time.Time) (*Stats, error) {
	engine := c.store.Engine()

	nodes, err := engine.NodeCount()
	if err != nil {
		return nil, err
	}
	edgeCount, err := engine.EdgeCount()
	if err != nil {
		return nil, err
	}
	size, err := engine.EstimatedSize()
	if err != nil {
		return nil, err
	}
	supers, err := engine.AllSuperConcepts()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Nodes:          nodes,
		Edges:          edgeCount,
		SuperConcepts:  len(supers),
		EstimatedBytes: size,
		CycleCount:     cycle,
		LastCycleTime:  lastCycleTime,
	}

	edges, err := engine.AllEdges()
	if err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		var confSum, weightSum float64
		for _, edge := range edges {
			confSum += edge.Confidence
			weightSum += edge.Weight
		}
		stats.MeanConfidence = confSum / float64(len(edges))
		stats.MeanWeight = weightSum / float64(len(edges))
	}

	if c.prioritizer != nil {
		if err := c.prioritizer.Rescan(engine); err != nil {
			return nil, err
		}
		for _, gap := range c.prioritizer.Snapshot(c.opts.TopGaps) {
			stats.TopUncertainTopics = append(stats.TopUncertainTopics, gap.Topic)
		}
	}
	return stats, nil
}

func (c *Consolidator) persistStats(stats *Stats) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stats); err != nil {
		return err
	}
	return c.store.Engine().PutMeta(storage.MetaStatsSnapshot, buf.Bytes())
}

// LoadStats reads the last persisted stats snapshot.
func LoadStats(engine storage.Engine) (*Stats, error) {
	data, err := engine.GetMeta(storage.MetaStatsSnapshot)
	if err != nil {
		return nil, err
	}
	var stats Stats
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
