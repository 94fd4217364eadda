// Package graph implements the symbolic knowledge graph: concept nodes,
// weighted fact edges, Hebbian reinforcement, and contradiction detection.
//
// The Store is the only component that writes graph rows. It keeps the
// invariants the rest of the engine relies on:
//
//   - (subject, predicate, object, scope) is unique
//   - edge weights and confidences stay in [0, 1]
//   - node degrees track live edges exactly
//   - functional predicates hold one object per subject in the default scope
//
// Contradictions are detected here but never resolved here; UpsertFact
// reports OutcomeConflict and leaves arbitration to the caller.
package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mathvector "github.com/orneryd/munindb/pkg/math/vector"
	"github.com/orneryd/munindb/pkg/storage"
)

// ErrInvalidFact is returned when a fact is missing a subject, predicate, or
// object, or carries an out-of-range confidence.
var ErrInvalidFact = errors.New("graph: invalid fact")

// Fact is one assertion to store.
type Fact struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	SourceID   string
	Scope      string
}

// Outcome describes what UpsertFact did.
type Outcome int

const (
	// OutcomeCreated means a new edge was written.
	OutcomeCreated Outcome = iota
	// OutcomeReinforced means the identical triple already existed and was
	// strengthened instead.
	OutcomeReinforced
	// OutcomeConflict means a functional predicate already holds a
	// different object; nothing was written.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeReinforced:
		return "reinforced"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// UpsertResult reports the outcome of one fact write. On OutcomeConflict,
// Edge is the incumbent the new fact contradicts.
type UpsertResult struct {
	Outcome Outcome
	Edge    *storage.Edge
}

// Neighbor is one node reached by QueryNeighbors.
type Neighbor struct {
	Node *storage.Node
	// Depth is the hop count of the best path.
	Depth int
	// PathWeight is the product of edge weights along the best path.
	PathWeight float64
}

// Policy decides which predicates are functional (one object per subject in
// the default scope).
type Policy struct {
	all        bool
	predicates map[string]bool
}

// NewPolicy builds a Policy from a predicate list. The entry "*" makes every
// predicate functional.
func NewPolicy(predicates []string) Policy {
	p := Policy{predicates: make(map[string]bool, len(predicates))}
	for _, pred := range predicates {
		if pred == "*" {
			p.all = true
			continue
		}
		p.predicates[pred] = true
	}
	return p
}

// Functional reports whether the predicate admits only one object per
// subject in the default scope.
func (p Policy) Functional(predicate string) bool {
	return p.all || p.predicates[predicate]
}

// Store is the knowledge graph write path.
type Store struct {
	engine storage.Engine
	policy Policy

	initialWeight  float64
	reinforceDelta float64

	// writeGen counts external mutations (upserts, reinforcement,
	// arbitration commits). Consolidation reads it to detect quiescence
	// and does not bump it, so a cycle over unchanged data is a no-op.
	writeGen atomic.Uint64

	// cycle is the current sleep-cycle counter, stamped onto new edges so
	// pruning can age them.
	cycle atomic.Int64
}

// NewStore opens a graph store over the engine, restoring the write
// generation and cycle counter from meta.
func NewStore(engine storage.Engine, policy Policy, initialWeight, reinforceDelta float64) (*Store, error) {
	s := &Store{
		engine:         engine,
		policy:         policy,
		initialWeight:  initialWeight,
		reinforceDelta: reinforceDelta,
	}

	gen, err := readMetaUint64(engine, storage.MetaWriteGeneration)
	if err != nil {
		return nil, err
	}
	s.writeGen.Store(gen)

	cycle, err := readMetaUint64(engine, storage.MetaCycleCount)
	if err != nil {
		return nil, err
	}
	s.cycle.Store(int64(cycle))

	return s, nil
}

// Engine exposes the underlying storage engine for read-side consumers.
func (s *Store) Engine() storage.Engine {
	return s.engine
}

// Policy returns the exclusivity policy in force.
func (s *Store) Policy() Policy {
	return s.policy
}

// WriteGeneration returns the current mutation counter.
func (s *Store) WriteGeneration() uint64 {
	return s.writeGen.Load()
}

// CurrentCycle returns the sleep-cycle counter stamped onto new edges.
func (s *Store) CurrentCycle() int64 {
	return s.cycle.Load()
}

// SetCycle updates the cycle counter after a committed sleep cycle.
func (s *Store) SetCycle(n int64) {
	s.cycle.Store(n)
}

func (s *Store) bumpWriteGeneration() error {
	gen := s.writeGen.Add(1)
	return writeMetaUint64(s.engine, storage.MetaWriteGeneration, gen)
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

// NodeIDForLabel derives the stable node ID for a concept label: lowercase,
// with non-alphanumeric runs collapsed to single underscores. Re-ingesting
// the same concept always lands on the same node.
func NodeIDForLabel(label string) storage.NodeID {
	var sb strings.Builder
	sb.Grow(len(label))
	pendingSep := false
	for _, r := range strings.ToLower(label) {
		alnum := ('a' <= r && r <= 'z') || ('0' <= r && r <= '9')
		if !alnum {
			pendingSep = sb.Len() > 0
			continue
		}
		if pendingSep {
			sb.WriteByte('_')
			pendingSep = false
		}
		sb.WriteRune(r)
	}
	return storage.NodeID(sb.String())
}

// kindForLabel classifies object values: bare numbers and booleans are
// literals, everything else is an entity.
func kindForLabel(label string) storage.NodeKind {
	trimmed := strings.TrimSpace(label)
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return storage.KindLiteral
	}
	if _, err := strconv.ParseBool(trimmed); err == nil {
		return storage.KindLiteral
	}
	return storage.KindEntity
}

func validateFact(f Fact) error {
	if strings.TrimSpace(f.Subject) == "" ||
		strings.TrimSpace(f.Predicate) == "" ||
		strings.TrimSpace(f.Object) == "" {
		return fmt.Errorf("%w: empty field in (%q, %q, %q)", ErrInvalidFact, f.Subject, f.Predicate, f.Object)
	}
	if f.Confidence <= 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence %g outside (0,1]", ErrInvalidFact, f.Confidence)
	}
	if NodeIDForLabel(f.Subject) == "" || NodeIDForLabel(f.Object) == "" {
		return fmt.Errorf("%w: label reduces to empty ID", ErrInvalidFact)
	}
	return nil
}

// UpsertFact writes one fact, returning whether it was created, reinforced,
// or rejected as a contradiction. On conflict nothing is mutated and the
// incumbent edge is returned for arbitration.
func (s *Store) UpsertFact(f Fact) (*UpsertResult, error) {
	if err := validateFact(f); err != nil {
		return nil, err
	}

	subjectID := NodeIDForLabel(f.Subject)
	objectID := NodeIDForLabel(f.Object)
	now := time.Now()

	// Identical triple: reinforce instead of duplicating.
	existing, err := s.engine.GetEdgeByTriple(subjectID, f.Predicate, objectID, f.Scope)
	if err == nil {
		existing.Weight = mathvector.Clamp01(existing.Weight + s.reinforceDelta)
		existing.Corroboration++
		if f.Confidence > existing.Confidence {
			existing.Confidence = f.Confidence
		}
		existing.LastUsedAt = now
		if err := s.engine.UpdateEdge(existing); err != nil {
			return nil, err
		}
		s.touchNodes(now, subjectID, objectID)
		if err := s.bumpWriteGeneration(); err != nil {
			return nil, err
		}
		return &UpsertResult{Outcome: OutcomeReinforced, Edge: existing}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Functional predicate in the default scope: a different live object is
	// a contradiction. Scoped assertions never conflict.
	if f.Scope == "" && s.policy.Functional(f.Predicate) {
		incumbent, err := s.findIncumbent(subjectID, f.Predicate)
		if err != nil {
			return nil, err
		}
		if incumbent != nil && incumbent.Object != objectID {
			return &UpsertResult{Outcome: OutcomeConflict, Edge: incumbent}, nil
		}
	}

	if err := s.ensureNode(subjectID, f.Subject, storage.KindEntity, now); err != nil {
		return nil, err
	}
	if err := s.ensureNode(objectID, f.Object, kindForLabel(f.Object), now); err != nil {
		return nil, err
	}

	edge := &storage.Edge{
		ID:            storage.EdgeID(uuid.NewString()),
		Subject:       subjectID,
		Predicate:     f.Predicate,
		Object:        objectID,
		Weight:        s.initialWeight,
		Confidence:    f.Confidence,
		Corroboration: 1,
		SourceID:      f.SourceID,
		Scope:         f.Scope,
		CreatedAt:     now,
		CreatedCycle:  s.cycle.Load(),
		LastUsedAt:    now,
	}
	if err := s.engine.CreateEdge(edge); err != nil {
		return nil, err
	}

	if err := s.adjustDegree(subjectID, 1, now); err != nil {
		return nil, err
	}
	if err := s.adjustDegree(objectID, 1, now); err != nil {
		return nil, err
	}
	if err := s.bumpWriteGeneration(); err != nil {
		return nil, err
	}
	return &UpsertResult{Outcome: OutcomeCreated, Edge: edge}, nil
}

// findIncumbent returns the subject's default-scope edge for a predicate,
// or nil when none exists.
func (s *Store) findIncumbent(subjectID storage.NodeID, predicate string) (*storage.Edge, error) {
	outgoing, err := s.engine.GetOutgoingEdges(subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var incumbent *storage.Edge
	for _, edge := range outgoing {
		if edge.Predicate != predicate || edge.Scope != "" {
			continue
		}
		// Deterministic pick if the invariant was ever violated.
		if incumbent == nil || edge.ID < incumbent.ID {
			incumbent = edge
		}
	}
	return incumbent, nil
}

func (s *Store) ensureNode(id storage.NodeID, label string, kind storage.NodeKind, now time.Time) error {
	_, err := s.engine.GetNode(id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	node := &storage.Node{
		ID:          id,
		Label:       label,
		Kind:        kind,
		CreatedAt:   now,
		LastTouched: now,
	}
	err = s.engine.CreateNode(node)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (s *Store) adjustDegree(id storage.NodeID, delta int, now time.Time) error {
	node, err := s.engine.GetNode(id)
	if err != nil {
		return err
	}
	node.Degree += delta
	if node.Degree < 0 {
		node.Degree = 0
	}
	node.LastTouched = now
	return s.engine.UpdateNode(node)
}

func (s *Store) touchNodes(now time.Time, ids ...storage.NodeID) {
	for _, id := range ids {
		node, err := s.engine.GetNode(id)
		if err != nil {
			continue
		}
		node.LastTouched = now
		_ = s.engine.UpdateNode(node)
	}
}

// QueryPattern returns edges matching the pattern. Empty strings are
// wildcards. Subject and object match by label-derived node ID; results are
// ordered by weight desc, then last use desc, then ID asc.
func (s *Store) QueryPattern(subject, predicate, object string) ([]*storage.Edge, error) {
	var candidates []*storage.Edge
	var err error

	switch {
	case subject != "":
		candidates, err = s.engine.GetOutgoingEdges(NodeIDForLabel(subject))
	case object != "":
		candidates, err = s.engine.GetIncomingEdges(NodeIDForLabel(object))
	default:
		candidates, err = s.engine.AllEdges()
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	objectID := NodeIDForLabel(object)
	subjectID := NodeIDForLabel(subject)
	matches := candidates[:0]
	for _, edge := range candidates {
		if subject != "" && edge.Subject != subjectID {
			continue
		}
		if predicate != "" && edge.Predicate != predicate {
			continue
		}
		if object != "" && edge.Object != objectID {
			continue
		}
		matches = append(matches, edge)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Weight != matches[j].Weight {
			return matches[i].Weight > matches[j].Weight
		}
		if !matches[i].LastUsedAt.Equal(matches[j].LastUsedAt) {
			return matches[i].LastUsedAt.After(matches[j].LastUsedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// QueryNeighbors walks the graph outward from a concept, treating edges as
// undirected, for at most maxDepth hops. Edges below minWeight are not
// traversed. Each reachable node keeps its best path: highest cumulative
// weight (product of edge weights), with shorter paths breaking ties.
// Results are ordered by path weight desc, then depth asc, then ID asc.
func (s *Store) QueryNeighbors(label string, maxDepth int, minWeight float64) ([]*Neighbor, error) {
	startID := NodeIDForLabel(label)
	if _, err := s.engine.GetNode(startID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if maxDepth < 1 {
		return nil, nil
	}

	type candidate struct {
		weight float64
		depth  int
	}
	best := map[storage.NodeID]candidate{startID: {weight: 1, depth: 0}}

	// Bounded-hop relaxation: a node's best path may improve through a
	// heavier route discovered at a later depth, so every frontier node is
	// re-expanded each round until maxDepth.
	frontier := []storage.NodeID{startID}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

		next := make(map[storage.NodeID]struct{})
		for _, nodeID := range frontier {
			from := best[nodeID]

			outgoing, err := s.engine.GetOutgoingEdges(nodeID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			incoming, err := s.engine.GetIncomingEdges(nodeID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}

			for _, edge := range append(outgoing, incoming...) {
				if edge.Weight < minWeight {
					continue
				}
				other := edge.Object
				if other == nodeID {
					other = edge.Subject
				}
				if other == startID {
					continue
				}

				weight := from.weight * edge.Weight
				prev, seen := best[other]
				if seen && (prev.weight > weight || (prev.weight == weight && prev.depth <= depth)) {
					continue
				}
				best[other] = candidate{weight: weight, depth: depth}
				next[other] = struct{}{}
			}
		}

		frontier = frontier[:0]
		for id := range next {
			frontier = append(frontier, id)
		}
	}

	neighbors := make([]*Neighbor, 0, len(best)-1)
	for id, c := range best {
		if id == startID {
			continue
		}
		node, err := s.engine.GetNode(id)
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, &Neighbor{Node: node, Depth: c.depth, PathWeight: c.weight})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].PathWeight != neighbors[j].PathWeight {
			return neighbors[i].PathWeight > neighbors[j].PathWeight
		}
		if neighbors[i].Depth != neighbors[j].Depth {
			return neighbors[i].Depth < neighbors[j].Depth
		}
		return neighbors[i].Node.ID < neighbors[j].Node.ID
	})
	return neighbors, nil
}

// Reinforce strengthens an edge by delta and marks it used.
func (s *Store) Reinforce(edgeID storage.EdgeID, delta float64) error {
	edge, err := s.engine.GetEdge(edgeID)
	if err != nil {
		return err
	}

	edge.Weight = mathvector.Clamp01(edge.Weight + delta)
	edge.LastUsedAt = time.Now()
	if err := s.engine.UpdateEdge(edge); err != nil {
		return err
	}
	return s.bumpWriteGeneration()
}

// Decay multiplies an edge's weight by factor without marking it used.
// Called from the sleep cycle; intentionally does not bump the write
// generation so that consolidation stays a no-op over unchanged data.
func (s *Store) Decay(edgeID storage.EdgeID, factor float64) error {
	edge, err := s.engine.GetEdge(edgeID)
	if err != nil {
		return err
	}

	edge.Weight = mathvector.Clamp01(edge.Weight * factor)
	return s.engine.UpdateEdge(edge)
}

// Remove deletes an edge, its vector, and any endpoint node orphaned by the
// removal that is not a SuperConcept member.
func (s *Store) Remove(edgeID storage.EdgeID) error {
	protected, err := s.protectedNodes()
	if err != nil {
		return err
	}
	return s.removeEdge(edgeID, protected)
}

// RemoveAll deletes a batch of edges, computing SuperConcept protection once.
func (s *Store) RemoveAll(edgeIDs []storage.EdgeID) error {
	protected, err := s.protectedNodes()
	if err != nil {
		return err
	}
	for _, id := range edgeIDs {
		if err := s.removeEdge(id, protected); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Store) protectedNodes() (map[storage.NodeID]bool, error) {
	supers, err := s.engine.AllSuperConcepts()
	if err != nil {
		return nil, err
	}
	protected := make(map[storage.NodeID]bool)
	for _, sc := range supers {
		protected[NodeIDForLabel(sc.ID)] = true
		for _, member := range sc.Members {
			protected[member] = true
		}
	}
	return protected, nil
}

func (s *Store) removeEdge(edgeID storage.EdgeID, protected map[storage.NodeID]bool) error {
	edge, err := s.engine.GetEdge(edgeID)
	if err != nil {
		return err
	}
	if err := s.engine.DeleteEdge(edgeID); err != nil {
		return err
	}
	_ = s.engine.DeleteVector(string(edgeID))

	now := time.Now()
	for _, id := range []storage.NodeID{edge.Subject, edge.Object} {
		if err := s.adjustDegree(id, -1, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if protected[id] {
			continue
		}
		node, err := s.engine.GetNode(id)
		if err != nil {
			continue
		}
		if node.Degree == 0 {
			if err := s.engine.DeleteNode(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// ReplaceObject rewrites an edge to point at a new object. Used when
// arbitration rules for the challenger: the incumbent edge keeps its
// identity (and vector row ID) but its object, confidence, source, and
// corroboration restart.
func (s *Store) ReplaceObject(edgeID storage.EdgeID, newObject string, confidence float64, sourceID string) error {
	if strings.TrimSpace(newObject) == "" {
		return fmt.Errorf("%w: empty object", ErrInvalidFact)
	}

	edge, err := s.engine.GetEdge(edgeID)
	if err != nil {
		return err
	}

	now := time.Now()
	newObjectID := NodeIDForLabel(newObject)
	oldObjectID := edge.Object
	if err := s.ensureNode(newObjectID, newObject, kindForLabel(newObject), now); err != nil {
		return err
	}

	edge.Object = newObjectID
	edge.Confidence = mathvector.Clamp01(confidence)
	edge.Corroboration = 1
	edge.Weight = s.initialWeight
	edge.SourceID = sourceID
	edge.LastUsedAt = now
	if err := s.engine.UpdateEdge(edge); err != nil {
		return err
	}

	if newObjectID != oldObjectID {
		if err := s.adjustDegree(newObjectID, 1, now); err != nil {
			return err
		}
		if err := s.adjustDegree(oldObjectID, -1, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		protected, err := s.protectedNodes()
		if err != nil {
			return err
		}
		if !protected[oldObjectID] {
			if node, err := s.engine.GetNode(oldObjectID); err == nil && node.Degree == 0 {
				_ = s.engine.DeleteNode(oldObjectID)
			}
		}
	}
	return s.bumpWriteGeneration()
}

// ScopeEdge tags an edge with a scope, moving it out of the default scope so
// it no longer contradicts anything. Used by KeepBothScoped verdicts.
func (s *Store) ScopeEdge(edgeID storage.EdgeID, scope string) error {
	if scope == "" {
		return fmt.Errorf("%w: empty scope", ErrInvalidFact)
	}

	edge, err := s.engine.GetEdge(edgeID)
	if err != nil {
		return err
	}
	if edge.Scope == scope {
		return nil
	}

	edge.Scope = scope
	if err := s.engine.UpdateEdge(edge); err != nil {
		return err
	}
	return s.bumpWriteGeneration()
}
