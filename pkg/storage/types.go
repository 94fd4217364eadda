// Package storage provides storage engine implementations for MuninDB.
//
// The engine persists five logical tables: concept nodes, fact edges,
// sources, vectors, and super-concepts, plus a small metadata keyspace used
// by the consolidation engine (cycle counter, write generation, stats
// snapshot). Two implementations exist:
//
//   - MemoryEngine: thread-safe in-memory maps, used for tests and
//     ephemeral databases.
//   - BadgerEngine: persistent disk storage on BadgerDB with ACID
//     transactions and secondary indexes.
//
// Engines store raw rows and maintain indexes; all knowledge-graph semantics
// (uniqueness of triples, reinforcement, exclusivity, traversal) live in
// pkg/graph, which is the only writer above this layer.
package storage

import (
	"errors"
	"time"
)

// Errors returned by storage engines.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidID     = errors.New("invalid identifier")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage engine is closed")
	ErrDimension     = errors.New("vector dimension mismatch")
)

// NodeID identifies a concept node. Node IDs are stable across the lifetime
// of the store; the graph layer derives them from concept labels so that the
// same label always addresses the same arena slot.
type NodeID string

// EdgeID identifies a fact edge.
type EdgeID string

// NodeKind classifies a concept node.
type NodeKind string

const (
	// KindEntity is a regular concept referenced as subject or object.
	KindEntity NodeKind = "entity"
	// KindLiteral is an object-position value (number, date, quoted text)
	// that is stored as a node so the arena stays uniform.
	KindLiteral NodeKind = "literal"
	// KindSuper is an abstraction node created by the consolidation engine.
	KindSuper NodeKind = "super"
)

// Node is a concept in the knowledge graph.
//
// Nodes are created on first reference by any fact and are only removed when
// pruning deletes their last edge and they belong to no SuperConcept. Degree
// is a cached count of incident edges maintained by the graph layer.
type Node struct {
	ID          NodeID    `json:"id"`
	Label       string    `json:"label"`
	Kind        NodeKind  `json:"kind"`
	Degree      int       `json:"degree"`
	CreatedAt   time.Time `json:"created_at"`
	LastTouched time.Time `json:"last_touched"`
}

// Edge is a weighted fact: (Subject, Predicate, Object) plus provenance.
//
// Weight is the Hebbian reinforcement value (grows with use, decays with
// disuse); Confidence is epistemic trust in the assertion. Both are clamped
// to [0, 1] by every mutation path. Scope is empty for ordinary facts; the
// truth arbitration unit assigns disjoint scope tags when it keeps two
// otherwise-conflicting facts.
type Edge struct {
	ID            EdgeID    `json:"id"`
	Subject       NodeID    `json:"subject"`
	Predicate     string    `json:"predicate"`
	Object        NodeID    `json:"object"`
	Weight        float64   `json:"weight"`
	Confidence    float64   `json:"confidence"`
	Corroboration int       `json:"corroboration"`
	SourceID      string    `json:"source_id"`
	Scope         string    `json:"scope,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedCycle  int64     `json:"created_cycle"`
	LastUsedAt    time.Time `json:"last_used_at"`
}

// Source records the provenance of ingested facts. Immutable once created;
// trust recalculation is governance logic outside this engine.
type Source struct {
	ID         string    `json:"id"`
	Trust      float64   `json:"trust"`
	IngestedAt time.Time `json:"ingested_at"`
}

// SuperConcept is an abstraction node produced by the generalization step of
// the sleep cycle: a set of member nodes that share a (predicate, object)
// pattern. Only the consolidation engine creates or extends these.
type SuperConcept struct {
	ID        string    `json:"id"`
	Members   []NodeID  `json:"members"`
	Predicate string    `json:"predicate"`
	Object    NodeID    `json:"object"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the node belongs to this SuperConcept.
func (sc *SuperConcept) HasMember(id NodeID) bool {
	for _, m := range sc.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Engine is the storage abstraction shared by the in-memory and Badger
// implementations. All methods are safe for concurrent use. Implementations
// return deep copies; callers may mutate results freely.
type Engine interface {
	// Nodes
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error
	AllNodes() ([]*Node, error)

	// Edges
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error
	AllEdges() ([]*Edge, error)

	// GetEdgeByTriple resolves the triple-uniqueness index:
	// exactly one edge may exist per (subject, predicate, object, scope).
	GetEdgeByTriple(subject NodeID, predicate string, object NodeID, scope string) (*Edge, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)

	// Sources
	PutSource(src *Source) error
	GetSource(id string) (*Source, error)

	// Vectors (embedding rows keyed by fact/chunk identifier)
	PutVector(id string, vec []float32) error
	GetVector(id string) ([]float32, error)
	DeleteVector(id string) error
	AllVectors() (map[string][]float32, error)

	// SuperConcepts
	PutSuperConcept(sc *SuperConcept) error
	GetSuperConcept(id string) (*SuperConcept, error)
	DeleteSuperConcept(id string) error
	AllSuperConcepts() ([]*SuperConcept, error)

	// Metadata keyspace (cycle counter, write generation, stats snapshot)
	PutMeta(key string, value []byte) error
	GetMeta(key string) ([]byte, error)

	// Counts and admission control
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
	// EstimatedSize returns the approximate on-disk (or in-RAM) footprint in
	// bytes. The memory manager compares it against the capacity ceiling.
	EstimatedSize() (int64, error)

	Close() error
}

// copyNode creates a deep copy of a node.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	copied := *n
	return &copied
}

// copyEdge creates a deep copy of an edge.
func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	copied := *e
	return &copied
}

// copySuperConcept creates a deep copy of a SuperConcept.
func copySuperConcept(sc *SuperConcept) *SuperConcept {
	if sc == nil {
		return nil
	}
	copied := *sc
	copied.Members = make([]NodeID, len(sc.Members))
	copy(copied.Members, sc.Members)
	return &copied
}

// copyVector creates a copy of an embedding row.
func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	copied := make([]float32, len(v))
	copy(copied, v)
	return copied
}
