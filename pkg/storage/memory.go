package storage

import (
	"sync"
)

// MemoryEngine is a thread-safe in-memory implementation of Engine.
// It's useful for:
//   - Unit testing (no disk I/O)
//   - Ephemeral databases (empty data directory)
//   - Small knowledge bases that fit in RAM
type MemoryEngine struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	edges    map[EdgeID]*Edge
	sources  map[string]*Source
	vectors  map[string][]float32
	supers   map[string]*SuperConcept
	meta     map[string][]byte

	// Indexes for efficient lookups
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}
	tripleIndex   map[tripleKey]EdgeID

	// Approximate footprint bookkeeping for capacity admission
	sizeBytes int64

	closed bool
}

// tripleKey implements the (subject, predicate, object, scope) uniqueness
// index without string concatenation ambiguity.
type tripleKey struct {
	subject   NodeID
	predicate string
	object    NodeID
	scope     string
}

func edgeTripleKey(e *Edge) tripleKey {
	return tripleKey{subject: e.Subject, predicate: e.Predicate, object: e.Object, scope: e.Scope}
}

// Rough per-row size estimates. Capacity admission only needs to be in the
// right ballpark; exact accounting would require serializing every row.
const (
	approxNodeBytes  = 160
	approxEdgeBytes  = 240
	approxSuperBytes = 200
)

// NewMemoryEngine creates a new in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		sources:       make(map[string]*Source),
		vectors:       make(map[string][]float32),
		supers:        make(map[string]*SuperConcept),
		meta:          make(map[string][]byte),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		tripleIndex:   make(map[tripleKey]EdgeID),
	}
}

// CreateNode creates a new node.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.nodes[node.ID] = copyNode(node)
	m.sizeBytes += approxNodeBytes
	return nil
}

// GetNode retrieves a node by ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyNode(node), nil
}

// UpdateNode updates an existing node.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[node.ID]; !exists {
		return ErrNotFound
	}

	m.nodes[node.ID] = copyNode(node)
	return nil
}

// DeleteNode removes a node and all its edges.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.nodes[id]; !exists {
		return ErrNotFound
	}

	// Delete all outgoing edges
	if outgoing := m.outgoingEdges[id]; outgoing != nil {
		for edgeID := range outgoing {
			m.deleteEdgeLocked(edgeID)
		}
	}

	// Delete all incoming edges
	if incoming := m.incomingEdges[id]; incoming != nil {
		for edgeID := range incoming {
			m.deleteEdgeLocked(edgeID)
		}
	}

	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	delete(m.nodes, id)
	m.sizeBytes -= approxNodeBytes
	return nil
}

// AllNodes returns all nodes in the storage.
func (m *MemoryEngine) AllNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, copyNode(node))
	}
	return nodes, nil
}

// CreateEdge creates a new edge. Both endpoints must exist and the
// (subject, predicate, object, scope) combination must be unused.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := m.nodes[edge.Subject]; !exists {
		return ErrNotFound
	}
	if _, exists := m.nodes[edge.Object]; !exists {
		return ErrNotFound
	}
	key := edgeTripleKey(edge)
	if _, exists := m.tripleIndex[key]; exists {
		return ErrAlreadyExists
	}

	m.edges[edge.ID] = copyEdge(edge)
	m.tripleIndex[key] = edge.ID

	if m.outgoingEdges[edge.Subject] == nil {
		m.outgoingEdges[edge.Subject] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.Subject][edge.ID] = struct{}{}

	if m.incomingEdges[edge.Object] == nil {
		m.incomingEdges[edge.Object] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.Object][edge.ID] = struct{}{}

	m.sizeBytes += approxEdgeBytes
	return nil
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}

	return copyEdge(edge), nil
}

// UpdateEdge updates an existing edge. The triple index follows the edge if
// its (subject, predicate, object, scope) changed (object replacement and
// scope tagging by the arbitration unit take this path).
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.edges[edge.ID]
	if !exists {
		return ErrNotFound
	}

	oldKey := edgeTripleKey(existing)
	newKey := edgeTripleKey(edge)
	if oldKey != newKey {
		if owner, taken := m.tripleIndex[newKey]; taken && owner != edge.ID {
			return ErrAlreadyExists
		}
		if _, ok := m.nodes[edge.Object]; !ok {
			return ErrNotFound
		}
		delete(m.tripleIndex, oldKey)
		m.tripleIndex[newKey] = edge.ID

		if existing.Object != edge.Object {
			if incoming := m.incomingEdges[existing.Object]; incoming != nil {
				delete(incoming, edge.ID)
			}
			if m.incomingEdges[edge.Object] == nil {
				m.incomingEdges[edge.Object] = make(map[EdgeID]struct{})
			}
			m.incomingEdges[edge.Object][edge.ID] = struct{}{}
		}
	}

	m.edges[edge.ID] = copyEdge(edge)
	return nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}

	m.deleteEdgeLocked(id)
	return nil
}

// deleteEdgeLocked removes an edge and its index entries. Caller holds mu.
func (m *MemoryEngine) deleteEdgeLocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}

	if outgoing := m.outgoingEdges[edge.Subject]; outgoing != nil {
		delete(outgoing, id)
	}
	if incoming := m.incomingEdges[edge.Object]; incoming != nil {
		delete(incoming, id)
	}
	delete(m.tripleIndex, edgeTripleKey(edge))
	delete(m.edges, id)
	m.sizeBytes -= approxEdgeBytes
}

// AllEdges returns all edges in the storage.
func (m *MemoryEngine) AllEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(m.edges))
	for _, edge := range m.edges {
		edges = append(edges, copyEdge(edge))
	}
	return edges, nil
}

// GetEdgeByTriple resolves the triple-uniqueness index.
func (m *MemoryEngine) GetEdgeByTriple(subject NodeID, predicate string, object NodeID, scope string) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	id, exists := m.tripleIndex[tripleKey{subject: subject, predicate: predicate, object: object, scope: scope}]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(m.edges[id]), nil
}

// GetOutgoingEdges returns all edges whose subject is the given node.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edgeIDs := m.outgoingEdges[nodeID]
	edges := make([]*Edge, 0, len(edgeIDs))
	for id := range edgeIDs {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	return edges, nil
}

// GetIncomingEdges returns all edges whose object is the given node.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edgeIDs := m.incomingEdges[nodeID]
	edges := make([]*Edge, 0, len(edgeIDs))
	for id := range edgeIDs {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	return edges, nil
}

// PutSource stores a provenance record. Sources are immutable: writing an
// existing ID is a no-op so re-ingestion from the same source cannot rewrite
// its trust score.
func (m *MemoryEngine) PutSource(src *Source) error {
	if src == nil {
		return ErrInvalidData
	}
	if src.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.sources[src.ID]; exists {
		return nil
	}
	copied := *src
	m.sources[src.ID] = &copied
	m.sizeBytes += int64(64 + len(src.ID))
	return nil
}

// GetSource retrieves a source by ID.
func (m *MemoryEngine) GetSource(id string) (*Source, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	src, exists := m.sources[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *src
	return &copied, nil
}

// PutVector stores an embedding row keyed by fact/chunk identifier.
func (m *MemoryEngine) PutVector(id string, vec []float32) error {
	if id == "" {
		return ErrInvalidID
	}
	if len(vec) == 0 {
		return ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if old, exists := m.vectors[id]; exists {
		m.sizeBytes -= int64(4 * len(old))
	}
	m.vectors[id] = copyVector(vec)
	m.sizeBytes += int64(4 * len(vec))
	return nil
}

// GetVector retrieves an embedding row.
func (m *MemoryEngine) GetVector(id string) ([]float32, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	vec, exists := m.vectors[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyVector(vec), nil
}

// DeleteVector removes an embedding row. Deleting a missing row is not an
// error: pruning during consolidation is best-effort about vectors.
func (m *MemoryEngine) DeleteVector(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if old, exists := m.vectors[id]; exists {
		m.sizeBytes -= int64(4 * len(old))
		delete(m.vectors, id)
	}
	return nil
}

// AllVectors returns a copy of every embedding row. Used to rebuild the
// vector index at open.
func (m *MemoryEngine) AllVectors() (map[string][]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make(map[string][]float32, len(m.vectors))
	for id, vec := range m.vectors {
		out[id] = copyVector(vec)
	}
	return out, nil
}

// PutSuperConcept stores or replaces a SuperConcept.
func (m *MemoryEngine) PutSuperConcept(sc *SuperConcept) error {
	if sc == nil {
		return ErrInvalidData
	}
	if sc.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.supers[sc.ID]; !exists {
		m.sizeBytes += approxSuperBytes
	}
	m.supers[sc.ID] = copySuperConcept(sc)
	return nil
}

// GetSuperConcept retrieves a SuperConcept by ID.
func (m *MemoryEngine) GetSuperConcept(id string) (*SuperConcept, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	sc, exists := m.supers[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySuperConcept(sc), nil
}

// DeleteSuperConcept removes a SuperConcept.
func (m *MemoryEngine) DeleteSuperConcept(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if _, exists := m.supers[id]; !exists {
		return ErrNotFound
	}
	delete(m.supers, id)
	m.sizeBytes -= approxSuperBytes
	return nil
}

// AllSuperConcepts returns all SuperConcepts.
func (m *MemoryEngine) AllSuperConcepts() ([]*SuperConcept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]*SuperConcept, 0, len(m.supers))
	for _, sc := range m.supers {
		out = append(out, copySuperConcept(sc))
	}
	return out, nil
}

// PutMeta stores a metadata value.
func (m *MemoryEngine) PutMeta(key string, value []byte) error {
	if key == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	m.meta[key] = copied
	return nil
}

// GetMeta retrieves a metadata value.
func (m *MemoryEngine) GetMeta(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	value, exists := m.meta[key]
	if !exists {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// EstimatedSize returns the approximate RAM footprint of the stored rows.
func (m *MemoryEngine) EstimatedSize() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return m.sizeBytes, nil
}

// Close closes the storage engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.sources = nil
	m.vectors = nil
	m.supers = nil
	m.meta = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	m.tripleIndex = nil
	return nil
}

// Verify MemoryEngine implements Engine interface
var _ Engine = (*MemoryEngine)(nil)
