package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixNode     = byte(0x01) // node:nodeID -> gob(Node)
	prefixEdge     = byte(0x02) // edge:edgeID -> gob(Edge)
	prefixTriple   = byte(0x03) // triple:subject|predicate|object|scope -> edgeID
	prefixOutgoing = byte(0x04) // outgoing:nodeID|edgeID -> []byte{}
	prefixIncoming = byte(0x05) // incoming:nodeID|edgeID -> []byte{}
	prefixSource   = byte(0x06) // source:sourceID -> gob(Source)
	prefixVector   = byte(0x07) // vector:rowID -> packed float32s
	prefixSuper    = byte(0x08) // super:superID -> gob(SuperConcept)
	prefixMeta     = byte(0x09) // meta:key -> raw bytes
)

const keySeparator = byte(0x00)

// nodeCacheSize bounds the hot-node LRU. Degree updates during ingestion
// hit the same handful of hub nodes repeatedly, so even a small cache
// absorbs most point reads.
const nodeCacheSize = 8192

// BadgerOptions configures a BadgerEngine.
type BadgerOptions struct {
	// DataDir is the directory for the Badger files. Ignored when InMemory.
	DataDir string

	// InMemory runs Badger without disk files. Used by tests that need
	// persistent-storage semantics without I/O.
	InMemory bool

	// SyncWrites forces an fsync after every commit. Slower, durable.
	SyncWrites bool

	// LowMemory shrinks memtables and caches for constrained hosts.
	LowMemory bool
}

// BadgerEngine provides persistent storage using BadgerDB.
//
// All writes run inside Badger transactions, so an edge and its secondary
// index entries (triple, outgoing, incoming) commit or abort together.
// Point reads of nodes go through a bounded LRU cache because degree
// bookkeeping reads the same nodes over and over during ingestion.
//
// Key structure:
//   - Nodes:         0x01 + nodeID
//   - Edges:         0x02 + edgeID
//   - Triple index:  0x03 + subject + 0x00 + predicate + 0x00 + object + 0x00 + scope
//   - Outgoing:      0x04 + nodeID + 0x00 + edgeID
//   - Incoming:      0x05 + nodeID + 0x00 + edgeID
//   - Sources:       0x06 + sourceID
//   - Vectors:       0x07 + rowID
//   - SuperConcepts: 0x08 + superID
//   - Meta:          0x09 + key
type BadgerEngine struct {
	db       *badger.DB
	mu       sync.RWMutex
	closed   bool
	inMemory bool

	nodeCache *lru.Cache[NodeID, *Node]

	// Cached counts for O(1) stats lookups, maintained on create/delete.
	nodeCount atomic.Int64
	edgeCount atomic.Int64
}

// NewBadgerEngine opens a persistent engine at dataDir with default options.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
// Data is lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).WithLogger(nil)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithValueThreshold(512).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithValueLogFileSize(128 << 20).
			WithNumMemtables(3).
			WithNumLevelZeroTablesStall(10).
			WithValueThreshold(64 << 10).
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	cache, err := lru.New[NodeID, *Node](nodeCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := &BadgerEngine{
		db:        db,
		inMemory:  opts.InMemory,
		nodeCache: cache,
	}

	if err := engine.initializeCounts(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize counts: %w", err)
	}

	return engine, nil
}

// IsInMemory returns true if the engine is running in memory-only mode.
func (b *BadgerEngine) IsInMemory() bool {
	return b.inMemory
}

// initializeCounts scans node and edge keyspaces once at open so that
// NodeCount/EdgeCount are O(1) afterwards.
func (b *BadgerEngine) initializeCounts() error {
	return b.db.View(func(txn *badger.Txn) error {
		for _, p := range []struct {
			prefix byte
			count  *atomic.Int64
		}{{prefixNode, &b.nodeCount}, {prefixEdge, &b.edgeCount}} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{p.prefix}
			it := txn.NewIterator(opts)
			var n int64
			for it.Rewind(); it.Valid(); it.Next() {
				n++
			}
			it.Close()
			p.count.Store(n)
		}
		return nil
	})
}

// ensureOpen returns ErrStorageClosed if Close has been called.
func (b *BadgerEngine) ensureOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

func tripleIndexKey(subject NodeID, predicate string, object NodeID, scope string) []byte {
	key := make([]byte, 0, 1+len(subject)+1+len(predicate)+1+len(object)+1+len(scope))
	key = append(key, prefixTriple)
	key = append(key, []byte(subject)...)
	key = append(key, keySeparator)
	key = append(key, []byte(predicate)...)
	key = append(key, keySeparator)
	key = append(key, []byte(object)...)
	key = append(key, keySeparator)
	key = append(key, []byte(scope)...)
	return key
}

func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1+len(edgeID))
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	key = append(key, keySeparator)
	key = append(key, []byte(edgeID)...)
	return key
}

func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefix)
	key = append(key, []byte(nodeID)...)
	key = append(key, keySeparator)
	return key
}

func sourceKey(id string) []byte {
	return append([]byte{prefixSource}, []byte(id)...)
}

func vectorKey(id string) []byte {
	return append([]byte{prefixVector}, []byte(id)...)
}

func superKey(id string) []byte {
	return append([]byte{prefixSuper}, []byte(id)...)
}

func metaKey(key string) []byte {
	return append([]byte{prefixMeta}, []byte(key)...)
}

// ============================================================================
// Serialization helpers
// ============================================================================

// encodeNode serializes a Node using gob (preserves Go types like time.Time).
func encodeNode(n *Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNode(data []byte) (*Node, error) {
	var node Node
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&node); err != nil {
		return nil, err
	}
	return &node, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEdge(data []byte) (*Edge, error) {
	var edge Edge
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&edge); err != nil {
		return nil, err
	}
	return &edge, nil
}

func encodeSource(s *Source) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSource(data []byte) (*Source, error) {
	var src Source
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&src); err != nil {
		return nil, err
	}
	return &src, nil
}

func encodeSuperConcept(sc *SuperConcept) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSuperConcept(data []byte) (*SuperConcept, error) {
	var sc SuperConcept
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// encodeVector packs float32s little-endian. Vectors are fixed-width rows
// read on every query so they skip gob's type headers.
func encodeVector(vec []float32) []byte {
	data := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return data
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, ErrInvalidData
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}

// ============================================================================
// Node operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	key := nodeKey(node.ID)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeNode(node)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	b.nodeCount.Add(1)
	b.nodeCache.Add(node.ID, copyNode(node))
	return nil
}

// GetNode retrieves a node by ID, consulting the hot-node cache first.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	if cached, ok := b.nodeCache.Get(id); ok {
		return copyNode(cached), nil
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			node, err = decodeNode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	b.nodeCache.Add(id, copyNode(node))
	return node, nil
}

// UpdateNode updates an existing node.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	key := nodeKey(node.ID)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		data, err := encodeNode(node)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	b.nodeCache.Add(node.ID, copyNode(node))
	return nil
}

// DeleteNode removes a node and cascades to every edge touching it.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	var edgesDeleted int64
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		edgeIDs := make(map[EdgeID]struct{})
		for _, prefix := range []byte{prefixOutgoing, prefixIncoming} {
			if err := scanAdjacency(txn, prefix, id, func(edgeID EdgeID) {
				edgeIDs[edgeID] = struct{}{}
			}); err != nil {
				return err
			}
		}

		for edgeID := range edgeIDs {
			if err := deleteEdgeTxn(txn, edgeID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			edgesDeleted++
		}

		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return err
	}

	b.nodeCount.Add(-1)
	b.edgeCount.Add(-edgesDeleted)
	b.nodeCache.Remove(id)
	return nil
}

// AllNodes returns every node. Used at open to rebuild derived state and by
// the consolidation scans.
func (b *BadgerEngine) AllNodes() ([]*Node, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				node, err := decodeNode(val)
				if err != nil {
					return err
				}
				nodes = append(nodes, node)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// ============================================================================
// Edge operations
// ============================================================================

// CreateEdge creates an edge plus its triple and adjacency index entries in
// one transaction.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(edgeKey(edge.ID)); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, endpoint := range []NodeID{edge.Subject, edge.Object} {
			if _, err := txn.Get(nodeKey(endpoint)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrNotFound
				}
				return err
			}
		}

		tKey := tripleIndexKey(edge.Subject, edge.Predicate, edge.Object, edge.Scope)
		if _, err := txn.Get(tKey); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeEdge(edge)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(tKey, []byte(edge.ID)); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixOutgoing, edge.Subject, edge.ID), nil); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixIncoming, edge.Object, edge.ID), nil)
	})
	if err != nil {
		return err
	}

	b.edgeCount.Add(1)
	return nil
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdgeTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func getEdgeTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		edge, err = decodeEdge(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// UpdateEdge updates an existing edge. If the triple changed (object
// replacement or scope tagging during arbitration), the triple and
// adjacency indexes move with it in the same transaction.
func (b *BadgerEngine) UpdateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		existing, err := getEdgeTxn(txn, edge.ID)
		if err != nil {
			return err
		}

		oldKey := tripleIndexKey(existing.Subject, existing.Predicate, existing.Object, existing.Scope)
		newKey := tripleIndexKey(edge.Subject, edge.Predicate, edge.Object, edge.Scope)
		if !bytes.Equal(oldKey, newKey) {
			if item, err := txn.Get(newKey); err == nil {
				var owner []byte
				if owner, err = item.ValueCopy(nil); err != nil {
					return err
				}
				if EdgeID(owner) != edge.ID {
					return ErrAlreadyExists
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if _, err := txn.Get(nodeKey(edge.Object)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrNotFound
				}
				return err
			}

			if err := txn.Delete(oldKey); err != nil {
				return err
			}
			if err := txn.Set(newKey, []byte(edge.ID)); err != nil {
				return err
			}

			if existing.Object != edge.Object {
				if err := txn.Delete(adjacencyKey(prefixIncoming, existing.Object, edge.ID)); err != nil {
					return err
				}
				if err := txn.Set(adjacencyKey(prefixIncoming, edge.Object, edge.ID), nil); err != nil {
					return err
				}
			}
			if existing.Subject != edge.Subject {
				if err := txn.Delete(adjacencyKey(prefixOutgoing, existing.Subject, edge.ID)); err != nil {
					return err
				}
				if err := txn.Set(adjacencyKey(prefixOutgoing, edge.Subject, edge.ID), nil); err != nil {
					return err
				}
			}
		}

		data, err := encodeEdge(edge)
		if err != nil {
			return err
		}
		return txn.Set(edgeKey(edge.ID), data)
	})
}

// DeleteEdge removes an edge and its index entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return deleteEdgeTxn(txn, id)
	})
	if err != nil {
		return err
	}

	b.edgeCount.Add(-1)
	return nil
}

// deleteEdgeTxn removes an edge and its indexes inside an open transaction.
func deleteEdgeTxn(txn *badger.Txn, id EdgeID) error {
	edge, err := getEdgeTxn(txn, id)
	if err != nil {
		return err
	}

	if err := txn.Delete(tripleIndexKey(edge.Subject, edge.Predicate, edge.Object, edge.Scope)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixOutgoing, edge.Subject, id)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixIncoming, edge.Object, id)); err != nil {
		return err
	}
	return txn.Delete(edgeKey(id))
}

// AllEdges returns every edge in storage.
func (b *BadgerEngine) AllEdges() ([]*Edge, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEdge}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				edge, err := decodeEdge(val)
				if err != nil {
					return err
				}
				edges = append(edges, edge)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// GetEdgeByTriple resolves the triple-uniqueness index.
func (b *BadgerEngine) GetEdgeByTriple(subject NodeID, predicate string, object NodeID, scope string) (*Edge, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tripleIndexKey(subject, predicate, object, scope))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		edge, err = getEdgeTxn(txn, EdgeID(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// scanAdjacency iterates an adjacency index for a node, yielding edge IDs.
func scanAdjacency(txn *badger.Txn, prefix byte, nodeID NodeID, fn func(EdgeID)) error {
	keyPrefix := adjacencyPrefix(prefix, nodeID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = keyPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		fn(EdgeID(key[len(keyPrefix):]))
	}
	return nil
}

func (b *BadgerEngine) adjacentEdges(prefix byte, nodeID NodeID) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var ids []EdgeID
		if err := scanAdjacency(txn, prefix, nodeID, func(id EdgeID) {
			ids = append(ids, id)
		}); err != nil {
			return err
		}

		for _, id := range ids {
			edge, err := getEdgeTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// GetOutgoingEdges returns all edges whose subject is the given node.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixOutgoing, nodeID)
}

// GetIncomingEdges returns all edges whose object is the given node.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacentEdges(prefixIncoming, nodeID)
}

// ============================================================================
// Source operations
// ============================================================================

// PutSource stores a provenance record. Writing an existing ID is a no-op so
// re-ingestion cannot rewrite a source's trust score.
func (b *BadgerEngine) PutSource(src *Source) error {
	if src == nil {
		return ErrInvalidData
	}
	if src.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := sourceKey(src.ID)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := encodeSource(src)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// GetSource retrieves a source by ID.
func (b *BadgerEngine) GetSource(id string) (*Source, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var src *Source
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sourceKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			src, err = decodeSource(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// ============================================================================
// Vector operations
// ============================================================================

// PutVector stores an embedding row keyed by fact identifier.
func (b *BadgerEngine) PutVector(id string, vec []float32) error {
	if id == "" {
		return ErrInvalidID
	}
	if len(vec) == 0 {
		return ErrInvalidData
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(vectorKey(id), encodeVector(vec))
	})
}

// GetVector retrieves an embedding row.
func (b *BadgerEngine) GetVector(id string) ([]float32, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var vec []float32
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec, err = decodeVector(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// DeleteVector removes an embedding row. Missing rows are tolerated.
func (b *BadgerEngine) DeleteVector(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(vectorKey(id))
	})
}

// AllVectors returns every embedding row. Used to rebuild the in-RAM
// similarity index at open.
func (b *BadgerEngine) AllVectors() (map[string][]float32, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	out := make(map[string][]float32)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixVector}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[1:])
			err := item.Value(func(val []byte) error {
				vec, err := decodeVector(val)
				if err != nil {
					return err
				}
				out[id] = vec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// SuperConcept operations
// ============================================================================

// PutSuperConcept stores or replaces a SuperConcept.
func (b *BadgerEngine) PutSuperConcept(sc *SuperConcept) error {
	if sc == nil {
		return ErrInvalidData
	}
	if sc.ID == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		data, err := encodeSuperConcept(sc)
		if err != nil {
			return err
		}
		return txn.Set(superKey(sc.ID), data)
	})
}

// GetSuperConcept retrieves a SuperConcept by ID.
func (b *BadgerEngine) GetSuperConcept(id string) (*SuperConcept, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var sc *SuperConcept
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(superKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sc, err = decodeSuperConcept(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// DeleteSuperConcept removes a SuperConcept.
func (b *BadgerEngine) DeleteSuperConcept(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(superKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(superKey(id))
	})
}

// AllSuperConcepts returns all SuperConcepts.
func (b *BadgerEngine) AllSuperConcepts() ([]*SuperConcept, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var out []*SuperConcept
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixSuper}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				sc, err := decodeSuperConcept(val)
				if err != nil {
					return err
				}
				out = append(out, sc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Meta operations
// ============================================================================

// PutMeta stores a metadata value (cycle counters, write generation, stats
// snapshots).
func (b *BadgerEngine) PutMeta(key string, value []byte) error {
	if key == "" {
		return ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), value)
	})
}

// GetMeta retrieves a metadata value.
func (b *BadgerEngine) GetMeta(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// ============================================================================
// Stats and lifecycle
// ============================================================================

// NodeCount returns the number of nodes (O(1), maintained on writes).
func (b *BadgerEngine) NodeCount() (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	return b.nodeCount.Load(), nil
}

// EdgeCount returns the number of edges (O(1), maintained on writes).
func (b *BadgerEngine) EdgeCount() (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	return b.edgeCount.Load(), nil
}

// EstimatedSize returns the approximate on-disk footprint in bytes.
// In-memory engines report an estimate derived from row counts because
// Badger reports zero file sizes without disk files.
func (b *BadgerEngine) EstimatedSize() (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}

	lsm, vlog := b.db.Size()
	if total := lsm + vlog; total > 0 {
		return total, nil
	}
	return b.nodeCount.Load()*approxNodeBytes + b.edgeCount.Load()*approxEdgeBytes, nil
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

// RunGC runs garbage collection on the Badger value log. Should be called
// periodically for long-running processes; the sleep cycle is a natural spot.
func (b *BadgerEngine) RunGC() error {
	if err := b.ensureOpen(); err != nil {
		return err
	}

	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.nodeCache.Purge()
	return b.db.Close()
}

// Verify BadgerEngine implements Engine interface
var _ Engine = (*BadgerEngine)(nil)
