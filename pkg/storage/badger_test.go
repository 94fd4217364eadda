package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T) *BadgerEngine {
	t.Helper()
	engine, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestBadgerEngine_NodeCRUD(t *testing.T) {
	engine := newTestBadger(t)

	node := testNode("alan_turing", "Alan Turing")
	require.NoError(t, engine.CreateNode(node))

	t.Run("duplicate create fails", func(t *testing.T) {
		assert.ErrorIs(t, engine.CreateNode(testNode("alan_turing", "Alan Turing")), ErrAlreadyExists)
	})

	t.Run("get round trips", func(t *testing.T) {
		got, err := engine.GetNode("alan_turing")
		require.NoError(t, err)
		assert.Equal(t, "Alan Turing", got.Label)
		assert.Equal(t, KindEntity, got.Kind)
	})

	t.Run("cached read returns a copy", func(t *testing.T) {
		got, err := engine.GetNode("alan_turing")
		require.NoError(t, err)
		got.Label = "mutated"

		again, err := engine.GetNode("alan_turing")
		require.NoError(t, err)
		assert.Equal(t, "Alan Turing", again.Label)
	})

	t.Run("update", func(t *testing.T) {
		node.Degree = 5
		require.NoError(t, engine.UpdateNode(node))
		got, err := engine.GetNode("alan_turing")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Degree)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, engine.DeleteNode("alan_turing"))
		_, err := engine.GetNode("alan_turing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, engine.DeleteNode("alan_turing"), ErrNotFound)
	})
}

func TestBadgerEngine_EdgeCRUDAndIndexes(t *testing.T) {
	engine := newTestBadger(t)

	require.NoError(t, engine.CreateNode(testNode("alan_turing", "Alan Turing")))
	require.NoError(t, engine.CreateNode(testNode("enigma", "Enigma")))
	require.NoError(t, engine.CreateNode(testNode("bombe", "Bombe")))

	edge := testEdge("e1", "alan_turing", "enigma", "broke")
	require.NoError(t, engine.CreateEdge(edge))

	t.Run("duplicate triple rejected", func(t *testing.T) {
		assert.ErrorIs(t, engine.CreateEdge(testEdge("e2", "alan_turing", "enigma", "broke")), ErrAlreadyExists)
	})

	t.Run("missing endpoint rejected", func(t *testing.T) {
		assert.ErrorIs(t, engine.CreateEdge(testEdge("e3", "alan_turing", "nobody", "knew")), ErrNotFound)
	})

	t.Run("triple lookup", func(t *testing.T) {
		got, err := engine.GetEdgeByTriple("alan_turing", "broke", "enigma", "")
		require.NoError(t, err)
		assert.Equal(t, EdgeID("e1"), got.ID)
	})

	t.Run("adjacency", func(t *testing.T) {
		outgoing, err := engine.GetOutgoingEdges("alan_turing")
		require.NoError(t, err)
		require.Len(t, outgoing, 1)

		incoming, err := engine.GetIncomingEdges("enigma")
		require.NoError(t, err)
		require.Len(t, incoming, 1)
		assert.Equal(t, EdgeID("e1"), incoming[0].ID)
	})

	t.Run("update moving object rewrites indexes", func(t *testing.T) {
		moved, err := engine.GetEdge("e1")
		require.NoError(t, err)
		moved.Object = "bombe"
		require.NoError(t, engine.UpdateEdge(moved))

		_, err = engine.GetEdgeByTriple("alan_turing", "broke", "enigma", "")
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := engine.GetEdgeByTriple("alan_turing", "broke", "bombe", "")
		require.NoError(t, err)
		assert.Equal(t, EdgeID("e1"), got.ID)

		incoming, err := engine.GetIncomingEdges("enigma")
		require.NoError(t, err)
		assert.Empty(t, incoming)

		incoming, err = engine.GetIncomingEdges("bombe")
		require.NoError(t, err)
		require.Len(t, incoming, 1)
	})

	t.Run("node delete cascades edges", func(t *testing.T) {
		require.NoError(t, engine.DeleteNode("bombe"))
		_, err := engine.GetEdge("e1")
		assert.ErrorIs(t, err, ErrNotFound)

		outgoing, err := engine.GetOutgoingEdges("alan_turing")
		require.NoError(t, err)
		assert.Empty(t, outgoing)

		count, err := engine.EdgeCount()
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestBadgerEngine_ScopedTriples(t *testing.T) {
	engine := newTestBadger(t)

	require.NoError(t, engine.CreateNode(testNode("pluto", "Pluto")))
	require.NoError(t, engine.CreateNode(testNode("planet", "planet")))

	base := testEdge("e1", "pluto", "planet", "is_a")
	require.NoError(t, engine.CreateEdge(base))

	scoped := testEdge("e2", "pluto", "planet", "is_a")
	scoped.Scope = "per source:iau"
	require.NoError(t, engine.CreateEdge(scoped))

	got, err := engine.GetEdgeByTriple("pluto", "is_a", "planet", "per source:iau")
	require.NoError(t, err)
	assert.Equal(t, EdgeID("e2"), got.ID)
}

func TestBadgerEngine_VectorsSourcesSupersMeta(t *testing.T) {
	engine := newTestBadger(t)

	t.Run("vector round trip", func(t *testing.T) {
		vec := []float32{0.25, -1.5, 3.0}
		require.NoError(t, engine.PutVector("e1", vec))
		got, err := engine.GetVector("e1")
		require.NoError(t, err)
		assert.Equal(t, vec, got)

		require.NoError(t, engine.PutVector("e2", []float32{1, 0, 0}))
		all, err := engine.AllVectors()
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, engine.DeleteVector("e1"))
		_, err = engine.GetVector("e1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("source immutability", func(t *testing.T) {
		require.NoError(t, engine.PutSource(&Source{ID: "wiki", Trust: 0.8, IngestedAt: time.Now()}))
		require.NoError(t, engine.PutSource(&Source{ID: "wiki", Trust: 0.1}))
		got, err := engine.GetSource("wiki")
		require.NoError(t, err)
		assert.InDelta(t, 0.8, got.Trust, 1e-9)
	})

	t.Run("superconcept round trip", func(t *testing.T) {
		sc := &SuperConcept{
			ID:        "super:is_a|scientist",
			Members:   []NodeID{"a", "b", "c"},
			Predicate: "is_a",
			Object:    "scientist",
			CreatedAt: time.Now(),
		}
		require.NoError(t, engine.PutSuperConcept(sc))
		got, err := engine.GetSuperConcept(sc.ID)
		require.NoError(t, err)
		assert.Len(t, got.Members, 3)

		all, err := engine.AllSuperConcepts()
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, engine.DeleteSuperConcept(sc.ID))
		_, err = engine.GetSuperConcept(sc.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("meta round trip", func(t *testing.T) {
		require.NoError(t, engine.PutMeta("write_generation", []byte("42")))
		got, err := engine.GetMeta("write_generation")
		require.NoError(t, err)
		assert.Equal(t, []byte("42"), got)

		_, err = engine.GetMeta("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBadgerEngine_CountsSurviveReopenScan(t *testing.T) {
	engine := newTestBadger(t)

	require.NoError(t, engine.CreateNode(testNode("a", "A")))
	require.NoError(t, engine.CreateNode(testNode("b", "B")))
	require.NoError(t, engine.CreateEdge(testEdge("ab", "a", "b", "knows")))

	nodes, err := engine.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), nodes)

	edges, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), edges)

	size, err := engine.EstimatedSize()
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestBadgerEngine_Persistence(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	require.NoError(t, engine.CreateNode(testNode("a", "A")))
	require.NoError(t, engine.CreateNode(testNode("b", "B")))
	require.NoError(t, engine.CreateEdge(testEdge("ab", "a", "b", "knows")))
	require.NoError(t, engine.PutVector("ab", []float32{1, 2, 3}))
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	node, err := reopened.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, "A", node.Label)

	edge, err := reopened.GetEdgeByTriple("a", "knows", "b", "")
	require.NoError(t, err)
	assert.Equal(t, EdgeID("ab"), edge.ID)

	vec, err := reopened.GetVector("ab")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	nodes, err := reopened.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), nodes)
}

func TestBadgerEngine_Closed(t *testing.T) {
	engine := newTestBadger(t)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	assert.ErrorIs(t, engine.CreateNode(testNode("a", "A")), ErrStorageClosed)
	_, err := engine.GetNode("a")
	assert.ErrorIs(t, err, ErrStorageClosed)
	_, err = engine.AllVectors()
	assert.ErrorIs(t, err, ErrStorageClosed)
}
