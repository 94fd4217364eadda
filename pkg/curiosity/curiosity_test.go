package curiosity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/storage"
)

func TestWeightsScore(t *testing.T) {
	w := DefaultWeights()

	// Fully isolated, maximally uncertain, zero-confidence topic.
	worst := &Gap{Connectivity: 0, Uncertainty: 1, Confidence: 0}
	assert.InDelta(t, 1.0, w.score(worst), 1e-9)

	// Well connected, certain, confident topic.
	best := &Gap{Connectivity: 1, Uncertainty: 0, Confidence: 1}
	assert.InDelta(t, 0.0, w.score(best), 1e-9)

	mid := &Gap{Connectivity: 0.5, Uncertainty: 0.5, Confidence: 0.5}
	assert.InDelta(t, 0.4*0.5+0.3*0.5+0.3*0.5, w.score(mid), 1e-9)
}

func TestReportGapAndNextGap(t *testing.T) {
	p := NewPrioritizer(DefaultWeights())
	assert.Nil(t, p.NextGap())

	p.ReportGap("quantum chromodynamics")
	require.Equal(t, 1, p.Len())

	gap := p.NextGap()
	require.NotNil(t, gap)
	assert.Equal(t, "quantum chromodynamics", gap.Topic)
	assert.InDelta(t, 1.0, gap.Score, 1e-9)

	// Reporting the same topic twice does not duplicate it.
	p.ReportGap("quantum chromodynamics")
	assert.Equal(t, 1, p.Len())

	// Empty topics are ignored.
	p.ReportGap("")
	assert.Equal(t, 1, p.Len())
}

func TestNextGap_RotatesEqualScores(t *testing.T) {
	p := NewPrioritizer(DefaultWeights())
	p.ReportGap("alpha")
	p.ReportGap("bravo")

	// Equal scores: topic asc first, then the probed one sinks behind.
	first := p.NextGap()
	require.NotNil(t, first)
	assert.Equal(t, "alpha", first.Topic)

	second := p.NextGap()
	require.NotNil(t, second)
	assert.Equal(t, "bravo", second.Topic)

	third := p.NextGap()
	require.NotNil(t, third)
	assert.Equal(t, "alpha", third.Topic)
}

func buildGraph(t *testing.T) storage.Engine {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })

	now := time.Now()
	mkNode := func(id storage.NodeID, label string, degree int) {
		require.NoError(t, engine.CreateNode(&storage.Node{
			ID: id, Label: label, Kind: storage.KindEntity,
			Degree: degree, CreatedAt: now, LastTouched: now,
		}))
	}
	mkEdge := func(id storage.EdgeID, s, o storage.NodeID, conf float64, scope string) {
		require.NoError(t, engine.CreateEdge(&storage.Edge{
			ID: id, Subject: s, Predicate: "rel", Object: o,
			Weight: 0.5, Confidence: conf, Corroboration: 1,
			Scope: scope, CreatedAt: now, LastUsedAt: now,
		}))
	}

	// hub is well connected with high confidence; fringe barely connected
	// with low confidence; contested carries scoped contradictions.
	mkNode("hub", "hub", 3)
	mkNode("fringe", "fringe", 1)
	mkNode("contested", "contested", 2)
	mkNode("x", "x", 3)

	mkEdge("e1", "hub", "x", 0.95, "")
	mkEdge("e2", "x", "hub", 0.9, "")
	mkEdge("e3", "fringe", "x", 0.1, "")
	mkEdge("e4", "contested", "x", 0.8, "per source:a")
	mkEdge("e5", "x", "contested", 0.8, "per source:b")
	return engine
}

func TestRescan_RanksIsolatedUncertainTopicsFirst(t *testing.T) {
	engine := buildGraph(t)
	p := NewPrioritizer(DefaultWeights())
	require.NoError(t, p.Rescan(engine))

	assert.Equal(t, 4, p.Len())

	first := p.NextGap()
	require.NotNil(t, first)
	assert.Equal(t, "fringe", first.Topic)

	second := p.NextGap()
	require.NotNil(t, second)
	assert.Equal(t, "contested", second.Topic)
	assert.InDelta(t, 1.0, second.Uncertainty, 1e-9)
}

func TestRescan_DropsVanishedTopicsKeepsReported(t *testing.T) {
	engine := buildGraph(t)
	p := NewPrioritizer(DefaultWeights())
	require.NoError(t, p.Rescan(engine))
	p.ReportGap("never seen")
	assert.Equal(t, 5, p.Len())

	// Remove fringe from the graph and rescan.
	require.NoError(t, engine.DeleteNode("fringe"))
	require.NoError(t, p.Rescan(engine))

	topics := map[string]bool{}
	for i := 0; i < p.Len(); i++ {
		topics[p.NextGap().Topic] = true
	}
	assert.False(t, topics["fringe"])
	assert.True(t, topics["never seen"])
}

func TestRescan_KeepsProbeTimestamps(t *testing.T) {
	engine := buildGraph(t)
	p := NewPrioritizer(DefaultWeights())
	require.NoError(t, p.Rescan(engine))

	first := p.NextGap()
	require.NotNil(t, first)
	require.False(t, first.LastProbed.IsZero())

	require.NoError(t, p.Rescan(engine))

	// The probed topic still carries its timestamp after the rescan.
	var found *Gap
	for i := 0; i < p.Len(); i++ {
		g := p.NextGap()
		if g.Topic == first.Topic && found == nil {
			found = g
		}
	}
	require.NotNil(t, found)
	assert.False(t, found.LastProbed.IsZero())
}

func TestEdgeSignals(t *testing.T) {
	t.Run("no edges means fully uncertain", func(t *testing.T) {
		u, c := edgeSignals(nil)
		assert.InDelta(t, 1.0, u, 1e-9)
		assert.Zero(t, c)
	})

	t.Run("agreeing edges mean low uncertainty", func(t *testing.T) {
		u, c := edgeSignals([]*storage.Edge{
			{Confidence: 0.8}, {Confidence: 0.8},
		})
		assert.Zero(t, u)
		assert.InDelta(t, 0.8, c, 1e-9)
	})

	t.Run("spread raises uncertainty", func(t *testing.T) {
		u, _ := edgeSignals([]*storage.Edge{
			{Confidence: 0.9}, {Confidence: 0.4},
		})
		assert.InDelta(t, 0.5, u, 1e-9)
	})

	t.Run("scoped edge saturates uncertainty", func(t *testing.T) {
		u, _ := edgeSignals([]*storage.Edge{
			{Confidence: 0.9, Scope: "per source:a"},
		})
		assert.InDelta(t, 1.0, u, 1e-9)
	})
}
