package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munindb/pkg/capability"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/storage"
)

type scriptedJudge struct {
	verdict capability.Verdict
	err     error
	calls   int
}

func (j *scriptedJudge) Judge(_ context.Context, _, _ capability.Fact, _ []string) (capability.Verdict, error) {
	j.calls++
	return j.verdict, j.err
}

type hangingJudge struct{}

func (hangingJudge) Judge(ctx context.Context, _, _ capability.Fact, _ []string) (capability.Verdict, error) {
	<-ctx.Done()
	return capability.KeepOld, ctx.Err()
}

func setup(t *testing.T, judge capability.Judge) (*graph.Store, *Arbiter, *storage.Edge) {
	t.Helper()

	store, err := graph.NewStore(storage.NewMemoryEngine(), graph.NewPolicy([]string{"*"}), 0.5, 0.05)
	require.NoError(t, err)
	t.Cleanup(func() { store.Engine().Close() })

	require.NoError(t, store.Engine().PutSource(&storage.Source{ID: "trusted", Trust: 0.9, IngestedAt: time.Now()}))
	require.NoError(t, store.Engine().PutSource(&storage.Source{ID: "shady", Trust: 0.3, IngestedAt: time.Now()}))
	require.NoError(t, store.Engine().PutSource(&storage.Source{ID: "peer-a", Trust: 0.6, IngestedAt: time.Now()}))
	require.NoError(t, store.Engine().PutSource(&storage.Source{ID: "peer-b", Trust: 0.6, IngestedAt: time.Now()}))
	require.NoError(t, store.Engine().PutSource(&storage.Source{ID: "peer-c", Trust: 0.65, IngestedAt: time.Now()}))

	res, err := store.UpsertFact(graph.Fact{
		Subject: "Pluto", Predicate: "is_a", Object: "planet",
		Confidence: 0.8, SourceID: "peer-a",
	})
	require.NoError(t, err)

	return store, New(store, judge, 0.2), res.Edge
}

func challenger(sourceID string) graph.Fact {
	return graph.Fact{
		Subject: "Pluto", Predicate: "is_a", Object: "dwarf planet",
		Confidence: 0.9, SourceID: sourceID,
	}
}

func TestResolve_TrustFastPathKeepNew(t *testing.T) {
	judge := &scriptedJudge{verdict: capability.KeepOld}
	store, arb, incumbent := setup(t, judge)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("trusted"))
	require.NoError(t, err)

	assert.Equal(t, capability.KeepNew, res.Verdict)
	assert.Equal(t, StateCommitted, res.State)
	assert.False(t, res.UsedJudge)
	assert.Zero(t, judge.calls)

	got, err := store.Engine().GetEdge(incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeID("dwarf_planet"), got.Object)
	assert.Equal(t, 1, got.Corroboration)
	assert.Equal(t, "trusted", got.SourceID)
}

func TestResolve_TrustFastPathKeepOld(t *testing.T) {
	judge := &scriptedJudge{verdict: capability.KeepNew}
	store, arb, incumbent := setup(t, judge)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("shady"))
	require.NoError(t, err)

	assert.Equal(t, capability.KeepOld, res.Verdict)
	assert.Zero(t, judge.calls)

	got, err := store.Engine().GetEdge(incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeID("planet"), got.Object)
}

func TestResolve_NarrowGapConsultsJudge(t *testing.T) {
	judge := &scriptedJudge{verdict: capability.KeepNew}
	store, arb, incumbent := setup(t, judge)

	// 0.65 vs 0.6 is inside the 0.2 gap.
	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-c"))
	require.NoError(t, err)

	assert.Equal(t, capability.KeepNew, res.Verdict)
	assert.True(t, res.UsedJudge)
	assert.Equal(t, 1, judge.calls)

	got, err := store.Engine().GetEdge(incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeID("dwarf_planet"), got.Object)
}

func TestResolve_JudgeKeepBothScoped(t *testing.T) {
	judge := &scriptedJudge{verdict: capability.KeepBothScoped}
	store, arb, incumbent := setup(t, judge)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-b"))
	require.NoError(t, err)

	assert.Equal(t, capability.KeepBothScoped, res.Verdict)
	require.NotNil(t, res.ScopedEdge)

	// Incumbent moved to its source scope.
	got, err := store.Engine().GetEdge(incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, "per source:peer-a", got.Scope)

	// Challenger written under its own scope.
	assert.Equal(t, "per source:peer-b", res.ScopedEdge.Scope)
	assert.Equal(t, storage.NodeID("dwarf_planet"), res.ScopedEdge.Object)

	// Both facts coexist; neither is in the default scope.
	count, err := store.Engine().EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestResolve_JudgeErrorFallsBackToTrust(t *testing.T) {
	judge := &scriptedJudge{err: errors.New("runtime down")}
	store, arb, incumbent := setup(t, judge)

	// peer-c (0.65) beats peer-a (0.6) on the fallback comparison.
	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-c"))
	require.NoError(t, err)
	assert.Equal(t, capability.KeepNew, res.Verdict)
	assert.True(t, res.UsedJudge)

	got, err := store.Engine().GetEdge(incumbent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.NodeID("dwarf_planet"), got.Object)
}

func TestResolve_JudgeErrorExactTieKeepsBoth(t *testing.T) {
	judge := &scriptedJudge{err: errors.New("runtime down")}
	_, arb, incumbent := setup(t, judge)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-b"))
	require.NoError(t, err)
	assert.Equal(t, capability.KeepBothScoped, res.Verdict)
	assert.NotNil(t, res.ScopedEdge)
}

func TestResolve_NilJudgeTerminates(t *testing.T) {
	_, arb, incumbent := setup(t, nil)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-b"))
	require.NoError(t, err)
	assert.Equal(t, capability.KeepBothScoped, res.Verdict)
	assert.Equal(t, StateCommitted, res.State)
	assert.False(t, res.UsedJudge)
}

func TestResolve_HangingJudgeTerminates(t *testing.T) {
	_, arb, incumbent := setup(t, hangingJudge{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := arb.Resolve(ctx, incumbent, challenger("peer-c"))
	require.NoError(t, err)
	// The hung judge's context expired; resolution fell back to trust.
	assert.Equal(t, capability.KeepNew, res.Verdict)
	assert.Equal(t, StateCommitted, res.State)
}

func TestResolve_UnknownSourceDefaultsToMidTrust(t *testing.T) {
	_, arb, incumbent := setup(t, nil)

	// Unknown source (0.5) vs peer-a (0.6): inside gap, fallback keeps old.
	res, err := arb.Resolve(context.Background(), incumbent, challenger("never-registered"))
	require.NoError(t, err)
	assert.Equal(t, capability.KeepOld, res.Verdict)
}

func TestResolve_SameSourceSelfConflictScopesDistinctly(t *testing.T) {
	judge := &scriptedJudge{verdict: capability.KeepBothScoped}
	_, arb, incumbent := setup(t, judge)

	res, err := arb.Resolve(context.Background(), incumbent, challenger("peer-a"))
	require.NoError(t, err)
	require.NotNil(t, res.ScopedEdge)
	assert.NotEqual(t, res.Edge.Scope, res.ScopedEdge.Scope)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "new_conflict", StateNewConflict.String())
	assert.Equal(t, "evaluating", StateEvaluating.String())
	assert.Equal(t, "committed", StateCommitted.String())
}
