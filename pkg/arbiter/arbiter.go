// Package arbiter resolves contradictions between stored facts and
// challengers. Every conflict terminates in a committed resolution: the
// incumbent survives, the challenger replaces it, or both survive under
// distinguishing scopes.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/orneryd/munindb/pkg/capability"
	"github.com/orneryd/munindb/pkg/graph"
	"github.com/orneryd/munindb/pkg/storage"
)

// State tracks a conflict through resolution. Exposed on Resolution for
// observability; the arbiter always drives a conflict to StateCommitted.
type State int

const (
	// StateNewConflict is the initial state when a contradiction arrives.
	StateNewConflict State = iota
	// StateEvaluating means evidence is being compared.
	StateEvaluating
	// StateCommitted means the resolution has been applied to the graph.
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateNewConflict:
		return "new_conflict"
	case StateEvaluating:
		return "evaluating"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// judgeTimeout bounds the time one judge call may take. A hung judge must
// not leave a conflict unresolved.
const judgeTimeout = 10 * time.Second

// Resolution reports how a conflict was settled.
type Resolution struct {
	Verdict capability.Verdict
	State   State
	// Edge is the surviving default-scope edge. For KeepBothScoped it is
	// the incumbent (now scoped); ScopedEdge holds the challenger.
	Edge       *storage.Edge
	ScopedEdge *storage.Edge
	// UsedJudge is true when the trust gap was too narrow and the judge
	// was consulted.
	UsedJudge bool
}

// Arbiter applies the conflict resolution procedure.
type Arbiter struct {
	store    *graph.Store
	judge    capability.Judge
	trustGap float64
}

// New creates an Arbiter. The judge may be nil; conflicts then fall back to
// trust comparison with exact ties keeping both facts scoped.
func New(store *graph.Store, judge capability.Judge, trustGap float64) *Arbiter {
	return &Arbiter{store: store, judge: judge, trustGap: trustGap}
}

// Resolve settles a conflict between the incumbent edge and a challenger
// fact. It always commits: no conflict is left undecided.
//
// Resolution order:
//  1. Trust fast path: if the source-trust gap is at least the configured
//     threshold, the higher-trust side wins outright.
//  2. Judge: otherwise the judge rules. Judge errors fall back to plain
//     trust comparison; an exact trust tie keeps both facts under scopes.
func (a *Arbiter) Resolve(ctx context.Context, incumbent *storage.Edge, challenger graph.Fact) (*Resolution, error) {
	if incumbent == nil {
		return nil, errors.New("arbiter: nil incumbent")
	}

	incumbentTrust := a.sourceTrust(incumbent.SourceID)
	challengerTrust := a.sourceTrust(challenger.SourceID)

	// A Resolution starts in StateNewConflict (the zero value) and moves to
	// evaluation immediately; both are visible only to observers that hook
	// in mid-flight.
	res := &Resolution{State: StateEvaluating}

	gap := incumbentTrust - challengerTrust
	switch {
	case gap >= a.trustGap:
		res.Verdict = capability.KeepOld
	case -gap >= a.trustGap:
		res.Verdict = capability.KeepNew
	default:
		res.Verdict = a.consultJudge(ctx, incumbent, challenger, incumbentTrust, challengerTrust, res)
	}

	if err := a.commit(res, incumbent, challenger); err != nil {
		return nil, err
	}
	res.State = StateCommitted
	return res, nil
}

func (a *Arbiter) consultJudge(ctx context.Context, incumbent *storage.Edge, challenger graph.Fact, incumbentTrust, challengerTrust float64, res *Resolution) capability.Verdict {
	if a.judge != nil {
		res.UsedJudge = true
		judgeCtx, cancel := context.WithTimeout(ctx, judgeTimeout)
		defer cancel()

		verdict, err := a.judge.Judge(judgeCtx,
			capability.Fact{
				Subject:       string(incumbent.Subject),
				Predicate:     incumbent.Predicate,
				Object:        string(incumbent.Object),
				Confidence:    incumbent.Confidence,
				SourceTrust:   incumbentTrust,
				Corroboration: incumbent.Corroboration,
				SourceID:      incumbent.SourceID,
			},
			capability.Fact{
				Subject:       challenger.Subject,
				Predicate:     challenger.Predicate,
				Object:        challenger.Object,
				Confidence:    challenger.Confidence,
				SourceTrust:   challengerTrust,
				Corroboration: 1,
				SourceID:      challenger.SourceID,
			},
			nil)
		if err == nil {
			return verdict
		}
	}

	// No judge, or the judge failed: plain trust comparison, with an exact
	// tie keeping both facts.
	if incumbentTrust > challengerTrust {
		return capability.KeepOld
	}
	if challengerTrust > incumbentTrust {
		return capability.KeepNew
	}
	return capability.KeepBothScoped
}

func (a *Arbiter) commit(res *Resolution, incumbent *storage.Edge, challenger graph.Fact) error {
	switch res.Verdict {
	case capability.KeepOld:
		// Challenger discarded; the contested edge stays untouched.
		res.Edge = incumbent
		return nil

	case capability.KeepNew:
		if err := a.store.ReplaceObject(incumbent.ID, challenger.Object, challenger.Confidence, challenger.SourceID); err != nil {
			return err
		}
		edge, err := a.store.Engine().GetEdge(incumbent.ID)
		if err != nil {
			return err
		}
		res.Edge = edge
		return nil

	case capability.KeepBothScoped:
		if err := a.store.ScopeEdge(incumbent.ID, scopeFor(incumbent.SourceID)); err != nil {
			return err
		}
		edge, err := a.store.Engine().GetEdge(incumbent.ID)
		if err != nil {
			return err
		}
		res.Edge = edge

		scoped := challenger
		scoped.Scope = scopeFor(challenger.SourceID)
		if scoped.Scope == res.Edge.Scope {
			// Same source contradicting itself: disambiguate by object.
			scoped.Scope = scopeFor(challenger.SourceID + "/" + challenger.Object)
		}
		result, err := a.store.UpsertFact(scoped)
		if err != nil {
			return err
		}
		res.ScopedEdge = result.Edge
		return nil

	default:
		return fmt.Errorf("arbiter: unknown verdict %v", res.Verdict)
	}
}

// sourceTrust looks up a source's trust score, defaulting to 0.5 for
// unknown sources so arbitration still terminates.
func (a *Arbiter) sourceTrust(sourceID string) float64 {
	src, err := a.store.Engine().GetSource(sourceID)
	if err != nil {
		return 0.5
	}
	if math.IsNaN(src.Trust) {
		return 0.5
	}
	return src.Trust
}

func scopeFor(sourceID string) string {
	if sourceID == "" {
		sourceID = "unknown"
	}
	return "per source:" + sourceID
}
