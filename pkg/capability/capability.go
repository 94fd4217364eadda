// Package capability defines the pluggable model-backed interfaces the
// engine depends on: triple extraction, text embedding, conflict judging,
// and answer generation.
//
// The engine never talks to a model runtime directly. Callers inject
// implementations (HTTP-backed, in-process, or the deterministic local ones
// in this package), and the engine treats them as fallible black boxes:
// every call takes a context and may return an error.
package capability

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a capability's backing runtime cannot be
// reached. The engine treats it as retryable.
var ErrUnavailable = errors.New("capability unavailable")

// Triple is one extracted (subject, predicate, object) assertion with the
// extractor's own confidence in the extraction.
type Triple struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
}

// Extractor pulls structured triples out of unstructured text.
type Extractor interface {
	// ExtractTriples returns the assertions found in text. An empty slice
	// with a nil error means the text contained nothing extractable.
	ExtractTriples(ctx context.Context, text string) ([]Triple, error)
}

// Embedder converts text into a fixed-width vector.
type Embedder interface {
	// Embed returns the embedding for text. The returned slice has exactly
	// Dimensions() entries.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding width this embedder produces.
	Dimensions() int
}

// Verdict is a judge's ruling on two contradicting facts.
type Verdict int

const (
	// KeepOld retains the incumbent fact and discards the challenger.
	KeepOld Verdict = iota
	// KeepNew replaces the incumbent with the challenger.
	KeepNew
	// KeepBothScoped retains both facts under distinguishing scopes.
	KeepBothScoped
)

func (v Verdict) String() string {
	switch v {
	case KeepOld:
		return "keep_old"
	case KeepNew:
		return "keep_new"
	case KeepBothScoped:
		return "keep_both_scoped"
	default:
		return "unknown"
	}
}

// Fact is the evidence bundle handed to a Judge for one side of a conflict.
type Fact struct {
	Subject       string
	Predicate     string
	Object        string
	Confidence    float64
	SourceTrust   float64
	Corroboration int
	SourceID      string
}

// Judge rules on conflicts that trust comparison alone cannot settle.
type Judge interface {
	// Judge compares the incumbent and challenger facts, optionally with
	// extra evidence snippets, and returns a verdict.
	Judge(ctx context.Context, incumbent, challenger Fact, evidence []string) (Verdict, error)
}

// Generator synthesizes a natural-language answer from grounding facts.
type Generator interface {
	// Generate answers the prompt using only the supplied grounding lines.
	Generate(ctx context.Context, prompt string, grounding []string) (string, error)
}
