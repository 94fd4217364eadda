package capability

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// RuleExtractor is a deterministic, dependency-free Extractor.
//
// It understands two input shapes:
//
//   - Explicit triples, one per line: "subject | predicate | object" with an
//     optional fourth "| confidence" column.
//   - Simple copula sentences: "X is a Y." / "X was a Y." become
//     (X, is_a, Y).
//
// It exists so the engine is usable (and testable) without a model runtime;
// production deployments swap in an LLM-backed extractor.
type RuleExtractor struct {
	// DefaultConfidence is assigned to triples without an explicit
	// confidence column. Zero means 0.8.
	DefaultConfidence float64
}

func (r *RuleExtractor) defaultConfidence() float64 {
	if r.DefaultConfidence > 0 {
		return r.DefaultConfidence
	}
	return 0.8
}

// ExtractTriples parses text line by line.
func (r *RuleExtractor) ExtractTriples(_ context.Context, text string) ([]Triple, error) {
	var triples []Triple
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if t, ok := r.parsePiped(line); ok {
			triples = append(triples, t)
			continue
		}
		triples = append(triples, r.parseSentences(line)...)
	}
	return triples, nil
}

func (r *RuleExtractor) parsePiped(line string) (Triple, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 3 && len(parts) != 4 {
		return Triple{}, false
	}

	t := Triple{
		Subject:    strings.TrimSpace(parts[0]),
		Predicate:  strings.TrimSpace(parts[1]),
		Object:     strings.TrimSpace(parts[2]),
		Confidence: r.defaultConfidence(),
	}
	if t.Subject == "" || t.Predicate == "" || t.Object == "" {
		return Triple{}, false
	}

	if len(parts) == 4 {
		var conf float64
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[3]), "%f", &conf); err != nil || conf <= 0 || conf > 1 {
			return Triple{}, false
		}
		t.Confidence = conf
	}
	return t, true
}

func (r *RuleExtractor) parseSentences(line string) []Triple {
	var triples []Triple
	for _, sentence := range strings.Split(line, ".") {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		lower := strings.ToLower(sentence)
		for _, copula := range []string{" is a ", " is an ", " was a ", " was an "} {
			idx := strings.Index(lower, copula)
			if idx <= 0 {
				continue
			}
			subject := strings.TrimSpace(sentence[:idx])
			object := strings.TrimSpace(sentence[idx+len(copula):])
			if subject == "" || object == "" {
				continue
			}
			triples = append(triples, Triple{
				Subject:    subject,
				Predicate:  "is_a",
				Object:     object,
				Confidence: r.defaultConfidence(),
			})
			break
		}
	}
	return triples
}

// HashEmbedder is a deterministic Embedder that hashes word tokens into a
// fixed number of buckets and L2-normalizes the result.
//
// Texts sharing tokens land in shared buckets, so cosine similarity between
// hash embeddings tracks lexical overlap. That is nowhere near a learned
// embedding, but it is stable across runs and platforms, needs no model
// runtime, and gives tests meaningful nearest-neighbor behavior.
type HashEmbedder struct {
	// Dims is the embedding width. Zero means 384.
	Dims int
}

const defaultEmbeddingDims = 384

// Dimensions returns the embedding width.
func (h *HashEmbedder) Dimensions() int {
	if h.Dims > 0 {
		return h.Dims
	}
	return defaultEmbeddingDims
}

// Embed returns the bucket-hashed embedding of text.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions()
	vec := make([]float32, dims)

	for _, token := range tokenize(text) {
		hash := fnv.New64a()
		hash.Write([]byte(token))
		sum := hash.Sum64()

		bucket := int(sum % uint64(dims))
		// Second hash bit decides sign so unrelated tokens cancel rather
		// than pile up positive mass in every bucket.
		if (sum>>32)&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

// HeuristicJudge is a deterministic Judge used when no model-backed judge is
// configured. It rules on the same signals a reasoning judge would weigh,
// in fixed priority order: corroboration count, then source trust, then
// extraction confidence. A full tie keeps both facts under scopes.
type HeuristicJudge struct{}

// Judge compares the two facts on corroboration, trust, then confidence.
func (HeuristicJudge) Judge(_ context.Context, incumbent, challenger Fact, _ []string) (Verdict, error) {
	if incumbent.Corroboration != challenger.Corroboration {
		if incumbent.Corroboration > challenger.Corroboration {
			return KeepOld, nil
		}
		return KeepNew, nil
	}
	if incumbent.SourceTrust != challenger.SourceTrust {
		if incumbent.SourceTrust > challenger.SourceTrust {
			return KeepOld, nil
		}
		return KeepNew, nil
	}
	if incumbent.Confidence != challenger.Confidence {
		if incumbent.Confidence > challenger.Confidence {
			return KeepOld, nil
		}
		return KeepNew, nil
	}
	return KeepBothScoped, nil
}

// TemplateGenerator is a deterministic Generator that returns the grounding
// facts verbatim under a one-line preamble. Production deployments swap in
// an LLM-backed generator; this keeps the query path usable without one.
type TemplateGenerator struct{}

// Generate formats the grounding lines as a plain-text answer.
func (TemplateGenerator) Generate(_ context.Context, prompt string, grounding []string) (string, error) {
	if len(grounding) == 0 {
		return "No stored facts are relevant to: " + prompt, nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant facts:\n")
	for _, line := range grounding {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

var (
	_ Extractor = (*RuleExtractor)(nil)
	_ Embedder  = (*HashEmbedder)(nil)
	_ Judge     = HeuristicJudge{}
	_ Generator = TemplateGenerator{}
)
