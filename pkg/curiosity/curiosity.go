// Package curiosity ranks knowledge gaps: topics the engine knows too
// little about, ordered by how much an answer would improve the store.
//
// A gap's score combines three normalized signals:
//
//	score = w1*(1-connectivity) + w2*uncertainty + w3*(1-confidence)
//
// Poorly connected, contradictory, low-confidence topics float to the top.
package curiosity

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	mathvector "github.com/orneryd/munindb/pkg/math/vector"
	"github.com/orneryd/munindb/pkg/storage"
)

// Gap is one prioritized knowledge gap.
type Gap struct {
	// Topic is the concept label the gap is about.
	Topic string
	// Connectivity is the node's degree normalized against the graph's
	// maximum degree, in [0,1].
	Connectivity float64
	// Uncertainty reflects disagreement: the spread of edge confidences,
	// saturating to 1 when the topic holds scoped (contradictory) facts.
	Uncertainty float64
	// Confidence is the mean confidence of the topic's facts.
	Confidence float64
	// Score is the combined priority.
	Score float64
	// LastProbed is when NextGap last returned this topic.
	LastProbed time.Time
}

// Weights are the score components. They are used as-is; callers normalize.
type Weights struct {
	Connectivity float64
	Uncertainty  float64
	Confidence   float64
}

// DefaultWeights returns the standard 0.4/0.3/0.3 split.
func DefaultWeights() Weights {
	return Weights{Connectivity: 0.4, Uncertainty: 0.3, Confidence: 0.3}
}

func (w Weights) score(g *Gap) float64 {
	return w.Connectivity*(1-mathvector.Clamp01(g.Connectivity)) +
		w.Uncertainty*mathvector.Clamp01(g.Uncertainty) +
		w.Confidence*(1-mathvector.Clamp01(g.Confidence))
}

// Prioritizer maintains the gap queue.
type Prioritizer struct {
	mu      sync.Mutex
	weights Weights
	heap    gapHeap
	byTopic map[string]*gapItem
}

// NewPrioritizer creates an empty queue.
func NewPrioritizer(weights Weights) *Prioritizer {
	return &Prioritizer{
		weights: weights,
		byTopic: make(map[string]*gapItem),
	}
}

// Len returns the number of queued gaps.
func (p *Prioritizer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// NextGap returns the highest-priority gap, or nil when the queue is empty.
// The returned topic is stamped and marked probed before requeueing: probed
// gaps sink behind every unprobed one, so successive calls walk the queue
// instead of starving lower-scored gaps.
func (p *Prioritizer) NextGap() *Gap {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.heap) == 0 {
		return nil
	}

	item := p.heap[0]
	item.gap.LastProbed = time.Now()
	item.probed = true
	out := item.gap
	heap.Fix(&p.heap, 0)
	return &out
}

// Snapshot returns the top n gaps by priority without marking them probed.
func (p *Prioritizer) Snapshot(n int) []Gap {
	p.mu.Lock()
	defer p.mu.Unlock()

	gaps := make([]Gap, 0, len(p.heap))
	for _, item := range p.heap {
		gaps = append(gaps, item.gap)
	}
	sort.Slice(gaps, func(i, j int) bool {
		a, b := gaps[i], gaps[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Confidence != b.Confidence {
			return a.Confidence < b.Confidence
		}
		if !a.LastProbed.Equal(b.LastProbed) {
			return a.LastProbed.Before(b.LastProbed)
		}
		return a.Topic < b.Topic
	})
	if len(gaps) > n {
		gaps = gaps[:n]
	}
	return gaps
}

// ReportGap registers an externally observed gap: a query that came back
// empty, a topic a user asked about that the store cannot ground. Reported
// gaps carry maximal uncertainty until a rescan recomputes them.
func (p *Prioritizer) ReportGap(topic string) {
	if topic == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	gap := Gap{
		Topic:        topic,
		Connectivity: 0,
		Uncertainty:  1,
		Confidence:   0,
	}
	gap.Score = p.weights.score(&gap)
	p.upsertLocked(gap)
	p.byTopic[topic].reported = true
}

// Rescan rebuilds the queue from the graph. Topics already queued keep their
// LastProbed timestamps. Graph-derived topics that no longer exist are
// dropped; reported topics survive until the graph learns about them.
func (p *Prioritizer) Rescan(engine storage.Engine) error {
	nodes, err := engine.AllNodes()
	if err != nil {
		return err
	}

	maxDegree := 0
	for _, node := range nodes {
		if node.Degree > maxDegree {
			maxDegree = node.Degree
		}
	}

	fresh := make([]Gap, 0, len(nodes))
	for _, node := range nodes {
		if node.Kind != storage.KindEntity {
			continue
		}

		gap := Gap{Topic: node.Label}
		if maxDegree > 0 {
			gap.Connectivity = float64(node.Degree) / float64(maxDegree)
		}

		outgoing, err := engine.GetOutgoingEdges(node.ID)
		if err != nil {
			return err
		}
		incoming, err := engine.GetIncomingEdges(node.ID)
		if err != nil {
			return err
		}
		edges := append(outgoing, incoming...)

		gap.Uncertainty, gap.Confidence = edgeSignals(edges)
		gap.Score = p.weights.score(&gap)
		fresh = append(fresh, gap)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lastProbed := make(map[string]time.Time, len(p.byTopic))
	for topic, item := range p.byTopic {
		lastProbed[topic] = item.gap.LastProbed
	}

	inGraph := make(map[string]bool, len(fresh))
	for _, gap := range fresh {
		inGraph[gap.Topic] = true
	}

	var carried []Gap
	for topic, item := range p.byTopic {
		if item.reported && !inGraph[topic] {
			carried = append(carried, item.gap)
		}
	}

	p.heap = p.heap[:0]
	p.byTopic = make(map[string]*gapItem, len(fresh)+len(carried))
	for _, gap := range fresh {
		gap.LastProbed = lastProbed[gap.Topic]
		p.upsertLocked(gap)
	}
	for _, gap := range carried {
		p.upsertLocked(gap)
		p.byTopic[gap.Topic].reported = true
	}
	return nil
}

// edgeSignals derives uncertainty and mean confidence from a topic's facts.
// Scoped edges mean an unresolved contradiction, which saturates
// uncertainty; otherwise uncertainty is the confidence spread.
func edgeSignals(edges []*storage.Edge) (uncertainty, confidence float64) {
	if len(edges) == 0 {
		return 1, 0
	}

	minConf, maxConf, sum := 1.0, 0.0, 0.0
	scoped := false
	for _, edge := range edges {
		if edge.Scope != "" {
			scoped = true
		}
		if edge.Confidence < minConf {
			minConf = edge.Confidence
		}
		if edge.Confidence > maxConf {
			maxConf = edge.Confidence
		}
		sum += edge.Confidence
	}

	confidence = sum / float64(len(edges))
	if scoped {
		return 1, confidence
	}
	return mathvector.Clamp01(maxConf - minConf), confidence
}

func (p *Prioritizer) upsertLocked(gap Gap) {
	if item, ok := p.byTopic[gap.Topic]; ok {
		if gap.LastProbed.IsZero() {
			gap.LastProbed = item.gap.LastProbed
		}
		item.gap = gap
		heap.Fix(&p.heap, item.index)
		return
	}

	item := &gapItem{gap: gap}
	p.byTopic[gap.Topic] = item
	heap.Push(&p.heap, item)
}

// gapItem wraps a Gap with its heap position. reported marks gaps that came
// from ReportGap rather than a graph scan; probed marks gaps NextGap has
// already handed out since the last rescan.
type gapItem struct {
	gap      Gap
	index    int
	reported bool
	probed   bool
}

type gapHeap []*gapItem

func (h gapHeap) Len() int { return len(h) }

// Less orders unprobed ahead of probed, then score desc, then confidence
// asc, then least-recently probed, then topic asc.
func (h gapHeap) Less(i, j int) bool {
	if h[i].probed != h[j].probed {
		return !h[i].probed
	}
	a, b := h[i].gap, h[j].gap
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	if !a.LastProbed.Equal(b.LastProbed) {
		return a.LastProbed.Before(b.LastProbed)
	}
	return a.Topic < b.Topic
}

func (h gapHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *gapHeap) Push(x any) {
	item := x.(*gapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *gapHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
