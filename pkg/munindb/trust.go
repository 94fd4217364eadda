package munindb

import "strings"

// DefaultTrust assigns a baseline trust to a source from its identifier,
// for callers that have no better signal. Explicit trust always wins.
func DefaultTrust(sourceID string) float64 {
	id := strings.ToLower(sourceID)
	switch {
	case strings.HasSuffix(id, ".gov"), strings.HasSuffix(id, ".edu"):
		return 0.9
	case strings.HasPrefix(id, "wiki"), strings.Contains(id, "wikipedia"):
		return 0.8
	case strings.HasPrefix(id, "docs:"), strings.HasPrefix(id, "paper:"):
		return 0.8
	case strings.HasPrefix(id, "chat:"), strings.HasPrefix(id, "agent:"):
		return 0.5
	case strings.Contains(id, "forum"), strings.Contains(id, "blog"), strings.Contains(id, "social"):
		return 0.3
	default:
		return 0.5
	}
}
