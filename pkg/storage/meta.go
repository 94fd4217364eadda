package storage

// Well-known meta keys shared by the graph store and the consolidation
// pipeline.
const (
	// MetaWriteGeneration counts externally visible mutations. The sleep
	// cycle uses it to detect that nothing changed since its last run.
	MetaWriteGeneration = "write_generation"

	// MetaConsolidatedGeneration is the write generation recorded when the
	// last sleep cycle committed.
	MetaConsolidatedGeneration = "consolidated_generation"

	// MetaCycleCount is the number of completed sleep cycles.
	MetaCycleCount = "cycle_count"

	// MetaLastCycleTime is the RFC3339Nano timestamp of the last committed
	// sleep cycle.
	MetaLastCycleTime = "last_cycle_time"

	// MetaStatsSnapshot holds the gob-encoded stats computed by the last
	// sleep cycle.
	MetaStatsSnapshot = "stats_snapshot"
)
