// Package config handles configuration for the MuninDB engine.
//
// Configuration precedence, lowest to highest:
//  1. Built-in defaults (DefaultConfig)
//  2. YAML config file
//  3. MUNINDB_* environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the engine.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Curiosity CuriosityConfig `yaml:"curiosity"`
	Query     QueryConfig     `yaml:"query"`
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	// DataDir is where Badger keeps its files. Empty means in-memory.
	DataDir string `yaml:"data_dir"`

	// SyncWrites forces an fsync after every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// LowMemory shrinks Badger's memtables and caches.
	LowMemory bool `yaml:"low_memory"`

	// MaxBytes is the capacity ceiling. Ingestion is refused once the
	// estimated footprint reaches it. Zero disables the ceiling.
	MaxBytes int64 `yaml:"max_bytes"`
}

// EmbeddingConfig controls the vector side of the store.
type EmbeddingConfig struct {
	// Dimensions is the enforced embedding width.
	Dimensions int `yaml:"dimensions"`

	// MaxRetries bounds embed attempts per fact before the fact is skipped.
	MaxRetries int `yaml:"max_retries"`
}

// MemoryConfig controls reinforcement, decay, and consolidation.
type MemoryConfig struct {
	// InitialWeight is assigned to newly created edges.
	InitialWeight float64 `yaml:"initial_weight"`

	// ReinforceDelta is added to an edge's weight on each use.
	ReinforceDelta float64 `yaml:"reinforce_delta"`

	// DecayFactor multiplies the weight of edges unused since the last
	// sleep cycle.
	DecayFactor float64 `yaml:"decay_factor"`

	// PruneThreshold is the weight below which old edges are removed.
	PruneThreshold float64 `yaml:"prune_threshold"`

	// PruneRetentionCycles protects young edges: an edge is prunable only
	// after surviving this many sleep cycles.
	PruneRetentionCycles int `yaml:"prune_retention_cycles"`

	// GeneralizeMinShared is the number of subjects that must share a
	// (predicate, object) pair before a SuperConcept forms.
	GeneralizeMinShared int `yaml:"generalize_min_shared"`

	// GeneralizeMinWeight excludes weak edges from contributing to a
	// SuperConcept.
	GeneralizeMinWeight float64 `yaml:"generalize_min_weight"`

	// NoisePruneEnabled removes single-corroboration, never-reinforced
	// edges from untrusted sources during consolidation.
	NoisePruneEnabled bool `yaml:"noise_prune_enabled"`

	// NoiseTrustCeiling marks sources at or below this trust as noise
	// candidates.
	NoiseTrustCeiling float64 `yaml:"noise_trust_ceiling"`
}

// ArbiterConfig controls truth arbitration.
type ArbiterConfig struct {
	// TrustGap is the source-trust difference above which a conflict is
	// settled without consulting the judge.
	TrustGap float64 `yaml:"trust_gap"`

	// ExclusivePredicates lists predicates treated as functional: one
	// object per (subject, predicate) in the default scope. The special
	// entry "*" makes every predicate exclusive.
	ExclusivePredicates []string `yaml:"exclusive_predicates"`
}

// CuriosityConfig controls knowledge-gap prioritization.
type CuriosityConfig struct {
	// ConnectivityWeight, UncertaintyWeight, and ConfidenceWeight are the
	// score components. They should sum to 1.
	ConnectivityWeight float64 `yaml:"connectivity_weight"`
	UncertaintyWeight  float64 `yaml:"uncertainty_weight"`
	ConfidenceWeight   float64 `yaml:"confidence_weight"`
}

// QueryConfig controls retrieval.
type QueryConfig struct {
	// TopK is the default number of results returned.
	TopK int `yaml:"top_k"`

	// KNN is how many vector hits are pulled before graph fusion.
	KNN int `yaml:"knn"`

	// MaxHops bounds neighborhood traversal.
	MaxHops int `yaml:"max_hops"`

	// VectorWeight and GraphWeight fuse similarity and edge weight into
	// the final relevance score.
	VectorWeight float64 `yaml:"vector_weight"`
	GraphWeight  float64 `yaml:"graph_weight"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:  "",
			MaxBytes: 500 << 20,
		},
		Embedding: EmbeddingConfig{
			Dimensions: 384,
			MaxRetries: 3,
		},
		Memory: MemoryConfig{
			InitialWeight:        0.5,
			ReinforceDelta:       0.05,
			DecayFactor:          0.9,
			PruneThreshold:       0.05,
			PruneRetentionCycles: 30,
			GeneralizeMinShared:  3,
			GeneralizeMinWeight:  0.2,
			NoisePruneEnabled:    false,
			NoiseTrustCeiling:    0.2,
		},
		Arbiter: ArbiterConfig{
			TrustGap:            0.2,
			ExclusivePredicates: []string{"*"},
		},
		Curiosity: CuriosityConfig{
			ConnectivityWeight: 0.4,
			UncertaintyWeight:  0.3,
			ConfidenceWeight:   0.3,
		},
		Query: QueryConfig{
			TopK:         10,
			KNN:          25,
			MaxHops:      2,
			VectorWeight: 0.7,
			GraphWeight:  0.3,
		},
	}
}

// Load reads configuration from a YAML file, then applies MUNINDB_*
// environment overrides. An empty path skips the file and uses defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MUNINDB_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MUNINDB_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v, ok := envBool("MUNINDB_SYNC_WRITES"); ok {
		c.Storage.SyncWrites = v
	}
	if v, ok := envBool("MUNINDB_LOW_MEMORY"); ok {
		c.Storage.LowMemory = v
	}
	if v, ok := envInt64("MUNINDB_MAX_BYTES"); ok {
		c.Storage.MaxBytes = v
	}
	if v, ok := envInt("MUNINDB_EMBEDDING_DIMENSIONS"); ok {
		c.Embedding.Dimensions = v
	}
	if v, ok := envFloat("MUNINDB_DECAY_FACTOR"); ok {
		c.Memory.DecayFactor = v
	}
	if v, ok := envFloat("MUNINDB_PRUNE_THRESHOLD"); ok {
		c.Memory.PruneThreshold = v
	}
	if v, ok := envFloat("MUNINDB_REINFORCE_DELTA"); ok {
		c.Memory.ReinforceDelta = v
	}
	if v, ok := envFloat("MUNINDB_TRUST_GAP"); ok {
		c.Arbiter.TrustGap = v
	}
	if v := os.Getenv("MUNINDB_EXCLUSIVE_PREDICATES"); v != "" {
		c.Arbiter.ExclusivePredicates = splitList(v)
	}
	if v, ok := envInt("MUNINDB_QUERY_TOP_K"); ok {
		c.Query.TopK = v
	}
}

// Validate checks invariants that would otherwise surface as subtle
// runtime misbehavior.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("embedding.max_retries must be non-negative, got %d", c.Embedding.MaxRetries)
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes must be non-negative, got %d", c.Storage.MaxBytes)
	}
	if c.Memory.InitialWeight < 0 || c.Memory.InitialWeight > 1 {
		return fmt.Errorf("memory.initial_weight must be in [0,1], got %g", c.Memory.InitialWeight)
	}
	if c.Memory.ReinforceDelta <= 0 || c.Memory.ReinforceDelta > 1 {
		return fmt.Errorf("memory.reinforce_delta must be in (0,1], got %g", c.Memory.ReinforceDelta)
	}
	if c.Memory.DecayFactor <= 0 || c.Memory.DecayFactor >= 1 {
		return fmt.Errorf("memory.decay_factor must be in (0,1), got %g", c.Memory.DecayFactor)
	}
	if c.Memory.PruneThreshold < 0 || c.Memory.PruneThreshold > 1 {
		return fmt.Errorf("memory.prune_threshold must be in [0,1], got %g", c.Memory.PruneThreshold)
	}
	if c.Memory.PruneRetentionCycles < 0 {
		return fmt.Errorf("memory.prune_retention_cycles must be non-negative, got %d", c.Memory.PruneRetentionCycles)
	}
	if c.Memory.GeneralizeMinShared < 2 {
		return fmt.Errorf("memory.generalize_min_shared must be at least 2, got %d", c.Memory.GeneralizeMinShared)
	}
	if c.Memory.GeneralizeMinWeight < 0 || c.Memory.GeneralizeMinWeight > 1 {
		return fmt.Errorf("memory.generalize_min_weight must be in [0,1], got %g", c.Memory.GeneralizeMinWeight)
	}
	if c.Arbiter.TrustGap < 0 || c.Arbiter.TrustGap > 1 {
		return fmt.Errorf("arbiter.trust_gap must be in [0,1], got %g", c.Arbiter.TrustGap)
	}
	weightSum := c.Curiosity.ConnectivityWeight + c.Curiosity.UncertaintyWeight + c.Curiosity.ConfidenceWeight
	if weightSum <= 0 {
		return fmt.Errorf("curiosity weights must sum to a positive value, got %g", weightSum)
	}
	if c.Query.TopK <= 0 {
		return fmt.Errorf("query.top_k must be positive, got %d", c.Query.TopK)
	}
	if c.Query.KNN <= 0 {
		return fmt.Errorf("query.knn must be positive, got %d", c.Query.KNN)
	}
	if c.Query.MaxHops < 1 {
		return fmt.Errorf("query.max_hops must be at least 1, got %d", c.Query.MaxHops)
	}
	if c.Query.VectorWeight < 0 || c.Query.GraphWeight < 0 {
		return fmt.Errorf("query fusion weights must be non-negative")
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
