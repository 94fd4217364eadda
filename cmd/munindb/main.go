// Package main provides the MuninDB CLI entry point.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/munindb/pkg/config"
	"github.com/orneryd/munindb/pkg/munindb"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "munindb",
		Short: "MuninDB - Hybrid Memory Engine for LLM Agents",
		Long: `MuninDB is a hybrid memory and cognitive-evolution engine written in Go.

It stores what an agent learns as a symbolic knowledge graph paired with a
semantic vector index, then evolves that memory over time:

  • Hebbian reinforcement: facts strengthen with use, fade without it
  • Truth arbitration: contradictions are settled by source trust or a judge
  • Sleep cycles: dedup, decay, prune, and generalize into SuperConcepts
  • Curiosity: knowledge gaps are ranked so the agent knows what to learn next`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninDB v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	// Init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new MuninDB database",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", getEnvStr("MUNINDB_DATA_DIR", "./data"), "Data directory")
	rootCmd.AddCommand(initCmd)

	// Ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest facts from a file (or stdin with -)",
		Long: `Ingest extracts triples from the input and stores them.

Input lines use the piped triple format:
  subject | predicate | object [| confidence]

Plain "X is a Y" sentences are also recognized.`,
		Args: cobra.ExactArgs(1),
		RunE: runIngest,
	}
	addCommonFlags(ingestCmd)
	ingestCmd.Flags().String("source", "", "Source identifier (required)")
	ingestCmd.Flags().Float64("trust", -1, "Source trust in [0,1] (default: derived from the identifier)")
	ingestCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(ingestCmd)

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Retrieve the facts most relevant to a question or pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runQuery,
	}
	addCommonFlags(queryCmd)
	queryCmd.Flags().String("subject", "", "Pattern: subject label")
	queryCmd.Flags().String("predicate", "", "Pattern: predicate")
	queryCmd.Flags().String("object", "", "Pattern: object label")
	queryCmd.Flags().Int("top-k", 0, "Result count (0 = configured default)")
	rootCmd.AddCommand(queryCmd)

	// Ask command
	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question grounded in stored facts",
		Args:  cobra.ExactArgs(1),
		RunE:  runAsk,
	}
	addCommonFlags(askCmd)
	rootCmd.AddCommand(askCmd)

	// Sleep command
	sleepCmd := &cobra.Command{
		Use:   "sleep",
		Short: "Run one consolidation cycle (dedup, decay, prune, generalize)",
		RunE:  runSleep,
	}
	addCommonFlags(sleepCmd)
	rootCmd.AddCommand(sleepCmd)

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE:  runStats,
	}
	addCommonFlags(statsCmd)
	rootCmd.AddCommand(statsCmd)

	// Gaps command
	gapsCmd := &cobra.Command{
		Use:   "gaps",
		Short: "Show the highest-priority knowledge gaps",
		RunE:  runGaps,
	}
	addCommonFlags(gapsCmd)
	gapsCmd.Flags().Int("limit", getEnvInt("MUNINDB_GAPS_LIMIT", 5), "How many gaps to list")
	rootCmd.AddCommand(gapsCmd)

	// Shell command (interactive REPL)
	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell: ask questions, teach facts, trigger sleep",
		RunE:  runShell,
	}
	addCommonFlags(shellCmd)
	rootCmd.AddCommand(shellCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", getEnvStr("MUNINDB_DATA_DIR", "./data"), "Data directory (empty = in-memory)")
	cmd.Flags().String("config", getEnvStr("MUNINDB_CONFIG", ""), "Path to YAML config file")
}

// openDB loads configuration and opens the database for a subcommand.
func openDB(cmd *cobra.Command) (*munindb.DB, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("data-dir") || cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}

	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := munindb.Open(munindb.Options{Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("📂 Initializing MuninDB database in %s\n", dataDir)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dataDir

	configPath := filepath.Join(dataDir, "munindb.yaml")
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("✅ Database initialized successfully")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Teach it facts:    munindb ingest facts.txt --source wiki:example --data-dir", dataDir)
	fmt.Println("  2. Ask it questions:  munindb ask \"what do you know\" --data-dir", dataDir)
	fmt.Println("  3. Let it sleep:      munindb sleep --data-dir", dataDir)

	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	sourceID, _ := cmd.Flags().GetString("source")
	trust, _ := cmd.Flags().GetFloat64("trust")
	if trust < 0 {
		trust = munindb.DefaultTrust(sourceID)
	}
	if trust > 1 {
		return fmt.Errorf("trust must be in [0,1], got %g", trust)
	}

	var text []byte
	var err error
	if args[0] == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("📥 Ingesting from %s (trust %.2f)...\n", sourceID, trust)

	start := time.Now()
	report, err := db.Ingest(context.Background(), string(text), munindb.Source{ID: sourceID, Trust: trust})
	if err != nil {
		return err
	}

	fmt.Printf("✅ %d triples in %v: %d created, %d reinforced, %d conflicts\n",
		report.TriplesExtracted, time.Since(start).Round(time.Millisecond),
		report.Created, report.Reinforced, report.Conflicts)
	for _, res := range report.Resolutions {
		fmt.Printf("   ⚖️  conflict resolved: %s\n", res.Verdict)
	}
	if report.SkippedEmbeddings > 0 {
		fmt.Printf("   ⚠️  %d facts stored without vectors (embedder unavailable)\n", report.SkippedEmbeddings)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	q := munindb.Query{}
	if len(args) == 1 {
		q.Text = args[0]
	}
	q.Subject, _ = cmd.Flags().GetString("subject")
	q.Predicate, _ = cmd.Flags().GetString("predicate")
	q.Object, _ = cmd.Flags().GetString("object")
	q.TopK, _ = cmd.Flags().GetInt("top-k")

	results, err := db.Query(context.Background(), q)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("🤷 No matching facts. The gap was noted for future learning.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%2d. %s %s %s  (score %.3f, weight %.2f, confidence %.2f)\n",
			i+1, r.Subject, r.Predicate, r.Object, r.Score, r.Edge.Weight, r.Edge.Confidence)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	answer, err := db.Answer(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

func runSleep(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("😴 Running sleep cycle...")
	report, err := db.RunSleepCycle(context.Background())
	if err != nil {
		return err
	}

	if report.Skipped {
		fmt.Printf("✅ Nothing changed since cycle %d, store untouched\n", report.Cycle)
		return nil
	}

	fmt.Printf("✅ Cycle %d complete in %v\n", report.Cycle, report.Duration.Round(time.Millisecond))
	fmt.Printf("   Deduplicated:   %d\n", report.Deduped)
	if report.NoisePruned > 0 {
		fmt.Printf("   Noise pruned:   %d\n", report.NoisePruned)
	}
	fmt.Printf("   Decayed:        %d\n", report.Decayed)
	fmt.Printf("   Pruned:         %d\n", report.Pruned)
	fmt.Printf("   SuperConcepts:  %d new, %d members linked\n",
		report.SuperConceptsNew, report.SuperConceptMembers)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	fmt.Println("📊 Store statistics:")
	fmt.Printf("  Nodes:           %d\n", stats.Nodes)
	fmt.Printf("  Edges:           %d\n", stats.Edges)
	fmt.Printf("  SuperConcepts:   %d\n", stats.SuperConcepts)
	fmt.Printf("  Mean confidence: %.3f\n", stats.MeanConfidence)
	fmt.Printf("  Mean weight:     %.3f\n", stats.MeanWeight)
	fmt.Printf("  Estimated size:  %s\n", formatBytes(stats.EstimatedBytes))
	fmt.Printf("  Sleep cycles:    %d\n", stats.CycleCount)
	if !stats.LastCycleTime.IsZero() {
		fmt.Printf("  Last cycle:      %s\n", stats.LastCycleTime.Format(time.RFC3339))
	}
	if len(stats.TopUncertainTopics) > 0 {
		fmt.Println("  Uncertain topics:")
		for _, topic := range stats.TopUncertainTopics {
			fmt.Printf("    • %s\n", topic)
		}
	}
	return nil
}

func runGaps(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("🔍 Highest-priority knowledge gaps:")
	found := 0
	for i := 0; i < limit; i++ {
		gap := db.NextGap()
		if gap == nil {
			break
		}
		found++
		fmt.Printf("%2d. %-30s (score %.3f, connectivity %.2f, uncertainty %.2f)\n",
			found, gap.Topic, gap.Score, gap.Connectivity, gap.Uncertainty)
	}
	if found == 0 {
		fmt.Println("   none. Run a sleep cycle to rescan, or query unknown topics.")
	}
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("✅ Connected to MuninDB")
	fmt.Println("Commands:")
	fmt.Println("  <question>                 ask a question")
	fmt.Println("  /teach <source> <triples>  ingest piped triples (s | p | o)")
	fmt.Println("  /sleep                     run a consolidation cycle")
	fmt.Println("  /gaps                      show top knowledge gaps")
	fmt.Println("  exit                       quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("munindb> ")
		if !scanner.Scan() {
			break // EOF or error
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		switch {
		case strings.HasPrefix(line, "/teach "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "/teach "))
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 {
				fmt.Println("❌ Usage: /teach <source> <subject | predicate | object>")
				continue
			}
			report, err := db.Ingest(ctx, parts[1], munindb.Source{
				ID:    parts[0],
				Trust: munindb.DefaultTrust(parts[0]),
			})
			if err != nil {
				fmt.Printf("❌ Error: %v\n", err)
				continue
			}
			fmt.Printf("✅ %d created, %d reinforced, %d conflicts\n",
				report.Created, report.Reinforced, report.Conflicts)

		case line == "/sleep":
			report, err := db.RunSleepCycle(ctx)
			if err != nil {
				fmt.Printf("❌ Error: %v\n", err)
				continue
			}
			if report.Skipped {
				fmt.Println("😴 Nothing to consolidate")
			} else {
				fmt.Printf("😴 Cycle %d: decayed %d, pruned %d, %d new SuperConcepts\n",
					report.Cycle, report.Decayed, report.Pruned, report.SuperConceptsNew)
			}

		case line == "/gaps":
			for i := 0; i < 5; i++ {
				gap := db.NextGap()
				if gap == nil {
					break
				}
				fmt.Printf("  • %s (score %.3f)\n", gap.Topic, gap.Score)
			}

		default:
			answer, err := db.Answer(ctx, line)
			if err != nil {
				fmt.Printf("❌ Error: %v\n", err)
				continue
			}
			fmt.Println(answer)
		}
		fmt.Println()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Println("👋 Goodbye!")
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// getEnvStr returns environment variable value or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
