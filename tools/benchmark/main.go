package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/store"
)

const (
	defaultAppends     = 50
	defaultConcurrency = 4
	maxConcurrency     = 32
)

type Config struct {
	Difficulties        []int
	Appends             int   // Records appended per difficulty
	Concurrency         int   // Number of concurrent appenders
	MaxMiningIterations int64 // Nonce search budget per append
	OutputFile          string
	Debug               bool
}

// RunStats holds the measurements of one difficulty
type RunStats struct {
	Difficulty int
	Appends    int
	Failed     int
	Timeouts   int
	Elapsed    time.Duration
	Mean       time.Duration
	StdDev     time.Duration
	P50        time.Duration
	P95        time.Duration
	Max        time.Duration
	MeanNonce  float64
	ChainValid bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	var results []*RunStats
	for _, difficulty := range cfg.Difficulties {
		fmt.Printf("Mining %d records at difficulty %d with %d appenders...\n", cfg.Appends, difficulty, cfg.Concurrency)
		stats, err := runDifficulty(ctx, cfg, difficulty)
		if err != nil {
			fmt.Printf("Error benchmarking difficulty %d: %v\n", difficulty, err)
			os.Exit(1)
		}
		results = append(results, stats)
		if ctx.Err() != nil {
			break
		}
	}

	printResults(os.Stdout, results)

	if cfg.OutputFile != "" {
		if err := writeMarkdownReport(cfg.OutputFile, results); err != nil {
			fmt.Printf("Error writing report: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n✓ Report written to: %s\n", cfg.OutputFile)
	}
}

func parseFlags() (*Config, error) {
	cfg := &Config{}

	difficulties := flag.String("difficulties", "1,2,3", "Comma separated difficulties to benchmark")
	flag.IntVar(&cfg.Appends, "appends", defaultAppends, "Records appended per difficulty")
	flag.IntVar(&cfg.Concurrency, "concurrency", defaultConcurrency, "Number of concurrent appenders")
	flag.Int64Var(&cfg.MaxMiningIterations, "max-iterations", ledger.DefaultMaxMiningIterations, "Nonce search budget per append")
	flag.StringVar(&cfg.OutputFile, "output", "", "Output markdown file path (optional)")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug output")
	configFile := flag.String("config", "", "Path to config file (optional)")
	saveConfig := flag.Bool("save-config", false, "Save the effective settings to the default config path")

	flag.Parse()

	var err error
	cfg.Difficulties, err = parseDifficulties(*difficulties)
	if err != nil {
		return nil, err
	}

	if *configFile != "" {
		fileCfg, err := LoadConfig(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		applyFileConfig(cfg, fileCfg)
	}

	normalizeConfig(cfg)

	if *saveConfig {
		path := GetDefaultConfigPath()
		if err := SaveConfig(path, &BenchmarkConfig{
			Difficulties:        cfg.Difficulties,
			Appends:             cfg.Appends,
			Concurrency:         cfg.Concurrency,
			MaxMiningIterations: cfg.MaxMiningIterations,
		}); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Config saved to %s\n", path)
	}

	return cfg, nil
}

func parseDifficulties(value string) ([]int, error) {
	var difficulties []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 || d > 64 {
			return nil, fmt.Errorf("invalid difficulty %q", part)
		}
		difficulties = append(difficulties, d)
	}
	if len(difficulties) == 0 {
		return nil, errors.New("at least one difficulty is required")
	}
	return difficulties, nil
}

func applyFileConfig(cfg *Config, fileCfg *BenchmarkConfig) {
	if len(fileCfg.Difficulties) > 0 {
		cfg.Difficulties = fileCfg.Difficulties
	}
	if fileCfg.Appends > 0 {
		cfg.Appends = fileCfg.Appends
	}
	if fileCfg.Concurrency > 0 {
		cfg.Concurrency = fileCfg.Concurrency
	}
	if fileCfg.MaxMiningIterations > 0 {
		cfg.MaxMiningIterations = fileCfg.MaxMiningIterations
	}
}

func normalizeConfig(cfg *Config) {
	if cfg.Appends <= 0 {
		cfg.Appends = defaultAppends
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Concurrency > maxConcurrency {
		cfg.Concurrency = maxConcurrency
	}
	if cfg.MaxMiningIterations <= 0 {
		cfg.MaxMiningIterations = ledger.DefaultMaxMiningIterations
	}
}

// runDifficulty appends cfg.Appends records to a fresh in-memory ledger and verifies the result
func runDifficulty(ctx context.Context, cfg *Config, difficulty int) (*RunStats, error) {
	s := store.NewMemoryStore()
	defer func() {
		_ = s.Close()
	}()

	jsonAdapter := adapter.NewJSON()
	clock := adapter.NewClock()
	hasher := ledger.NewHasher(ledger.SHA256(), adapter.NewJCS(), jsonAdapter, difficulty)
	l := ledger.New(ledger.Config{
		Difficulty:          difficulty,
		MaxMiningIterations: cfg.MaxMiningIterations,
	}, s, hasher, nil, clock, jsonAdapter)

	stats := &RunStats{Difficulty: difficulty, Appends: cfg.Appends}

	var mu sync.Mutex
	latencies := make([]float64, 0, cfg.Appends)
	nonces := make([]float64, 0, cfg.Appends)

	pool := pond.NewPool(cfg.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()
	group := pool.NewGroup()

	start := time.Now()
	for i := range cfg.Appends {
		group.Submit(func() {
			collectionID := fmt.Sprintf("BENCH-%d-%06d", difficulty, i)
			payload := domain.RecordPayload{
				CollectionID:      collectionID,
				EventID:           domain.StageEventID(collectionID, domain.StageCollected),
				Stage:             domain.StageCollected,
				Weight:            1 + float64(i%10)/10,
				Location:          "benchmark",
				ResponsiblePerson: "benchmark",
			}

			began := time.Now()
			record, err := l.Append(ctx, payload)
			latency := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				if errors.Is(err, domain.ErrMiningTimeout) {
					stats.Timeouts++
				}
				if cfg.Debug {
					fmt.Printf("[DEBUG] append %s failed: %v\n", collectionID, err)
				}
				return
			}
			latencies = append(latencies, float64(latency))
			nonces = append(nonces, float64(record.Nonce))
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	stats.Elapsed = time.Since(start)

	summarize(stats, latencies, nonces)

	verification, err := l.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify chain: %w", err)
	}
	stats.ChainValid = verification.Valid

	return stats, nil
}

// summarize fills the latency and nonce statistics; latencies are nanoseconds
func summarize(stats *RunStats, latencies, nonces []float64) {
	if len(latencies) == 0 {
		return
	}
	slices.Sort(latencies)

	mean, stdDev := stat.MeanStdDev(latencies, nil)
	stats.Mean = time.Duration(mean)
	if len(latencies) > 1 {
		stats.StdDev = time.Duration(stdDev)
	}
	stats.P50 = time.Duration(stat.Quantile(0.5, stat.Empirical, latencies, nil))
	stats.P95 = time.Duration(stat.Quantile(0.95, stat.Empirical, latencies, nil))
	stats.Max = time.Duration(latencies[len(latencies)-1])
	stats.MeanNonce = stat.Mean(nonces, nil)
}

func printResults(w io.Writer, results []*RunStats) {
	_, _ = fmt.Fprintf(w, "\n%-10s %-8s %-8s %-10s %-10s %-10s %-10s %-12s %-12s %s\n",
		"Difficulty", "Appends", "Failed", "Mean", "P50", "P95", "Max", "Mean nonce", "Throughput", "Chain")
	for _, r := range results {
		succeeded := r.Appends - r.Failed
		_, _ = fmt.Fprintf(w, "%-10d %-8d %-8d %-10s %-10s %-10s %-10s %-12.0f %-12s %s\n",
			r.Difficulty, r.Appends, r.Failed,
			formatDuration(r.Mean), formatDuration(r.P50), formatDuration(r.P95), formatDuration(r.Max),
			r.MeanNonce, formatRate(succeeded, r.Elapsed), statusEmoji(r.ChainValid, r.Failed))
	}
}

// writeMarkdownReport writes a markdown report of the benchmark results
func writeMarkdownReport(filepath string, results []*RunStats) error {
	file, err := os.Create(filepath)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	return renderMarkdown(file, results, time.Now())
}

func renderMarkdown(w io.Writer, results []*RunStats, generatedAt time.Time) error {
	_, _ = fmt.Fprintf(w, "# Ledger Mining Benchmark Report\n\n")
	_, _ = fmt.Fprintf(w, "Generated: %s\n\n", generatedAt.Format("2006-01-02 15:04:05"))

	_, _ = fmt.Fprintf(w, "| Difficulty | Appends | Failed | Success | Mean | Std dev | P50 | P95 | Max | Mean nonce | Throughput | Chain |\n")
	_, _ = fmt.Fprintf(w, "|------------|---------|--------|---------|------|---------|-----|-----|-----|------------|------------|-------|\n")
	for _, r := range results {
		succeeded := r.Appends - r.Failed
		_, err := fmt.Fprintf(w, "| %d | %d | %d | %s | %s | %s | %s | %s | %s | %.0f | %s | %s |\n",
			r.Difficulty, r.Appends, r.Failed, percentageString(succeeded, r.Appends),
			formatDuration(r.Mean), formatDuration(r.StdDev), formatDuration(r.P50), formatDuration(r.P95), formatDuration(r.Max),
			r.MeanNonce, formatRate(succeeded, r.Elapsed), statusEmoji(r.ChainValid, r.Failed))
		if err != nil {
			return err
		}
	}

	var timeouts int
	for _, r := range results {
		timeouts += r.Timeouts
	}
	if timeouts > 0 {
		_, _ = fmt.Fprintf(w, "\n%d appends hit the nonce search budget. Raise `ledger.max_mining_iterations` or lower the difficulty.\n", timeouts)
	}

	return nil
}
