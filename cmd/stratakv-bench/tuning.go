package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/config"
	"github.com/stratakv/stratakv/pkg/store"
)

// TuningResults stores the results of a set of configuration tuning runs.
type TuningResults struct {
	Timestamp  time.Time                    `json:"timestamp"`
	Parameters []string                     `json:"parameters"`
	Results    map[string][]TuningBenchmark `json:"results"`
}

// TuningBenchmark stores the result of a single configuration value.
type TuningBenchmark struct {
	ConfigName    string                 `json:"config_name"`
	ConfigValue   interface{}            `json:"config_value"`
	WriteResults  BenchmarkMetrics       `json:"write_results"`
	ReadResults   BenchmarkMetrics       `json:"read_results"`
	MixedResults  BenchmarkMetrics       `json:"mixed_results"`
	StoreStats    map[string]interface{} `json:"store_stats"`
	ConfigDetails map[string]interface{} `json:"config_details"`
}

// BenchmarkMetrics holds the key metrics from one tuning sub-benchmark.
type BenchmarkMetrics struct {
	Throughput    float64 `json:"throughput"`
	Latency       float64 `json:"latency"`
	DataProcessed float64 `json:"data_processed"`
	Duration      float64 `json:"duration"`
	Operations    int     `json:"operations"`
	HitRate       float64 `json:"hit_rate,omitempty"`
}

// ConfigOption represents a single tunable and the values to try for it.
type ConfigOption struct {
	Name   string
	Values []interface{}
}

// RunConfigTuning opens a fresh store per (option, value) pair under
// baseDir, runs the write/read/mixed sub-benchmarks against it, and
// writes the aggregated results plus a recommendations doc to baseDir.
func RunConfigTuning(baseDir string, duration time.Duration, valueSize int) (*TuningResults, error) {
	fmt.Println("starting configuration tuning...")

	tuningDir := filepath.Join(baseDir, fmt.Sprintf("tuning-%d", time.Now().Unix()))
	if err := os.MkdirAll(tuningDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tuning directory: %w", err)
	}

	options := []ConfigOption{
		{Name: "MemtableSize", Values: []interface{}{500, 2000, 8000}},
		{Name: "MaxImmutableMemtables", Values: []interface{}{2, 8}},
		{Name: "FlushWorkers", Values: []interface{}{1, 4}},
		{Name: "LevelRatio", Values: []interface{}{4.0, 10.0}},
	}

	results := &TuningResults{
		Timestamp:  time.Now(),
		Parameters: []string{fmt.Sprintf("ValueSize: %d bytes, Duration: %s", valueSize, duration)},
		Results:    make(map[string][]TuningBenchmark),
	}

	for _, option := range options {
		fmt.Printf("testing %s variations...\n", option.Name)
		optionResults := make([]TuningBenchmark, 0, len(option.Values))

		for _, value := range option.Values {
			fmt.Printf("  testing %s=%v\n", option.Name, value)
			benchmark, err := runBenchmarkWithConfig(tuningDir, option.Name, value, duration, valueSize)
			if err != nil {
				fmt.Printf("error testing %s=%v: %v\n", option.Name, value, err)
				continue
			}
			optionResults = append(optionResults, *benchmark)
		}

		results.Results[option.Name] = optionResults
	}

	resultPath := filepath.Join(tuningDir, "tuning_results.json")
	resultData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultPath, resultData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}

	generateRecommendations(results, filepath.Join(tuningDir, "recommendations.md"))

	fmt.Printf("tuning complete. results saved to %s\n", resultPath)
	return results, nil
}

// runBenchmarkWithConfig opens a store configured with the given option
// override, runs the write/read/mixed sub-benchmarks, then closes it.
func runBenchmarkWithConfig(baseDir, optionName string, optionValue interface{}, duration time.Duration, valueSize int) (*TuningBenchmark, error) {
	configValueStr := fmt.Sprintf("%v", optionValue)
	configDir := filepath.Join(baseDir, fmt.Sprintf("%s_%s", optionName, configValueStr))
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := config.NewDefaultConfig(configDir)
	applyTuningOverride(cfg, optionName, optionValue)
	if err := cfg.SaveManifest(); err != nil {
		return nil, fmt.Errorf("failed to save tuned configuration: %w", err)
	}

	s, err := store.Open(configDir, log.NoopLogger{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	writeResult := runWriteBenchmarkForTuning(s, duration, valueSize)
	time.Sleep(100 * time.Millisecond)
	readResult := runReadBenchmarkForTuning(s, duration, valueSize)
	time.Sleep(100 * time.Millisecond)
	mixedResult := runMixedBenchmarkForTuning(s, duration, valueSize)

	storeStats := s.Stats()
	s.Close()

	benchmark := &TuningBenchmark{
		ConfigName:    optionName,
		ConfigValue:   optionValue,
		WriteResults:  writeResult,
		ReadResults:   readResult,
		MixedResults:  mixedResult,
		StoreStats:    storeStats,
		ConfigDetails: map[string]interface{}{optionName: optionValue},
	}
	return benchmark, nil
}

// applyTuningOverride sets the single field named by optionName on cfg.
func applyTuningOverride(cfg *config.Config, optionName string, value interface{}) {
	switch optionName {
	case "MemtableSize":
		cfg.MemtableSize = value.(int)
	case "MaxImmutableMemtables":
		cfg.MaxImmutableMemtables = value.(int)
	case "FlushWorkers":
		cfg.FlushWorkers = value.(int)
	case "LevelRatio":
		cfg.LevelRatio = value.(float64)
	}
}

func runWriteBenchmarkForTuning(s *store.Store, duration time.Duration, valueSize int) BenchmarkMetrics {
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	start := time.Now()
	deadline := start.Add(duration)

	var opsCount int
	for time.Now().Before(deadline) {
		key := []byte(fmt.Sprintf("tune-key-%010d", opsCount))
		if err := s.Put(key, value); err != nil {
			continue
		}
		opsCount++
	}

	return metricsFrom(start, opsCount, valueSize, 0)
}

func runReadBenchmarkForTuning(s *store.Store, duration time.Duration, valueSize int) BenchmarkMetrics {
	const numKeys = 1000
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}
	keys := make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("tune-key-%010d", i))
		s.Put(keys[i], value)
	}

	start := time.Now()
	deadline := start.Add(duration)

	var opsCount, hitCount int
	for time.Now().Before(deadline) {
		idx := opsCount % numKeys
		if _, found, err := s.Get(keys[idx]); err == nil && found {
			hitCount++
		}
		opsCount++
	}

	m := metricsFrom(start, opsCount, valueSize, 0)
	if opsCount > 0 {
		m.HitRate = float64(hitCount) / float64(opsCount) * 100
	}
	return m
}

func runMixedBenchmarkForTuning(s *store.Store, duration time.Duration, valueSize int) BenchmarkMetrics {
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	start := time.Now()
	deadline := start.Add(duration)

	var readOps, writeOps int
	keyCounter := 1
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("tune-key-%010d", i))
		if err := s.Put(key, value); err == nil {
			keyCounter++
			writeOps++
		}
	}

	for time.Now().Before(deadline) {
		if writeOps%4 != 0 {
			idx := writeOps % keyCounter
			key := []byte(fmt.Sprintf("tune-key-%010d", idx))
			s.Get(key)
			readOps++
		} else {
			key := []byte(fmt.Sprintf("tune-key-%010d", keyCounter))
			keyCounter++
			if err := s.Put(key, value); err == nil {
				writeOps++
			}
		}
	}

	totalOps := readOps + writeOps
	m := metricsFrom(start, totalOps, valueSize, 0)
	if totalOps > 0 {
		m.HitRate = float64(readOps) / float64(totalOps) * 100
	}
	return m
}

func metricsFrom(start time.Time, opsCount, valueSize int, _ int) BenchmarkMetrics {
	elapsed := time.Since(start)
	var opsPerSecond, latency float64
	if elapsed.Seconds() > 0 {
		opsPerSecond = float64(opsCount) / elapsed.Seconds()
	}
	if opsPerSecond > 0 {
		latency = 1000000.0 / opsPerSecond
	}
	return BenchmarkMetrics{
		Throughput:    opsPerSecond,
		Latency:       latency,
		DataProcessed: float64(opsCount) * float64(valueSize) / (1024 * 1024),
		Duration:      elapsed.Seconds(),
		Operations:    opsCount,
	}
}

// RunFullTuningBenchmark runs the full tuning sweep with short durations
// suitable for an interactive invocation, then prints a best-config summary.
func RunFullTuningBenchmark() error {
	baseDir := filepath.Join(*dataDir, "tuning")
	duration := 5 * time.Second
	valueSize := 1024

	results, err := RunConfigTuning(baseDir, duration, valueSize)
	if err != nil {
		return fmt.Errorf("tuning failed: %w", err)
	}

	fmt.Println("\nBest Configuration Summary:")
	for paramName, benchmarks := range results.Results {
		if len(benchmarks) == 0 {
			continue
		}
		var bestWrite, bestRead, bestMixed int
		for i, benchmark := range benchmarks {
			if i == 0 || benchmark.WriteResults.Throughput > benchmarks[bestWrite].WriteResults.Throughput {
				bestWrite = i
			}
			if i == 0 || benchmark.ReadResults.Throughput > benchmarks[bestRead].ReadResults.Throughput {
				bestRead = i
			}
			if i == 0 || benchmark.MixedResults.Throughput > benchmarks[bestMixed].MixedResults.Throughput {
				bestMixed = i
			}
		}

		fmt.Printf("\nParameter: %s\n", paramName)
		fmt.Printf("  Best for writes: %v (%.2f ops/sec)\n", benchmarks[bestWrite].ConfigValue, benchmarks[bestWrite].WriteResults.Throughput)
		fmt.Printf("  Best for reads:  %v (%.2f ops/sec)\n", benchmarks[bestRead].ConfigValue, benchmarks[bestRead].ReadResults.Throughput)
		fmt.Printf("  Best for mixed:  %v (%.2f ops/sec)\n", benchmarks[bestMixed].ConfigValue, benchmarks[bestMixed].MixedResults.Throughput)
	}

	return nil
}

// generateRecommendations writes a markdown summary of the tuning sweep
// to outputPath, naming the best config value per parameter per workload.
func generateRecommendations(results *TuningResults, outputPath string) error {
	var sb strings.Builder

	sb.WriteString("# Configuration recommendations\n\n")
	sb.WriteString("Based on benchmark results from " + results.Timestamp.Format(time.RFC3339) + "\n\n")

	sb.WriteString("## Parameters\n\n")
	for _, param := range results.Parameters {
		sb.WriteString("- " + param + "\n")
	}
	sb.WriteString("\n## Results by tunable\n\n")

	for paramName, benchmarks := range results.Results {
		if len(benchmarks) == 0 {
			continue
		}
		sb.WriteString("### " + paramName + "\n\n")
		sb.WriteString("| Value | Write Throughput | Read Throughput | Mixed Throughput |\n")
		sb.WriteString("|-------|-------------------|------------------|-------------------|\n")
		for _, b := range benchmarks {
			sb.WriteString(fmt.Sprintf("| %v | %.2f ops/sec | %.2f ops/sec | %.2f ops/sec |\n",
				b.ConfigValue, b.WriteResults.Throughput, b.ReadResults.Throughput, b.MixedResults.Throughput))
		}
		sb.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write recommendations: %w", err)
	}
	return nil
}
