// Command stratakv-bench drives a put/get/mixed/compaction workload
// against pkg/store and reports throughput and latency.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/store"
)

const (
	defaultValueSize = 100
	defaultKeyCount  = 100000
)

var (
	benchmarkType = flag.String("type", "all", "benchmark(s) to run: write, random-write, sequential-write, read, random-read, mixed, compaction, tune, or all")
	duration      = flag.Duration("duration", 10*time.Second, "duration to run each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "number of keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "size of values in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "directory to store benchmark data")
	sequential    = flag.Bool("sequential", false, "use sequential keys instead of random")
	cpuProfile    = flag.String("cpu-profile", "", "write cpu profile to file")
	memProfile    = flag.String("mem-profile", "", "write memory profile to file")
	resultsFile   = flag.String("results", "", "file to write results to, in addition to stdout")
	tuneParams    = flag.Bool("tune", false, "run configuration tuning benchmarks")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create cpu profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "could not start cpu profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "failed to clean benchmark directory: %v\n", err)
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create benchmark directory: %v\n", err)
		os.Exit(1)
	}

	if *tuneParams {
		fmt.Println("running configuration tuning benchmarks...")
		if err := RunFullTuningBenchmark(); err != nil {
			fmt.Fprintf(os.Stderr, "tuning failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	s, err := store.Open(*dataDir, log.NoopLogger{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	var results []string
	results = append(results, fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339)))
	results = append(results, fmt.Sprintf("Keys: %d, Value Size: %d bytes, Duration: %s, Mode: %s",
		*numKeys, *valueSize, *duration, keyMode()))

	types := strings.Split(*benchmarkType, ",")
	for _, typ := range types {
		switch strings.ToLower(typ) {
		case "write":
			results = append(results, runWriteBenchmark(s))
		case "random-write":
			oldSequential := *sequential
			oldValueSize := *valueSize
			*sequential = false
			*valueSize = 1024
			results = append(results, runRandomWriteBenchmark(s))
			*sequential = oldSequential
			*valueSize = oldValueSize
		case "sequential-write":
			oldSequential := *sequential
			*sequential = true
			results = append(results, runWriteBenchmark(s))
			*sequential = oldSequential
		case "read":
			results = append(results, runReadBenchmark(s))
		case "random-read":
			results = append(results, runRandomReadBenchmark(s))
		case "mixed":
			results = append(results, runMixedBenchmark(s))
		case "compaction":
			fmt.Println("running compaction benchmark...")
			if err := CustomCompactionBenchmark(*numKeys, *valueSize, *duration); err != nil {
				fmt.Fprintf(os.Stderr, "compaction benchmark failed: %v\n", err)
				continue
			}
			return
		case "tune":
			fmt.Println("running configuration tuning benchmarks...")
			if err := RunFullTuningBenchmark(); err != nil {
				fmt.Fprintf(os.Stderr, "tuning failed: %v\n", err)
				continue
			}
			return
		case "all":
			results = append(results, runWriteBenchmark(s))
			results = append(results, runRandomWriteBenchmark(s))
			results = append(results, runReadBenchmark(s))
			results = append(results, runRandomReadBenchmark(s))
			results = append(results, runMixedBenchmark(s))
		default:
			fmt.Fprintf(os.Stderr, "unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	for _, result := range results {
		fmt.Println(result)
	}

	if *resultsFile != "" {
		if err := os.WriteFile(*resultsFile, []byte(strings.Join(results, "\n")), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
			}
		}
	}
}

func keyMode() string {
	if *sequential {
		return "Sequential"
	}
	return "Random"
}

func generateKey(counter int) []byte {
	if *sequential {
		return []byte(fmt.Sprintf("key-%010d", counter))
	}
	return []byte(fmt.Sprintf("key-%s-%010d", strconv.FormatUint(rand.Uint64(), 16), counter))
}

// runWriteBenchmark benchmarks put throughput for the configured duration.
func runWriteBenchmark(s *store.Store) string {
	fmt.Println("running write benchmark...")

	start := time.Now()
	deadline := start.Add(*duration)

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	var opsCount int
	var consecutiveErrors int
	const maxConsecutiveErrors = 10

	for time.Now().Before(deadline) {
		key := generateKey(opsCount)
		if err := s.Put(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "write error (key #%d): %v\n", opsCount, err)
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				break
			}
			continue
		}
		consecutiveErrors = 0
		opsCount++
	}

	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	mbPerSecond := float64(opsCount) * float64(*valueSize) / (1024 * 1024) / elapsed.Seconds()

	result := "\nWrite Benchmark Results:"
	result += fmt.Sprintf("\n  Key Mode: %s", keyMode())
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Data Written: %.2f MB", float64(opsCount)*float64(*valueSize)/(1024*1024))
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec (%.2f MB/sec)", opsPerSecond, mbPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	return result
}

// runRandomWriteBenchmark benchmarks random-key writes with 1KB values.
func runRandomWriteBenchmark(s *store.Store) string {
	fmt.Println("running random write benchmark (1KB values)...")

	start := time.Now()
	deadline := start.Add(*duration)

	value := make([]byte, 1024)
	for i := range value {
		value[i] = byte(i % 256)
	}

	var opsCount int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for time.Now().Before(deadline) {
		key := []byte(fmt.Sprintf("key-%s-%010d", strconv.FormatUint(r.Uint64(), 16), opsCount))
		if err := s.Put(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "write error (key #%d): %v\n", opsCount, err)
			continue
		}
		opsCount++
	}

	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	mbPerSecond := float64(opsCount) * 1024.0 / (1024 * 1024) / elapsed.Seconds()

	result := "\nRandom Write Benchmark Results (1KB values):"
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Data Written: %.2f MB", float64(opsCount)*1024.0/(1024*1024))
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec (%.2f MB/sec)", opsPerSecond, mbPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	return result
}

// runReadBenchmark populates numKeys entries, then benchmarks get throughput.
func runReadBenchmark(s *store.Store) string {
	fmt.Println("preparing data for read benchmark...")

	actualNumKeys := *numKeys
	if actualNumKeys > 100000 {
		actualNumKeys = 100000
		fmt.Println("limiting to 100,000 keys for preparation phase")
	}

	keys := make([][]byte, actualNumKeys)
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}
	for i := 0; i < actualNumKeys; i++ {
		keys[i] = generateKey(i)
		if err := s.Put(keys[i], value); err != nil {
			fmt.Fprintf(os.Stderr, "write error during preparation: %v\n", err)
			return "Read Benchmark Failed: error preparing data"
		}
	}

	fmt.Println("running read benchmark...")
	start := time.Now()
	deadline := start.Add(*duration)

	var opsCount, hitCount int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for time.Now().Before(deadline) {
		idx := r.Intn(actualNumKeys)
		_, found, err := s.Get(keys[idx])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			break
		}
		if found {
			hitCount++
		}
		opsCount++
	}

	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	hitRate := float64(hitCount) / float64(opsCount) * 100

	result := "\nRead Benchmark Results:"
	result += fmt.Sprintf("\n  Key Mode: %s", keyMode())
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Hit Rate: %.2f%%", hitRate)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	return result
}

// runRandomReadBenchmark is runReadBenchmark with random (non-sequential)
// key generation forced, independent of the -sequential flag.
func runRandomReadBenchmark(s *store.Store) string {
	fmt.Println("preparing data for random read benchmark...")

	actualNumKeys := *numKeys
	if actualNumKeys > 100000 {
		actualNumKeys = 100000
		fmt.Println("limiting to 100,000 keys for random read preparation")
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := make([][]byte, actualNumKeys)
	value := make([]byte, 1024)
	for i := range value {
		value[i] = byte(i % 256)
	}
	for i := 0; i < actualNumKeys; i++ {
		keys[i] = []byte(fmt.Sprintf("rand-key-%s-%06d", strconv.FormatUint(r.Uint64(), 16), i))
		if err := s.Put(keys[i], value); err != nil {
			fmt.Fprintf(os.Stderr, "write error during preparation: %v\n", err)
			return "Random Read Benchmark Failed: error preparing data"
		}
	}

	fmt.Println("running random read benchmark...")
	start := time.Now()
	deadline := start.Add(*duration)

	var opsCount, hitCount int
	readRand := rand.New(rand.NewSource(time.Now().UnixNano()))

	for time.Now().Before(deadline) {
		idx := readRand.Intn(actualNumKeys)
		_, found, err := s.Get(keys[idx])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			break
		}
		if found {
			hitCount++
		}
		opsCount++
	}

	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	hitRate := float64(hitCount) / float64(opsCount) * 100

	result := "\nRandom Read Benchmark Results:"
	result += fmt.Sprintf("\n  Operations: %d", opsCount)
	result += fmt.Sprintf("\n  Hit Rate: %.2f%%", hitRate)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	return result
}

// runMixedBenchmark runs a 75% read / 25% write workload.
func runMixedBenchmark(s *store.Store) string {
	fmt.Println("preparing data for mixed benchmark...")

	actualNumKeys := *numKeys / 2
	if actualNumKeys > 50000 {
		actualNumKeys = 50000
		fmt.Println("limiting to 50,000 initial keys for mixed benchmark")
	}

	keys := make([][]byte, actualNumKeys)
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}
	for i := 0; i < len(keys); i++ {
		keys[i] = generateKey(i)
		if err := s.Put(keys[i], value); err != nil {
			fmt.Fprintf(os.Stderr, "write error during preparation: %v\n", err)
			return "Mixed Benchmark Failed: error preparing data"
		}
	}

	fmt.Println("running mixed benchmark (75% reads, 25% writes)...")
	start := time.Now()
	deadline := start.Add(*duration)

	var readOps, writeOps int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	keyCounter := len(keys)

	for time.Now().Before(deadline) {
		if r.Float64() < 0.75 {
			idx := r.Intn(len(keys))
			if _, _, err := s.Get(keys[idx]); err != nil {
				fmt.Fprintf(os.Stderr, "read error: %v\n", err)
				break
			}
			readOps++
		} else {
			key := generateKey(keyCounter)
			keyCounter++
			if err := s.Put(key, value); err != nil {
				fmt.Fprintf(os.Stderr, "write error: %v\n", err)
				continue
			}
			writeOps++
		}
	}

	elapsed := time.Since(start)
	totalOps := readOps + writeOps
	opsPerSecond := float64(totalOps) / elapsed.Seconds()
	readRatio := float64(readOps) / float64(totalOps) * 100
	writeRatio := float64(writeOps) / float64(totalOps) * 100

	result := "\nMixed Benchmark Results:"
	result += fmt.Sprintf("\n  Total Operations: %d", totalOps)
	result += fmt.Sprintf("\n  Read Operations: %d (%.1f%%)", readOps, readRatio)
	result += fmt.Sprintf("\n  Write Operations: %d (%.1f%%)", writeOps, writeRatio)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f ops/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	return result
}
