package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/stratakv/stratakv/internal/log"
	"github.com/stratakv/stratakv/pkg/store"
)

// CompactionBenchmarkOptions configures the compaction benchmark.
type CompactionBenchmarkOptions struct {
	DataDir       string
	NumKeys       int
	ValueSize     int
	WriteInterval time.Duration
	TotalDuration time.Duration
}

// CompactionBenchmarkResult holds the results of a compaction benchmark.
type CompactionBenchmarkResult struct {
	TotalKeys         int
	TotalBytes        int64
	WriteDuration     time.Duration
	WriteOpsPerSecond float64
	MemoryUsage       uint64
	SSTableCount      int
	Rotations         uint64
	AsyncFlushes      uint64
}

// RunCompactionBenchmark writes opts.NumKeys entries in bursts separated by
// pauses, letting background compaction run between bursts, then issues a
// manual full compaction and reports the resulting level shape.
func RunCompactionBenchmark(opts CompactionBenchmarkOptions) (*CompactionBenchmarkResult, error) {
	fmt.Println("starting compaction benchmark...")

	dataDir := opts.DataDir
	os.RemoveAll(dataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create benchmark directory: %v", err)
	}

	s, err := store.Open(dataDir, log.NoopLogger{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}
	defer s.Close()

	value := make([]byte, opts.ValueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	result := &CompactionBenchmarkResult{
		TotalKeys:  opts.NumKeys,
		TotalBytes: int64(opts.NumKeys) * int64(opts.ValueSize),
	}

	stopChan := make(chan struct{})
	var wg sync.WaitGroup
	var peakMemory uint64
	var lastStats map[string]interface{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				if m.Alloc > peakMemory {
					peakMemory = m.Alloc
				}
				lastStats = s.Stats()
			case <-stopChan:
				return
			}
		}
	}()

	fmt.Println("writing data with pauses to trigger background compaction...")
	writeStart := time.Now()
	writeDeadline := writeStart.Add(opts.TotalDuration)

	var keyCounter int
	for time.Now().Before(writeDeadline) && keyCounter < opts.NumKeys {
		batchStart := time.Now()
		batchDeadline := batchStart.Add(opts.WriteInterval)

		var batchCount int
		for time.Now().Before(batchDeadline) && keyCounter < opts.NumKeys {
			key := []byte(fmt.Sprintf("compaction-key-%010d", keyCounter))
			if err := s.Put(key, value); err != nil {
				fmt.Fprintf(os.Stderr, "write error: %v\n", err)
				break
			}
			keyCounter++
			batchCount++
		}

		fmt.Printf("wrote %d keys, pausing to allow compaction...\n", batchCount)
		time.Sleep(1 * time.Second)
	}

	result.WriteDuration = time.Since(writeStart)
	result.WriteOpsPerSecond = float64(keyCounter) / result.WriteDuration.Seconds()

	fmt.Println("running manual full compaction...")
	if _, err := s.Compact(); err != nil {
		fmt.Fprintf(os.Stderr, "compaction pass returned: %v\n", err)
	}

	close(stopChan)
	wg.Wait()
	lastStats = s.Stats()

	result.MemoryUsage = peakMemory
	if lastStats != nil {
		if n, ok := lastStats["num_sstables"].(int); ok {
			result.SSTableCount = n
		}
		if r, ok := lastStats["rotations"].(uint64); ok {
			result.Rotations = r
		}
		if a, ok := lastStats["async_flushes"].(uint64); ok {
			result.AsyncFlushes = a
		}
	}

	fmt.Println("\nCompaction Benchmark Summary:")
	fmt.Printf("  Total Keys: %d\n", result.TotalKeys)
	fmt.Printf("  Total Data: %.2f MB\n", float64(result.TotalBytes)/(1024*1024))
	fmt.Printf("  Write Duration: %.2f seconds\n", result.WriteDuration.Seconds())
	fmt.Printf("  Write Throughput: %.2f ops/sec\n", result.WriteOpsPerSecond)
	fmt.Printf("  Peak Memory Usage: %.2f MB\n", float64(result.MemoryUsage)/(1024*1024))
	fmt.Printf("  SSTable Count After Compaction: %d\n", result.SSTableCount)
	fmt.Printf("  Memtable Rotations: %d\n", result.Rotations)
	fmt.Printf("  Async Flushes: %d\n", result.AsyncFlushes)

	return result, nil
}

// CustomCompactionBenchmark runs the compaction benchmark against a
// dedicated subdirectory of the -data-dir flag's value.
func CustomCompactionBenchmark(numKeys, valueSize int, duration time.Duration) error {
	dataDir := filepath.Join(*dataDir, fmt.Sprintf("compaction-bench-%d", time.Now().Unix()))

	opts := CompactionBenchmarkOptions{
		DataDir:       dataDir,
		NumKeys:       numKeys,
		ValueSize:     valueSize,
		WriteInterval: 2 * time.Second,
		TotalDuration: duration,
	}

	_, err := RunCompactionBenchmark(opts)
	return err
}
