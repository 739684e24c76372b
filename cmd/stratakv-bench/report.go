package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult is a single benchmark's summary row, suitable for CSV
// export and cross-run comparison.
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Mode          string
	Operations    int
	Duration      float64
	Throughput    float64
	Latency       float64
	HitRate       float64
	ReadRatio     float64
	WriteRatio    float64
	Timestamp     time.Time
}

// SaveResultCSV writes a header and then results as rows to filename,
// creating its parent directory if needed and truncating any existing file.
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Mode",
		"Operations", "Duration", "Throughput", "Latency", "HitRate",
		"ReadRatio", "WriteRatio",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		row := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			r.Mode,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// PrintResultTable prints a formatted table of benchmark results to stdout.
func PrintResultTable(results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Println("no results to display")
		return
	}

	fmt.Println("+-----------------+--------+---------+------------+----------+----------+")
	fmt.Println("| Benchmark Type  | Keys   | ValSize | Throughput | Latency  | Hit Rate |")
	fmt.Println("+-----------------+--------+---------+------------+----------+----------+")

	for _, r := range results {
		hitRateStr := "-"
		switch r.BenchmarkType {
		case "Read":
			hitRateStr = fmt.Sprintf("%.2f%%", r.HitRate)
		case "Mixed":
			hitRateStr = fmt.Sprintf("R:%.0f/W:%.0f", r.ReadRatio, r.WriteRatio)
		}

		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Printf("| %-15s | %6d | %7d | %10.2f | %6.2f%s | %8s |\n",
			r.BenchmarkType, r.NumKeys, r.ValueSize, r.Throughput, latency, latencyUnit, hitRateStr)
	}
	fmt.Println("+-----------------+--------+---------+------------+----------+----------+")
}
