package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlab/driftwatch/internal/api"
	"github.com/driftlab/driftwatch/internal/detector"
	"github.com/driftlab/driftwatch/internal/results"
)

var (
	// Global flags
	verbose bool

	// Detector flags
	alpha       float64
	samples     int
	countUBound int
	windowSize  int
	seed        int64
	batchRows   int
	maxDepth    int

	// Migrate flags
	fromSpec string
	toSpec   string
	dryRun   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftctl",
		Short: "Offline tooling for kdq-tree drift detectors",
		Long: `driftctl runs drift detectors against CSV files and manages the
drift report store. It uses the same detector implementations as the
monitoring server, so offline replays reproduce server verdicts
exactly (detectors are seeded).`,
	}

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func detectorFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&alpha, "alpha", 0.01, "Significance level for the bootstrapped threshold")
	cmd.Flags().IntVar(&samples, "samples", 500, "Number of bootstrap samples")
	cmd.Flags().IntVar(&countUBound, "count-ubound", 100, "Cell count above which a node is split")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Maximum tree depth (0 = unlimited)")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Bootstrap RNG seed")
}

func params() api.KdqTreeParams {
	p := api.DefaultKdqTreeParams()
	p.Alpha = alpha
	p.BootstrapSamples = samples
	p.CountUBound = countUBound
	p.MaxDepth = maxDepth
	p.WindowSize = windowSize
	p.Seed = seed
	return p
}

// replayCmd feeds a CSV stream through a detector and prints the
// verdict timeline.
func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <reference.csv> <stream.csv>",
		Short: "Replay a CSV stream through a drift detector",
		Long: `Builds a reference partition from the first file, then feeds the
second file through the detector in batches (or row by row in
streaming mode) and prints one verdict line per update.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refData, err := readCSV(args[0])
			if err != nil {
				return fmt.Errorf("failed to read reference: %w", err)
			}
			streamData, err := readCSV(args[1])
			if err != nil {
				return fmt.Errorf("failed to read stream: %w", err)
			}

			if windowSize > 0 {
				return replayStreaming(refData, streamData)
			}
			return replayBatch(refData, streamData)
		},
	}
	detectorFlags(cmd)
	cmd.Flags().IntVar(&windowSize, "window", 0, "Streaming window size (0 = batch mode)")
	cmd.Flags().IntVar(&batchRows, "batch-rows", 500, "Rows per update in batch mode")
	return cmd
}

func replayBatch(ref, stream *api.Dataset) error {
	det := detector.NewKdqTreeBatch(params())
	if err := det.SetReference(ref, nil); err != nil {
		return err
	}
	fmt.Printf("Reference: %d rows, threshold %.6f\n", ref.NumRows(), det.Threshold())

	for start := 0; start < stream.NumRows(); start += batchRows {
		end := start + batchRows
		if end > stream.NumRows() {
			end = stream.NumRows()
		}
		batch := &api.Dataset{Columns: stream.Columns, Rows: stream.Rows[start:end]}
		if err := det.Update(batch, nil); err != nil {
			return fmt.Errorf("update at row %d: %w", start, err)
		}
		fmt.Printf("rows %6d-%-6d  divergence=%.6f  state=%s\n",
			start, end-1, det.Divergence(), det.State())
	}
	return nil
}

func replayStreaming(ref, stream *api.Dataset) error {
	p := params()
	det, err := detector.NewKdqTreeStreaming(p)
	if err != nil {
		return err
	}
	if err := det.SetReference(ref, nil); err != nil {
		return err
	}

	for i := range stream.Rows {
		row := &api.Dataset{Columns: stream.Columns, Rows: stream.Rows[i : i+1]}
		if err := det.Update(row, nil); err != nil {
			return fmt.Errorf("update at row %d: %w", i, err)
		}
		if det.State() == api.StateDrift || verbose {
			fmt.Printf("row %6d  divergence=%.6f  state=%s\n", i, det.Divergence(), det.State())
		}
	}
	fmt.Printf("final: divergence=%.6f state=%s\n", det.Divergence(), det.State())
	return nil
}

// exportCmd prints the partition of a reference CSV as JSON rows.
func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <reference.csv> [test.csv]",
		Short: "Export a kdq-tree partition as JSON",
		Long: `Builds a partition from the reference file and prints one JSON row
per node. With a second file, each row also carries the count
difference and Kulldorff statistic between the two samples.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refData, err := readCSV(args[0])
			if err != nil {
				return fmt.Errorf("failed to read reference: %w", err)
			}

			det := detector.NewKdqTreeBatch(params())
			if err := det.SetReference(refData, nil); err != nil {
				return err
			}

			if len(args) == 2 {
				testData, err := readCSV(args[1])
				if err != nil {
					return fmt.Errorf("failed to read test data: %w", err)
				}
				if err := det.Update(testData, nil); err != nil {
					return err
				}
			}

			rows, err := det.Export(maxDepth)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	detectorFlags(cmd)
	return cmd
}

// migrateCmd copies drift reports between store backends.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy drift reports between store backends",
		Long: `Copies all unexpired reports from one store to another. Stores are
specified as backend:target, e.g. memory:data/reports.json,
redis:localhost:6379 or postgres:<conn-string>. Writes are
first-write-wins, so re-running a migration is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			src, err := openStore(fromSpec)
			if err != nil {
				return fmt.Errorf("failed to open source store: %w", err)
			}
			defer src.Close()

			dst, err := openStore(toSpec)
			if err != nil {
				return fmt.Errorf("failed to open target store: %w", err)
			}
			defer dst.Close()

			ids, err := src.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list source reports: %w", err)
			}
			fmt.Printf("Found %d reports in source store\n", len(ids))

			copied := 0
			for _, id := range ids {
				report, err := src.Get(ctx, id)
				if err != nil {
					return fmt.Errorf("failed to read report %s: %w", id, err)
				}
				if report == nil {
					continue // expired between List and Get
				}
				if dryRun {
					fmt.Printf("would copy %s (detector=%s seq=%d)\n", id, report.Detector, report.Seq)
					continue
				}
				ttl := api.DefaultKdqTreeParams().ReportTTL
				if remaining := time.Until(report.ComputedAt.Add(ttl)); remaining > 0 {
					ttl = remaining
				}
				if err := dst.Set(ctx, id, report, ttl); err != nil {
					return fmt.Errorf("failed to write report %s: %w", id, err)
				}
				copied++
			}

			fmt.Printf("Copied %d reports\n", copied)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromSpec, "from", "", "Source store (backend:target)")
	cmd.Flags().StringVar(&toSpec, "to", "", "Target store (backend:target)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List reports without copying")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func openStore(spec string) (results.Store, error) {
	backend, target, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("invalid store spec %q, want backend:target", spec)
	}
	switch backend {
	case "memory":
		return results.NewMemoryStore(target), nil
	case "redis":
		return results.NewRedisStore(target, os.Getenv("REDIS_PASSWORD"), 0)
	case "postgres":
		return results.NewPostgresStore(target)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// readCSV loads a headered CSV of float64 columns into a Dataset.
func readCSV(path string) (*api.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	data := &api.Dataset{Columns: header}
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		row := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %q: %w", line, header[i], err)
			}
			row[i] = v
		}
		data.Rows = append(data.Rows, row)
	}

	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}
