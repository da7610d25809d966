package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"supportbot/internal/eval"
)

func evalCmd() *cobra.Command {
	var (
		outPath     string
		summaryOnly string
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "eval [queries.csv]",
		Short: "Benchmark routing against a labelled query set",
		Long: `Routes every row of a CSV with an id,query,expected header (expected is
"solved" or "ticket"), writes one JSON line per query and prints accuracy,
ticket rate, error rate, the confusion matrix, FPR and FNR.

With --summarize an existing results file is analysed without routing.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if summaryOnly != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if summaryOnly != "" {
				f, err := os.Open(summaryOnly)
				if err != nil {
					return err
				}
				defer f.Close()
				results, err := eval.ReadJSONL(f)
				if err != nil {
					return err
				}
				eval.Analyze(results).Print(os.Stdout)
				return nil
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			queries, err := eval.LoadQueries(in)
			in.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if outPath == "" {
				outPath = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "_results.jsonl"
			}

			return withEngine(func(ctx context.Context, a *app) error {
				var done atomic.Int32
				results, err := eval.Run(ctx, a.engine, queries, eval.Options{
					Concurrency: concurrency,
					Timeout:     timeout,
					OnResult: func(r eval.Result) {
						n := done.Add(1)
						logger.Debug("query evaluated", "id", r.ID, "outcome", r.Outcome, "progress", fmt.Sprintf("%d/%d", n, len(queries)))
					},
				})
				if err != nil {
					return err
				}

				out, err := os.Create(outPath)
				if err != nil {
					return err
				}
				w := bufio.NewWriter(out)
				if err := eval.WriteJSONL(w, results); err != nil {
					out.Close()
					return err
				}
				if err := w.Flush(); err != nil {
					out.Close()
					return err
				}
				if err := out.Close(); err != nil {
					return err
				}

				eval.Analyze(results).Print(os.Stdout)
				fmt.Printf("\nResults written to %s\n", outPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "JSONL output (default: <input>_results.jsonl)")
	cmd.Flags().StringVar(&summaryOnly, "summarize", "", "analyse an existing JSONL results file")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "queries in flight")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-query timeout")
	return cmd
}
