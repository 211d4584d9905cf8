package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/reql/cmd/reql/parser"
)

func benchCmd() *cobra.Command {
	var (
		total       int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "bench [QUERY]",
		Short: "Run a query many times concurrently over one connection",
		Long: "Issues the query --n times from --concurrency goroutines sharing one\n" +
			"connection and reports throughput and latency percentiles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "r.expr(1).add(1)"
			if len(args) > 0 {
				src = strings.Join(args, " ")
			}
			t, err := parser.Parse(src)
			if err != nil {
				return err
			}
			if total < 1 || concurrency < 1 {
				return fmt.Errorf("--n and --concurrency must be positive")
			}

			c, _, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var (
				mu        sync.Mutex
				latencies = make([]time.Duration, 0, total)
			)
			jobs := make(chan struct{})
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				defer close(jobs)
				for i := 0; i < total; i++ {
					select {
					case jobs <- struct{}{}:
					case <-ctx.Done():
						return nil
					}
				}
				return nil
			})
			start := time.Now()
			for w := 0; w < concurrency; w++ {
				g.Go(func() error {
					for range jobs {
						qs := time.Now()
						if _, err := c.Run(ctx, t); err != nil {
							return err
						}
						d := time.Since(qs)
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			slices.Sort(latencies)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "query:       %s\n", t)
			fmt.Fprintf(out, "queries:     %d (%d concurrent)\n", len(latencies), concurrency)
			fmt.Fprintf(out, "elapsed:     %s\n", elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "throughput:  %.0f q/s\n", float64(len(latencies))/elapsed.Seconds())
			fmt.Fprintf(out, "latency p50: %s\n", percentile(latencies, 0.50))
			fmt.Fprintf(out, "latency p99: %s\n", percentile(latencies, 0.99))
			return nil
		},
	}
	cmd.Flags().IntVar(&total, "n", 10000, "Total queries")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 32, "Concurrent callers")
	return cmd
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}
