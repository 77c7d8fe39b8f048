package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/snapcache/internal/catalog"
	"github.com/oriys/snapcache/internal/metrics"
	"github.com/oriys/snapcache/internal/resolver"
)

// benchReport summarizes one bench run.
type benchReport struct {
	Requests  int
	Sources   map[string]int
	Coalesced int
	Failures  map[string]int
	Elapsed   time.Duration
	Latency   *metrics.LatencyTracker
}

// runBench fires requests resolves of b with at most concurrency in flight.
func runBench(ctx context.Context, res *resolver.Resolver, b catalog.Binding, requests, concurrency int, refresh bool) *benchReport {
	report := &benchReport{
		Requests: requests,
		Sources:  make(map[string]int),
		Failures: make(map[string]int),
		Latency:  metrics.NewLatencyTracker(0.01),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < requests; i++ {
		g.Go(func() error {
			t0 := time.Now()
			r, err := res.ResolveQuery(gctx, b.Key, b.Query, refresh)
			elapsed := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[resolver.KindOf(err).String()]++
				report.Latency.Record("error", elapsed)
				return nil
			}
			report.Sources[string(r.Source)]++
			if r.Coalesced {
				report.Coalesced++
			}
			report.Latency.Record(string(r.Source), elapsed)
			report.Latency.Record("all", elapsed)
			return nil
		})
	}
	_ = g.Wait()
	report.Elapsed = time.Since(start)
	return report
}

func benchCmd() *cobra.Command {
	var (
		params      []string
		concurrency int
		requests    int
		refresh     bool
	)

	cmd := &cobra.Command{
		Use:   "bench [dataset]",
		Short: "Fire concurrent resolves and report cache behaviour",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 || requests < 1 {
				return fmt.Errorf("--concurrency and --requests must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Observability.Logging.Console = false

			name := catalog.DefaultDataset
			if len(args) == 1 {
				name = args[0]
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			binding, err := a.catalog.Bind(name, p)
			if err != nil {
				return err
			}

			report := runBench(ctx, a.resolver, binding, requests, concurrency, refresh)

			out := cmd.OutOrStdout()
			rps := float64(report.Requests) / report.Elapsed.Seconds()
			fmt.Fprintf(out, "key: %s  requests: %d  concurrency: %d  elapsed: %s  (%.0f req/s)\n\n",
				binding.Key, report.Requests, concurrency, report.Elapsed.Round(time.Millisecond), rps)

			w := newTabWriter(out)
			fmt.Fprintln(w, "OUTCOME\tCOUNT\tP50\tP99\tMAX")
			for _, src := range []string{string(resolver.SourceCache), string(resolver.SourceStore)} {
				writeBenchRow(w, src, report.Sources[src], report.Latency)
			}
			for kind, n := range report.Failures {
				writeBenchRow(w, "error:"+kind, n, nil)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\ncoalesced: %d\n", report.Coalesced)

			if len(report.Failures) > 0 {
				return fmt.Errorf("%d of %d resolves failed", report.Requests-report.Sources["cache"]-report.Sources["store"], report.Requests)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Dataset parameter as key=value (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "Resolves in flight at once")
	cmd.Flags().IntVar(&requests, "requests", 200, "Total resolves")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache on every resolve")

	return cmd
}

func writeBenchRow(w io.Writer, name string, count int, lt *metrics.LatencyTracker) {
	if lt == nil {
		fmt.Fprintf(w, "%s\t%d\t-\t-\t-\n", name, count)
		return
	}
	s, err := lt.GetStats(name)
	if err != nil || count == 0 {
		fmt.Fprintf(w, "%s\t%d\t-\t-\t-\n", name, count)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%.2fms\t%.2fms\t%.2fms\n", name, count, s.P50, s.P99, s.Max)
}
