package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/snapcache/internal/catalog"
)

func getCmd() *cobra.Command {
	var (
		params  []string
		refresh bool
		verbose bool
		compact bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get [dataset]",
		Short: "Resolve a dataset and print it as JSON",
		Long: "Resolve a dataset through the cache and print its records as a JSON array.\n" +
			"With --refresh the cache is skipped and the entry is overwritten from the store.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Keep stderr quiet unless asked; stdout carries only the dataset.
			cfg.Observability.Logging.Console = verbose
			if w := oneShotCacheWarning(cfg.Cache); w != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), w)
			}

			name := catalog.DefaultDataset
			if len(args) == 1 {
				name = args[0]
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			binding, err := a.catalog.Bind(name, p)
			if err != nil {
				return err
			}

			res, err := a.resolver.ResolveQuery(ctx, binding.Key, binding.Query, refresh)
			if err != nil {
				return err
			}

			if verbose {
				fmt.Fprintf(os.Stderr, "dataset: %s\n", binding.Dataset)
				fmt.Fprintf(os.Stderr, "key:     %s\n", res.Key)
				fmt.Fprintf(os.Stderr, "source:  %s\n", res.Source)
				fmt.Fprintf(os.Stderr, "rows:    %d\n", len(res.Records))
				fmt.Fprintf(os.Stderr, "age:     %s\n", res.Age(time.Now()).Round(time.Millisecond))
				if !res.ExpiresAt.IsZero() {
					fmt.Fprintf(os.Stderr, "expires: %s\n", res.ExpiresAt.Format(time.RFC3339))
				}
				if res.CacheErr != nil {
					fmt.Fprintf(os.Stderr, "cache:   %v\n", res.CacheErr)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact && isTerminal(os.Stdout) {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(res.Records)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Dataset parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&refresh, "refresh", "r", false, "Skip the cache and overwrite the entry from the store")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print source, age and the resolution log to stderr")
	cmd.Flags().BoolVar(&compact, "compact", false, "Never indent the JSON output")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline (0 disables)")

	return cmd
}

func datasetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List configured datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.New(cfg.Datasets)
			if err != nil {
				return err
			}

			w := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(w, "NAME\tPARAMS\tLIMIT\tDESCRIPTION")
			for _, name := range cat.Names() {
				d, _ := cat.Get(name)
				limit := "-"
				if d.Limit > 0 {
					limit = fmt.Sprint(d.Limit)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, joinOrDash(d.Params), limit, truncate(d.Description, 60))
			}
			return w.Flush()
		},
	}
}
