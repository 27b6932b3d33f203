package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DeusData/odoo-graph/internal/cache"
	"github.com/DeusData/odoo-graph/internal/config"
	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/logging"
	"github.com/DeusData/odoo-graph/internal/metrics"
	"github.com/DeusData/odoo-graph/internal/monitor"
	"github.com/DeusData/odoo-graph/internal/pipeline"
	"github.com/DeusData/odoo-graph/internal/query"
	"github.com/DeusData/odoo-graph/internal/tracker"
)

// app holds what one invocation builds: configuration first, then the
// graph client and the pipeline collaborators on first use.
type app struct {
	out, errOut io.Writer
	lookup      func(string) (string, bool)

	cfgFile string
	envFile string
	jsonOut bool
	cfg     config.Config

	client  graph.Client
	ledger  *tracker.Ledger
	cache   *cache.Cache
	closers []func() error
}

func newApp(out, errOut io.Writer, lookup func(string) (string, bool)) *app {
	return &app{out: out, errOut: errOut, lookup: lookup, cfg: config.Default()}
}

// setup resolves the configuration and installs the logger. It runs before
// every subcommand.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Sources{File: a.cfgFile, EnvFile: a.envFile, Lookup: a.lookup})
	if err != nil {
		return &usageError{err: err}
	}
	if err := config.Apply(cmd.Flags(), &cfg); err != nil {
		return &usageError{err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg

	logger, closeLog, err := logging.New(a.errOut, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.closers = append(a.closers, closeLog)
	slog.Debug("config.loaded", "settings", cfg.Redacted())

	if cfg.MetricsAddr != "" {
		ctx := cmd.Context()
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics.serve.err", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}
	return nil
}

// graph connects on first use.
func (a *app) graph(ctx context.Context) (graph.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := graph.Open(ctx, a.cfg.Graph())
	if err != nil {
		return nil, err
	}
	a.client = c
	a.closers = append(a.closers, func() error { return c.Close(context.Background()) })
	return c, nil
}

func (a *app) querier(ctx context.Context) (*query.Querier, error) {
	c, err := a.graph(ctx)
	if err != nil {
		return nil, err
	}
	return query.New(c, a.cfg.MaxDepth), nil
}

// deps opens the ledger, and the extraction cache when enabled.
func (a *app) deps() (pipeline.Deps, error) {
	if a.ledger == nil {
		l, err := tracker.Open(a.cfg.LedgerPath())
		if err != nil {
			return pipeline.Deps{}, err
		}
		a.ledger = l
		a.closers = append(a.closers, l.Close)
	}
	d := pipeline.Deps{Ledger: a.ledger, Monitor: monitor.New(a.cfg.MaxMemoryPercent)}
	if a.cfg.EnableCache {
		if a.cache == nil {
			c, err := cache.Open(a.cfg.ExtractCacheDir())
			if err != nil {
				return pipeline.Deps{}, err
			}
			a.cache = c
			a.closers = append(a.closers, c.Close)
		}
		d.Cache = a.cache
	}
	return d, nil
}

// index runs the pipeline once over roots.
func (a *app) index(ctx context.Context, roots []string, incremental, wipe bool) (*pipeline.Stats, error) {
	c, err := a.graph(ctx)
	if err != nil {
		return nil, err
	}
	d, err := a.deps()
	if err != nil {
		return nil, err
	}
	opts := pipeline.OptionsFrom(&a.cfg)
	opts.Roots = roots
	opts.Incremental = incremental
	opts.Clear = wipe
	stats, err := pipeline.New(c, opts, d).Run(ctx)
	if a.cache != nil {
		hits, misses := a.cache.Stats()
		slog.Info("cache.stats", "hits", hits, "misses", misses)
	}
	return stats, err
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close.err", "err", err)
		}
	}
	a.closers = nil
}

// emit writes v as JSON with --json, else through the table printer.
func (a *app) emit(v any, table func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func row(w io.Writer, cols ...any) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
