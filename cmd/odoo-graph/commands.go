package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DeusData/odoo-graph/internal/config"
	"github.com/DeusData/odoo-graph/internal/pipeline"
	"github.com/DeusData/odoo-graph/internal/query"
	"github.com/DeusData/odoo-graph/internal/records"
	"github.com/DeusData/odoo-graph/internal/schema"
	"github.com/DeusData/odoo-graph/internal/tools"
	"github.com/DeusData/odoo-graph/internal/watcher"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "odoo-graph",
		Short: "Index Odoo addons into a graph and query module, model, field and view relationships",
		Long: `odoo-graph reads Odoo addons directories (manifests, Python models, XML views)
and loads them into a graph database: Neo4j over bolt, or an embedded SQLite
graph for sqlite:// and memory:// URIs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "YAML configuration file")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file (ignored when missing)")
	pf.BoolVar(&a.jsonOut, "json", false, "print results as JSON")
	defaults := config.Default()
	config.Bind(pf, &defaults)

	root.AddCommand(
		newIndexCmd(a),
		newClearCmd(a),
		newSchemaCmd(a),
		newDepsCmd(a),
		newPathCmd(a),
		newTreeCmd(a),
		newCyclesCmd(a),
		newFieldsCmd(a),
		newRelationalCmd(a),
		newComputedCmd(a),
		newOverviewCmd(a),
		newFindModelCmd(a),
		newViewsCmd(a),
		newViewTreeCmd(a),
		newServeCmd(a),
		newWatchCmd(a),
	)
	return root
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(names ...string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != len(names) {
			return usage("expected %d argument(s): %s", len(names), strings.Join(names, " "))
		}
		return nil
	}
}

// roots picks the addons roots from the arguments or the configuration.
func (a *app) roots(args []string) ([]string, error) {
	paths := args
	if len(paths) == 0 {
		paths = a.cfg.AddonsPaths
	}
	if len(paths) == 0 {
		return nil, usage("no addons paths: pass them as arguments or set ADDONS_PATHS")
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func newIndexCmd(a *app) *cobra.Command {
	var wipe, yes, incremental bool
	cmd := &cobra.Command{
		Use:   "index [addons-path...]",
		Short: "Extract addons and load them into the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := a.roots(args)
			if err != nil {
				return err
			}
			if wipe && !yes {
				return usage("--clear deletes every node in the graph; confirm with --yes")
			}
			inc := a.cfg.EnableIncremental
			if cmd.Flags().Changed("incremental") {
				inc = incremental
			}
			stats, err := a.index(cmd.Context(), roots, inc, wipe)
			if err != nil {
				return err
			}
			return a.emit(stats, func(w io.Writer) {
				fmt.Fprint(w, stats.String())
				fmt.Fprintln(w)
				row(w, "LABEL/TYPE", "COUNT")
				for _, l := range records.Labels {
					row(w, l, stats.Census.Node(l))
				}
				for _, t := range records.RelTypes {
					row(w, t, stats.Census.Rel(t))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete the whole graph before indexing")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm --clear")
	cmd.Flags().BoolVar(&incremental, "incremental", true, "skip modules whose files are unchanged (default from ENABLE_INCREMENTAL)")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every node and relationship in the graph",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usage("clear deletes every node in the graph; confirm with --yes")
			}
			c, err := a.graph(cmd.Context())
			if err != nil {
				return err
			}
			counters, err := pipeline.Clear(cmd.Context(), c)
			if err != nil {
				return err
			}
			d, err := a.deps()
			if err != nil {
				return err
			}
			if err := d.Ledger.Clear(); err != nil {
				return err
			}
			slog.Warn("graph.cleared", "nodes", counters.NodesDeleted, "relationships", counters.RelationshipsDeleted)
			return a.emit(counters, func(w io.Writer) {
				row(w, "nodes deleted", counters.NodesDeleted)
				row(w, "relationships deleted", counters.RelationshipsDeleted)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the constraints and indexes, then verify the index catalog",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.graph(cmd.Context())
			if err != nil {
				return err
			}
			m := schema.New(c)
			rep := m.Ensure(cmd.Context())
			v := m.Verify(cmd.Context())

			type outcome struct {
				Name    string `json:"name"`
				Kind    string `json:"kind"`
				Created bool   `json:"created"`
				Error   string `json:"error,omitempty"`
			}
			out := struct {
				Items   []outcome `json:"items"`
				Indexes []string  `json:"indexes"`
				Healthy bool      `json:"healthy"`
			}{Indexes: v.Indexes, Healthy: v.Healthy}
			for _, o := range rep.Outcomes {
				oc := outcome{Name: o.Item.Name, Kind: o.Item.Kind, Created: o.Created}
				if o.Err != nil {
					oc.Error = o.Err.Error()
				}
				out.Items = append(out.Items, oc)
			}
			if err := a.emit(out, func(w io.Writer) {
				row(w, "NAME", "KIND", "STATUS")
				for _, o := range out.Items {
					status := "exists"
					switch {
					case o.Error != "":
						status = "failed: " + o.Error
					case o.Created:
						status = "created"
					}
					row(w, o.Name, o.Kind, status)
				}
				row(w, "healthy", v.Healthy, fmt.Sprintf("%d indexes", len(v.Indexes)))
			}); err != nil {
				return err
			}
			if !rep.OK() {
				return fmt.Errorf("schema: %d items failed", len(rep.Failed()))
			}
			if v.Err != nil {
				return fmt.Errorf("schema verify: %w", v.Err)
			}
			return nil
		},
	}
}

func newDepsCmd(a *app) *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "deps <module>",
		Short: "List the direct dependencies of a module, or its dependents with --reverse",
		Args:  exactArgs("<module>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			lookup := q.Dependencies
			if reverse {
				lookup = q.Dependents
			}
			deps, err := lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(deps, func(w io.Writer) {
				row(w, "MODULE", "VERSION", "CATEGORY")
				for _, d := range deps {
					row(w, d.Name, d.Version, d.Category)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "list modules depending on <module>")
	return cmd
}

func newPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Show the shortest dependency chain between two modules (depth from --max-depth)",
		Args:  exactArgs("<from>", "<to>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			p, err := q.DependencyPath(cmd.Context(), args[0], args[1], a.cfg.MaxDepth)
			if err != nil {
				return err
			}
			if p == nil {
				return a.emit(map[string]any{"found": false}, func(w io.Writer) {
					fmt.Fprintf(w, "no dependency path from %s to %s within %d hops\n", args[0], args[1], a.cfg.MaxDepth)
				})
			}
			return a.emit(p, func(w io.Writer) {
				fmt.Fprintf(w, "%s (depth %d)\n", strings.Join(p.Modules, " -> "), p.Depth)
			})
		},
	}
}

func newTreeCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tree <model>",
		Short: "Show the inheritance ancestors of a model",
		Args:  exactArgs("<model>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := q.InheritanceTree(cmd.Context(), args[0], a.cfg.MaxDepth, limit)
			if err != nil {
				return err
			}
			return a.emit(rows, func(w io.Writer) {
				row(w, "DEPTH", "MODEL")
				for _, r := range rows {
					row(w, r.Depth, strings.Repeat("  ", r.Depth)+r.Parent)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", query.DefaultTreeLimit, "maximum rows")
	return cmd
}

func newCyclesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "Find circular module dependencies",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			cycles, err := q.Cycles(cmd.Context(), a.cfg.MaxDepth)
			if err != nil {
				return err
			}
			return a.emit(cycles, func(w io.Writer) {
				if len(cycles) == 0 {
					fmt.Fprintln(w, "no dependency cycles")
					return
				}
				row(w, "MODULE", "LENGTH", "CYCLE")
				for _, c := range cycles {
					row(w, c.Module, c.Length, strings.Join(c.Path, " -> "))
				}
			})
		},
	}
}

func fieldTable(hits []query.FieldHit) func(io.Writer) {
	return func(w io.Writer) {
		row(w, "MODEL", "FIELD", "TYPE", "COMODEL", "REQUIRED", "MODULE")
		for _, h := range hits {
			req := ""
			if h.Required != nil && *h.Required {
				req = "yes"
			}
			row(w, h.Model, h.Name, h.Type, h.Comodel, req, h.Module)
		}
	}
}

func newFieldsCmd(a *app) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "fields <name>",
		Short: "Find fields by name",
		Args:  exactArgs("<name>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			hits, err := q.FindField(cmd.Context(), args[0], model)
			if err != nil {
				return err
			}
			return a.emit(hits, fieldTable(hits))
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "restrict to one model")
	return cmd
}

func newRelationalCmd(a *app) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "relational",
		Short: "List relational fields and their target models",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			fields, err := q.RelationalFields(cmd.Context(), model)
			if err != nil {
				return err
			}
			return a.emit(fields, func(w io.Writer) {
				row(w, "MODEL", "FIELD", "TYPE", "TARGET")
				for _, f := range fields {
					row(w, f.Source, f.Field, f.Type, f.Target)
				}
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "restrict to one model")
	return cmd
}

func newComputedCmd(a *app) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "computed",
		Short: "List computed fields",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			fields, err := q.ComputedFields(cmd.Context(), model)
			if err != nil {
				return err
			}
			return a.emit(fields, func(w io.Writer) {
				row(w, "MODEL", "FIELD", "TYPE", "COMPUTE", "STORED")
				for _, f := range fields {
					stored := ""
					if f.Stored != nil {
						stored = fmt.Sprint(*f.Stored)
					}
					row(w, f.Model, f.Field, f.Type, f.Compute, stored)
				}
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "restrict to one model")
	return cmd
}

func newOverviewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Count modules, models, fields, views and relationships",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			o, err := q.Overview(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(o, func(w io.Writer) {
				row(w, "modules", o.Modules)
				row(w, "models", o.Models)
				row(w, "fields", o.Fields)
				row(w, "views", o.Views)
				row(w, "dependencies", o.Dependencies)
				row(w, "inheritance", o.Inheritance)
			})
		},
	}
}

func newFindModelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "find-model <name>",
		Short: "Locate model definitions, core modules first",
		Args:  exactArgs("<name>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			hits, err := q.FindModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(hits, func(w io.Writer) {
				row(w, "MODEL", "MODULE", "TYPE", "LOCATION")
				for _, h := range hits {
					row(w, h.Name, h.Module, h.Type, fmt.Sprintf("%s:%d", h.FilePath, h.Line))
				}
			})
		},
	}
}

func newViewsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "views <model>",
		Short: "List the views of a model",
		Args:  exactArgs("<model>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			views, err := q.Views(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(views, func(w io.Writer) {
				row(w, "XML ID", "TYPE", "MODE", "PRIORITY", "INHERITS")
				for _, v := range views {
					row(w, v.XMLID, v.ViewType, v.Mode, v.Priority, v.InheritID)
				}
			})
		},
	}
}

func newViewTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view-tree <xml_id>",
		Short: "Show the views a view extends and the views extending it",
		Args:  exactArgs("<xml_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			t, err := q.ViewTree(cmd.Context(), args[0], a.cfg.MaxDepth)
			if err != nil {
				return err
			}
			return a.emit(t, func(w io.Writer) {
				row(w, "DIRECTION", "DEPTH", "XML ID", "MODE", "MODULE")
				for _, n := range t.Ancestors {
					row(w, "extends", n.Depth, n.XMLID, n.Mode, n.Module)
				}
				row(w, "-", 0, args[0], "", "")
				for _, n := range t.Extensions {
					row(w, "extended by", n.Depth, n.XMLID, n.Mode, n.Module)
				}
			})
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the query tools over MCP on stdio",
		Args:  exactArgs(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.querier(cmd.Context())
			if err != nil {
				return err
			}
			index := func(ctx context.Context, roots []string, incremental bool) (*pipeline.Stats, error) {
				return a.index(ctx, roots, incremental, false)
			}
			slog.Info("serve.start", "version", version)
			return tools.NewServer(a.client, q, index, version).Run(cmd.Context())
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [addons-path...]",
		Short: "Index once, then reindex incrementally whenever sources change",
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := a.roots(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stats, err := a.index(ctx, roots, true, false)
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, stats.String())

			w := watcher.New(roots, func(ctx context.Context) error {
				stats, err := a.index(ctx, roots, true, false)
				if err != nil {
					return err
				}
				slog.Info("watch.indexed", "run", stats.RunID, "modules", stats.ModulesIndexed, "errors", stats.Errors)
				return nil
			}, debounce)
			return w.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", time.Second, "quiet period before reindexing")
	return cmd
}
