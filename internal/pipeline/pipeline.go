// Package pipeline drives one indexing run: clear, schema, discovery,
// extraction with incremental skipping, the ordered load and the census.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/DeusData/odoo-graph/internal/config"
	"github.com/DeusData/odoo-graph/internal/discover"
	"github.com/DeusData/odoo-graph/internal/extract"
	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/loader"
	"github.com/DeusData/odoo-graph/internal/metrics"
	"github.com/DeusData/odoo-graph/internal/monitor"
	"github.com/DeusData/odoo-graph/internal/records"
	"github.com/DeusData/odoo-graph/internal/schema"
	"github.com/DeusData/odoo-graph/internal/tracker"
)

const tracerName = "github.com/DeusData/odoo-graph/internal/pipeline"

// Options control one run.
type Options struct {
	Roots                []string
	Clear                bool
	Incremental          bool
	BatchSize            int
	Views                bool
	SkipTests            bool
	IncludeUninstallable bool
	Parallel             bool
	Workers              int
	MaxMemoryPercent     float64
}

// OptionsFrom maps the run configuration onto Options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Roots:                cfg.AddonsPaths,
		Incremental:          cfg.EnableIncremental,
		BatchSize:            cfg.BatchSize,
		Views:                cfg.IndexViews,
		SkipTests:            cfg.SkipTestFiles,
		IncludeUninstallable: cfg.IncludeUninstallable,
		Parallel:             cfg.EnableParallel,
		Workers:              cfg.MaxWorkers,
		MaxMemoryPercent:     cfg.MaxMemoryPercent,
	}
}

// Deps are the optional collaborators of a Pipeline.
type Deps struct {
	// Ledger records file digests between runs. Without it every run is
	// a full run.
	Ledger  *tracker.Ledger
	Cache   extract.Cache
	Monitor *monitor.Monitor
}

// Pipeline indexes addons roots into a graph.
type Pipeline struct {
	client  graph.Client
	opts    Options
	ledger  *tracker.Ledger
	cache   extract.Cache
	monitor *monitor.Monitor
	loader  *loader.Loader
	schema  *schema.Manager
	tracer  trace.Tracer
}

// New creates a Pipeline writing through client.
func New(client graph.Client, opts Options, deps Deps) *Pipeline {
	mon := deps.Monitor
	if mon == nil {
		limit := opts.MaxMemoryPercent
		if limit <= 0 {
			limit = 70
		}
		mon = monitor.New(limit)
	}
	return &Pipeline{
		client:  client,
		opts:    opts,
		ledger:  deps.Ledger,
		cache:   deps.Cache,
		monitor: mon,
		loader:  loader.New(client, opts.BatchSize),
		schema:  schema.New(client),
		tracer:  otel.Tracer(tracerName),
	}
}

// Stats summarize a run.
type Stats struct {
	RunID string `json:"run_id"`

	ModulesFound    int `json:"modules_found"`
	ModulesIndexed  int `json:"modules_indexed"`
	ModulesSkipped  int `json:"modules_skipped"`
	ModulesExcluded int `json:"modules_excluded"`
	ModelsFound     int `json:"models_found"`
	ModelsIndexed   int `json:"models_indexed"`
	FieldsFound     int `json:"fields_found"`
	FieldsIndexed   int `json:"fields_indexed"`
	ViewsFound      int `json:"views_found"`
	ViewsIndexed    int `json:"views_indexed"`

	RelationshipsCreated int `json:"relationships_created"`

	// Errors counts every recoverable failure once: unreadable files,
	// invalid records and the items of failed write batches.
	Errors       int            `json:"errors"`
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`

	FilesChanged int      `json:"files_changed"`
	FilesDeleted []string `json:"files_deleted,omitempty"`

	SchemaFailed   int           `json:"schema_failed"`
	MemoryWarnings int           `json:"memory_warnings"`
	Duration       time.Duration `json:"duration"`
	Started        time.Time     `json:"started"`

	Census schema.Census `json:"census"`
}

func (s *Stats) addError(err error) {
	s.addErrors(string(failure.KindOf(err)), 1)
}

func (s *Stats) addErrors(kind string, n int) {
	if n == 0 {
		return
	}
	s.Errors += n
	if s.ErrorsByKind == nil {
		s.ErrorsByKind = map[string]int{}
	}
	s.ErrorsByKind[kind] += n
	for range n {
		metrics.RecordItemError(kind)
	}
}

// run is the state of one Run call.
type run struct {
	*Pipeline
	log   *slog.Logger
	stats *Stats

	modules []discover.Module
	files   map[string][]string // module dir -> tracked files
	dirty   []discover.Module
	current map[string]tracker.Entry
	changes tracker.Changes
	indexed []discover.Module
	batch   records.Batch
	partial bool // some load chunks failed
}

// Run executes one pass over the configured roots. Per-module failures are
// counted in Stats.Errors; a load failure is fatal and returned.
func (p *Pipeline) Run(ctx context.Context) (*Stats, error) {
	if len(p.opts.Roots) == 0 {
		return nil, errors.New("pipeline: no addons roots configured")
	}
	id := uuid.NewString()
	r := &run{
		Pipeline: p,
		log:      slog.With("run_id", id),
		stats:    &Stats{RunID: id, Started: time.Now()},
		files:    map[string][]string{},
		current:  map[string]tracker.Entry{},
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", id),
		attribute.StringSlice("roots", p.opts.Roots),
		attribute.Bool("incremental", p.opts.Incremental),
	))
	defer span.End()

	r.log.Info("pipeline.start", "roots", p.opts.Roots, "incremental", p.opts.Incremental,
		"clear", p.opts.Clear, "batch_size", p.loader.BatchSize(), "parallel", p.opts.Parallel)

	err := r.execute(ctx)
	r.stats.Duration = time.Since(r.stats.Started)
	r.stats.MemoryWarnings = p.monitor.Warnings()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("pipeline.failed", "err", err, "elapsed", r.stats.Duration)
		return r.stats, err
	}
	metrics.RecordModules(r.stats.ModulesIndexed, r.stats.ModulesSkipped)
	r.log.Info("pipeline.done",
		"elapsed", r.stats.Duration,
		"modules", r.stats.ModulesIndexed, "skipped", r.stats.ModulesSkipped,
		"models", r.stats.ModelsIndexed, "fields", r.stats.FieldsIndexed, "views", r.stats.ViewsIndexed,
		"relationships", r.stats.RelationshipsCreated, "errors", r.stats.Errors,
		"memory_peak_pct", p.monitor.Peak())
	return r.stats, nil
}

func (r *run) execute(ctx context.Context) error {
	if r.opts.Clear {
		if err := r.phase(ctx, "clear", r.clear); err != nil {
			return err
		}
	}
	if err := r.phase(ctx, "schema", r.ensureSchema); err != nil {
		return err
	}
	if err := r.phase(ctx, "discover", r.discover); err != nil {
		return err
	}
	if err := r.phase(ctx, "changes", r.detectChanges); err != nil {
		return err
	}
	if err := r.phase(ctx, "extract", r.extract); err != nil {
		return err
	}
	r.monitor.Check("load")
	if err := r.phase(ctx, "load", r.load); err != nil {
		return err
	}
	if err := r.phase(ctx, "ledger", r.recordLedger); err != nil {
		return err
	}
	return r.phase(ctx, "census", func(ctx context.Context) error {
		r.stats.Census = schema.Count(ctx, r.client)
		return nil
	})
}

// phase runs fn in its own span and records its duration.
func (r *run) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObservePhase(name, start)
	r.log.Info("pass.timing", "pass", name, "elapsed", time.Since(start))
	return err
}

func (r *run) clear(ctx context.Context) error {
	r.log.Warn("pipeline.clear", "msg", "deleting every node and relationship in the graph")
	c, err := Clear(ctx, r.client)
	if err != nil {
		return failure.AsFatal("clear", err)
	}
	r.log.Warn("pipeline.cleared", "nodes", c.NodesDeleted, "relationships", c.RelationshipsDeleted)
	if r.ledger != nil {
		if err := r.ledger.Clear(); err != nil {
			return failure.AsFatal("clear.ledger", err)
		}
	}
	return nil
}

// Clear deletes every node and relationship.
func Clear(ctx context.Context, c graph.Client) (graph.Counters, error) {
	return c.Write(ctx, "MATCH (n) DETACH DELETE n", nil)
}

func (r *run) ensureSchema(ctx context.Context) error {
	rep := r.schema.Ensure(ctx)
	_, _, r.stats.SchemaFailed = rep.Counts()
	for _, o := range rep.Failed() {
		if failure.IsFatal(o.Err) {
			return o.Err
		}
	}
	return nil
}

// discover lists the modules of every root in root order. A module name
// found again under a later root is ignored.
func (r *run) discover(ctx context.Context) error {
	seen := map[string]string{}
	for _, root := range r.opts.Roots {
		mods, err := discover.All(ctx, root, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("pipeline.discover.err", "root", root, "err", err)
			r.stats.addError(failure.Recover(failure.KindIO, root, err))
			continue
		}
		for _, m := range mods {
			if first, dup := seen[m.Name]; dup {
				r.log.Warn("pipeline.module.duplicate", "module", m.Name, "path", m.Path, "first", first)
				continue
			}
			seen[m.Name] = m.Path
			r.modules = append(r.modules, m)
		}
	}
	r.stats.ModulesFound = len(r.modules)
	r.log.Info("pipeline.discovered", "modules", len(r.modules), "roots", len(r.opts.Roots))
	return nil
}

// detectChanges hashes every tracked file and marks the modules to
// extract. Under incremental mode a module is skipped only when its
// manifest is known to the ledger and none of its files was added,
// modified or deleted.
func (r *run) detectChanges(ctx context.Context) error {
	var all []string
	for _, m := range r.modules {
		files, err := discover.SourceFiles(m, r.opts.SkipTests, r.opts.Views)
		if err != nil {
			r.log.Warn("pipeline.files.err", "module", m.Name, "err", err)
		}
		r.files[m.Path] = files
		all = append(all, files...)
	}

	if r.ledger == nil {
		r.dirty = r.modules
		return nil
	}
	roots := make([]string, 0, len(r.opts.Roots))
	for _, root := range r.opts.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		roots = append(roots, abs)
	}
	changes, current, err := r.ledger.DetectChanges(all, roots...)
	if err != nil {
		// A broken ledger only costs the skip.
		r.log.Error("pipeline.ledger.err", "err", err)
		r.dirty = r.modules
		return nil
	}
	r.changes, r.current = changes, current
	r.stats.FilesChanged = len(changes.New) + len(changes.Modified)
	r.stats.FilesDeleted = changes.Deleted
	r.log.Info("incremental.classify", "new", len(changes.New), "modified", len(changes.Modified),
		"deleted", len(changes.Deleted), "total", len(all))

	for _, m := range r.modules {
		if !r.opts.Incremental || r.moduleChanged(m) {
			r.dirty = append(r.dirty, m)
			continue
		}
		r.stats.ModulesSkipped++
		r.log.Debug("incremental.skip", "module", m.Name)
	}
	return nil
}

func (r *run) moduleChanged(m discover.Module) bool {
	for _, f := range r.files[m.Path] {
		if r.changes.Changed(f) {
			return true
		}
	}
	prefix := m.Path + string(filepath.Separator)
	for _, d := range r.changes.Deleted {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}

// extract reads every dirty module, in parallel when configured, and
// merges the results in discovery order.
func (r *run) extract(ctx context.Context) error {
	opts := extract.Options{
		SkipTests:            r.opts.SkipTests,
		Views:                r.opts.Views,
		IncludeUninstallable: r.opts.IncludeUninstallable,
		Cache:                r.cache,
	}
	results := make([]*extract.ModuleResult, len(r.dirty))
	errs := make([]error, len(r.dirty))

	one := func(ctx context.Context, i int) {
		m := r.dirty[i]
		r.monitor.Check("extract")
		r.log.Debug("pipeline.module", "n", i+1, "of", len(r.dirty), "module", m.Name)
		results[i], errs[i] = extract.ExtractModule(ctx, m, opts)
	}

	if r.opts.Parallel && len(r.dirty) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(r.opts.Workers, 1))
		for i := range r.dirty {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				one(gctx, i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i := range r.dirty {
			if err := ctx.Err(); err != nil {
				return err
			}
			one(ctx, i)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, m := range r.dirty {
		r.merge(m, results[i], errs[i])
	}
	r.log.Info("pipeline.extracted", "modules", r.stats.ModulesIndexed, "models", r.stats.ModelsFound,
		"fields", r.stats.FieldsFound, "views", r.stats.ViewsFound, "errors", r.stats.Errors)
	return nil
}

func (r *run) merge(m discover.Module, res *extract.ModuleResult, err error) {
	if err != nil {
		r.log.Error("pipeline.module.err", "module", m.Name, "err", err)
		r.stats.addError(err)
		return
	}
	if res.Excluded {
		r.stats.ModulesExcluded++
		r.log.Debug("pipeline.module.excluded", "module", m.Name, "reason", "not installable")
		return
	}
	for _, e := range res.Errors {
		r.stats.addError(e)
	}
	res.Module.Hash = r.hashOf(res.Module.ManifestPath)
	for i := range res.Models {
		res.Models[i].Hash = r.hashOf(res.Models[i].FilePath)
	}
	if dropped := extract.Accumulate(&r.batch, res); dropped > 0 {
		r.log.Debug("pipeline.module.mixins", "module", m.Name, "dropped", dropped)
	}
	r.stats.ModulesIndexed++
	r.stats.ViewsFound += len(res.Views)
	for i := range res.Models {
		if res.Models[i].Identity() == "" {
			continue
		}
		if res.Models[i].Type.CreatesNode() {
			r.stats.ModelsFound++
		}
		r.stats.FieldsFound += len(res.Models[i].Fields)
	}
	r.indexed = append(r.indexed, m)
}

// hashOf returns the digest of path from this run's scan, hashing it
// directly when no ledger is attached.
func (r *run) hashOf(path string) string {
	if e, ok := r.current[path]; ok {
		return e.Hash
	}
	h, err := tracker.HashFile(path)
	if err != nil {
		return ""
	}
	r.current[path] = tracker.Entry{Path: path, Hash: h}
	return h
}

func (r *run) load(ctx context.Context) error {
	if r.batch.Empty() {
		r.log.Info("pipeline.load.noop", "reason", "nothing to load")
		return nil
	}
	rep, err := r.loader.LoadAll(ctx, &r.batch)
	if rep != nil {
		for _, res := range rep.Results {
			r.stats.addErrors(string(failure.KindBatch), res.Errors)
		}
		r.stats.ModelsIndexed = rep.Get(loader.KindModel).Loaded
		r.stats.FieldsIndexed = rep.Get(loader.KindField).Loaded
		r.stats.ViewsIndexed = rep.Get(loader.KindView).Loaded
		r.stats.RelationshipsCreated = rep.Counters().RelationshipsCreated
		r.partial = rep.Errors() > 0
	}
	if err != nil {
		return failure.AsFatal("load", err)
	}
	return nil
}

// recordLedger stores the digests of every file of the modules indexed in
// this run and drops the rows of deleted files. Modules that failed are
// left out so the next run retries them. When any load chunk failed no
// digest is stored, since the failed records cannot be traced to files.
func (r *run) recordLedger(context.Context) error {
	if r.ledger == nil {
		return nil
	}
	unhashed := 0
	var entries []tracker.Entry
	indexed := r.indexed
	if r.partial {
		r.log.Warn("pipeline.ledger.skipped", "reason", "load chunks failed", "modules", len(indexed))
		indexed = nil
	}
	for _, m := range indexed {
		for _, f := range r.files[m.Path] {
			e, ok := r.current[f]
			if !ok || e.ModTime.IsZero() {
				unhashed++
				continue
			}
			entries = append(entries, e)
		}
	}
	if err := r.ledger.UpsertBatch(entries); err != nil {
		r.log.Error("pipeline.ledger.upsert.err", "err", err)
		return nil
	}
	if len(r.changes.Deleted) > 0 {
		if err := r.ledger.Delete(r.changes.Deleted...); err != nil {
			r.log.Error("pipeline.ledger.delete.err", "err", err)
		} else {
			r.log.Info("incremental.removed", "files", len(r.changes.Deleted))
		}
	}
	r.log.Debug("pipeline.ledger", "entries", len(entries), "unhashed", unhashed)
	return nil
}

// String renders the statistics block logged at the end of a run.
func (s *Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "modules: found=%d indexed=%d skipped=%d excluded=%d\n",
		s.ModulesFound, s.ModulesIndexed, s.ModulesSkipped, s.ModulesExcluded)
	fmt.Fprintf(&b, "models: found=%d indexed=%d\n", s.ModelsFound, s.ModelsIndexed)
	fmt.Fprintf(&b, "fields: found=%d indexed=%d\n", s.FieldsFound, s.FieldsIndexed)
	fmt.Fprintf(&b, "views: found=%d indexed=%d\n", s.ViewsFound, s.ViewsIndexed)
	fmt.Fprintf(&b, "relationships created: %d\n", s.RelationshipsCreated)
	fmt.Fprintf(&b, "errors: %d\n", s.Errors)
	return b.String()
}
