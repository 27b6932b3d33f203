// Package loader writes extracted records into the graph as parameterized
// UNWIND/MERGE batches. Nodes are found or created by their unique key and
// every other property is overwritten; relationships are merged so repeated
// loads never duplicate them.
package loader

import (
	"context"
	"log/slog"

	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/metrics"
	"github.com/DeusData/odoo-graph/internal/records"
)

// DefaultBatchSize is the chunk size used when none is configured.
const DefaultBatchSize = 50

// batchVar is the parameter every statement unwinds.
const batchVar = "batch"

// Record kinds, in load order.
const (
	KindModule           = "module"
	KindModuleDependency = "module_dependency"
	KindModel            = "model"
	KindModelModule      = "model_module"
	KindModelInheritance = "model_inheritance"
	KindModelDelegation  = "model_delegation"
	KindField            = "field"
	KindFieldModel       = "field_model"
	KindFieldReference   = "field_reference"
	KindView             = "view"
	KindViewModel        = "view_model"
	KindViewModule       = "view_module"
	KindViewInheritance  = "view_inheritance"
)

const (
	upsertModules = `UNWIND $batch AS row
MERGE (n:Module {name: row.name})
SET n = row`

	upsertModuleDeps = `UNWIND $batch AS row
MATCH (a:Module {name: row.src})
MATCH (b:Module {name: row.dst})
MERGE (a)-[:DEPENDS_ON]->(b)`

	upsertModels = `UNWIND $batch AS row
MERGE (n:Model {name: row.name})
SET n = row`

	upsertModelModules = `UNWIND $batch AS row
MATCH (m:Model {name: row.model})
MATCH (d:Module {name: row.module})
MERGE (m)-[:DEFINED_IN]->(d)`

	upsertModelInheritance = `UNWIND $batch AS row
MATCH (a:Model {name: row.src})
MATCH (b:Model {name: row.dst})
MERGE (a)-[:INHERITS_FROM]->(b)`

	upsertModelDelegations = `UNWIND $batch AS row
MATCH (a:Model {name: row.src})
MATCH (b:Model {name: row.dst})
MERGE (a)-[:DELEGATES_TO {field: row.field}]->(b)`

	upsertFields = `UNWIND $batch AS row
MERGE (n:Field {name: row.name, model_name: row.model_name})
SET n = row`

	upsertFieldModels = `UNWIND $batch AS row
MATCH (f:Field {name: row.field, model_name: row.model})
MATCH (m:Model {name: row.model})
MERGE (f)-[:BELONGS_TO]->(m)`

	upsertFieldReferences = `UNWIND $batch AS row
MATCH (f:Field {name: row.field, model_name: row.model})
MATCH (m:Model {name: row.comodel})
MERGE (f)-[:REFERENCES]->(m)`

	upsertViews = `UNWIND $batch AS row
MERGE (n:View {xml_id: row.xml_id})
SET n = row`

	upsertViewModels = `UNWIND $batch AS row
MATCH (v:View {xml_id: row.xml_id})
MATCH (m:Model {name: row.model})
MERGE (v)-[:BELONGS_TO]->(m)`

	upsertViewModules = `UNWIND $batch AS row
MATCH (v:View {xml_id: row.xml_id})
MATCH (d:Module {name: row.module})
MERGE (v)-[:DEFINED_IN]->(d)`

	upsertViewInheritance = `UNWIND $batch AS row
MATCH (v:View {xml_id: row.xml_id})
MATCH (p:View {xml_id: row.parent})
MERGE (v)-[:EXTENDS]->(p)`
)

// Loader issues the per-kind upserts through a graph client.
type Loader struct {
	client    graph.Client
	batchSize int
}

// New returns a Loader. A batchSize below 1 means DefaultBatchSize.
func New(c graph.Client, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Loader{client: c, batchSize: batchSize}
}

// BatchSize returns the configured chunk size.
func (l *Loader) BatchSize() int { return l.batchSize }

func (l *Loader) write(ctx context.Context, query string, rows []map[string]any) (graph.Counters, error) {
	if len(rows) == 0 {
		return graph.Counters{}, nil
	}
	return l.client.WriteBatch(ctx, query, batchVar, rows)
}

// UpsertModules merges Module nodes by name.
func (l *Loader) UpsertModules(ctx context.Context, mods []records.Module) (graph.Counters, error) {
	return l.write(ctx, upsertModules, rowsOf(mods, func(m records.Module) map[string]any { return Flatten(m.Props()) }))
}

// UpsertModuleDependencies merges DEPENDS_ON edges between existing modules.
func (l *Loader) UpsertModuleDependencies(ctx context.Context, deps []records.ModuleDependency) (graph.Counters, error) {
	return l.write(ctx, upsertModuleDeps, rowsOf(deps, func(d records.ModuleDependency) map[string]any {
		return map[string]any{"src": d.From, "dst": d.To}
	}))
}

// UpsertModels merges Model nodes by name.
func (l *Loader) UpsertModels(ctx context.Context, models []records.Model) (graph.Counters, error) {
	return l.write(ctx, upsertModels, rowsOf(models, func(m records.Model) map[string]any { return Flatten(m.Props()) }))
}

// UpsertModelModules merges DEFINED_IN edges from models to modules.
func (l *Loader) UpsertModelModules(ctx context.Context, rels []records.ModelModule) (graph.Counters, error) {
	return l.write(ctx, upsertModelModules, rowsOf(rels, func(r records.ModelModule) map[string]any {
		return map[string]any{"model": r.Model, "module": r.Module}
	}))
}

// UpsertModelInheritance merges INHERITS_FROM edges.
func (l *Loader) UpsertModelInheritance(ctx context.Context, rels []records.ModelInheritance) (graph.Counters, error) {
	return l.write(ctx, upsertModelInheritance, rowsOf(rels, func(r records.ModelInheritance) map[string]any {
		return map[string]any{"src": r.From, "dst": r.To}
	}))
}

// UpsertModelDelegations merges DELEGATES_TO edges keyed by the delegating
// field, so one model pair may carry several.
func (l *Loader) UpsertModelDelegations(ctx context.Context, rels []records.ModelDelegation) (graph.Counters, error) {
	return l.write(ctx, upsertModelDelegations, rowsOf(rels, func(r records.ModelDelegation) map[string]any {
		return map[string]any{"src": r.From, "dst": r.To, "field": r.Field}
	}))
}

// UpsertFields merges Field nodes by (name, model_name).
func (l *Loader) UpsertFields(ctx context.Context, fields []records.Field) (graph.Counters, error) {
	return l.write(ctx, upsertFields, rowsOf(fields, func(f records.Field) map[string]any { return Flatten(f.Props()) }))
}

// UpsertFieldModels merges BELONGS_TO edges from fields to their model.
func (l *Loader) UpsertFieldModels(ctx context.Context, rels []records.FieldModel) (graph.Counters, error) {
	return l.write(ctx, upsertFieldModels, rowsOf(rels, func(r records.FieldModel) map[string]any {
		return map[string]any{"field": r.Field, "model": r.Model}
	}))
}

// UpsertFieldReferences merges REFERENCES edges from relational fields to
// their comodel.
func (l *Loader) UpsertFieldReferences(ctx context.Context, rels []records.FieldReference) (graph.Counters, error) {
	return l.write(ctx, upsertFieldReferences, rowsOf(rels, func(r records.FieldReference) map[string]any {
		return map[string]any{"field": r.Field, "model": r.Model, "comodel": r.Comodel}
	}))
}

// UpsertViews merges View nodes by xml_id.
func (l *Loader) UpsertViews(ctx context.Context, views []records.View) (graph.Counters, error) {
	return l.write(ctx, upsertViews, rowsOf(views, func(v records.View) map[string]any { return Flatten(v.Props()) }))
}

func (l *Loader) UpsertViewModels(ctx context.Context, rels []records.ViewModel) (graph.Counters, error) {
	return l.write(ctx, upsertViewModels, rowsOf(rels, func(r records.ViewModel) map[string]any {
		return map[string]any{"xml_id": r.XMLID, "model": r.Model}
	}))
}

func (l *Loader) UpsertViewModules(ctx context.Context, rels []records.ViewModule) (graph.Counters, error) {
	return l.write(ctx, upsertViewModules, rowsOf(rels, func(r records.ViewModule) map[string]any {
		return map[string]any{"xml_id": r.XMLID, "module": r.Module}
	}))
}

func (l *Loader) UpsertViewInheritance(ctx context.Context, rels []records.ViewInheritance) (graph.Counters, error) {
	return l.write(ctx, upsertViewInheritance, rowsOf(rels, func(r records.ViewInheritance) map[string]any {
		return map[string]any{"xml_id": r.XMLID, "parent": r.Parent}
	}))
}

// Result totals one kind's chunks.
type Result struct {
	Kind     string
	Items    int
	Loaded   int // items in chunks that succeeded
	Errors   int // items in chunks that failed
	Batches  int
	Counters graph.Counters
}

// Chunked splits items into chunks of size and applies op to each in order.
// A failed chunk is logged and counted whole in Errors; later chunks still
// run. Only cancellation or a fatal error stops the loop.
func Chunked[T any](ctx context.Context, kind string, items []T, size int, op func(context.Context, []T) (graph.Counters, error)) (Result, error) {
	res := Result{Kind: kind, Items: len(items)}
	if len(items) == 0 {
		return res, nil
	}
	if size < 1 {
		size = DefaultBatchSize
	}
	total := (len(items) + size - 1) / size
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		chunk := items[start:min(start+size, len(items))]
		res.Batches++
		c, err := op(ctx, chunk)
		if err != nil {
			if failure.IsFatal(err) {
				return res, err
			}
			res.Errors += len(chunk)
			metrics.RecordBatchFailure(kind)
			slog.Error("loader.batch.err", "kind", kind, "batch", res.Batches, "of", total, "items", len(chunk), "err", err)
			continue
		}
		res.Loaded += len(chunk)
		res.Counters.Add(c)
		slog.Debug("loader.batch", "kind", kind, "batch", res.Batches, "of", total, "items", len(chunk))
	}
	metrics.RecordLoaded(kind, res.Loaded)
	slog.Info("loader.kind", "kind", kind, "items", res.Items, "loaded", res.Loaded, "errors", res.Errors,
		"nodes_created", res.Counters.NodesCreated, "rels_created", res.Counters.RelationshipsCreated)
	return res, nil
}

// Report holds one Result per kind in load order.
type Report struct {
	Results []Result
}

// Get returns the result for kind.
func (r *Report) Get(kind string) Result {
	for _, res := range r.Results {
		if res.Kind == kind {
			return res
		}
	}
	return Result{Kind: kind}
}

// Errors sums the failed items of every kind.
func (r *Report) Errors() int {
	n := 0
	for _, res := range r.Results {
		n += res.Errors
	}
	return n
}

// Counters sums the write counters of every kind.
func (r *Report) Counters() graph.Counters {
	var c graph.Counters
	for _, res := range r.Results {
		c.Add(res.Counters)
	}
	return c
}

// LoadAll writes every collection of b in dependency order: nodes before
// the edges that need them. The returned error is fatal.
func (l *Loader) LoadAll(ctx context.Context, b *records.Batch) (*Report, error) {
	rep := &Report{}
	steps := []func() (Result, error){
		func() (Result, error) { return Chunked(ctx, KindModule, b.Modules, l.batchSize, l.UpsertModules) },
		func() (Result, error) {
			return Chunked(ctx, KindModuleDependency, b.ModuleDeps, l.batchSize, l.UpsertModuleDependencies)
		},
		func() (Result, error) { return Chunked(ctx, KindModel, b.Models, l.batchSize, l.UpsertModels) },
		func() (Result, error) {
			return Chunked(ctx, KindModelModule, b.ModelModules, l.batchSize, l.UpsertModelModules)
		},
		func() (Result, error) {
			return Chunked(ctx, KindModelInheritance, b.ModelInheritance, l.batchSize, l.UpsertModelInheritance)
		},
		func() (Result, error) {
			return Chunked(ctx, KindModelDelegation, b.ModelDelegations, l.batchSize, l.UpsertModelDelegations)
		},
		func() (Result, error) { return Chunked(ctx, KindField, b.Fields, l.batchSize, l.UpsertFields) },
		func() (Result, error) {
			return Chunked(ctx, KindFieldModel, b.FieldModels, l.batchSize, l.UpsertFieldModels)
		},
		func() (Result, error) {
			return Chunked(ctx, KindFieldReference, b.FieldReferences, l.batchSize, l.UpsertFieldReferences)
		},
		func() (Result, error) { return Chunked(ctx, KindView, b.Views, l.batchSize, l.UpsertViews) },
		func() (Result, error) {
			return Chunked(ctx, KindViewModel, b.ViewModels, l.batchSize, l.UpsertViewModels)
		},
		func() (Result, error) {
			return Chunked(ctx, KindViewModule, b.ViewModules, l.batchSize, l.UpsertViewModules)
		},
		func() (Result, error) {
			return Chunked(ctx, KindViewInheritance, b.ViewInheritance, l.batchSize, l.UpsertViewInheritance)
		},
	}
	for _, step := range steps {
		res, err := step()
		rep.Results = append(rep.Results, res)
		if err != nil {
			return rep, failure.AsFatal("load."+res.Kind, err)
		}
	}
	return rep, nil
}

func rowsOf[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = fn(it)
	}
	return out
}

// Flatten prepares a property map for a store without nested collections:
// list and map literals become their JSON text, other literals their plain
// scalar. Flat lists of strings pass through.
func Flatten(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		lv, ok := v.(literal.Value)
		if !ok {
			out[k] = v
			continue
		}
		switch lv.Kind() {
		case literal.None:
			out[k] = nil
		case literal.List, literal.Map:
			b, err := lv.MarshalJSON()
			if err != nil {
				out[k] = lv.String()
				continue
			}
			out[k] = string(b)
		default:
			out[k] = lv.Native()
		}
	}
	return out
}
