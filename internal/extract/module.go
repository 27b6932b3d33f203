// Package extract turns Odoo addon sources into typed records: manifests
// into Module records, Python model classes into Model and Field records,
// and ir.ui.view XML records into View records. Sources are parsed, never
// executed. Every per-file failure is a *failure.Recoverable.
package extract

import (
	"bytes"
	"context"
	"log/slog"
	"os"

	"github.com/DeusData/odoo-graph/internal/discover"
	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/records"
)

// Cache stores per-file extraction results keyed by file content. Only
// clean results are stored, so a cache hit never hides an error.
type Cache interface {
	GetModels(path, module string, content []byte) ([]records.Model, bool)
	PutModels(path, module string, content []byte, models []records.Model)
	GetViews(path, module string, content []byte) ([]records.View, bool)
	PutViews(path, module string, content []byte, views []records.View)
}

// Options control what ExtractModule reads.
type Options struct {
	SkipTests bool
	Views     bool
	// IncludeUninstallable reads modules whose manifest sets
	// installable=False. Otherwise only the manifest is read.
	IncludeUninstallable bool
	Cache                Cache // optional
}

// ModuleResult is everything read from one module.
type ModuleResult struct {
	Module *records.Module
	Models []records.Model
	Views  []records.View
	// Errors holds the recoverable failures of individual files or records.
	Errors []error
	// Excluded is set when the module is not installable and was not read.
	Excluded bool
}

// ExtractModule reads the manifest, model sources and views of m. A
// manifest failure is returned as the error and nothing else is read;
// later failures are collected in ModuleResult.Errors.
func ExtractModule(ctx context.Context, m discover.Module, opts Options) (*ModuleResult, error) {
	mod, err := ParseManifest(m.ManifestPath)
	if err != nil {
		return nil, err
	}
	mod.Name = m.Name
	res := &ModuleResult{Module: mod}
	if !mod.Installable && !opts.IncludeUninstallable {
		res.Excluded = true
		return res, nil
	}

	files, err := discover.ModelFiles(m.Path, opts.SkipTests)
	if err != nil {
		res.Errors = append(res.Errors, failure.Recover(ioKind(err), m.Path, err))
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		models, err := modelsOf(path, m.Name, opts.Cache)
		if err != nil {
			slog.Warn("extract.model.err", "module", m.Name, "path", path, "err", err)
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Models = append(res.Models, models...)
	}

	if !opts.Views {
		return res, nil
	}
	xmlFiles, err := discover.ViewFiles(m.Path)
	if err != nil {
		res.Errors = append(res.Errors, failure.Recover(ioKind(err), m.Path, err))
	}
	for _, path := range xmlFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		views, errs := viewsOf(path, m.Name, opts.Cache)
		for _, e := range errs {
			slog.Warn("extract.view.err", "module", m.Name, "path", path, "err", e)
		}
		res.Views = append(res.Views, views...)
		res.Errors = append(res.Errors, errs...)
	}
	return res, nil
}

func modelsOf(path, module string, cache Cache) ([]records.Model, error) {
	if cache == nil {
		return ExtractModels(path, module)
	}
	src, err := readSource(path, discover.MaxSourceSize)
	if err != nil {
		return nil, err
	}
	if models, ok := cache.GetModels(path, module, src); ok {
		return models, nil
	}
	models, err := ExtractModelsSource(src, path, module)
	if err != nil {
		return nil, err
	}
	cache.PutModels(path, module, src, models)
	return models, nil
}

func viewsOf(path, module string, cache Cache) ([]records.View, []error) {
	if cache == nil {
		return ExtractViews(path, module)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, []error{failure.Recover(ioKind(err), path, err)}
	}
	if fi.Size() > discover.MaxXMLSize {
		return ExtractViews(path, module)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{failure.Recover(ioKind(err), path, err)}
	}
	if views, ok := cache.GetViews(path, module, raw); ok {
		return views, nil
	}
	views, errs := ExtractViewsReader(bytes.NewReader(raw), path, module)
	if len(errs) == 0 {
		cache.PutViews(path, module, raw, views)
	}
	return views, errs
}

// Accumulate adds a module result to the batch and returns the number of
// model classes that carried no identity and were dropped.
func Accumulate(b *records.Batch, res *ModuleResult) (dropped int) {
	b.AddModule(*res.Module)
	for i := range res.Models {
		if !b.AddModel(res.Models[i]) {
			logClass(&res.Models[i], "mixin without _name or _inherit")
			dropped++
		}
	}
	for _, v := range res.Views {
		b.AddView(v)
	}
	return dropped
}
