// Package discover finds Odoo addon modules under an addons root and lists
// the source files of each module that the extractors read.
package discover

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestNames are the accepted manifest filenames in order of preference.
var ManifestNames = []string{"__manifest__.py", "__openerp__.py"}

// IGNORE_PATTERNS are directory names never descended into. Hidden
// directories are skipped regardless.
var IGNORE_PATTERNS = map[string]bool{
	"__pycache__": true, "node_modules": true, "static": true,
	"bower_components": true, "site-packages": true, "venv": true,
	"env": true, "build": true, "dist": true, "htmlcov": true,
}

// IgnoreFileName is read from the addons root when present. One glob per
// line, matched against directory names and root-relative paths.
const IgnoreFileName = ".odooignore"

// DefaultMaxDepth bounds how far below the root a module may sit.
const DefaultMaxDepth = 3

// MaxSourceSize is the largest Python source read by the extractors.
const MaxSourceSize = 1 << 20

// MaxXMLSize is the largest XML file read by the view extractor.
const MaxXMLSize = 10 << 20

// Module is one directory holding a manifest.
type Module struct {
	Name         string // directory name, the technical module name
	Path         string // absolute module directory
	ManifestPath string
	Root         string // addons root it was found under
	Depth        int
}

// Options configures module discovery.
type Options struct {
	MaxDepth   int    // 0 means DefaultMaxDepth
	IgnoreFile string // overrides <root>/.odooignore
}

// ManifestIn returns the manifest of dir, or "" when dir is not a module.
// The first existing name in ManifestNames wins.
func ManifestIn(dir string) string {
	for _, name := range ManifestNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// Ignored reports whether a directory name is never descended into.
func Ignored(name string) bool {
	return strings.HasPrefix(name, ".") || IGNORE_PATTERNS[name]
}

// shouldSkipDir returns true if the directory should be skipped during discovery.
func shouldSkipDir(name, rel string, extraIgnore []string) bool {
	if Ignored(name) {
		return true
	}
	for _, pattern := range extraIgnore {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

// Modules lazily walks root and yields module directories in lexical
// order. A directory qualifies as soon as it holds a manifest and the walk
// never descends into a module, so modules do not nest. Unreadable
// subtrees are logged and skipped. Cancellation yields ctx.Err() once and
// stops the sequence.
func Modules(ctx context.Context, root string, opts *Options) iter.Seq2[Module, error] {
	return func(yield func(Module, error) bool) {
		abs, err := filepath.Abs(root)
		if err != nil {
			yield(Module{}, err)
			return
		}
		fi, err := os.Stat(abs)
		if err != nil {
			yield(Module{}, err)
			return
		}
		if !fi.IsDir() {
			yield(Module{}, &fs.PathError{Op: "discover", Path: abs, Err: errors.New("not a directory")})
			return
		}

		maxDepth := DefaultMaxDepth
		ignoreFile := filepath.Join(abs, IgnoreFileName)
		if opts != nil {
			if opts.MaxDepth > 0 {
				maxDepth = opts.MaxDepth
			}
			if opts.IgnoreFile != "" {
				ignoreFile = opts.IgnoreFile
			}
		}
		extraIgnore, err := loadIgnoreFile(ignoreFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("discover.ignore_file", "path", ignoreFile, "err", err)
		}

		w := &walker{ctx: ctx, root: abs, maxDepth: maxDepth, ignore: extraIgnore, yield: yield}
		w.walk(abs, 0)
	}
}

type walker struct {
	ctx      context.Context
	root     string
	maxDepth int
	ignore   []string
	yield    func(Module, error) bool
	stopped  bool
}

func (w *walker) walk(dir string, depth int) {
	if w.stopped || depth > w.maxDepth {
		return
	}
	if err := w.ctx.Err(); err != nil {
		w.stopped = true
		w.yield(Module{}, err)
		return
	}

	if manifest := ManifestIn(dir); manifest != "" {
		m := Module{
			Name:         filepath.Base(dir),
			Path:         dir,
			ManifestPath: manifest,
			Root:         w.root,
			Depth:        depth,
		}
		if !w.yield(m, nil) {
			w.stopped = true
		}
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("discover.readdir", "path", dir, "err", err)
		return
	}
	for _, e := range entries {
		if w.stopped {
			return
		}
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(w.root, child)
		if shouldSkipDir(e.Name(), filepath.ToSlash(rel), w.ignore) {
			continue
		}
		w.walk(child, depth+1)
	}
}

// All collects Modules, returning the first error that stops the walk.
func All(ctx context.Context, root string, opts *Options) ([]Module, error) {
	var out []Module
	for m, err := range Modules(ctx, root, opts) {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ModelFiles lists the Python sources of a module: the models/ tree when
// it exists, the module root otherwise. Dunder files are excluded, and
// test_ files too when skipTests is set.
func ModelFiles(moduleDir string, skipTests bool) ([]string, error) {
	keep := func(name string) bool {
		if !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "__") {
			return false
		}
		return !skipTests || !strings.HasPrefix(name, "test_")
	}

	modelsDir := filepath.Join(moduleDir, "models")
	if fi, err := os.Stat(modelsDir); err == nil && fi.IsDir() {
		return collect(modelsDir, keep)
	}

	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && keep(e.Name()) {
			out = append(out, filepath.Join(moduleDir, e.Name()))
		}
	}
	return out, nil
}

// ViewFiles lists the XML files under views/ and data/.
func ViewFiles(moduleDir string) ([]string, error) {
	keep := func(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".xml") }
	var out []string
	for _, sub := range []string{"views", "data"} {
		dir := filepath.Join(moduleDir, sub)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		files, err := collect(dir, keep)
		if err != nil {
			return out, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// SourceFiles is every file of a module the extractors read: the manifest,
// the model sources and, when withViews is set, the view XML. It is the
// file set tracked for incremental indexing.
func SourceFiles(m Module, skipTests, withViews bool) ([]string, error) {
	out := []string{m.ManifestPath}
	py, err := ModelFiles(m.Path, skipTests)
	if err != nil {
		return out, err
	}
	out = append(out, py...)
	if withViews {
		xml, err := ViewFiles(m.Path)
		if err != nil {
			return out, err
		}
		out = append(out, xml...)
	}
	return out, nil
}

func collect(dir string, keep func(string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d != nil && d.IsDir() && path != dir {
				slog.Warn("discover.walk", "path", path, "err", walkErr)
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			if path != dir && (strings.HasPrefix(d.Name(), ".") || IGNORE_PATTERNS[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && keep(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func loadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, strings.TrimSuffix(line, "/"))
		}
	}
	return patterns, scanner.Err()
}
