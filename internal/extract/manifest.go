package extract

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/literal"
	"github.com/DeusData/odoo-graph/internal/parser"
	"github.com/DeusData/odoo-graph/internal/records"
)

// Manifest defaults applied when a key is missing or not a usable literal.
const (
	DefaultVersion  = "1.0.0"
	DefaultCategory = "Uncategorized"
)

// maxManifestSize bounds manifest reads; real manifests are a few KB.
const maxManifestSize = 1 << 20

// ErrNoManifestDict is returned when a manifest holds no dict display.
var ErrNoManifestDict = errors.New("no manifest dictionary")

// ParseManifest reads the manifest of the module in moduleDir. On any
// failure it returns a nil module and a *failure.Recoverable; the caller
// skips the module.
func ParseManifest(manifestPath string) (*records.Module, error) {
	src, err := readSource(manifestPath, maxManifestSize)
	if err != nil {
		return nil, err
	}
	return ParseManifestSource(src, manifestPath)
}

// ParseManifestSource is ParseManifest over already decoded source.
func ParseManifestSource(src []byte, manifestPath string) (*records.Module, error) {
	tree, err := parser.ParseStrict(src)
	if err != nil {
		return nil, failure.Recover(failure.KindSyntax, manifestPath, err)
	}
	defer tree.Close()

	dict := manifestDict(tree.RootNode())
	if dict == nil {
		return nil, failure.Recover(failure.KindInvalid, manifestPath, ErrNoManifestDict)
	}
	v, _ := toLiteral(dict, src)
	m := buildModule(v.MapValue(), manifestPath)
	return m, nil
}

// manifestDict finds the first top-level dict display, either a bare
// expression or the right-hand side of an assignment.
func manifestDict(root *tree_sitter.Node) *tree_sitter.Node {
	for _, stmt := range parser.NamedChildren(root) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, e := range parser.NamedChildren(stmt) {
			switch e.Kind() {
			case "dictionary":
				return e
			case "assignment":
				rhs := e.ChildByFieldName("right")
				for rhs != nil && rhs.Kind() == "assignment" {
					rhs = rhs.ChildByFieldName("right")
				}
				if rhs != nil && rhs.Kind() == "dictionary" {
					return rhs
				}
			}
		}
	}
	return nil
}

func buildModule(d *literal.OrderedMap, manifestPath string) *records.Module {
	dir := filepath.Dir(manifestPath)
	name := filepath.Base(dir)
	m := &records.Module{
		Name:         name,
		DisplayName:  stringKey(d, "name", name),
		Version:      stringKey(d, "version", DefaultVersion),
		Category:     stringKey(d, "category", DefaultCategory),
		Summary:      stringKey(d, "summary", ""),
		Description:  stringKey(d, "description", ""),
		Author:       textKey(d, "author"),
		Website:      stringKey(d, "website", ""),
		License:      stringKey(d, "license", ""),
		Installable:  boolKey(d, "installable", true),
		AutoInstall:  boolKey(d, "auto_install", false),
		Application:  boolKey(d, "application", false),
		Path:         dir,
		ManifestPath: manifestPath,
	}
	m.Maintainers = stringsKey(d, "maintainers", manifestPath)
	m.Depends = stringsKey(d, "depends", manifestPath)
	m.Data = stringsKey(d, "data", manifestPath)
	if ext, ok := d.GetString("external_dependencies"); ok {
		em := ext.MapValue()
		m.ExternalPython = stringsKey(em, "python", manifestPath)
		m.ExternalBin = stringsKey(em, "bin", manifestPath)
	}
	return m
}

func stringKey(d *literal.OrderedMap, key, def string) string {
	v, ok := d.GetString(key)
	if !ok {
		return def
	}
	if s, ok := v.Str(); ok {
		return s
	}
	return def
}

// textKey accepts a string or a list of strings, joined with ", ".
func textKey(d *literal.OrderedMap, key string) string {
	v, ok := d.GetString(key)
	if !ok {
		return ""
	}
	if s, ok := v.Str(); ok {
		return s
	}
	parts, _ := literal.StringList(v)
	return strings.Join(parts, ", ")
}

// boolKey applies truthiness: auto_install may be a list of modules.
func boolKey(d *literal.OrderedMap, key string, def bool) bool {
	v, ok := d.GetString(key)
	if !ok || v.IsNone() {
		return def
	}
	return v.Truthy()
}

// stringsKey reads a list of strings, dropping non-string members with a
// warning. A non-list value is ignored with a warning too.
func stringsKey(d *literal.OrderedMap, key, path string) []string {
	v, ok := d.GetString(key)
	if !ok || v.IsNone() {
		return nil
	}
	if v.Kind() != literal.List {
		slog.Warn("extract.manifest.not_list", "path", path, "key", key, "kind", v.Kind().String())
		return nil
	}
	out, skipped := literal.StringList(v)
	if skipped > 0 {
		slog.Warn("extract.manifest.non_string", "path", path, "key", key, "skipped", skipped)
	}
	return out
}
