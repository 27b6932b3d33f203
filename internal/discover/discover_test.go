package discover

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func names(mods []Module) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.Name
	}
	return out
}

func TestModulesBasic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sale", "__manifest__.py"), "{'name': 'Sales'}")
	writeFile(t, filepath.Join(dir, "base", "__manifest__.py"), "{'name': 'Base'}")
	writeFile(t, filepath.Join(dir, "legacy", "__openerp__.py"), "{'name': 'Legacy'}")
	writeFile(t, filepath.Join(dir, "not_a_module", "README"), "")

	mods, err := All(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if got, want := names(mods), []string{"base", "legacy", "sale"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("modules = %v, want %v", got, want)
	}
	for _, m := range mods {
		if !filepath.IsAbs(m.Path) || m.ManifestPath == "" || m.Depth != 1 {
			t.Errorf("incomplete module %+v", m)
		}
	}
}

func TestManifestPreferenceOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "__openerp__.py"), "{}")
	writeFile(t, filepath.Join(dir, "__manifest__.py"), "{}")
	if got := ManifestIn(dir); filepath.Base(got) != "__manifest__.py" {
		t.Fatalf("ManifestIn = %q, want __manifest__.py", got)
	}
}

func TestModulesDoNotNest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "outer", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, "outer", "inner", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, "group", "cousin", "__manifest__.py"), "{}")

	mods, err := All(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names(mods), []string{"cousin", "outer"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("modules = %v, want %v", got, want)
	}
}

func TestModulesDepthAndIgnores(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "b", "c", "deep", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, "a", "shallow", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, ".hidden", "mod", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, "node_modules", "mod", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, "enterprise", "mod_e", "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(dir, IgnoreFileName), "# comment\nenterprise/\n")

	mods, err := All(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names(mods), []string{"shallow"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("depth 3: modules = %v, want %v", got, want)
	}

	mods, err = All(context.Background(), dir, &Options{MaxDepth: 4})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names(mods), []string{"deep", "shallow"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("depth 4: modules = %v, want %v", got, want)
	}
}

func TestModulesLazyStop(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(dir, n, "__manifest__.py"), "{}")
	}
	var seen int
	for _, err := range Modules(context.Background(), dir, nil) {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("seen %d modules after break", seen)
	}
}

func TestModulesPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok", "__manifest__.py"), "{}")
	locked := filepath.Join(dir, "locked")
	writeFile(t, filepath.Join(locked, "inner", "__manifest__.py"), "{}")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o750) })

	mods, err := All(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("permission error must not abort: %v", err)
	}
	if got, want := names(mods), []string{"ok"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("modules = %v, want %v", got, want)
	}
}

func TestModulesCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "__manifest__.py"), "{}")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := All(ctx, dir, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestModulesMissingRoot(t *testing.T) {
	if _, err := All(context.Background(), filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Fatal("expected an error for a missing root")
	}
}

func TestModelFiles(t *testing.T) {
	mod := t.TempDir()
	writeFile(t, filepath.Join(mod, "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(mod, "models", "__init__.py"), "")
	writeFile(t, filepath.Join(mod, "models", "partner.py"), "")
	writeFile(t, filepath.Join(mod, "models", "sub", "bank.py"), "")
	writeFile(t, filepath.Join(mod, "models", "test_partner.py"), "")
	writeFile(t, filepath.Join(mod, "root_model.py"), "")

	files, err := ModelFiles(mod, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(mod, "models", "partner.py"),
		filepath.Join(mod, "models", "sub", "bank.py"),
	}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("ModelFiles = %v, want %v", files, want)
	}

	files, err = ModelFiles(mod, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("with tests: got %d files, want 3", len(files))
	}
}

func TestModelFilesFallsBackToRoot(t *testing.T) {
	mod := t.TempDir()
	writeFile(t, filepath.Join(mod, "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(mod, "__init__.py"), "")
	writeFile(t, filepath.Join(mod, "legacy.py"), "")

	files, err := ModelFiles(mod, true)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{filepath.Join(mod, "legacy.py")}; !reflect.DeepEqual(files, want) {
		t.Fatalf("ModelFiles = %v, want %v", files, want)
	}
}

func TestViewAndSourceFiles(t *testing.T) {
	mod := t.TempDir()
	writeFile(t, filepath.Join(mod, "__manifest__.py"), "{}")
	writeFile(t, filepath.Join(mod, "models", "a.py"), "")
	writeFile(t, filepath.Join(mod, "views", "a_views.xml"), "")
	writeFile(t, filepath.Join(mod, "data", "data.xml"), "")
	writeFile(t, filepath.Join(mod, "static", "x.xml"), "")

	views, err := ViewFiles(mod)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("ViewFiles = %v, want 2 files", views)
	}

	m := Module{Name: filepath.Base(mod), Path: mod, ManifestPath: filepath.Join(mod, "__manifest__.py")}
	all, err := SourceFiles(m, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0] != m.ManifestPath {
		t.Fatalf("SourceFiles = %v", all)
	}
	noViews, _ := SourceFiles(m, true, false)
	if len(noViews) != 2 {
		t.Fatalf("SourceFiles without views = %v", noViews)
	}
}
