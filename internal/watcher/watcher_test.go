package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const debounce = 50 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// start runs w in the background and waits until it watches its roots.
func start(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/addons/sale/models/sale_order.py", true},
		{"/addons/sale/__manifest__.py", true},
		{"/addons/sale/views/sale_views.XML", true},
		{"/addons/sale/static/src/app.js", false},
		{"/addons/sale/models/.sale_order.py.swp", false},
		{"/addons/sale/README.md", false},
	}
	for _, tt := range tests {
		if got := Relevant(tt.path); got != tt.want {
			t.Errorf("Relevant(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBurstIndexesOnce(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sale", "__manifest__.py"), "{'name': 'Sales'}")

	var calls atomic.Int32
	w := New([]string{root}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, debounce)
	start(t, w)

	for i := range 5 {
		writeFile(t, filepath.Join(root, "sale", "models", "m.py"), "x = "+string(rune('0'+i)))
	}
	waitFor(t, "index run", func() bool { return calls.Load() >= 1 })
	time.Sleep(4 * debounce)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestIrrelevantChangesIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sale", "__manifest__.py"), "{}")

	var calls atomic.Int32
	w := New([]string{root}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, debounce)
	start(t, w)

	writeFile(t, filepath.Join(root, "sale", "README.md"), "docs")
	writeFile(t, filepath.Join(root, "sale", "node_modules", "x.py"), "ignored tree")
	time.Sleep(6 * debounce)
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()

	var calls atomic.Int32
	w := New([]string{root}, func(context.Context) error {
		calls.Add(1)
		return nil
	}, debounce)
	start(t, w)

	if err := os.MkdirAll(filepath.Join(root, "crm", "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "directory event", func() bool { return calls.Load() >= 1 })

	// Files in the new subdirectory are seen too.
	writeFile(t, filepath.Join(root, "crm", "models", "lead.py"), "class Lead: pass")
	waitFor(t, "file in new directory", func() bool { return calls.Load() >= 2 })
}

func TestFailedIndexIsRetried(t *testing.T) {
	root := t.TempDir()

	var calls atomic.Int32
	w := New([]string{root}, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("graph unavailable")
		}
		return nil
	}, debounce)
	start(t, w)

	writeFile(t, filepath.Join(root, "sale", "__manifest__.py"), "{}")
	waitFor(t, "retry", func() bool { return calls.Load() >= 2 })
}

func TestMissingRoot(t *testing.T) {
	w := New([]string{filepath.Join(t.TempDir(), "nope")}, func(context.Context) error { return nil }, debounce)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
}
