package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
)

type fakePlugin struct {
	name     string
	tools    []Tool
	onLoad   func(ctx context.Context, pc *Context) error
	unloaded *[]string
}

func (p *fakePlugin) Tools() []Tool { return p.tools }

func (p *fakePlugin) OnLoad(ctx context.Context, pc *Context) error {
	if p.onLoad != nil {
		return p.onLoad(ctx, pc)
	}
	return nil
}

func (p *fakePlugin) OnUnload(ctx context.Context) error {
	if p.unloaded != nil {
		*p.unloaded = append(*p.unloaded, p.name)
	}
	return nil
}

// writePlugin lays out <root>/<name>/plugin.json and the entry file.
func writePlugin(t *testing.T, root, name string, deps []string, caps []string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	manifest := fmt.Sprintf(`{
		"name": %q, "version": "1.0.0", "target": "host",
		"dependencies": [%s], "capabilities": [%s]
	}`, name, quoteJoin(deps), quoteJoin(caps))
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(TargetHost, Services{}, bus.New(), nil)
}

func TestLoadAll_TopologicalOrder(t *testing.T) {
	root := t.TempDir()
	// c depends on b and a; b depends on a.
	writePlugin(t, root, "topo-a", nil, nil)
	writePlugin(t, root, "topo-b", []string{"topo-a"}, nil)
	writePlugin(t, root, "topo-c", []string{"topo-b", "topo-a"}, nil)
	for _, name := range []string{"topo-a", "topo-b", "topo-c"} {
		name := name
		RegisterFactory(name, func() Plugin { return &fakePlugin{name: name} })
	}

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("loaded %d plugins, want 3", len(all))
	}
	got := []string{all[0].Manifest.Name, all[1].Manifest.Name, all[2].Manifest.Name}
	want := []string{"topo-a", "topo-b", "topo-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("load order = %v, want %v", got, want)
		}
	}
}

func TestLoadAll_CycleAbortsBatch(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "cyc-a", []string{"cyc-c"}, nil)
	writePlugin(t, root, "cyc-b", []string{"cyc-a"}, nil)
	writePlugin(t, root, "cyc-c", []string{"cyc-b"}, nil)
	writePlugin(t, root, "cyc-d", nil, nil)
	for _, name := range []string{"cyc-a", "cyc-b", "cyc-c", "cyc-d"} {
		name := name
		RegisterFactory(name, func() Plugin { return &fakePlugin{name: name} })
	}

	r := newTestRegistry(t)
	err := r.LoadAll(context.Background(), []string{root})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	if !strings.Contains(err.Error(), "cyc-") {
		t.Fatalf("cycle error does not name a node: %v", err)
	}
	if n := len(r.All()); n != 0 {
		t.Fatalf("%d plugins loaded despite cycle, want 0", n)
	}
}

func TestLoadAll_UnknownDependencySkipped(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "ext-a", []string{"not-a-plugin"}, nil)
	RegisterFactory("ext-a", func() Plugin { return &fakePlugin{name: "ext-a"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := r.Get("ext-a"); !ok {
		t.Fatalf("plugin with external dependency did not load")
	}
}

func TestLoadAll_TargetFilter(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "cont-only")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"name": "cont-only", "version": "1.0.0", "target": "container"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	RegisterFactory("cont-only", func() Plugin { return &fakePlugin{name: "cont-only"} })

	r := newTestRegistry(t) // host target
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := r.Get("cont-only"); ok {
		t.Fatalf("container-target plugin loaded into host registry")
	}
}

func TestLoadAll_InvalidManifestSkipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "badname")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Uppercase name violates the manifest schema.
	manifest := `{"name": "BadName", "version": "1.0.0", "target": "host"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	writePlugin(t, root, "good-one", nil, nil)
	RegisterFactory("good-one", func() Plugin { return &fakePlugin{name: "good-one"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n := len(r.All()); n != 1 {
		t.Fatalf("loaded %d plugins, want 1", n)
	}
}

func TestLoadAll_EntryEscapeRejected(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "escapee")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"name": "escapee", "version": "1.0.0", "target": "host", "mainEntry": "../outside.go"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "outside.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	RegisterFactory("escapee", func() Plugin { return &fakePlugin{name: "escapee"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := r.Get("escapee"); ok {
		t.Fatalf("plugin with escaping entry path loaded")
	}
}

func TestLoadAll_MissingEntrySkipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "no-entry")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"name": "no-entry", "version": "1.0.0", "target": "host"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	RegisterFactory("no-entry", func() Plugin { return &fakePlugin{name: "no-entry"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := r.Get("no-entry"); ok {
		t.Fatalf("plugin without entry file loaded")
	}
}

func TestLoadAll_DuplicateNameKeepsFirst(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	writePlugin(t, rootA, "dup-p", nil, nil)
	writePlugin(t, rootB, "dup-p", nil, nil)
	RegisterFactory("dup-p", func() Plugin { return &fakePlugin{name: "dup-p"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{rootA, rootB}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	all := r.All()
	if len(all) != 1 {
		t.Fatalf("loaded %d copies, want 1", len(all))
	}
	if !strings.HasPrefix(all[0].Dir, rootA) {
		t.Fatalf("kept copy from %s, want the first directory scanned", all[0].Dir)
	}
}

func TestLoadAll_OnLoadFailureSkipsPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "fail-load", nil, nil)
	writePlugin(t, root, "ok-load", nil, nil)
	RegisterFactory("fail-load", func() Plugin {
		return &fakePlugin{name: "fail-load", onLoad: func(context.Context, *Context) error {
			return errors.New("boom")
		}}
	})
	RegisterFactory("ok-load", func() Plugin { return &fakePlugin{name: "ok-load"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := r.Get("fail-load"); ok {
		t.Fatalf("plugin with failing onLoad loaded")
	}
	if _, ok := r.Get("ok-load"); !ok {
		t.Fatalf("healthy plugin skipped because a sibling failed")
	}
}

func TestRunWithTimeout_HungHook(t *testing.T) {
	start := time.Now()
	err := runWithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		<-make(chan struct{}) // never returns
		return nil
	})
	if err == nil {
		t.Fatalf("hung hook did not error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestUnloadAll_ReverseOrder(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "rev-a", nil, nil)
	writePlugin(t, root, "rev-b", []string{"rev-a"}, nil)
	var unloaded []string
	for _, name := range []string{"rev-a", "rev-b"} {
		name := name
		RegisterFactory(name, func() Plugin { return &fakePlugin{name: name, unloaded: &unloaded} })
	}

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	r.UnloadAll(context.Background())

	if len(unloaded) != 2 || unloaded[0] != "rev-b" || unloaded[1] != "rev-a" {
		t.Fatalf("unload order = %v, want [rev-b rev-a]", unloaded)
	}
	if n := len(r.All()); n != 0 {
		t.Fatalf("%d plugins remain after UnloadAll", n)
	}
}

func TestToolPlugins(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "with-tool", nil, nil)
	writePlugin(t, root, "without-tool", nil, nil)
	RegisterFactory("with-tool", func() Plugin {
		return &fakePlugin{name: "with-tool", tools: []Tool{{Name: "echo"}}}
	})
	RegisterFactory("without-tool", func() Plugin { return &fakePlugin{name: "without-tool"} })

	r := newTestRegistry(t)
	if err := r.LoadAll(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	tp := r.ToolPlugins()
	if len(tp) != 1 || tp[0].Manifest.Name != "with-tool" {
		t.Fatalf("ToolPlugins = %d entries", len(tp))
	}
}
