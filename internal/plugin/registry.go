package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
)

const (
	onLoadTimeout   = 30 * time.Second
	onUnloadTimeout = 10 * time.Second
)

// ErrCycle aborts a load batch when the dependency graph has a cycle.
var ErrCycle = errors.New("plugin dependency cycle")

// Loaded pairs a plugin instance with its manifest and source directory.
type Loaded struct {
	Manifest Manifest
	Dir      string
	Plugin   Plugin
	Context  *Context
}

// Registry discovers, orders and loads plugins for one runtime target.
type Registry struct {
	target   string
	services Services
	bus      *bus.Bus
	logger   *slog.Logger

	mu     sync.RWMutex
	loaded []*Loaded
	byName map[string]*Loaded
}

func NewRegistry(target string, svc Services, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		target:   target,
		services: svc,
		bus:      b,
		logger:   logger,
		byName:   make(map[string]*Loaded),
	}
}

type candidate struct {
	manifest Manifest
	dir      string
}

// LoadAll discovers plugins under dirs, orders them by dependencies, and
// loads each. Invalid manifests, missing factories and failing OnLoad hooks
// skip that plugin; a dependency cycle aborts the whole batch with nothing
// loaded.
func (r *Registry) LoadAll(ctx context.Context, dirs []string) error {
	candidates, err := r.discover(dirs)
	if err != nil {
		return err
	}

	ordered, err := topoSort(candidates)
	if err != nil {
		return err
	}

	for _, cand := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.loadOne(ctx, cand); err != nil {
			r.logger.Warn("plugin load failed, skipping",
				"plugin", cand.manifest.Name, "dir", cand.dir, "error", err)
		}
	}
	return nil
}

// discover scans each directory for subdirectories holding a plugin.json
// matching the runtime target. Duplicate names keep the first copy seen.
func (r *Registry) discover(dirs []string) ([]candidate, error) {
	seen := make(map[string]string) // name -> winning dir
	var out []candidate

	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("abs plugins dir %s: %w", dir, err)
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugins dir %s: %w", abs, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			pluginDir := filepath.Join(abs, ent.Name())
			data, err := os.ReadFile(filepath.Join(pluginDir, "plugin.json"))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				r.logger.Warn("plugin manifest unreadable, skipping", "dir", pluginDir, "error", err)
				continue
			}
			m, err := ParseManifest(data)
			if err != nil {
				r.logger.Warn("plugin manifest invalid, skipping", "dir", pluginDir, "error", err)
				continue
			}
			if !m.MatchesTarget(r.target) {
				continue
			}
			if winner, ok := seen[m.Name]; ok {
				r.logger.Warn("duplicate plugin name, skipping later copy",
					"plugin", m.Name, "kept", winner, "skipped", pluginDir)
				continue
			}
			seen[m.Name] = pluginDir
			out = append(out, candidate{manifest: m, dir: pluginDir})
		}
	}
	return out, nil
}

// topoSort orders candidates so dependencies load before their dependents.
// Dependencies naming no discovered plugin are treated as external and
// skipped. A back-edge means a cycle; the error names one node on it.
func topoSort(candidates []candidate) ([]candidate, error) {
	byName := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		byName[c.manifest.Name] = c
	}

	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // done
	)
	state := make(map[string]int, len(candidates))
	var out []candidate

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w involving %q", ErrCycle, name)
		}
		state[name] = gray
		for _, dep := range byName[name].manifest.Dependencies {
			if _, ok := byName[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = black
		out = append(out, byName[name])
		return nil
	}

	for _, c := range candidates {
		if err := visit(c.manifest.Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) loadOne(ctx context.Context, cand candidate) error {
	m := cand.manifest

	entry, err := resolveEntry(cand.dir, m.MainEntry)
	if err != nil {
		return err
	}
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("entry %s: %w", m.MainEntry, err)
	}

	factory, ok := lookupFactory(m.Name)
	if !ok {
		return fmt.Errorf("no compiled-in factory registered for %q", m.Name)
	}
	instance := factory()

	pc := NewContext(m, r.services)
	if loader, ok := instance.(Loader); ok {
		if err := runWithTimeout(ctx, onLoadTimeout, func(hctx context.Context) error {
			return loader.OnLoad(hctx, pc)
		}); err != nil {
			return fmt.Errorf("onLoad: %w", err)
		}
	}

	loaded := &Loaded{Manifest: m, Dir: cand.dir, Plugin: instance, Context: pc}
	r.mu.Lock()
	r.loaded = append(r.loaded, loaded)
	r.byName[m.Name] = loaded
	r.mu.Unlock()

	r.logger.Info("plugin loaded", "plugin", m.Name, "version", m.Version, "target", m.Target)
	if r.bus != nil {
		r.bus.Emit(ctx, bus.EventPluginLoaded, bus.PluginEvent{Name: m.Name, Version: m.Version})
	}
	return nil
}

// resolveEntry joins entry onto dir and rejects paths that escape it.
func resolveEntry(dir, entry string) (string, error) {
	abs := filepath.Clean(filepath.Join(dir, entry))
	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes plugin directory", entry)
	}
	return abs, nil
}

// UnloadAll unloads plugins in reverse load order. OnUnload failures and
// timeouts are logged and do not stop the remaining unloads.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	loaded := r.loaded
	r.loaded = nil
	r.byName = make(map[string]*Loaded)
	r.mu.Unlock()

	for i := len(loaded) - 1; i >= 0; i-- {
		p := loaded[i]
		if unloader, ok := p.Plugin.(Unloader); ok {
			if err := runWithTimeout(ctx, onUnloadTimeout, unloader.OnUnload); err != nil {
				r.logger.Warn("plugin onUnload failed", "plugin", p.Manifest.Name, "error", err)
			}
		}
		r.logger.Info("plugin unloaded", "plugin", p.Manifest.Name)
		if r.bus != nil {
			r.bus.Emit(ctx, bus.EventPluginUnloaded,
				bus.PluginEvent{Name: p.Manifest.Name, Version: p.Manifest.Version})
		}
	}
}

// Get returns the loaded plugin by name.
func (r *Registry) Get(name string) (*Loaded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// All returns loaded plugins in load order.
func (r *Registry) All() []*Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loaded, len(r.loaded))
	copy(out, r.loaded)
	return out
}

// ToolPlugins returns loaded plugins declaring at least one tool, in load
// order.
func (r *Registry) ToolPlugins() []*Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Loaded
	for _, p := range r.loaded {
		if len(p.Plugin.Tools()) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// runWithTimeout runs fn bounded by d. A hook that outlives the deadline is
// abandoned on its goroutine and reported as an error.
func runWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- fn(hctx)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("timed out after %s", d)
	}
}
