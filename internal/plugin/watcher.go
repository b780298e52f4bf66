package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits an event when any plugin.json-backed plugin source changes.
// It watches the root dirs and their immediate child dirs; the consumer
// reloads the registry on each event.
type Watcher struct {
	dirs   []string
	logger *slog.Logger
	events chan string
}

func NewWatcher(dirs []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		cp = append(cp, d)
	}
	return &Watcher{
		dirs:   cp,
		logger: logger,
		events: make(chan string, 16),
	}
}

func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	addDir := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			w.logger.Warn("plugin watcher: abs failed", "dir", dir, "error", err)
			return
		}
		if err := fsw.Add(abs); err != nil {
			if os.IsNotExist(err) {
				return
			}
			w.logger.Warn("plugin watcher: add failed", "dir", abs, "error", err)
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
	}

	for _, dir := range w.dirs {
		addDir(dir)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts of events.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				// Watch plugin directories as they appear under roots.
				createdDir := false
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						createdDir = true
						_ = fsw.Add(ev.Name)
					}
				}

				if filepath.Base(ev.Name) != "plugin.json" && !createdDir {
					continue
				}

				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
					timerC = timer.C
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("plugin watcher error", "error", err)
			case <-timerC:
				if pending {
					pending = false
					select {
					case w.events <- "plugins":
					default:
					}
				}
				timerC = nil
			}
		}
	}()

	return nil
}
