// Package ipc implements the file-drop transport between the host and agent
// subprocesses. Writers drop complete JSON files (temp file then rename) into
// a drop directory; readers drain files in name order, which is chronological
// because names are epoch-prefixed. A zero-byte "_close" sentinel ends a
// session. Producer and consumer may live in different processes; nothing
// beyond filesystem visibility is assumed.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PollInterval is how often consumers scan the drop directory.
const PollInterval = 500 * time.Millisecond

// SentinelName is the zero-content file signaling end of session.
const SentinelName = "_close"

// ErrPathEscape is returned when a write would land outside the IPC root.
var ErrPathEscape = errors.New("path escapes ipc root")

// Transport is one drop directory (an inbox or an outbox).
type Transport struct {
	root   string
	logger *slog.Logger
}

func NewTransport(root string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs ipc root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create ipc root: %w", err)
	}
	return &Transport{root: abs, logger: logger}, nil
}

func (t *Transport) Root() string { return t.root }

// resolve joins rel onto the root and rejects any path that escapes it.
func (t *Transport) resolve(rel string) (string, error) {
	abs := filepath.Clean(filepath.Join(t.root, rel))
	if abs != t.root && !strings.HasPrefix(abs, t.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

// DropName returns a fresh <epochMillis>-<random6>.json file name. Name
// order is chronological, which is what Drain relies on.
func DropName() string {
	return fmt.Sprintf("%d-%06d.json", time.Now().UnixMilli(), rand.IntN(1000000))
}

// Write drops one record under a DropName via temp+rename so readers only
// ever observe complete files.
func (t *Transport) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ipc record: %w", err)
	}
	return t.WriteFile(DropName(), data)
}

// WriteFile atomically writes data under the root at the given relative
// path, creating parent directories as needed.
func (t *Transport) WriteFile(rel string, data []byte) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create ipc subdir: %w", err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ipc temp file: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename ipc file: %w", err)
	}
	return nil
}

// ReadFile reads a file under the root, enforcing containment.
func (t *Transport) ReadFile(rel string) ([]byte, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Drain parses and removes every .json drop file in name order. Files that
// fail to parse are removed and logged without blocking the rest.
func (t *Transport) Drain() ([]Record, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ipc dir: %w", err)
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	var out []Record
	for _, name := range names {
		path := filepath.Join(t.root, name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.logger.Warn("ipc drain: read failed", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		rec, err := Decode(data)
		if err != nil {
			t.logger.Warn("ipc drain: parse failed, dropping file", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		if err := os.Remove(path); err != nil {
			t.logger.Warn("ipc drain: unlink failed", "file", name, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// WriteClose drops the end-of-session sentinel.
func (t *Transport) WriteClose() error {
	return t.WriteFile(SentinelName, nil)
}

// ConsumeClose reports whether the sentinel is present, removing it if so.
func (t *Transport) ConsumeClose() bool {
	path := filepath.Join(t.root, SentinelName)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_ = os.Remove(path)
	return true
}

// Watch polls the drop directory until ctx is done or the sentinel arrives.
// Records are delivered in drain order. onClose, if non-nil, runs once when
// the sentinel is consumed.
func (t *Transport) Watch(ctx context.Context, onRecord func(Record), onClose func()) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := t.Drain()
			if err != nil {
				t.logger.Warn("ipc watch: drain failed", "error", err)
				continue
			}
			for _, rec := range records {
				onRecord(rec)
			}
			if t.ConsumeClose() {
				if onClose != nil {
					onClose()
				}
				return
			}
		}
	}
}
