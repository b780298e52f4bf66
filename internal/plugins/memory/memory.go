// Package memory gives the agent a durable note store scoped to its chat
// folder. Entries live in an append-only JSONL file inside the workspace,
// so they ride along with the folder and survive agent restarts.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nanoclaw/internal/plugin"
)

const fileName = "memories.jsonl"

func init() {
	plugin.RegisterFactory("memory", func() plugin.Plugin { return New(".") })
}

// Entry is one stored memory.
type Entry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Memory stores entries under root (the agent workspace).
type Memory struct {
	root string
}

func New(root string) *Memory { return &Memory{root: root} }

func (m *Memory) path() string { return filepath.Join(m.root, fileName) }

func (m *Memory) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "memory_store",
			Description: "Store a note for later recall. Notes persist across conversations in this chat.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string", "minLength": 1},
					"tags": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["text"],
				"additionalProperties": false
			}`),
			Handler: m.store,
		},
		{
			Name:        "memory_search",
			Description: "Search stored notes by substring match over text and tags.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
			Handler: m.search,
		},
		{
			Name:        "memory_list",
			Description: "List the most recent stored notes.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"additionalProperties": false
			}`),
			Handler: m.list,
		},
	}
}

func (m *Memory) store(_ context.Context, _ *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	entry := Entry{
		ID:        uuid.NewString(),
		Text:      args["text"].(string),
		CreatedAt: time.Now().UTC(),
	}
	if raw, ok := args["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				entry.Tags = append(entry.Tags, s)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return plugin.Result{}, fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(m.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return plugin.Result{}, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return plugin.Result{}, fmt.Errorf("append memory: %w", err)
	}
	return plugin.TextResult("Stored memory " + entry.ID), nil
}

func (m *Memory) search(_ context.Context, _ *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	entries, err := m.load()
	if err != nil {
		return plugin.Result{}, err
	}
	query := strings.ToLower(args["query"].(string))
	limit := intArg(args, "limit", 5)

	var hits []Entry
	for i := len(entries) - 1; i >= 0 && len(hits) < limit; i-- {
		if matches(entries[i], query) {
			hits = append(hits, entries[i])
		}
	}
	if len(hits) == 0 {
		return plugin.TextResult(fmt.Sprintf("No memories match %q", query)), nil
	}
	return plugin.TextResult(format(hits)), nil
}

func (m *Memory) list(_ context.Context, _ *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	entries, err := m.load()
	if err != nil {
		return plugin.Result{}, err
	}
	if len(entries) == 0 {
		return plugin.TextResult("No memories stored yet"), nil
	}
	limit := intArg(args, "limit", 10)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return plugin.TextResult(format(entries)), nil
}

// load reads the JSONL file in write order. Corrupt lines are skipped.
func (m *Memory) load() ([]Entry, error) {
	f, err := os.Open(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func matches(e Entry, query string) bool {
	if strings.Contains(strings.ToLower(e.Text), query) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s", e.CreatedAt.Format("2006-01-02 15:04"), e.Text)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(e.Tags, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

var _ plugin.Plugin = (*Memory)(nil)
