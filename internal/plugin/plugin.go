package plugin

import (
	"context"
	"encoding/json"
	"sync"
)

// Plugin is the contract a compiled-in plugin implements. Tools may be empty
// for plugins that only react to lifecycle hooks or bus events.
type Plugin interface {
	Tools() []Tool
}

// Loader is implemented by plugins that need a lifecycle hook on load. The
// hook runs under a 30s hard timeout; exceeding it fails the load.
type Loader interface {
	OnLoad(ctx context.Context, pc *Context) error
}

// Unloader is implemented by plugins that need a hook on unload. The hook
// gets 10s; failures are logged and unloading continues.
type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Tool is one callable exposed to the agent. Schema is a JSON Schema for the
// arguments object; the dispatcher validates arguments against it before
// invoking Handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     func(ctx context.Context, tc *ToolContext, args map[string]any) (Result, error)
}

// Result is the structured outcome of a tool invocation.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps plain text as a successful tool result.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult wraps plain text as a failed tool result.
func ErrorResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Factory constructs a plugin instance. Plugin packages register their
// factory from an init function under the manifest name; the registry looks
// the factory up when it encounters a matching plugin.json.
type Factory func() Plugin

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory makes a plugin constructible by name. Later registrations
// under the same name replace earlier ones.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

func lookupFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}
