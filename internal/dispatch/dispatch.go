// Package dispatch exposes loaded plugin tools to the agent. It owns the
// tool name table, validates invocation arguments against each tool's JSON
// schema and builds the per-invocation tool context.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/nanoclaw/internal/plugin"
)

type registeredTool struct {
	tool   plugin.Tool
	owner  *plugin.Loaded
	schema *jsonschema.Schema // nil when the tool declares none
}

// Dispatcher routes tool invocations to plugin handlers.
type Dispatcher struct {
	logger *slog.Logger
	tools  map[string]registeredTool
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, tools: make(map[string]registeredTool)}
}

// RegisterAll registers every tool of every loaded plugin. A tool whose
// schema does not compile is skipped; on a name collision the first
// registration wins.
func (d *Dispatcher) RegisterAll(plugins []*plugin.Loaded) {
	for _, loaded := range plugins {
		for _, tool := range loaded.Plugin.Tools() {
			if _, exists := d.tools[tool.Name]; exists {
				d.logger.Warn("duplicate tool name, keeping first",
					"tool", tool.Name, "plugin", loaded.Manifest.Name)
				continue
			}
			schema, err := compileToolSchema(tool.Name, tool.Schema)
			if err != nil {
				d.logger.Warn("tool schema does not compile, skipping tool",
					"tool", tool.Name, "plugin", loaded.Manifest.Name, "error", err)
				continue
			}
			d.tools[tool.Name] = registeredTool{tool: tool, owner: loaded, schema: schema}
			d.logger.Debug("tool registered", "tool", tool.Name, "plugin", loaded.Manifest.Name)
		}
	}
}

// Tools lists the registered tools in name order, for advertising to the
// agent transport.
func (d *Dispatcher) Tools() []plugin.Tool {
	out := make([]plugin.Tool, 0, len(d.tools))
	for _, rt := range d.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args and runs the named tool under the invoking turn's
// identity. Failures come back as error results, never as panics: a broken
// tool must not take the agent down with it.
func (d *Dispatcher) Invoke(ctx context.Context, name, jid, folder string, isMain bool, args map[string]any) plugin.Result {
	rt, ok := d.tools[name]
	if !ok {
		return plugin.ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(toSchemaValue(args)); err != nil {
			return plugin.ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	tc := &plugin.ToolContext{
		Context: rt.owner.Context,
		JID:     jid,
		Folder:  folder,
		IsMain:  isMain,
	}

	res, err := d.safeInvoke(ctx, rt, tc, args)
	if err != nil {
		return plugin.ErrorResult(err.Error())
	}
	return res
}

func (d *Dispatcher) safeInvoke(ctx context.Context, rt registeredTool, tc *plugin.ToolContext, args map[string]any) (res plugin.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "tool", rt.tool.Name, "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", rt.tool.Name, r)
		}
	}()
	return rt.tool.Handler(ctx, tc, args)
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// toSchemaValue re-decodes args through encoding/json so numbers arrive as
// json.Number, which is what the validator expects.
func toSchemaValue(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return args
	}
	return doc
}
