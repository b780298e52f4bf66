// Package plugin implements discovery, dependency-ordered loading, and
// capability-gated contexts for NanoClaw plugins. Plugin code is compiled
// into the binary and registered through a factory table; the on-disk
// plugin.json manifest decides what gets loaded, in what order, and with
// which capabilities.
package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Capabilities a manifest may declare. Anything else fails validation.
const (
	CapIPCRead       = "ipc:read"
	CapIPCWrite      = "ipc:write"
	CapFSRead        = "fs:read"
	CapFSWrite       = "fs:write"
	CapNetwork       = "network"
	CapShell         = "shell"
	CapMessagesRead  = "messages:read"
	CapMessagesWrite = "messages:write"
	CapTasksManage   = "tasks:manage"
	CapGroupsManage  = "groups:manage"
)

// Targets a plugin can run in.
const (
	TargetHost      = "host"
	TargetContainer = "container"
	TargetBoth      = "both"
)

// Manifest is the parsed plugin.json.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Target       string   `json:"target"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	MainEntry    string   `json:"mainEntry"`
}

// MatchesTarget reports whether the plugin should load in the given runtime
// ("host" or "container").
func (m Manifest) MatchesTarget(runtime string) bool {
	return m.Target == TargetBoth || m.Target == runtime
}

// HasCapability reports whether the manifest declares cap.
func (m Manifest) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

const manifestSchema = `{
	"type": "object",
	"required": ["name", "version", "target"],
	"properties": {
		"name": {"type": "string", "pattern": "^[a-z0-9-]+$"},
		"version": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"target": {"enum": ["host", "container", "both"]},
		"capabilities": {
			"type": "array",
			"items": {"enum": [
				"ipc:read", "ipc:write", "fs:read", "fs:write",
				"network", "shell", "messages:read", "messages:write",
				"tasks:manage", "groups:manage"
			]}
		},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"mainEntry": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var compiledManifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plugin.json", doc); err != nil {
		return nil, fmt.Errorf("add manifest schema resource: %w", err)
	}
	return c.Compile("plugin.json")
})

// ParseManifest validates raw plugin.json bytes against the manifest schema
// and returns the manifest with optional fields defaulted.
func ParseManifest(data []byte) (Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return Manifest{}, err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Manifest{}, fmt.Errorf("parse plugin.json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Manifest{}, fmt.Errorf("validate plugin.json: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode plugin.json: %w", err)
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if m.MainEntry == "" {
		m.MainEntry = "main.go"
	}
	return m, nil
}
