// Package groups lets the main chat register new chats with the host.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/plugin"
)

// folderPattern keeps folders usable as directory names and scoping keys.
var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-_]*$`)

func init() {
	plugin.RegisterFactory("groups", func() plugin.Plugin { return &Groups{} })
}

type Groups struct{}

func (g *Groups) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "register_group",
			Description: "Register a chat so the assistant responds there. Main chat only.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"jid": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1},
					"folder": {"type": "string", "minLength": 1},
					"trigger": {"type": "string"}
				},
				"required": ["jid", "name", "folder"],
				"additionalProperties": false
			}`),
			Handler: g.register,
		},
	}
}

func (g *Groups) register(_ context.Context, tc *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	if !tc.IsMain {
		return plugin.ErrorResult("register_group is only available from the main chat"), nil
	}
	folder := args["folder"].(string)
	if !folderPattern.MatchString(folder) {
		return plugin.ErrorResult(fmt.Sprintf("invalid folder name %q: use lowercase letters, digits, - or _", folder)), nil
	}
	trigger, _ := args["trigger"].(string)
	rec := ipc.RegisterGroup{
		Type:      ipc.TypeRegisterGroup,
		JID:       args["jid"].(string),
		Name:      args["name"].(string),
		Folder:    folder,
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return plugin.Result{}, fmt.Errorf("marshal register_group record: %w", err)
	}
	if err := tc.IPC.WriteFile(filepath.Join("output", ipc.DropName()), data); err != nil {
		return plugin.Result{}, fmt.Errorf("drop register_group record: %w", err)
	}
	return plugin.TextResult(fmt.Sprintf("Registration of %s as %q requested", rec.JID, folder)), nil
}

var _ plugin.Plugin = (*Groups)(nil)
