// Package voice lets the agent send audio files back to the chat. The tool
// only drops a voice_message record into the outbox; delivery is the host's
// job, which keeps the agent free of channel credentials.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/plugin"
)

func init() {
	plugin.RegisterFactory("voice", func() plugin.Plugin { return &Voice{} })
}

type Voice struct{}

func (v *Voice) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "send_voice",
			Description: "Send an audio file to the current chat as a voice message.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1}
				},
				"required": ["path"],
				"additionalProperties": false
			}`),
			Handler: v.sendVoice,
		},
	}
}

func (v *Voice) sendVoice(_ context.Context, tc *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	path := args["path"].(string)
	if _, err := os.Stat(path); err != nil {
		return plugin.ErrorResult(fmt.Sprintf("audio file not found: %s", path)), nil
	}
	rec := ipc.VoiceMessage{
		Type:        ipc.TypeVoiceMessage,
		ChatJID:     tc.JID,
		AudioPath:   path,
		GroupFolder: tc.Folder,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return plugin.Result{}, fmt.Errorf("marshal voice record: %w", err)
	}
	if err := tc.IPC.WriteFile(filepath.Join("output", ipc.DropName()), data); err != nil {
		return plugin.Result{}, fmt.Errorf("drop voice record: %w", err)
	}
	return plugin.TextResult("Voice message queued: " + filepath.Base(path)), nil
}

var _ plugin.Plugin = (*Voice)(nil)
