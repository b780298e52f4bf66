// Package tasks exposes scheduled-task management to the agent. Mutations
// go through the outbox as IPC records for the host to apply; listing reads
// the snapshot the scheduler keeps next to the drop directories. The agent
// never touches the task store directly.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/plugin"
	"github.com/basket/nanoclaw/internal/store"
)

// snapshotFile mirrors the name the scheduler writes into the folder's ipc
// directory.
const snapshotFile = "tasks_snapshot.json"

func init() {
	plugin.RegisterFactory("tasks", func() plugin.Plugin { return &Tasks{} })
}

type Tasks struct{}

func (t *Tasks) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "schedule_task",
			Description: "Schedule a recurring or one-off prompt for this chat. Cron (5-field), interval (milliseconds) and once (RFC3339 time) schedules are supported.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"prompt": {"type": "string", "minLength": 1},
					"schedule_type": {"enum": ["cron", "interval", "once"]},
					"schedule_value": {"type": "string", "minLength": 1},
					"context_mode": {"enum": ["group", "isolated"]},
					"target_jid": {"type": "string"}
				},
				"required": ["prompt", "schedule_type", "schedule_value"],
				"additionalProperties": false
			}`),
			Handler: t.schedule,
		},
		{
			Name:        "pause_task",
			Description: "Pause an active scheduled task.",
			Schema:      taskIDSchema,
			Handler:     t.control(ipc.TypePauseTask),
		},
		{
			Name:        "resume_task",
			Description: "Resume a paused or errored scheduled task.",
			Schema:      taskIDSchema,
			Handler:     t.control(ipc.TypeResumeTask),
		},
		{
			Name:        "cancel_task",
			Description: "Cancel and delete a scheduled task.",
			Schema:      taskIDSchema,
			Handler:     t.control(ipc.TypeCancelTask),
		},
		{
			Name:        "list_tasks",
			Description: "List the scheduled tasks for this chat.",
			Schema:      json.RawMessage(`{"type": "object", "additionalProperties": false}`),
			Handler:     t.list,
		},
	}
}

var taskIDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "minLength": 1}
	},
	"required": ["task_id"],
	"additionalProperties": false
}`)

func (t *Tasks) schedule(_ context.Context, tc *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
	targetJID := tc.JID
	if raw, ok := args["target_jid"].(string); ok && raw != "" {
		targetJID = raw
	}
	// Scheduling into another chat is an administrative action reserved for
	// the main chat.
	if targetJID != tc.JID && !tc.IsMain {
		return plugin.ErrorResult("only the main chat may schedule tasks for other chats"), nil
	}
	contextMode := string(store.ContextGroup)
	if raw, ok := args["context_mode"].(string); ok && raw != "" {
		contextMode = raw
	}
	rec := ipc.ScheduleTask{
		Type:          ipc.TypeScheduleTask,
		Prompt:        args["prompt"].(string),
		ScheduleType:  args["schedule_type"].(string),
		ScheduleValue: args["schedule_value"].(string),
		ContextMode:   contextMode,
		TargetJID:     targetJID,
		CreatedBy:     tc.JID,
		Timestamp:     time.Now().UTC(),
	}
	if err := dropRecord(tc, rec); err != nil {
		return plugin.Result{}, err
	}
	return plugin.TextResult(fmt.Sprintf("Task scheduled (%s %s) for %s", rec.ScheduleType, rec.ScheduleValue, targetJID)), nil
}

func (t *Tasks) control(op string) func(context.Context, *plugin.ToolContext, map[string]any) (plugin.Result, error) {
	return func(_ context.Context, tc *plugin.ToolContext, args map[string]any) (plugin.Result, error) {
		rec := ipc.TaskControl{
			Type:        op,
			TaskID:      args["task_id"].(string),
			GroupFolder: tc.Folder,
			IsMain:      tc.IsMain,
			Timestamp:   time.Now().UTC(),
		}
		if err := dropRecord(tc, rec); err != nil {
			return plugin.Result{}, err
		}
		return plugin.TextResult(fmt.Sprintf("Requested %s for task %s", op, rec.TaskID)), nil
	}
}

func (t *Tasks) list(_ context.Context, tc *plugin.ToolContext, _ map[string]any) (plugin.Result, error) {
	data, err := tc.IPC.ReadFile(snapshotFile)
	if err != nil {
		return plugin.TextResult("No task snapshot available yet"), nil
	}
	var tasks []store.ScheduledTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return plugin.Result{}, fmt.Errorf("parse task snapshot: %w", err)
	}

	var b strings.Builder
	for _, task := range tasks {
		// The main chat sees every chat's tasks; others only their own.
		if !tc.IsMain && task.Folder != tc.Folder {
			continue
		}
		fmt.Fprintf(&b, "%s [%s] %s %s: %s", task.ID, task.Status, task.ScheduleType, task.ScheduleValue, task.Prompt)
		if task.NextRun != nil {
			fmt.Fprintf(&b, " (next %s)", task.NextRun.Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return plugin.TextResult("No scheduled tasks"), nil
	}
	return plugin.TextResult(strings.TrimRight(b.String(), "\n")), nil
}

func dropRecord(tc *plugin.ToolContext, rec ipc.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", rec.RecordType(), err)
	}
	if err := tc.IPC.WriteFile(filepath.Join("output", ipc.DropName()), data); err != nil {
		return fmt.Errorf("drop %s record: %w", rec.RecordType(), err)
	}
	return nil
}

var _ plugin.Plugin = (*Tasks)(nil)
