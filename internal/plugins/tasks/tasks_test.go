package tasks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/plugin"
	"github.com/basket/nanoclaw/internal/store"
)

func newToolContext(t *testing.T, jid, folder string, isMain bool) (*plugin.ToolContext, *ipc.Transport) {
	t.Helper()
	transport, err := ipc.NewTransport(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	m := plugin.Manifest{
		Name: "tasks", Version: "1.0.0", Target: plugin.TargetContainer,
		Capabilities: []string{plugin.CapIPCRead, plugin.CapIPCWrite},
	}
	pc := plugin.NewContext(m, plugin.Services{IPC: transport})
	return &plugin.ToolContext{Context: pc, JID: jid, Folder: folder, IsMain: isMain}, transport
}

func callTool(t *testing.T, tc *plugin.ToolContext, name string, args map[string]any) plugin.Result {
	t.Helper()
	p := &Tasks{}
	for _, tool := range p.Tools() {
		if tool.Name == name {
			res, err := tool.Handler(context.Background(), tc, args)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			return res
		}
	}
	t.Fatalf("tool %s not found", name)
	return plugin.Result{}
}

func drainOutput(t *testing.T, transport *ipc.Transport) []ipc.Record {
	t.Helper()
	out, err := ipc.NewTransport(filepath.Join(transport.Root(), "output"), nil)
	if err != nil {
		t.Fatalf("open output dir: %v", err)
	}
	records, err := out.Drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return records
}

func TestScheduleDropsRecord(t *testing.T) {
	tc, transport := newToolContext(t, "fake:1", "family", false)

	res := callTool(t, tc, "schedule_task", map[string]any{
		"prompt":         "daily summary",
		"schedule_type":  "cron",
		"schedule_value": "0 8 * * *",
	})
	if res.IsError {
		t.Fatalf("schedule errored: %+v", res)
	}

	records := drainOutput(t, transport)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec, ok := records[0].(ipc.ScheduleTask)
	if !ok {
		t.Fatalf("record type = %T, want ScheduleTask", records[0])
	}
	if rec.TargetJID != "fake:1" || rec.Prompt != "daily summary" || rec.ScheduleType != "cron" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ContextMode != string(store.ContextGroup) {
		t.Fatalf("contextMode = %q, want group default", rec.ContextMode)
	}
}

func TestScheduleCrossChatRequiresMain(t *testing.T) {
	tc, transport := newToolContext(t, "fake:1", "family", false)

	res := callTool(t, tc, "schedule_task", map[string]any{
		"prompt":         "spy",
		"schedule_type":  "once",
		"schedule_value": time.Now().Add(time.Hour).Format(time.RFC3339),
		"target_jid":     "fake:2",
	})
	if !res.IsError {
		t.Fatal("cross-chat schedule from non-main accepted")
	}
	if records := drainOutput(t, transport); len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestControlToolsDropTypedRecords(t *testing.T) {
	tc, transport := newToolContext(t, "fake:1", "family", true)

	for _, name := range []string{"pause_task", "resume_task", "cancel_task"} {
		callTool(t, tc, name, map[string]any{"task_id": "task-7"})
	}

	records := drainOutput(t, transport)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	seen := make(map[string]bool)
	for i, rec := range records {
		ctrl, ok := rec.(ipc.TaskControl)
		if !ok {
			t.Fatalf("record %d type = %T, want TaskControl", i, rec)
		}
		seen[ctrl.Type] = true
		if ctrl.TaskID != "task-7" || ctrl.GroupFolder != "family" || !ctrl.IsMain {
			t.Fatalf("record %d = %+v", i, ctrl)
		}
	}
	for _, want := range []string{ipc.TypePauseTask, ipc.TypeResumeTask, ipc.TypeCancelTask} {
		if !seen[want] {
			t.Fatalf("missing %s record, got %v", want, seen)
		}
	}
}

func TestListReadsSnapshotScopedToFolder(t *testing.T) {
	tc, transport := newToolContext(t, "fake:1", "family", false)

	next := time.Now().Add(time.Hour).UTC()
	snapshot := []store.ScheduledTask{
		{ID: "t1", Folder: "family", Prompt: "water plants", Status: store.TaskStatusActive,
			ScheduleType: store.ScheduleCron, ScheduleValue: "0 8 * * *", NextRun: &next},
		{ID: "t2", Folder: "work", Prompt: "standup notes", Status: store.TaskStatusPaused,
			ScheduleType: store.ScheduleInterval, ScheduleValue: "60000"},
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := transport.WriteFile("tasks_snapshot.json", data); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	res := callTool(t, tc, "list_tasks", nil)
	text := res.Content[0].Text
	if !strings.Contains(text, "water plants") {
		t.Fatalf("list %q missing own task", text)
	}
	if strings.Contains(text, "standup notes") {
		t.Fatalf("list %q leaked another folder's task", text)
	}

	// The main chat sees everything.
	tcMain := &plugin.ToolContext{Context: tc.Context, JID: "fake:0", Folder: "main", IsMain: true}
	res = callTool(t, tcMain, "list_tasks", nil)
	text = res.Content[0].Text
	if !strings.Contains(text, "water plants") || !strings.Contains(text, "standup notes") {
		t.Fatalf("main list %q missing tasks", text)
	}
}

func TestListWithoutSnapshot(t *testing.T) {
	tc, _ := newToolContext(t, "fake:1", "family", false)
	res := callTool(t, tc, "list_tasks", nil)
	if !strings.Contains(res.Content[0].Text, "No task snapshot") {
		t.Fatalf("result = %q, want snapshot notice", res.Content[0].Text)
	}
}
