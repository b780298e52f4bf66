package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/store"
)

func TestParseManifest_Defaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name": "memory", "version": "0.1.0", "target": "container"}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.MainEntry != "main.go" {
		t.Fatalf("mainEntry = %q, want main.go", m.MainEntry)
	}
	if m.Capabilities == nil || len(m.Capabilities) != 0 {
		t.Fatalf("capabilities = %v, want empty slice", m.Capabilities)
	}
	if m.Dependencies == nil || len(m.Dependencies) != 0 {
		t.Fatalf("dependencies = %v, want empty slice", m.Dependencies)
	}
}

func TestParseManifest_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"uppercase name", `{"name": "Memory", "version": "1", "target": "host"}`},
		{"underscore name", `{"name": "my_plugin", "version": "1", "target": "host"}`},
		{"missing version", `{"name": "memory", "target": "host"}`},
		{"bad target", `{"name": "memory", "version": "1", "target": "cloud"}`},
		{"unknown capability", `{"name": "memory", "version": "1", "target": "host", "capabilities": ["root"]}`},
		{"unknown field", `{"name": "memory", "version": "1", "target": "host", "extra": true}`},
		{"not json", `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.body)); err == nil {
				t.Fatalf("manifest accepted: %s", tt.body)
			}
		})
	}
}

func TestCapabilityGating_IPCPerOperation(t *testing.T) {
	dir := t.TempDir()
	tr, err := ipc.NewTransport(dir, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	m, err := ParseManifest([]byte(`{
		"name": "reader", "version": "1", "target": "container",
		"capabilities": ["ipc:read"]
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	pc := NewContext(m, Services{IPC: tr})

	// Declared capability works.
	if err := os.WriteFile(filepath.Join(dir, "in.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := pc.IPC.ReadFile("in.json"); err != nil {
		t.Fatalf("ReadFile with ipc:read: %v", err)
	}

	// Undeclared write is denied and touches nothing.
	err = pc.IPC.WriteFile("out.json", []byte("{}"))
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CapabilityError", err)
	}
	if !strings.Contains(capErr.Error(), "ipc:write") {
		t.Fatalf("error %q does not name ipc:write", capErr.Error())
	}
	if _, statErr := os.Stat(filepath.Join(dir, "out.json")); !os.IsNotExist(statErr) {
		t.Fatalf("denied write created a file")
	}
}

func TestCapabilityGating_WholeObjectStubs(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name": "bare", "version": "1", "target": "container"}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	pc := NewContext(m, Services{})

	var capErr *CapabilityError
	if err := pc.Messages.Send(context.Background(), "web:main", "hi"); !errors.As(err, &capErr) {
		t.Fatalf("Messages.Send err = %v, want CapabilityError", err)
	}
	if capErr.Capability != CapMessagesWrite {
		t.Fatalf("capability = %q, want %q", capErr.Capability, CapMessagesWrite)
	}

	taskOps := []func() error{
		func() error { return pc.Tasks.Schedule(context.Background(), store.ScheduledTask{}) },
		func() error { return pc.Tasks.Pause(context.Background(), "t1") },
		func() error { return pc.Tasks.Resume(context.Background(), "t1") },
		func() error { return pc.Tasks.Cancel(context.Background(), "t1") },
		func() error { _, err := pc.Tasks.List(context.Background(), "f"); return err },
	}
	for i, op := range taskOps {
		if err := op(); !errors.As(err, &capErr) {
			t.Fatalf("task op %d err = %v, want CapabilityError", i, err)
		}
		if capErr.Capability != CapTasksManage {
			t.Fatalf("task op %d capability = %q", i, capErr.Capability)
		}
	}
}

type recordingMessages struct{ sent []string }

func (r *recordingMessages) Send(_ context.Context, jid, text string) error {
	r.sent = append(r.sent, jid+"|"+text)
	return nil
}

func TestCapabilityGating_LiveWhenDeclared(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"name": "sender", "version": "1", "target": "host",
		"capabilities": ["messages:write"]
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	live := &recordingMessages{}
	pc := NewContext(m, Services{Messages: live})

	if err := pc.Messages.Send(context.Background(), "web:main", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(live.sent) != 1 || live.sent[0] != "web:main|hi" {
		t.Fatalf("sent = %v", live.sent)
	}
}
