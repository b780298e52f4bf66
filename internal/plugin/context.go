package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/store"
)

// CapabilityError is returned by a gated service when the calling plugin did
// not declare the capability the operation requires.
type CapabilityError struct {
	Operation  string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability denied: %s requires %s", e.Operation, e.Capability)
}

// IPC is the file-drop surface exposed to plugins. Read and write are gated
// independently: ReadFile requires ipc:read, WriteFile requires ipc:write.
type IPC interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) error
}

// Messages sends outbound messages through the channel router. Gated as a
// whole object on messages:write.
type Messages interface {
	Send(ctx context.Context, jid, text string) error
}

// Tasks manages scheduled tasks. Gated as a whole object on tasks:manage.
type Tasks interface {
	Schedule(ctx context.Context, t store.ScheduledTask) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, folder string) ([]store.ScheduledTask, error)
}

// Services are the live implementations the host (or agent) owns. The
// registry narrows them per plugin according to its manifest.
type Services struct {
	Logger   *slog.Logger
	Bus      *bus.Bus
	Config   *config.Config
	IPC      IPC
	Messages Messages
	Tasks    Tasks
}

// Context is what a plugin sees. Every service is either the live
// implementation or a stub that refuses each call with a CapabilityError and
// never touches the underlying resource.
type Context struct {
	Logger   *slog.Logger
	Bus      *bus.Bus
	Config   *config.Config
	IPC      IPC
	Messages Messages
	Tasks    Tasks
}

// ToolContext is a Context extended with the invoking turn's identity.
// Constructed fresh per tool invocation.
type ToolContext struct {
	*Context
	JID    string
	Folder string
	IsMain bool
}

// NewContext builds the capability-gated view of svc for manifest m.
func NewContext(m Manifest, svc Services) *Context {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pc := &Context{
		Logger: logger.With("plugin", m.Name),
		Bus:    svc.Bus,
		Config: svc.Config,
	}

	pc.IPC = &gatedIPC{
		live:     svc.IPC,
		canRead:  m.HasCapability(CapIPCRead),
		canWrite: m.HasCapability(CapIPCWrite),
	}

	if m.HasCapability(CapMessagesWrite) && svc.Messages != nil {
		pc.Messages = svc.Messages
	} else {
		pc.Messages = deniedMessages{}
	}

	if m.HasCapability(CapTasksManage) && svc.Tasks != nil {
		pc.Tasks = svc.Tasks
	} else {
		pc.Tasks = deniedTasks{}
	}

	return pc
}

// gatedIPC gates each operation individually.
type gatedIPC struct {
	live     IPC
	canRead  bool
	canWrite bool
}

func (g *gatedIPC) ReadFile(rel string) ([]byte, error) {
	if !g.canRead || g.live == nil {
		return nil, &CapabilityError{Operation: "ipc.readFile", Capability: CapIPCRead}
	}
	return g.live.ReadFile(rel)
}

func (g *gatedIPC) WriteFile(rel string, data []byte) error {
	if !g.canWrite || g.live == nil {
		return &CapabilityError{Operation: "ipc.writeFile", Capability: CapIPCWrite}
	}
	return g.live.WriteFile(rel, data)
}

type deniedMessages struct{}

func (deniedMessages) Send(context.Context, string, string) error {
	return &CapabilityError{Operation: "messages.send", Capability: CapMessagesWrite}
}

type deniedTasks struct{}

func (deniedTasks) Schedule(context.Context, store.ScheduledTask) error {
	return &CapabilityError{Operation: "tasks.schedule", Capability: CapTasksManage}
}

func (deniedTasks) Pause(context.Context, string) error {
	return &CapabilityError{Operation: "tasks.pause", Capability: CapTasksManage}
}

func (deniedTasks) Resume(context.Context, string) error {
	return &CapabilityError{Operation: "tasks.resume", Capability: CapTasksManage}
}

func (deniedTasks) Cancel(context.Context, string) error {
	return &CapabilityError{Operation: "tasks.cancel", Capability: CapTasksManage}
}

func (deniedTasks) List(context.Context, string) ([]store.ScheduledTask, error) {
	return nil, &CapabilityError{Operation: "tasks.list", Capability: CapTasksManage}
}
