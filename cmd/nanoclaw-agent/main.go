// Command nanoclaw-agent runs inside the per-chat workspace (directly or in
// a container). It reads one Input from stdin, loads the container-target
// plugins, then serves turns: the initial prompt first, afterwards message
// records dropped into its IPC inbox, until the close sentinel arrives.
// Each turn's outcome is framed on stdout for the host to parse.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/nanoclaw/internal/dispatch"
	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/plugin"
	"github.com/basket/nanoclaw/internal/runner"

	// Container-target plugins register their factories on import.
	_ "github.com/basket/nanoclaw/internal/plugins/groups"
	_ "github.com/basket/nanoclaw/internal/plugins/memory"
	_ "github.com/basket/nanoclaw/internal/plugins/tasks"
	_ "github.com/basket/nanoclaw/internal/plugins/voice"
)

// toolDirective marks a line in the assistant's output as a tool call. The
// rest of the line is {"name": ..., "args": {...}}; the line is replaced by
// the tool result in the reply.
const toolDirective = "@@tool "

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "agent")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var input runner.Input
	if err := json.NewDecoder(os.Stdin).Decode(&input); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}

	inboxDir := os.Getenv("NANOCLAW_IPC_INPUT")
	outboxDir := os.Getenv("NANOCLAW_IPC_OUTPUT")
	if inboxDir == "" || outboxDir == "" {
		return fmt.Errorf("NANOCLAW_IPC_INPUT and NANOCLAW_IPC_OUTPUT must be set")
	}
	inbox, err := ipc.NewTransport(inboxDir, logger)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	// Plugins address IPC relative to the directory holding input/ and
	// output/, so paths like "output/<file>" and "tasks_snapshot.json" work.
	ipcRoot, err := ipc.NewTransport(filepath.Dir(filepath.Clean(inboxDir)), logger)
	if err != nil {
		return fmt.Errorf("open ipc root: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := plugin.NewRegistry(plugin.TargetContainer, plugin.Services{
		Logger: logger,
		IPC:    ipcRoot,
	}, nil, logger)
	if err := registry.LoadAll(ctx, pluginDirs()); err != nil {
		logger.Error("plugin load failed", "error", err)
	}
	defer registry.UnloadAll(context.Background())

	dispatcher := dispatch.New(logger)
	dispatcher.RegisterAll(registry.ToolPlugins())

	eng := &engine{
		command:    os.Getenv("NANOCLAW_AGENT_COMMAND"),
		dispatcher: dispatcher,
		input:      input,
		logger:     logger,
	}

	sessionID := input.SessionID
	newSession := ""
	if sessionID == "" {
		sessionID = uuid.NewString()
		newSession = sessionID
	}
	eng.sessionID = sessionID

	out := bufio.NewWriter(os.Stdout)
	emit := func(frame runner.Output) {
		data, err := json.Marshal(frame)
		if err != nil {
			logger.Error("marshal frame failed", "error", err)
			return
		}
		fmt.Fprintln(out, runner.OutputStartMarker)
		out.Write(data)
		fmt.Fprintln(out)
		fmt.Fprintln(out, runner.OutputEndMarker)
		out.Flush()
	}

	// First turn: the prompt from stdin. The first frame carries the new
	// session id when one was minted.
	emit(eng.turn(ctx, input.Prompt, newSession))

	// Further turns arrive as message records in the inbox until the close
	// sentinel.
	inbox.Watch(ctx, func(rec ipc.Record) {
		msg, ok := rec.(ipc.Message)
		if !ok {
			logger.Warn("ignoring non-message inbox record", "type", rec.RecordType())
			return
		}
		prompt := msg.Text
		if msg.Sender != "" {
			prompt = msg.Sender + ": " + msg.Text
		}
		emit(eng.turn(ctx, prompt, ""))
	}, func() {
		logger.Info("close sentinel received, exiting")
	})
	return nil
}

func pluginDirs() []string {
	if raw := os.Getenv("NANOCLAW_PLUGIN_DIRS"); raw != "" {
		return strings.Split(raw, string(os.PathListSeparator))
	}
	return []string{"plugins"}
}

// engine produces one reply per turn by shelling out to the configured
// assistant CLI, then resolves any tool directives in its output through
// the dispatcher.
type engine struct {
	command    string
	dispatcher *dispatch.Dispatcher
	input      runner.Input
	sessionID  string
	logger     *slog.Logger
}

func (e *engine) turn(ctx context.Context, prompt, newSession string) runner.Output {
	reply, err := e.reply(ctx, prompt)
	if err != nil {
		return runner.Output{Status: "error", NewSessionID: newSession, Error: err.Error()}
	}
	return runner.Output{Status: "success", Result: reply, NewSessionID: newSession}
}

func (e *engine) reply(ctx context.Context, prompt string) (string, error) {
	if e.command == "" {
		return "", fmt.Errorf("no assistant command configured (NANOCLAW_AGENT_COMMAND)")
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", e.command)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(),
		"NANOCLAW_SESSION_ID="+e.sessionID,
		"NANOCLAW_CHAT_JID="+e.input.ChatJID,
		"NANOCLAW_GROUP_FOLDER="+e.input.GroupFolder,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("assistant command: %s", detail)
	}
	return e.resolveDirectives(ctx, stdout.String()), nil
}

// resolveDirectives replaces @@tool lines with the corresponding tool
// results, leaving everything else untouched.
func (e *engine) resolveDirectives(ctx context.Context, reply string) string {
	if !strings.Contains(reply, toolDirective) {
		return strings.TrimSpace(reply)
	}
	var b strings.Builder
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, toolDirective) {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		var call struct {
			Name string         `json:"name"`
			Args map[string]any `json:"args"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(trimmed, toolDirective)), &call); err != nil {
			e.logger.Warn("bad tool directive", "line", trimmed, "error", err)
			b.WriteString("[tool call failed: " + err.Error() + "]\n")
			continue
		}
		res := e.dispatcher.Invoke(ctx, call.Name, e.input.ChatJID, e.input.GroupFolder, e.input.IsMain, call.Args)
		for _, c := range res.Content {
			b.WriteString(c.Text)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}
