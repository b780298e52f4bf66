// Package runner spawns and supervises one agent subprocess per chat. The
// host feeds it a JSON input document on stdin, streams framed results off
// its stdout, and terminates it gracefully by dropping the close sentinel
// into the agent's IPC inbox.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/ipc"
)

// Input is the JSON document written to the agent's stdin.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	SenderIDs       []string          `json:"senderIds,omitempty"`
	TrustConfig     json.RawMessage   `json:"trustConfig,omitempty"`
}

// StreamFunc receives each framed output as the agent emits it.
type StreamFunc func(Output)

// RunResult aggregates everything the agent produced over its lifetime.
type RunResult struct {
	Outputs      []Output
	FinalResult  string // result of the last successful frame
	NewSessionID string // last session id the agent reported
	LastError    string // error of the last failed frame
}

// process abstracts the exec and docker launch paths.
type process interface {
	stdin() io.WriteCloser
	stdout() io.Reader
	wait() error
	kill() error
}

// Runner launches agents according to the configured mode.
type Runner struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	dockerOnce sync.Once
	docker     *dockerLauncher
	dockerErr  error
}

func New(cfg config.AgentConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Agent is one live subprocess bound to a chat folder. The caller owns the
// Inbox (user turns in) and reads the Outbox (agent side effects out).
type Agent struct {
	JID    string
	Folder string
	Inbox  *ipc.Transport
	Outbox *ipc.Transport

	proc   process
	logger *slog.Logger
	grace  time.Duration

	mu        sync.Mutex
	outputs   []Output
	lastOK    string
	lastErr   string
	sessionID string

	stdinOnce sync.Once
	done      chan struct{}
	waitErr   error
}

// Start launches an agent for the chat rooted at dir, writes input to its
// stdin, and begins pumping framed outputs to onOutput. The stdin pipe stays
// open for CloseStdin.
func (r *Runner) Start(ctx context.Context, jid, folder, dir string, input Input, onOutput StreamFunc) (*Agent, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat dir: %w", err)
	}
	inbox, err := ipc.NewTransport(filepath.Join(dir, "ipc", "input"), r.logger)
	if err != nil {
		return nil, fmt.Errorf("agent inbox: %w", err)
	}
	outbox, err := ipc.NewTransport(filepath.Join(dir, "ipc", "output"), r.logger)
	if err != nil {
		return nil, fmt.Errorf("agent outbox: %w", err)
	}

	var proc process
	switch r.cfg.Mode {
	case "docker":
		launcher, err := r.dockerLauncher()
		if err != nil {
			return nil, err
		}
		proc, err = launcher.launch(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("launch container agent: %w", err)
		}
	default:
		proc, err = r.launchExec(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("launch agent process: %w", err)
		}
	}

	a := &Agent{
		JID:    jid,
		Folder: folder,
		Inbox:  inbox,
		Outbox: outbox,
		proc:   proc,
		logger: r.logger.With("jid", jid, "folder", folder),
		grace:  time.Duration(r.cfg.KillGraceSeconds) * time.Second,
		done:   make(chan struct{}),
	}

	if err := json.NewEncoder(proc.stdin()).Encode(input); err != nil {
		_ = proc.kill()
		return nil, fmt.Errorf("write agent input: %w", err)
	}

	// The pump must reach EOF before wait: wait closes the stdout pipe on
	// process exit and would drop frames emitted just before it.
	go func() {
		a.pump(onOutput)
		a.waitErr = proc.wait()
		close(a.done)
	}()

	return a, nil
}

func (r *Runner) launchExec(ctx context.Context, dir string) (process, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Binary)
	cmd.Dir = dir
	// The agent runs in its own process group: it spawns children (the
	// assistant CLI under sh -c) that inherit the stdio pipes, and a kill
	// that misses them leaves wait blocked for their whole lifetime.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	cmd.WaitDelay = time.Duration(r.cfg.KillGraceSeconds) * time.Second
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	cmd.Env = append(os.Environ(),
		"NANOCLAW_IPC_INPUT="+filepath.Join(dir, "ipc", "input"),
		"NANOCLAW_IPC_OUTPUT="+filepath.Join(dir, "ipc", "output"),
		"NANOCLAW_AGENT_COMMAND="+r.cfg.Command,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &logWriter{logger: r.logger}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, in: stdin, out: stdout}, nil
}

func (r *Runner) dockerLauncher() (*dockerLauncher, error) {
	r.dockerOnce.Do(func() {
		r.docker, r.dockerErr = newDockerLauncher(r.cfg, r.logger)
	})
	return r.docker, r.dockerErr
}

// pump reads stdout until EOF, extracting frames and forwarding each.
func (a *Agent) pump(onOutput StreamFunc) {
	var parser frameParser
	scanner := bufio.NewScanner(a.proc.stdout())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		out, ok, err := parser.feed(scanner.Text())
		if err != nil {
			a.logger.Warn("agent emitted an unparseable frame", "error", err)
			continue
		}
		if !ok {
			continue
		}
		a.mu.Lock()
		a.outputs = append(a.outputs, out)
		if out.NewSessionID != "" {
			a.sessionID = out.NewSessionID
		}
		if out.Status == "success" {
			a.lastOK = out.Result
		} else {
			a.lastErr = out.Error
		}
		a.mu.Unlock()
		if onOutput != nil {
			onOutput(out)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		a.logger.Warn("agent stdout read failed", "error", err)
	}
}

// Done closes when the subprocess has exited and its stdout is drained.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Wait blocks until the agent exits and returns the aggregated result. The
// exit error, if any, is returned alongside whatever output was collected.
func (a *Agent) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-ctx.Done():
		return a.snapshot(), ctx.Err()
	case <-a.done:
		return a.snapshot(), a.waitErr
	}
}

func (a *Agent) snapshot() RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	outputs := make([]Output, len(a.outputs))
	copy(outputs, a.outputs)
	return RunResult{
		Outputs:      outputs,
		FinalResult:  a.lastOK,
		NewSessionID: a.sessionID,
		LastError:    a.lastErr,
	}
}

// CloseStdin ends the stdin stream. Safe to call more than once.
func (a *Agent) CloseStdin() {
	a.stdinOnce.Do(func() {
		if err := a.proc.stdin().Close(); err != nil {
			a.logger.Warn("close agent stdin failed", "error", err)
		}
	})
}

// Close asks the agent to exit by dropping the sentinel, then waits the
// grace window before killing it.
func (a *Agent) Close() error {
	if err := a.Inbox.WriteClose(); err != nil {
		a.logger.Warn("write close sentinel failed", "error", err)
	}
	select {
	case <-a.done:
		return nil
	case <-time.After(a.grace):
		a.logger.Warn("agent ignored close sentinel, killing", "grace", a.grace)
		return a.Kill()
	}
}

// Kill terminates the agent immediately.
func (a *Agent) Kill() error {
	if err := a.proc.kill(); err != nil {
		return fmt.Errorf("kill agent: %w", err)
	}
	<-a.done
	return nil
}

type execProcess struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.Reader
}

func (p *execProcess) stdin() io.WriteCloser { return p.in }
func (p *execProcess) stdout() io.Reader     { return p.out }
func (p *execProcess) wait() error           { return p.cmd.Wait() }

func (p *execProcess) kill() error {
	return killGroup(p.cmd.Process)
}

// killGroup delivers SIGKILL to the process group so children spawned by the
// agent die with it.
func killGroup(proc *os.Process) error {
	if proc == nil {
		return nil
	}
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return proc.Kill()
	}
	return nil
}

// logWriter forwards subprocess stderr lines into the structured log.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("agent stderr", "output", string(p))
	return len(p), nil
}
