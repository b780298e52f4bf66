package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/nanoclaw/internal/config"
)

// dockerLauncher runs agents in ephemeral containers. The chat folder is
// bind-mounted at /workspace so the file-drop IPC dirs are shared with the
// host; the container is auto-removed on exit.
type dockerLauncher struct {
	cli    *client.Client
	cfg    config.AgentConfig
	logger *slog.Logger
}

func newDockerLauncher(cfg config.AgentConfig, logger *slog.Logger) (*dockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerLauncher{cli: cli, cfg: cfg, logger: logger}, nil
}

func (d *dockerLauncher) launch(ctx context.Context, dir string) (process, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        d.cfg.Image,
		WorkingDir:   "/workspace",
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Env: []string{
			"NANOCLAW_IPC_INPUT=/workspace/ipc/input",
			"NANOCLAW_IPC_OUTPUT=/workspace/ipc/output",
			"NANOCLAW_AGENT_COMMAND=" + d.cfg.Command,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", dir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	// Demux the attached stream: stdout to the frame pump, stderr to the log.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, &logWriter{logger: d.logger}, attach.Reader)
		pw.CloseWithError(err)
	}()

	return &dockerProcess{cli: d.cli, id: resp.ID, attach: attach, out: pr}, nil
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	attach types.HijackedResponse
	out    io.Reader
}

func (p *dockerProcess) stdin() io.WriteCloser { return hijackStdin{p.attach} }
func (p *dockerProcess) stdout() io.Reader     { return p.out }

func (p *dockerProcess) wait() error {
	statusCh, errCh := p.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("agent container exited with status %d", status.StatusCode)
		}
		return nil
	}
}

func (p *dockerProcess) kill() error {
	return p.cli.ContainerKill(context.Background(), p.id, "SIGKILL")
}

// hijackStdin adapts the attached connection's write half to io.WriteCloser.
type hijackStdin struct {
	attach types.HijackedResponse
}

func (h hijackStdin) Write(b []byte) (int, error) { return h.attach.Conn.Write(b) }
func (h hijackStdin) Close() error                { return h.attach.CloseWrite() }
