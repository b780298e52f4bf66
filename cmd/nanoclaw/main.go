// Command nanoclaw is the host daemon: it connects the chat channels,
// routes inbound messages through per-chat queues into agent subprocesses,
// applies agent-written IPC records, and runs the scheduled task engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/channels"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/ipc"
	otelpkg "github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/plugin"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/runner"
	"github.com/basket/nanoclaw/internal/scheduler"
	"github.com/basket/nanoclaw/internal/store"
	"github.com/basket/nanoclaw/internal/telemetry"

	// Host-target plugins register their factories on import.
	_ "github.com/basket/nanoclaw/internal/plugins/hoststatus"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nanoclaw:", err)
		os.Exit(1)
	}
}

// run returns an error only for unrecoverable startup failures. Everything
// after startup is logged and survived.
func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting nanoclaw", "version", Version, "home", cfg.HomeDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelpkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.HomeDir, "nanoclaw.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eventBus := bus.New(
		bus.WithHandlerTimeout(time.Duration(cfg.BusHandlerTimeoutSeconds)*time.Second),
		bus.WithLogger(logger),
	)
	wireMetrics(eventBus, metrics)

	agentRunner := runner.New(cfg.Agent, logger)

	// The router and the queue manager reference each other: the router is
	// the manager's Sender, the manager is the router's Queue. The router is
	// built first against a send closure, then bound.
	var rt *channels.Router
	var mgr *queue.Manager
	var sched *scheduler.Scheduler

	send := queue.SenderFunc(func(ctx context.Context, jid, text string) error {
		return rt.Send(ctx, jid, text)
	})
	outbox := func(ctx context.Context, folder, jid string, rec ipc.Record) {
		metrics.IPCRecords.Add(ctx, 1)
		applyOutboxRecord(ctx, logger, st, rt, sched.Service(), cfg, folder, jid, rec)
	}
	mgr = queue.NewManager(agentRunner, st, cfg, send, outbox, eventBus, logger)
	rt = channels.NewRouter(st, mgr, cfg, eventBus, logger)
	sched = scheduler.New(st, mgr, cfg, send, eventBus, logger)

	// Host-side plugins get the live services, gated per manifest.
	registry := plugin.NewRegistry(plugin.TargetHost, plugin.Services{
		Logger:   logger,
		Bus:      eventBus,
		Config:   &cfg,
		Messages: rt,
		Tasks:    sched.Service(),
	}, eventBus, logger)
	if err := registry.LoadAll(ctx, cfg.Plugins.Dirs); err != nil {
		logger.Error("plugin load failed", "error", err)
	}
	watchPlugins(ctx, registry, cfg.Plugins.Dirs, logger)

	if cfg.Channels.Discord.Enabled {
		rt.Register(channels.NewDiscord(cfg.Channels.Discord, rt, logger))
	}
	if cfg.Channels.Telegram.Enabled {
		rt.Register(channels.NewTelegram(cfg.Channels.Telegram, rt, logger))
	}
	if cfg.Channels.Web.Enabled {
		rt.Register(channels.NewWeb(cfg.Channels.Web, rt, logger))
	}

	mgr.Start(ctx)
	rt.ConnectAll(ctx)
	sched.Start(ctx)
	logger.Info("nanoclaw running")

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	rt.DisconnectAll()
	mgr.Shutdown()
	unloadCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	registry.UnloadAll(unloadCtx)
	return nil
}

// wireMetrics mirrors bus traffic into the otel instruments.
func wireMetrics(b *bus.Bus, m *otelpkg.Metrics) {
	b.On(bus.EventMessageInbound, func(ctx context.Context, _ any) error {
		m.MessagesInbound.Add(ctx, 1)
		return nil
	})
	b.On(bus.EventMessageOutbound, func(ctx context.Context, _ any) error {
		m.MessagesOutbound.Add(ctx, 1)
		return nil
	})
	b.On(bus.EventContainerStart, func(ctx context.Context, _ any) error {
		m.AgentSpawns.Add(ctx, 1)
		m.AgentsActive.Add(ctx, 1)
		return nil
	})
	b.On(bus.EventContainerStop, func(ctx context.Context, payload any) error {
		m.AgentsActive.Add(ctx, -1)
		if ev, ok := payload.(bus.ContainerEvent); ok {
			m.AgentRunDuration.Record(ctx, ev.Duration.Seconds())
		}
		return nil
	})
	b.On(bus.EventTaskCompleted, func(ctx context.Context, payload any) error {
		m.TaskRuns.Add(ctx, 1)
		if ev, ok := payload.(bus.TaskEvent); ok {
			m.TaskRunDuration.Record(ctx, ev.Duration.Seconds())
			if ev.Status == string(store.TaskStatusError) {
				m.TaskFailures.Add(ctx, 1)
			}
		}
		return nil
	})
}

// watchPlugins reloads the host registry when plugin manifests change on
// disk.
func watchPlugins(ctx context.Context, registry *plugin.Registry, dirs []string, logger *slog.Logger) {
	watcher := plugin.NewWatcher(dirs, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("plugin watcher unavailable", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case dir, ok := <-watcher.Events():
				if !ok {
					return
				}
				logger.Info("plugin change detected, reloading", "dir", dir)
				registry.UnloadAll(ctx)
				if err := registry.LoadAll(ctx, dirs); err != nil {
					logger.Error("plugin reload failed", "error", err)
				}
			}
		}
	}()
}

// applyOutboxRecord executes one agent-written IPC record on the host side.
// Every host-affecting agent action funnels through here.
func applyOutboxRecord(ctx context.Context, logger *slog.Logger, st *store.Store, rt *channels.Router, tasks *scheduler.TaskService, cfg config.Config, folder, jid string, rec ipc.Record) {
	log := logger.With("folder", folder, "jid", jid, "record", rec.RecordType())

	switch r := rec.(type) {
	case ipc.Message:
		target := r.ChatJID
		if target == "" {
			target = jid
		}
		if err := rt.Send(ctx, target, r.Text); err != nil {
			log.Warn("outbound message failed", "error", err)
		}

	case ipc.VoiceMessage:
		target := r.ChatJID
		if target == "" {
			target = jid
		}
		if err := rt.SendVoice(ctx, target, r.AudioPath); err != nil {
			log.Warn("outbound voice failed", "error", err)
		}

	case ipc.ScheduleTask:
		target := r.TargetJID
		if target == "" {
			target = jid
		}
		chat, err := st.GetChatByJID(ctx, target)
		if err != nil {
			log.Warn("schedule_task for unknown chat", "target", target, "error", err)
			return
		}
		task := store.ScheduledTask{
			Folder:        chat.Folder,
			JID:           chat.JID,
			Prompt:        r.Prompt,
			ScheduleType:  store.ScheduleType(r.ScheduleType),
			ScheduleValue: r.ScheduleValue,
			ContextMode:   store.ContextMode(r.ContextMode),
			MaxRetries:    cfg.Scheduler.MaxRetries,
		}
		if err := tasks.Schedule(ctx, task); err != nil {
			log.Warn("schedule_task failed", "error", err)
		}

	case ipc.TaskControl:
		if !authorizedTaskControl(ctx, st, r, folder, cfg.MainFolder) {
			log.Warn("task control denied", "task", r.TaskID)
			return
		}
		var err error
		switch r.Type {
		case ipc.TypePauseTask:
			err = tasks.Pause(ctx, r.TaskID)
		case ipc.TypeResumeTask:
			err = tasks.Resume(ctx, r.TaskID)
		case ipc.TypeCancelTask:
			err = tasks.Cancel(ctx, r.TaskID)
		}
		if err != nil {
			log.Warn("task control failed", "task", r.TaskID, "error", err)
		}

	case ipc.RegisterGroup:
		if folder != cfg.MainFolder {
			log.Warn("register_group denied outside main folder")
			return
		}
		chat := store.RegisteredChat{
			JID:             r.JID,
			DisplayName:     r.Name,
			Folder:          r.Folder,
			TriggerPattern:  r.Trigger,
			RequiresTrigger: r.Trigger != "",
		}
		if err := st.UpsertChat(ctx, chat); err != nil {
			log.Warn("register_group failed", "error", err)
			return
		}
		log.Info("chat registered", "new_jid", r.JID, "new_folder", r.Folder)

	default:
		log.Warn("unhandled outbox record")
	}
}

// authorizedTaskControl lets the main folder control any task and other
// folders only their own.
func authorizedTaskControl(ctx context.Context, st *store.Store, r ipc.TaskControl, folder, mainFolder string) bool {
	if folder == mainFolder {
		return true
	}
	task, err := st.GetTask(ctx, r.TaskID)
	if err != nil {
		// Cancel of an unknown id is idempotent; let it through.
		return errors.Is(err, store.ErrTaskNotFound) && r.Type == ipc.TypeCancelTask
	}
	return task.Folder == folder
}
