// Package queue serializes agent work per chat. Each JID gets one FIFO
// queue backed by a worker goroutine; queues run in parallel across JIDs.
// The queue exclusively owns its agent subprocess and the agent's IPC input
// directory: while an interactive agent is live, new inbound messages are
// injected into its inbox instead of waiting for the next turn.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/runner"
	"github.com/basket/nanoclaw/internal/store"
)

// ErrQueueClosed is logged against items dropped by Kill or shutdown.
var ErrQueueClosed = errors.New("queue closed, item cancelled")

// Sender delivers outbound text to the owning channel.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, jid, text string) error

func (f SenderFunc) Send(ctx context.Context, jid, text string) error { return f(ctx, jid, text) }

// OutboxFunc receives records the agent drops into its outbox.
type OutboxFunc func(ctx context.Context, folder, jid string, rec ipc.Record)

// Message is one interactive inbound turn.
type Message struct {
	Text   string
	Sender string
}

// TaskSpec is a scheduled run submitted by the task engine. The queue gives
// it exclusive use of the chat's agent slot under its own idle timeout and
// reports the aggregated result through Done.
type TaskSpec struct {
	TaskID      string
	Input       runner.Input
	IdleTimeout time.Duration
	OnOutput    runner.StreamFunc
	Done        func(res runner.RunResult, err error)
}

const (
	kindMessage = "message"
	kindTask    = "task"
)

type item struct {
	kind string
	msg  Message
	task TaskSpec
}

// Manager owns all per-chat queues.
type Manager struct {
	runner *runner.Runner
	store  *store.Store
	cfg    config.Config
	send   Sender
	outbox OutboxFunc
	bus    *bus.Bus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*chatQueue
}

func NewManager(r *runner.Runner, st *store.Store, cfg config.Config, send Sender, outbox OutboxFunc, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: r,
		store:  st,
		cfg:    cfg,
		send:   send,
		outbox: outbox,
		bus:    b,
		logger: logger,
		queues: make(map[string]*chatQueue),
	}
}

// Start makes the manager live. Queues are created lazily per JID.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Shutdown closes every live agent gracefully and stops the workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	queues := make([]*chatQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.closeAgent()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// EnqueueMessage routes one inbound turn. If an interactive agent is live
// for the chat, the turn is injected into its inbox; otherwise it queues for
// a fresh agent.
func (m *Manager) EnqueueMessage(chat store.RegisteredChat, msg Message) {
	q := m.queueFor(chat)
	if q.tryInject(msg) {
		return
	}
	q.push(item{kind: kindMessage, msg: msg})
}

// EnqueueTask queues one scheduled run behind whatever is in flight.
func (m *Manager) EnqueueTask(chat store.RegisteredChat, spec TaskSpec) {
	q := m.queueFor(chat)
	q.push(item{kind: kindTask, task: spec})
}

// AgentLive reports whether an agent is currently running for the chat.
func (m *Manager) AgentLive(jid string) bool {
	q := m.lookup(jid)
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.agent != nil
}

// CloseStdin closes the live agent's stdin for the chat, if any.
func (m *Manager) CloseStdin(jid string) {
	if q := m.lookup(jid); q != nil {
		q.mu.Lock()
		agent := q.agent
		q.mu.Unlock()
		if agent != nil {
			agent.CloseStdin()
		}
	}
}

// Kill terminates the chat's agent immediately and drops queued items.
func (m *Manager) Kill(jid string) {
	q := m.lookup(jid)
	if q == nil {
		return
	}
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	agent := q.agent
	q.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("dropping queued items", "jid", jid, "count", dropped, "error", ErrQueueClosed)
	}
	if agent != nil {
		if err := agent.Kill(); err != nil {
			m.logger.Warn("kill agent failed", "jid", jid, "error", err)
		}
	}
}

func (m *Manager) lookup(jid string) *chatQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[jid]
}

func (m *Manager) queueFor(chat store.RegisteredChat) *chatQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[chat.JID]; ok {
		return q
	}
	q := &chatQueue{
		m:      m,
		jid:    chat.JID,
		folder: chat.Folder,
		isMain: chat.Folder == m.cfg.MainFolder,
		wake:   make(chan struct{}, 1),
		touch:  make(chan struct{}, 1),
		logger: m.logger.With("jid", chat.JID, "folder", chat.Folder),
	}
	m.queues[chat.JID] = q
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		q.loop(m.ctx)
	}()
	return q
}

// chatQueue is the per-JID worker state.
type chatQueue struct {
	m      *Manager
	jid    string
	folder string
	isMain bool
	logger *slog.Logger
	wake   chan struct{}
	touch  chan struct{} // activity signal resetting the idle timer

	mu        sync.Mutex
	pending   []item
	agent     *runner.Agent
	agentKind string // "" when no agent is live
}

func (q *chatQueue) push(it item) {
	q.mu.Lock()
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tryInject writes the message into a live interactive agent's inbox.
// Scheduled agents are exclusive; messages arriving during a task run queue
// up behind it.
func (q *chatQueue) tryInject(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.agent == nil || q.agentKind != kindMessage {
		return false
	}
	select {
	case <-q.agent.Done():
		// Exited but not yet cleared by the worker. A record written now
		// would sit unread in the inbox until the next spawn for this
		// folder; queue the turn so it starts that spawn instead. The
		// narrower race, an agent consuming the close sentinel right after
		// this check, only delays the turn the same way, it is never lost.
		return false
	default:
	}
	rec := ipc.Message{
		Type:        ipc.TypeMessage,
		ChatJID:     q.jid,
		Text:        msg.Text,
		Sender:      msg.Sender,
		GroupFolder: q.folder,
		Timestamp:   time.Now(),
	}
	if err := q.agent.Inbox.Write(rec); err != nil {
		q.logger.Warn("inject into live agent failed, queueing instead", "error", err)
		return false
	}
	q.touchIdle()
	return true
}

func (q *chatQueue) touchIdle() {
	select {
	case q.touch <- struct{}{}:
	default:
	}
}

func (q *chatQueue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return item{}, false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	return it, true
}

func (q *chatQueue) loop(ctx context.Context) {
	for {
		it, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		switch it.kind {
		case kindMessage:
			q.runInteractive(ctx, it.msg)
		case kindTask:
			q.runTask(ctx, it.task)
		}
	}
}

// runInteractive spawns an agent for the first queued turn and supervises it
// until it exits or idles out. Turns arriving meanwhile are injected by the
// producer side, so the worker only ever starts one agent at a time.
func (q *chatQueue) runInteractive(ctx context.Context, msg Message) {
	sessionID, err := q.m.store.GetSession(ctx, q.folder)
	if err != nil {
		q.logger.Warn("load session failed, starting fresh", "error", err)
	}
	input := runner.Input{
		Prompt:      msg.Text,
		SessionID:   sessionID,
		GroupFolder: q.folder,
		ChatJID:     q.jid,
		IsMain:      q.isMain,
	}
	idle := time.Duration(q.m.cfg.Agent.IdleTimeoutSeconds) * time.Second

	q.runAgent(ctx, kindMessage, input, idle, q.streamToChannel(ctx), nil)
}

func (q *chatQueue) runTask(ctx context.Context, spec TaskSpec) {
	onOutput := spec.OnOutput
	if onOutput == nil {
		onOutput = q.streamToChannel(ctx)
	}
	idle := spec.IdleTimeout
	if idle <= 0 {
		idle = time.Duration(q.m.cfg.Scheduler.TaskIdleTimeoutSeconds) * time.Second
	}
	q.runAgent(ctx, kindTask, spec.Input, idle, onOutput, spec.Done)
}

// streamToChannel sends each successful frame to the chat and persists the
// session id it reports.
func (q *chatQueue) streamToChannel(ctx context.Context) runner.StreamFunc {
	return func(out runner.Output) {
		if out.NewSessionID != "" {
			if err := q.m.store.SetSession(ctx, q.folder, out.NewSessionID); err != nil {
				q.logger.Warn("persist session failed", "error", err)
			}
		}
		if out.Status == "success" && out.Result != "" && q.m.send != nil {
			if err := q.m.send.Send(ctx, q.jid, out.Result); err != nil {
				q.logger.Warn("send outbound failed", "error", err)
			}
		}
	}
}

func (q *chatQueue) runAgent(ctx context.Context, kind string, input runner.Input, idle time.Duration, onOutput runner.StreamFunc, done func(runner.RunResult, error)) {
	dir := filepath.Join(q.m.cfg.GroupsDir, q.folder)

	// Every streamed frame counts as activity.
	wrapped := func(out runner.Output) {
		q.touchIdle()
		if onOutput != nil {
			onOutput(out)
		}
	}

	started := time.Now()
	agent, err := q.m.runner.Start(ctx, q.jid, q.folder, dir, input, wrapped)
	if err != nil {
		q.logger.Error("agent start failed", "error", err)
		if done != nil {
			done(runner.RunResult{}, fmt.Errorf("agent start: %w", err))
		}
		return
	}

	q.mu.Lock()
	q.agent = agent
	q.agentKind = kind
	q.mu.Unlock()

	// Drop any stale activity signal from a previous run.
	select {
	case <-q.touch:
	default:
	}

	if q.m.bus != nil {
		q.m.bus.Emit(ctx, bus.EventContainerStart, bus.ContainerEvent{JID: q.jid, Folder: q.folder})
	}

	// Pump the agent's outbox while it runs.
	outboxCtx, stopOutbox := context.WithCancel(ctx)
	var outboxWG sync.WaitGroup
	if q.m.outbox != nil {
		outboxWG.Add(1)
		go func() {
			defer outboxWG.Done()
			q.pumpOutbox(outboxCtx, agent)
		}()
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

supervise:
	for {
		select {
		case <-agent.Done():
			break supervise
		case <-q.touch:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			q.logger.Info("agent idle, closing", "idle", idle)
			if err := agent.Close(); err != nil {
				q.logger.Warn("agent close failed", "error", err)
			}
			break supervise
		case <-ctx.Done():
			_ = agent.Close()
			break supervise
		}
	}

	res, waitErr := agent.Wait(context.Background())

	// One final drain so records written just before exit are not lost.
	stopOutbox()
	outboxWG.Wait()
	if q.m.outbox != nil {
		q.drainOutbox(ctx, agent)
	}

	q.mu.Lock()
	q.agent = nil
	q.agentKind = ""
	q.mu.Unlock()

	if q.m.bus != nil {
		q.m.bus.Emit(ctx, bus.EventContainerStop, bus.ContainerEvent{
			JID: q.jid, Folder: q.folder, Duration: time.Since(started),
		})
	}
	if waitErr != nil {
		q.logger.Warn("agent exited with error", "error", waitErr)
	}
	if done != nil {
		done(res, waitErr)
	}
}

func (q *chatQueue) pumpOutbox(ctx context.Context, agent *runner.Agent) {
	ticker := time.NewTicker(ipc.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOutbox(ctx, agent)
		}
	}
}

func (q *chatQueue) drainOutbox(ctx context.Context, agent *runner.Agent) {
	records, err := agent.Outbox.Drain()
	if err != nil {
		q.logger.Warn("outbox drain failed", "error", err)
		return
	}
	for _, rec := range records {
		q.touchIdle()
		q.m.outbox(ctx, q.folder, q.jid, rec)
	}
}

// closeAgent gracefully shuts the live agent, if any. Used at shutdown.
func (q *chatQueue) closeAgent() {
	q.mu.Lock()
	agent := q.agent
	q.mu.Unlock()
	if agent != nil {
		if err := agent.Close(); err != nil {
			q.logger.Warn("shutdown close failed", "error", err)
		}
	}
}
