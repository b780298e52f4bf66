package queue

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/ipc"
	"github.com/basket/nanoclaw/internal/runner"
	"github.com/basket/nanoclaw/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, jid, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *recordingSender) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %v", n, r.snapshot())
	return nil
}

// warmAgentScript stands in for the agent binary: it answers the initial
// prompt, then answers every injected inbox message until the close sentinel
// arrives.
const warmAgentScript = `#!/bin/sh
read input
emit() {
  echo "---NANOCLAW_OUTPUT_START---"
  echo "{\"status\":\"success\",\"result\":\"$1\",\"newSessionId\":\"sess-live\"}"
  echo "---NANOCLAW_OUTPUT_END---"
}
emit "reply-initial"
i=0
while [ $i -lt 600 ]; do
  if [ -f "$NANOCLAW_IPC_INPUT/_close" ]; then
    rm -f "$NANOCLAW_IPC_INPUT/_close"
    exit 0
  fi
  for f in "$NANOCLAW_IPC_INPUT"/*.json; do
    [ -e "$f" ] || continue
    rm -f "$f"
    emit "reply-injected"
  done
  i=$((i+1))
  sleep 0.05
done
exit 1
`

// oneShotScript answers once and exits.
const oneShotScript = `#!/bin/sh
read input
echo "---NANOCLAW_OUTPUT_START---"
echo '{"status":"success","result":"one-shot"}'
echo "---NANOCLAW_OUTPUT_END---"
exit 0
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type env struct {
	m      *Manager
	bus    *bus.Bus
	sender *recordingSender
	store  *store.Store
	chat   store.RegisteredChat

	mu         sync.Mutex
	starts     int
	stops      int
	stopEvents []bus.ContainerEvent
	outbox     []ipc.Record
}

func newEnv(t *testing.T, script string, idleSeconds int) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{
		GroupsDir:  t.TempDir(),
		MainFolder: "main",
		Agent: config.AgentConfig{
			Mode:               "exec",
			Binary:             script,
			IdleTimeoutSeconds: idleSeconds,
			KillGraceSeconds:   2,
		},
		Scheduler: config.SchedulerConfig{TaskIdleTimeoutSeconds: idleSeconds},
	}

	e := &env{
		bus:    bus.New(),
		sender: &recordingSender{},
		store:  st,
		chat:   store.RegisteredChat{JID: "web:main", DisplayName: "Main", Folder: "main"},
	}
	e.bus.On(bus.EventContainerStart, func(context.Context, any) error {
		e.mu.Lock()
		e.starts++
		e.mu.Unlock()
		return nil
	})
	e.bus.On(bus.EventContainerStop, func(_ context.Context, payload any) error {
		e.mu.Lock()
		e.stops++
		if ev, ok := payload.(bus.ContainerEvent); ok {
			e.stopEvents = append(e.stopEvents, ev)
		}
		e.mu.Unlock()
		return nil
	})

	r := runner.New(cfg.Agent, nil)
	e.m = NewManager(r, st, cfg, e.sender, func(_ context.Context, _, _ string, rec ipc.Record) {
		e.mu.Lock()
		e.outbox = append(e.outbox, rec)
		e.mu.Unlock()
	}, e.bus, nil)
	e.m.Start(context.Background())
	t.Cleanup(e.m.Shutdown)
	return e
}

func (e *env) counts() (starts, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

func TestEnqueueMessage_InjectsIntoLiveAgent(t *testing.T) {
	e := newEnv(t, writeScript(t, warmAgentScript), 10)

	e.m.EnqueueMessage(e.chat, Message{Text: "hello", Sender: "u1"})
	e.sender.waitFor(t, 1)

	// Agent is warm now; the second turn must be injected, not respawned.
	e.m.EnqueueMessage(e.chat, Message{Text: "again", Sender: "u1"})
	got := e.sender.waitFor(t, 2)

	if got[0] != "reply-initial" || got[1] != "reply-injected" {
		t.Fatalf("replies = %v", got)
	}
	if starts, _ := e.counts(); starts != 1 {
		t.Fatalf("agent starts = %d, want 1 (at most one agent per chat)", starts)
	}
}

func TestIdleTimeout_ClosesAgentThenRespawns(t *testing.T) {
	e := newEnv(t, writeScript(t, warmAgentScript), 1)

	e.m.EnqueueMessage(e.chat, Message{Text: "hello", Sender: "u1"})
	e.sender.waitFor(t, 1)

	// Wait for the idle close.
	deadline := time.Now().Add(15 * time.Second)
	for {
		if _, stops := e.counts(); stops >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never idle-closed")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// A new turn gets a fresh agent.
	e.m.EnqueueMessage(e.chat, Message{Text: "back", Sender: "u1"})
	e.sender.waitFor(t, 2)
	if starts, _ := e.counts(); starts != 2 {
		t.Fatalf("agent starts = %d, want 2", starts)
	}
}

func TestSessionPersistedAcrossRuns(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
read input
echo "---NANOCLAW_OUTPUT_START---"
echo '{"status":"success","result":"ok","newSessionId":"sess-42"}'
echo "---NANOCLAW_OUTPUT_END---"
exit 0
`)
	e := newEnv(t, script, 10)

	e.m.EnqueueMessage(e.chat, Message{Text: "hi", Sender: "u1"})
	e.sender.waitFor(t, 1)

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := e.store.GetSession(context.Background(), "main")
		if err == nil && got == "sess-42" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session = %q, want sess-42", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEnqueueTask_RunsInOrderWithDoneCallback(t *testing.T) {
	e := newEnv(t, writeScript(t, oneShotScript), 10)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	for _, id := range []string{"t1", "t2"} {
		id := id
		e.m.EnqueueTask(e.chat, TaskSpec{
			TaskID: id,
			Input:  runner.Input{Prompt: "task", GroupFolder: "main", ChatJID: "web:main", IsScheduledTask: true},
			Done: func(res runner.RunResult, err error) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				if err != nil {
					t.Errorf("task %s: %v", id, err)
				}
				if res.FinalResult != "one-shot" {
					t.Errorf("task %s result = %q", id, res.FinalResult)
				}
				done <- struct{}{}
			},
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(20 * time.Second):
			t.Fatalf("task %d never finished", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "t1" || order[1] != "t2" {
		t.Fatalf("task order = %v, want [t1 t2]", order)
	}
}

func TestKill_DropsQueuedItems(t *testing.T) {
	e := newEnv(t, writeScript(t, warmAgentScript), 30)

	e.m.EnqueueMessage(e.chat, Message{Text: "hold the agent", Sender: "u1"})
	e.sender.waitFor(t, 1)

	// Queue a task behind the live interactive agent, then kill everything.
	taskRan := make(chan struct{})
	e.m.EnqueueTask(e.chat, TaskSpec{
		TaskID: "doomed",
		Input:  runner.Input{Prompt: "never", GroupFolder: "main", ChatJID: "web:main"},
		Done:   func(runner.RunResult, error) { close(taskRan) },
	})
	e.m.Kill("web:main")

	select {
	case <-taskRan:
		t.Fatalf("queued task ran despite Kill")
	case <-time.After(2 * time.Second):
	}
}

func TestInjectRefusedAfterAgentExit(t *testing.T) {
	// An agent can exit before the worker clears it from the queue state;
	// injecting then would strand the turn in a dead inbox.
	script := writeScript(t, oneShotScript)
	r := runner.New(config.AgentConfig{Mode: "exec", Binary: script, KillGraceSeconds: 1}, nil)
	agent, err := r.Start(context.Background(), "web:main", "main", t.TempDir(),
		runner.Input{Prompt: "x", GroupFolder: "main", ChatJID: "web:main"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := agent.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	q := &chatQueue{
		jid:    "web:main",
		folder: "main",
		agent:  agent,
		// still looks live to the producer side
		agentKind: kindMessage,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
		touch:     make(chan struct{}, 1),
	}
	if q.tryInject(Message{Text: "late", Sender: "u1"}) {
		t.Fatal("inject into exited agent succeeded")
	}
}

func TestContainerStopEventCarriesRunDuration(t *testing.T) {
	e := newEnv(t, writeScript(t, oneShotScript), 10)

	e.m.EnqueueMessage(e.chat, Message{Text: "hi", Sender: "u1"})
	e.sender.waitFor(t, 1)

	deadline := time.Now().Add(10 * time.Second)
	for {
		e.mu.Lock()
		events := append([]bus.ContainerEvent(nil), e.stopEvents...)
		e.mu.Unlock()
		if len(events) > 0 {
			if events[0].Duration <= 0 {
				t.Fatalf("stop event duration = %v, want > 0", events[0].Duration)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("container stop event never emitted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOutboxRecordsForwarded(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
read input
cat > "$NANOCLAW_IPC_OUTPUT/100-000001.json" <<'EOF'
{"type":"message","chatJid":"web:main","text":"from-agent","groupFolder":"main"}
EOF
echo "---NANOCLAW_OUTPUT_START---"
echo '{"status":"success","result":"sent"}'
echo "---NANOCLAW_OUTPUT_END---"
exit 0
`)
	e := newEnv(t, script, 10)
	e.m.EnqueueMessage(e.chat, Message{Text: "go", Sender: "u1"})
	e.sender.waitFor(t, 1)

	deadline := time.Now().Add(10 * time.Second)
	for {
		e.mu.Lock()
		n := len(e.outbox)
		var first ipc.Record
		if n > 0 {
			first = e.outbox[0]
		}
		e.mu.Unlock()
		if n > 0 {
			msg, ok := first.(ipc.Message)
			if !ok || msg.Text != "from-agent" {
				t.Fatalf("outbox record = %#v", first)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox record never forwarded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
