package channels

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/nanoclaw/internal/bus"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/store"
)

type fakeChannel struct {
	name   string
	prefix string
	main   map[string]bool

	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string                     { return f.name }
func (f *fakeChannel) Connect(context.Context) error    { return nil }
func (f *fakeChannel) Disconnect() error                { return nil }
func (f *fakeChannel) OwnsJID(jid string) bool          { return len(jid) >= len(f.prefix) && jid[:len(f.prefix)] == f.prefix }
func (f *fakeChannel) IsMainChannel(jid string) bool    { return f.main[jid] }
func (f *fakeChannel) SendMessage(_ context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+"|"+text)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Message
	chats    []store.RegisteredChat
	live     map[string]bool
}

func (f *fakeQueue) EnqueueMessage(chat store.RegisteredChat, msg queue.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, msg)
	f.chats = append(f.chats, chat)
}

func (f *fakeQueue) AgentLive(jid string) bool { return f.live[jid] }

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *fakeQueue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := &fakeQueue{live: make(map[string]bool)}
	cfg := config.Config{MainFolder: "main"}
	return NewRouter(st, q, cfg, nil, nil), st, q
}

func inbound(jid, sender, content string) InboundMessage {
	return InboundMessage{
		ID:         "m1",
		JID:        jid,
		SenderID:   sender,
		SenderName: sender,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func TestInboundDropsSelfAndBot(t *testing.T) {
	r, st, q := newTestRouter(t)
	ctx := context.Background()
	if err := st.UpsertChat(ctx, store.RegisteredChat{JID: "fake:1", Folder: "one"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msg := inbound("fake:1", "alice", "hello")
	msg.IsFromSelf = true
	r.HandleInbound(ctx, msg)

	msg = inbound("fake:1", "botty", "hello")
	msg.IsBot = true
	r.HandleInbound(ctx, msg)

	if got := q.count(); got != 0 {
		t.Fatalf("enqueued = %d, want 0", got)
	}
}

func TestInboundUnregisteredDropped(t *testing.T) {
	r, _, q := newTestRouter(t)
	r.Register(&fakeChannel{name: "fake", prefix: "fake:"})

	r.HandleInbound(context.Background(), inbound("fake:unknown", "alice", "hello"))
	if got := q.count(); got != 0 {
		t.Fatalf("enqueued = %d, want 0", got)
	}
}

func TestInboundMainChatAutoRegisters(t *testing.T) {
	r, st, q := newTestRouter(t)
	r.Register(&fakeChannel{name: "fake", prefix: "fake:", main: map[string]bool{"fake:owner": true}})
	ctx := context.Background()

	r.HandleInbound(ctx, inbound("fake:owner", "alice", "hello"))

	chat, err := st.GetChatByJID(ctx, "fake:owner")
	if err != nil {
		t.Fatalf("owner chat not registered: %v", err)
	}
	if chat.Folder != "main" {
		t.Fatalf("folder = %q, want %q", chat.Folder, "main")
	}
	if got := q.count(); got != 1 {
		t.Fatalf("enqueued = %d, want 1", got)
	}
}

func TestInboundMainFolderConflictNotRegistered(t *testing.T) {
	r, st, q := newTestRouter(t)
	r.Register(&fakeChannel{name: "fake", prefix: "fake:", main: map[string]bool{"fake:owner": true}})
	ctx := context.Background()
	if err := st.UpsertChat(ctx, store.RegisteredChat{JID: "other:1", Folder: "main"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r.HandleInbound(ctx, inbound("fake:owner", "alice", "hello"))

	if _, err := st.GetChatByJID(ctx, "fake:owner"); err == nil {
		t.Fatal("owner chat registered despite folder conflict")
	}
	if got := q.count(); got != 0 {
		t.Fatalf("enqueued = %d, want 0", got)
	}
}

func TestTriggerGating(t *testing.T) {
	r, st, q := newTestRouter(t)
	ctx := context.Background()
	chat := store.RegisteredChat{
		JID: "fake:group", Folder: "group",
		TriggerPattern: "@nano", RequiresTrigger: true,
	}
	if err := st.UpsertChat(ctx, chat); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r.HandleInbound(ctx, inbound("fake:group", "alice", "just chatting"))
	if got := q.count(); got != 0 {
		t.Fatalf("untriggered message enqueued = %d, want 0", got)
	}

	r.HandleInbound(ctx, inbound("fake:group", "alice", "hey @Nano do this"))
	if got := q.count(); got != 1 {
		t.Fatalf("triggered message enqueued = %d, want 1", got)
	}
}

func TestTriggerBypassedWhileAgentLive(t *testing.T) {
	r, st, q := newTestRouter(t)
	ctx := context.Background()
	chat := store.RegisteredChat{
		JID: "fake:group", Folder: "group",
		TriggerPattern: "@nano", RequiresTrigger: true,
	}
	if err := st.UpsertChat(ctx, chat); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	q.live["fake:group"] = true

	r.HandleInbound(ctx, inbound("fake:group", "alice", "actually, stop"))
	if got := q.count(); got != 1 {
		t.Fatalf("enqueued = %d, want 1", got)
	}
	if q.enqueued[0].Text != "actually, stop" {
		t.Fatalf("text = %q, want %q", q.enqueued[0].Text, "actually, stop")
	}
}

func TestInboundEventCarriesChatFolder(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	var mu sync.Mutex
	var events []bus.MessageEvent
	b.On(bus.EventMessageInbound, func(_ context.Context, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		if ev, ok := payload.(bus.MessageEvent); ok {
			events = append(events, ev)
		}
		return nil
	})

	q := &fakeQueue{live: make(map[string]bool)}
	r := NewRouter(st, q, config.Config{MainFolder: "main"}, b, nil)
	ctx := context.Background()
	if err := st.UpsertChat(ctx, store.RegisteredChat{JID: "fake:1", Folder: "family"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r.HandleInbound(ctx, inbound("fake:1", "alice", "hello"))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].JID != "fake:1" || events[0].Folder != "family" || events[0].Sender != "alice" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestSendRoutesByPrefix(t *testing.T) {
	r, _, _ := newTestRouter(t)
	a := &fakeChannel{name: "a", prefix: "a:"}
	b := &fakeChannel{name: "b", prefix: "b:"}
	r.Register(a)
	r.Register(b)
	ctx := context.Background()

	if err := r.Send(ctx, "b:42", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sent) != 0 {
		t.Fatalf("channel a got %d sends, want 0", len(a.sent))
	}
	if len(b.sent) != 1 || b.sent[0] != "b:42|hello" {
		t.Fatalf("channel b sent = %v, want [b:42|hello]", b.sent)
	}

	if err := r.Send(ctx, "c:1", "nope"); err == nil {
		t.Fatal("send to unowned jid succeeded, want error")
	}
}

func TestUpdateChatMetadata(t *testing.T) {
	r, st, _ := newTestRouter(t)
	ctx := context.Background()
	if err := st.UpsertChat(ctx, store.RegisteredChat{JID: "fake:1", Folder: "one", DisplayName: "old"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r.UpdateChatMetadata(ctx, "fake:1", "New Name", time.Now())

	chat, err := st.GetChatByJID(ctx, "fake:1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.DisplayName != "New Name" {
		t.Fatalf("displayName = %q, want %q", chat.DisplayName, "New Name")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   int
	}{
		{"short stays whole", "hello", 2000, 1},
		{"exact limit stays whole", string(make([]rune, 10)), 10, 1},
		{"long splits", "aaaaaaaaaa", 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.maxLen)
			if len(got) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(got), tt.want)
			}
			for _, c := range got {
				if len([]rune(c)) > tt.maxLen {
					t.Fatalf("chunk %q exceeds %d runes", c, tt.maxLen)
				}
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := "first line\nsecond line that is fairly long"
	got := splitMessage(text, 20)
	if got[0] != "first line" {
		t.Fatalf("first chunk = %q, want %q", got[0], "first line")
	}
}
