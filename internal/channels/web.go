package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/nanoclaw/internal/config"
)

// WebJID is the single chat identity of the local dashboard.
const WebJID = "web:main"

// webFrame is the JSON shape exchanged with dashboard clients, both ways.
type webFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// Web serves a local websocket dashboard on one JID. Everything typed into
// a connected client is inbound for web:main; outbound text is broadcast to
// every connected client. The bind address should stay on loopback; an
// optional bearer token guards the upgrade.
type Web struct {
	cfg    config.WebConfig
	router *Router
	logger *slog.Logger

	server *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewWeb(cfg config.WebConfig, router *Router, logger *slog.Logger) *Web {
	if logger == nil {
		logger = slog.Default()
	}
	return &Web{
		cfg:    cfg,
		router: router,
		logger: logger.With("channel", "web"),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (w *Web) Name() string { return "web" }

func (w *Web) OwnsJID(jid string) bool { return strings.HasPrefix(jid, "web:") }

// IsMainChannel treats the dashboard as an owner surface: it is local and
// token-guarded, so web:main registers under the main folder when no other
// chat holds it.
func (w *Web) IsMainChannel(jid string) bool { return jid == WebJID }

func (w *Web) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)

	ln, err := net.Listen("tcp", w.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("web listen on %s: %w", w.cfg.BindAddr, err)
	}
	w.server = &http.Server{Handler: mux}
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("dashboard server stopped", "error", err)
		}
	}()
	w.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

func (w *Web) Disconnect() error {
	if w.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return w.server.Shutdown(ctx)
}

func (w *Web) authorize(r *http.Request) bool {
	if w.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix)) == w.cfg.AuthToken
}

func (w *Web) handleWS(rw http.ResponseWriter, r *http.Request) {
	if !w.authorize(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket accept failed", "error", err)
		return
	}

	w.mu.Lock()
	w.conns[conn] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.conns, conn)
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var frame webFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		if frame.Type != "message" || strings.TrimSpace(frame.Content) == "" {
			continue
		}
		sender := frame.Sender
		if sender == "" {
			sender = "web"
		}
		w.router.HandleInbound(ctx, InboundMessage{
			ID:         uuid.NewString(),
			JID:        WebJID,
			SenderID:   sender,
			SenderName: sender,
			Content:    frame.Content,
			Timestamp:  time.Now(),
		})
	}
}

// SendMessage broadcasts to every connected dashboard client. With no
// clients connected the text is dropped; the dashboard has no offline
// delivery.
func (w *Web) SendMessage(ctx context.Context, jid, text string) error {
	w.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	frame := webFrame{Type: "message", Content: text}
	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, c, frame)
		cancel()
		if err != nil {
			w.logger.Warn("dashboard write failed, dropping client", "error", err)
			w.mu.Lock()
			delete(w.conns, c)
			w.mu.Unlock()
			_ = c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
	return nil
}

var (
	_ Channel     = (*Web)(nil)
	_ MainChannel = (*Web)(nil)
)
