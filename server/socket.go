package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/djeidy/codex-sub000/agentloop"
	"github.com/djeidy/codex-sub000/llmclient"
	"github.com/djeidy/codex-sub000/sessionstore"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxInboundBytes = 1 << 20
	outboundBuffer  = 256
	titleTimeout    = 15 * time.Second
)

// The daemon serves local clients; origin checks add nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// inboundFrame is a client-to-server websocket message.
type inboundFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Allow bool   `json:"allow,omitempty"`
}

// outboundFrame is a server-to-client websocket message. Type mirrors the
// loop's event kinds, plus "session" on attach and "title" when the
// session gets its generated title.
type outboundFrame struct {
	Type         string                  `json:"type"`
	SessionID    string                  `json:"session_id,omitempty"`
	Title        string                  `json:"title,omitempty"`
	Model        string                  `json:"model,omitempty"`
	Item         *llmclient.Item         `json:"item,omitempty"`
	Loading      *bool                   `json:"loading,omitempty"`
	ResponseID   string                  `json:"response_id,omitempty"`
	Confirmation *agentloop.Confirmation `json:"confirmation,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ToolName     string                  `json:"tool_name,omitempty"`
	ToolArgs     string                  `json:"tool_args,omitempty"`
	ToolResult   string                  `json:"tool_result,omitempty"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	k := s.newSocket(conn, sess)
	k.log.Info("session attached")
	k.run(sess.Title)
	k.log.Info("session detached")
}

// socket is one websocket connection bound to one session and one agent
// loop. The write pump is the only goroutine that touches the connection's
// write side.
type socket struct {
	srv       *Server
	log       *slog.Logger
	conn      *websocket.Conn
	sessionID string
	model     string

	loop   *agentloop.Loop
	bridge *agentloop.Bridge

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan outboundFrame

	mu         sync.Mutex
	confirms   map[string]*agentloop.Confirmation
	turnItems  []llmclient.Item
	turnActive bool
	titled     bool
}

func (s *Server) newSocket(conn *websocket.Conn, sess *sessionstore.Session) *socket {
	model := sess.Model
	if model == "" {
		model = s.cfg.Model
	}

	cfg := agentloop.DefaultConfig(model)
	cfg.Instructions = s.instructions
	cfg.DisableResponseStorage = s.cfg.DisableStorage

	bridge := agentloop.NewBridge()
	loop := agentloop.New(s.client, s.tools, bridge, cfg)
	loop.SetLastResponseID(sess.LastResponseID)

	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		srv:       s,
		log:       s.log.With("session_id", sess.ID),
		conn:      conn,
		sessionID: sess.ID,
		model:     model,
		loop:      loop,
		bridge:    bridge,
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(chan outboundFrame, outboundBuffer),
		confirms:  make(map[string]*agentloop.Confirmation),
		titled:    sess.Title != "" && sess.Title != "New session",
	}
}

// run blocks until the connection dies, then tears the loop down.
func (k *socket) run(title string) {
	events, unsubscribe := k.bridge.Subscribe()
	defer k.teardown(unsubscribe)

	go k.writePump()
	go k.eventPump(events)

	k.send(outboundFrame{Type: "session", SessionID: k.sessionID, Title: title, Model: k.model})
	k.readPump()
}

func (k *socket) teardown(unsubscribe func()) {
	k.cancel()
	k.loop.Terminate()
	k.bridge.Close()
	unsubscribe()
	_ = k.conn.Close()
}

func (k *socket) readPump() {
	k.conn.SetReadLimit(maxInboundBytes)
	_ = k.conn.SetReadDeadline(time.Now().Add(pongWait))
	k.conn.SetPongHandler(func(string) error {
		return k.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := k.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				k.log.Debug("websocket read ended", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			k.send(outboundFrame{Type: "error", Error: "malformed message: " + err.Error()})
			continue
		}

		switch frame.Type {
		case "user_message":
			k.handleUserMessage(frame.Text)
		case "cancel":
			k.loop.Cancel()
		case "confirm":
			k.resolveConfirm(frame.ID, frame.Allow)
		default:
			k.send(outboundFrame{Type: "error", Error: "unknown message type " + strconv.Quote(frame.Type)})
		}
	}
}

func (k *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-k.outbound:
			_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteJSON(frame); err != nil {
				k.cancel()
				return
			}
		case <-ticker.C:
			_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				k.cancel()
				return
			}
		case <-k.ctx.Done():
			_ = k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = k.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// eventPump forwards loop events to the client and handles their side
// effects: confirmation registration and end-of-turn persistence.
func (k *socket) eventPump(events <-chan agentloop.Event) {
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventConfirmRequest:
			if ev.Confirmation != nil {
				k.mu.Lock()
				k.confirms[ev.Confirmation.ID] = ev.Confirmation
				k.mu.Unlock()
			}
		case agentloop.EventItem:
			if ev.Item != nil {
				k.mu.Lock()
				k.turnItems = append(k.turnItems, *ev.Item)
				k.mu.Unlock()
			}
		case agentloop.EventTurnComplete, agentloop.EventTurnCanceled, agentloop.EventError:
			k.persistTurn()
		}
		k.send(eventFrame(ev))
	}
}

func eventFrame(ev agentloop.Event) outboundFrame {
	frame := outboundFrame{Type: string(ev.Kind)}
	switch ev.Kind {
	case agentloop.EventItem:
		frame.Item = ev.Item
	case agentloop.EventLoading:
		loading := ev.Loading
		frame.Loading = &loading
	case agentloop.EventResponseID:
		frame.ResponseID = ev.ResponseID
	case agentloop.EventConfirmRequest:
		frame.Confirmation = ev.Confirmation
	case agentloop.EventError:
		frame.Error = ev.ErrorText
	case agentloop.EventToolCallStart:
		frame.ToolName = ev.ToolName
		frame.ToolArgs = ev.ToolArgs
	case agentloop.EventToolCallEnd:
		frame.ToolName = ev.ToolName
		frame.ToolResult = ev.ToolResult
	}
	return frame
}

func (k *socket) send(frame outboundFrame) {
	select {
	case k.outbound <- frame:
	case <-k.ctx.Done():
	}
}

func (k *socket) handleUserMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		k.send(outboundFrame{Type: "error", Error: "empty message"})
		return
	}

	k.mu.Lock()
	if k.turnActive {
		k.mu.Unlock()
		k.send(outboundFrame{Type: "error", Error: "a turn is already running"})
		return
	}
	k.turnActive = true
	k.turnItems = append(k.turnItems, llmclient.Item{
		ID:   uuid.New().String(),
		Type: llmclient.ItemTypeMessage,
		Role: llmclient.RoleUser,
		Text: text,
	})
	needsTitle := !k.titled
	k.titled = true
	k.mu.Unlock()

	if needsTitle {
		go k.autoTitle(text)
	}
	go k.runTurn(text)
}

func (k *socket) runTurn(text string) {
	err := k.loop.Run(k.ctx, []llmclient.InputItem{llmclient.UserMessage(text)})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, agentloop.ErrTerminated) {
		k.log.Error("turn failed", "error", err)
	}
	k.mu.Lock()
	k.turnActive = false
	k.mu.Unlock()
}

// persistTurn flushes the user message and everything the model produced
// this turn into the session file, together with the resume pointer.
func (k *socket) persistTurn() {
	k.mu.Lock()
	items := k.turnItems
	k.turnItems = nil
	k.mu.Unlock()

	respID := k.loop.LastResponseID()
	if len(items) == 0 && respID == "" {
		return
	}
	_, err := k.srv.store.Update(k.sessionID, func(sess *sessionstore.Session) error {
		sess.Items = append(sess.Items, items...)
		sess.LastResponseID = respID
		return nil
	})
	if err != nil {
		k.log.Error("persist session", "error", err)
	}
}

func (k *socket) resolveConfirm(id string, allow bool) {
	k.mu.Lock()
	c := k.confirms[id]
	delete(k.confirms, id)
	k.mu.Unlock()
	if c == nil {
		k.log.Debug("confirm for unknown id", "id", id)
		return
	}
	c.Resolve(allow)
}

// autoTitle asks the model for a short session title based on the first
// user message. Best effort; failures leave the placeholder title.
func (k *socket) autoTitle(text string) {
	ctx, cancel := context.WithTimeout(k.ctx, titleTimeout)
	defer cancel()

	title, err := k.srv.client.Complete(ctx, k.model, titlePrompt(text))
	if err != nil {
		k.log.Debug("auto-title failed", "error", err)
		return
	}
	title = sanitizeTitle(title)
	if title == "" {
		return
	}
	if _, err := k.srv.store.Update(k.sessionID, func(sess *sessionstore.Session) error {
		sess.Title = title
		return nil
	}); err != nil {
		k.log.Error("save title", "error", err)
		return
	}
	k.send(outboundFrame{Type: "title", SessionID: k.sessionID, Title: title})
}

func titlePrompt(text string) string {
	const maxExcerpt = 300
	if len(text) > maxExcerpt {
		text = text[:maxExcerpt]
	}
	return "Write a title of at most six words for a troubleshooting session that starts with the message below. Reply with the title only, no quotes.\n\n" + text
}

func sanitizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if len(title) > 80 {
		title = title[:80]
	}
	return strings.TrimSpace(title)
}
