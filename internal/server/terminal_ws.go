package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/relay-agent/internal/shell"
)

// terminalWriteTimeout is the per-message write deadline for terminal clients.
const terminalWriteTimeout = 5 * time.Second

// wsMessage is the envelope of every terminal WebSocket message.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsOutputData struct {
	Data string `json:"data"`
}

// TerminalBroadcaster fans a task's terminal output out to WebSocket
// clients. It keeps the most recent output so late joiners can catch up.
// It is an io.Writer and safe for concurrent use.
type TerminalBroadcaster struct {
	// sendMu serializes writes to client connections and keeps catch-up
	// and live output in order.
	sendMu  sync.Mutex
	mu      sync.RWMutex
	catchup *shell.RingBuffer
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewTerminalBroadcaster creates a broadcaster keeping catchupBytes of output.
func NewTerminalBroadcaster(catchupBytes int) *TerminalBroadcaster {
	return &TerminalBroadcaster{
		catchup: shell.NewRingBuffer(catchupBytes),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Write records p and sends it to every connected client. It never fails;
// clients that cannot keep up are dropped.
func (b *TerminalBroadcaster) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := outputMessage(p)
	if err != nil {
		return len(p), nil
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	_, _ = b.catchup.Write(p)
	for _, conn := range b.snapshot() {
		b.send(conn, data)
	}
	return len(p), nil
}

// AddClient registers conn and sends it the buffered output. A client that
// joins after Close only receives the catch-up and the closed event.
func (b *TerminalBroadcaster) AddClient(conn *websocket.Conn) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if buffered := b.catchup.Bytes(); len(buffered) > 0 {
		data, err := outputMessage(buffered)
		if err == nil && !b.send(conn, data) {
			return
		}
	}

	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.clients[conn] = struct{}{}
	}
	b.mu.Unlock()

	if closed {
		b.send(conn, closedMessage)
	}
}

// RemoveClient unregisters a connection.
func (b *TerminalBroadcaster) RemoveClient(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
}

// Pong answers a client ping.
func (b *TerminalBroadcaster) Pong(conn *websocket.Conn) {
	data, _ := json.Marshal(wsMessage{Type: "pong"})
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.send(conn, data)
}

// Close tells every client the task has ended and forgets them. Their read
// loops end when the clients hang up.
func (b *TerminalBroadcaster) Close() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	for _, conn := range clients {
		b.send(conn, closedMessage)
	}
}

func (b *TerminalBroadcaster) snapshot() []*websocket.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

// send writes one message. The caller holds sendMu. A failed write drops
// and closes the client.
func (b *TerminalBroadcaster) send(conn *websocket.Conn, data []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(terminalWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("Terminal client write failed, removing client", "error", err)
		b.RemoveClient(conn)
		_ = conn.Close()
		return false
	}
	return true
}

var closedMessage, _ = json.Marshal(wsMessage{Type: "closed"})

func outputMessage(p []byte) ([]byte, error) {
	payload, err := json.Marshal(wsOutputData{Data: string(p)})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsMessage{Type: "output", Data: payload})
}

func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely a non-browser client
				return true
			}
			if isOriginAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// isOriginAllowed checks origin against the allowed list. Patterns like
// "https://*.example.com" match any subdomain.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// handleTerminalWS streams a task's terminal output. The client receives
// the buffered output first, then live deltas, and a "closed" event when
// the task ends.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	broadcaster := s.terminals.Get(taskID)
	if broadcaster == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Terminal WebSocket upgrade failed", "taskId", taskID, "error", err)
		return
	}
	defer func() {
		broadcaster.RemoveClient(conn)
		_ = conn.Close()
	}()

	slog.Info("Terminal client connected", "taskId", taskID)
	broadcaster.AddClient(conn)

	// Read until the client hangs up. Only pings are meaningful.
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			broadcaster.Pong(conn)
		}
	}
	slog.Info("Terminal client disconnected", "taskId", taskID)
}

// lateWriter forwards to a broadcaster attached after the writer was handed
// out. Writes before that are dropped.
type lateWriter struct {
	target atomic.Pointer[TerminalBroadcaster]
}

func (l *lateWriter) set(b *TerminalBroadcaster) {
	l.target.Store(b)
}

func (l *lateWriter) Write(p []byte) (int, error) {
	if b := l.target.Load(); b != nil {
		return b.Write(p)
	}
	return len(p), nil
}

// terminalRegistry holds the broadcaster of every running task.
type terminalRegistry struct {
	mu           sync.Mutex
	catchupBytes int
	byTask       map[string]*TerminalBroadcaster
}

func newTerminalRegistry(catchupBytes int) *terminalRegistry {
	return &terminalRegistry{
		catchupBytes: catchupBytes,
		byTask:       make(map[string]*TerminalBroadcaster),
	}
}

// Create returns a fresh broadcaster for taskID, closing any previous one.
func (t *terminalRegistry) Create(taskID string) *TerminalBroadcaster {
	b := NewTerminalBroadcaster(t.catchupBytes)
	t.mu.Lock()
	prev := t.byTask[taskID]
	t.byTask[taskID] = b
	t.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return b
}

func (t *terminalRegistry) Get(taskID string) *TerminalBroadcaster {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byTask[taskID]
}

// Remove closes and forgets the broadcaster of taskID.
func (t *terminalRegistry) Remove(taskID string) {
	t.mu.Lock()
	b := t.byTask[taskID]
	delete(t.byTask, taskID)
	t.mu.Unlock()
	if b != nil {
		b.Close()
	}
}

// Retain removes every broadcaster whose task is not reported live.
func (t *terminalRegistry) Retain(live func(taskID string) bool) int {
	t.mu.Lock()
	var stale []*TerminalBroadcaster
	for id, b := range t.byTask {
		if !live(id) {
			stale = append(stale, b)
			delete(t.byTask, id)
		}
	}
	t.mu.Unlock()
	for _, b := range stale {
		b.Close()
	}
	return len(stale)
}

// CloseAll closes every broadcaster.
func (t *terminalRegistry) CloseAll() {
	t.Retain(func(string) bool { return false })
}
