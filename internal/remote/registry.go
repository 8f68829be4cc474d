package remote

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds a single dial attempt.
const DefaultConnectTimeout = 10 * time.Second

// Connection is a managed transport to one workspace.
type Connection struct {
	WorkspaceID string

	client    Client
	config    TransportConfig
	connected atomic.Bool
	lastUsed  atomic.Int64
	// pins counts holders such as persistent shells that need the transport
	// to outlive idle and LRU eviction.
	pins atomic.Int32
}

// Client returns the underlying transport.
func (c *Connection) Client() Client {
	return c.client
}

// Config returns the transport config the connection was dialed with.
func (c *Connection) Config() TransportConfig {
	return c.config
}

// Connected reports the registry's view of the transport. It is not a
// liveness probe.
func (c *Connection) Connected() bool {
	return c.connected.Load()
}

// LastUsed returns the last time the connection was handed out.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// IdleTime returns how long the connection has gone unused.
func (c *Connection) IdleTime() time.Duration {
	return time.Since(c.LastUsed())
}

// Touch records use of the connection for idle eviction.
func (c *Connection) Touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// Pin keeps the connection out of idle and LRU eviction until the returned
// release func is called. Release is safe to call more than once. A pinned
// connection still closes on Disconnect or when the transport drops.
func (c *Connection) Pin() (release func()) {
	c.pins.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.pins.Add(-1) })
	}
}

// Pinned reports whether any holder has pinned the connection.
func (c *Connection) Pinned() bool {
	return c.pins.Load() > 0
}

type channelResult struct {
	ch  Channel
	err error
}

// NewChannel opens a session channel on the transport. A stalled transport
// does not hold the caller past ctx; a channel that opens after ctx ended is
// closed.
func (c *Connection) NewChannel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan channelResult, 1)
	go func() {
		ch, err := c.client.NewChannel()
		done <- channelResult{ch, err}
	}()

	select {
	case res := <-done:
		return res.ch, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.ch != nil {
				_ = res.ch.Close()
			}
		}()
		slog.Warn("Gave up opening SSH channel", "workspaceId", c.WorkspaceID, "error", ctx.Err())
		return nil, ctx.Err()
	}
}

// RegistryConfig holds configuration for a Registry.
type RegistryConfig struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	// MaxConnections caps live connections; the least recently used one is
	// closed when a new dial would exceed it. Zero means unlimited.
	MaxConnections int
}

// Registry owns at most one live connection per workspace ID.
type Registry struct {
	dialer         Dialer
	connectTimeout time.Duration
	maxConnections int

	mu          sync.Mutex
	connections map[string]*Connection
	dials       singleflight.Group
}

// NewRegistry creates a registry. A nil Dialer defaults to SSHDialer.
func NewRegistry(cfg RegistryConfig) *Registry {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = SSHDialer{}
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Registry{
		dialer:         dialer,
		connectTimeout: timeout,
		maxConnections: cfg.MaxConnections,
		connections:    make(map[string]*Connection),
	}
}

// Get returns the connected entry for workspaceID, or dials a new one.
// An existing connected entry is returned without probing it. A miss makes
// exactly one dial attempt; concurrent misses for the same workspace share it.
func (r *Registry) Get(ctx context.Context, workspaceID string, cfg TransportConfig) (*Connection, error) {
	if conn := r.lookup(workspaceID); conn != nil {
		conn.Touch()
		return conn, nil
	}

	ch := r.dials.DoChan(workspaceID, func() (interface{}, error) {
		// Another caller may have finished dialing between lookup and DoChan.
		if conn := r.lookup(workspaceID); conn != nil {
			return conn, nil
		}
		return r.dial(ctx, workspaceID, cfg)
	})

	select {
	case <-ctx.Done():
		return nil, &ConnectionError{WorkspaceID: workspaceID, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		conn := res.Val.(*Connection)
		conn.Touch()
		return conn, nil
	}
}

func (r *Registry) lookup(workspaceID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[workspaceID]
	if !ok || !conn.Connected() {
		return nil
	}
	return conn
}

// Connected reports whether a live connection to workspaceID is registered.
func (r *Registry) Connected(workspaceID string) bool {
	return r.lookup(workspaceID) != nil
}

func (r *Registry) dial(ctx context.Context, workspaceID string, cfg TransportConfig) (*Connection, error) {
	// The dial is shared with other waiters, so it must not die with the
	// first caller's context.
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.connectTimeout)
	defer cancel()

	client, err := r.dialer.Dial(dialCtx, cfg)
	if err != nil {
		slog.Error("SSH connection failed", "workspaceId", workspaceID, "addr", cfg.Addr(), "error", err)
		return nil, &ConnectionError{WorkspaceID: workspaceID, Err: err}
	}

	conn := &Connection{
		WorkspaceID: workspaceID,
		client:      client,
		config:      cfg,
	}
	conn.connected.Store(true)
	conn.Touch()

	var evicted *Connection
	r.mu.Lock()
	if stale, ok := r.connections[workspaceID]; ok {
		delete(r.connections, workspaceID)
		evicted = stale
	} else if r.maxConnections > 0 && len(r.connections) >= r.maxConnections {
		// Pinned connections are skipped, so the cap is soft while every
		// entry is held.
		evicted = r.leastRecentlyUsedLocked()
		if evicted != nil {
			delete(r.connections, evicted.WorkspaceID)
		}
	}
	r.connections[workspaceID] = conn
	r.mu.Unlock()

	if evicted != nil {
		slog.Info("Closing replaced or evicted SSH connection", "workspaceId", evicted.WorkspaceID)
		evicted.connected.Store(false)
		_ = evicted.client.Close()
	}

	go r.watch(conn)

	slog.Info("SSH connected", "workspaceId", workspaceID, "host", cfg.Host, "port", cfg.Port)
	return conn, nil
}

// watch flips the connected flag when the transport closes and drops the
// entry if it is still registered.
func (r *Registry) watch(conn *Connection) {
	_ = conn.client.Wait()
	conn.connected.Store(false)

	r.mu.Lock()
	if current, ok := r.connections[conn.WorkspaceID]; ok && current == conn {
		delete(r.connections, conn.WorkspaceID)
	}
	r.mu.Unlock()

	slog.Info("SSH connection closed", "workspaceId", conn.WorkspaceID)
}

func (r *Registry) leastRecentlyUsedLocked() *Connection {
	var oldest *Connection
	for _, c := range r.connections {
		if c.Pinned() {
			continue
		}
		if oldest == nil || c.lastUsed.Load() < oldest.lastUsed.Load() {
			oldest = c
		}
	}
	return oldest
}

// Disconnect closes and removes the connection for workspaceID. It is a
// no-op if none exists.
func (r *Registry) Disconnect(workspaceID string) {
	r.mu.Lock()
	conn, ok := r.connections[workspaceID]
	delete(r.connections, workspaceID)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.connected.Store(false)
	if err := conn.client.Close(); err != nil {
		slog.Debug("Error closing SSH connection", "workspaceId", workspaceID, "error", err)
	}
}

// DisconnectAll closes every connection.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.connected.Store(false)
		_ = c.client.Close()
	}
}

// CloseIdle closes unpinned connections unused for longer than maxIdle and
// returns how many were closed.
func (r *Registry) CloseIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	var toClose []*Connection
	for id, c := range r.connections {
		if !c.Pinned() && c.IdleTime() > maxIdle {
			toClose = append(toClose, c)
			delete(r.connections, id)
		}
	}
	r.mu.Unlock()

	for _, c := range toClose {
		c.connected.Store(false)
		if err := c.client.Close(); err != nil {
			slog.Debug("Error closing idle SSH connection", "workspaceId", c.WorkspaceID, "error", err)
		}
	}
	return len(toClose)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
