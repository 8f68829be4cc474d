package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClient is a transport that stays open until Close is called.
type fakeClient struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{closed: make(chan struct{})}
}

func (c *fakeClient) NewChannel() (Channel, error) {
	return nil, errors.New("fake client has no channels")
}

func (c *fakeClient) Wait() error {
	<-c.closed
	return nil
}

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// countingDialer hands out fake clients and records every dial.
type countingDialer struct {
	mu      sync.Mutex
	dials   int
	clients []*fakeClient
	err     error
}

func (d *countingDialer) Dial(_ context.Context, _ TransportConfig) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeClient()
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var testConfig = TransportConfig{Host: "10.0.0.2", Port: 2222, Username: "relay", PrivateKey: []byte("key")}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestGetReusesConnectedEntry(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer})
	defer r.DisconnectAll()

	first, err := r.Get(context.Background(), "vm-1", testConfig)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	second, err := r.Get(context.Background(), "vm-1", testConfig)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}

	if first != second {
		t.Fatal("expected the same connection instance for sequential Gets")
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", dialer.dialCount())
	}
	if !first.Connected() {
		t.Fatal("expected connection to be flagged connected")
	}
}

func TestGetRedialsAfterTransportClose(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer})
	defer r.DisconnectAll()

	first, err := r.Get(context.Background(), "vm-1", testConfig)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Simulate the remote end dropping the transport.
	_ = first.Client().Close()
	waitFor(t, func() bool { return !first.Connected() })

	second, err := r.Get(context.Background(), "vm-1", testConfig)
	if err != nil {
		t.Fatalf("Get after close: %v", err)
	}
	if second == first {
		t.Fatal("expected a new connection after the transport closed")
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", dialer.dialCount())
	}
}

func TestGetReturnsConnectionErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("handshake failed")
	dialer := &countingDialer{err: dialErr}
	r := NewRegistry(RegistryConfig{Dialer: dialer})

	_, err := r.Get(context.Background(), "vm-1", testConfig)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %T: %v", err, err)
	}
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
	if connErr.WorkspaceID != "vm-1" {
		t.Fatalf("expected workspace vm-1, got %s", connErr.WorkspaceID)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected exactly 1 dial attempt, got %d", dialer.dialCount())
	}
	if r.Count() != 0 {
		t.Fatalf("expected no registered connections, got %d", r.Count())
	}
}

func TestGetBoundsDialWithConnectTimeout(t *testing.T) {
	t.Parallel()

	dialer := DialerFunc(func(ctx context.Context, _ TransportConfig) (Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := NewRegistry(RegistryConfig{Dialer: dialer, ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Get(context.Background(), "vm-1", testConfig)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dial was not bounded by the connect timeout: %v", elapsed)
	}
}

func TestConcurrentGetsShareOneDial(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var dials atomic.Int32
	dialer := DialerFunc(func(_ context.Context, _ TransportConfig) (Client, error) {
		dials.Add(1)
		<-release
		return newFakeClient(), nil
	})
	r := NewRegistry(RegistryConfig{Dialer: dialer})
	defer r.DisconnectAll()

	const callers = 5
	results := make(chan *Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := r.Get(context.Background(), "vm-1", testConfig)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results <- conn
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var first *Connection
	for conn := range results {
		if first == nil {
			first = conn
		}
		if conn != first {
			t.Fatal("expected every caller to receive the same connection")
		}
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer})

	conn, err := r.Get(context.Background(), "vm-1", testConfig)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	r.Disconnect("vm-1")
	r.Disconnect("vm-1")
	r.Disconnect("never-connected")

	if conn.Connected() {
		t.Fatal("expected connection flagged disconnected")
	}
	if !dialer.clients[0].isClosed() {
		t.Fatal("expected underlying client to be closed")
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Count())
	}
}

func TestMaxConnectionsEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer, MaxConnections: 2})
	defer r.DisconnectAll()

	ctx := context.Background()
	a, _ := r.Get(ctx, "vm-a", testConfig)
	time.Sleep(2 * time.Millisecond)
	b, _ := r.Get(ctx, "vm-b", testConfig)
	time.Sleep(2 * time.Millisecond)
	if _, err := r.Get(ctx, "vm-a", testConfig); err != nil {
		t.Fatalf("touch vm-a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := r.Get(ctx, "vm-c", testConfig); err != nil {
		t.Fatalf("Get vm-c: %v", err)
	}

	if b.Connected() {
		t.Fatal("expected least recently used connection vm-b to be evicted")
	}
	if !a.Connected() {
		t.Fatal("expected recently used connection vm-a to survive")
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", r.Count())
	}
}

func TestCloseIdle(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer})
	defer r.DisconnectAll()

	ctx := context.Background()
	stale, _ := r.Get(ctx, "vm-stale", testConfig)
	time.Sleep(60 * time.Millisecond)
	fresh, _ := r.Get(ctx, "vm-fresh", testConfig)

	if closed := r.CloseIdle(50 * time.Millisecond); closed != 1 {
		t.Fatalf("expected 1 idle connection closed, got %d", closed)
	}
	if stale.Connected() {
		t.Fatal("expected stale connection to be closed")
	}
	if !fresh.Connected() {
		t.Fatal("expected fresh connection to remain")
	}
}

func TestPinnedConnectionSurvivesEviction(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer, MaxConnections: 1})
	defer r.DisconnectAll()

	ctx := context.Background()
	pinned, _ := r.Get(ctx, "vm-shell", testConfig)
	release := pinned.Pin()
	time.Sleep(60 * time.Millisecond)

	if closed := r.CloseIdle(50 * time.Millisecond); closed != 0 {
		t.Fatalf("expected pinned connection kept, %d closed", closed)
	}
	if _, err := r.Get(ctx, "vm-other", testConfig); err != nil {
		t.Fatalf("Get vm-other: %v", err)
	}
	if !pinned.Connected() {
		t.Fatal("expected pinned connection to survive LRU eviction")
	}

	release()
	release()
	if pinned.Pinned() {
		t.Fatal("expected release to unpin once")
	}
	time.Sleep(60 * time.Millisecond)
	if closed := r.CloseIdle(50 * time.Millisecond); closed != 2 {
		t.Fatalf("expected both idle connections closed after release, got %d", closed)
	}
	if pinned.Connected() {
		t.Fatal("expected released connection to be evicted")
	}
}

func TestCloseIdleSparesRedialedEntry(t *testing.T) {
	t.Parallel()

	dialer := &countingDialer{}
	r := NewRegistry(RegistryConfig{Dialer: dialer})
	defer r.DisconnectAll()

	ctx := context.Background()
	old, _ := r.Get(ctx, "vm-1", testConfig)
	time.Sleep(60 * time.Millisecond)

	// The old transport drops and the workspace is redialed.
	_ = old.Client().Close()
	waitFor(t, func() bool { return r.Count() == 0 })
	fresh, err := r.Get(ctx, "vm-1", testConfig)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}

	if closed := r.CloseIdle(50 * time.Millisecond); closed != 0 {
		t.Fatalf("expected the fresh entry kept, %d closed", closed)
	}
	if !fresh.Connected() {
		t.Fatal("expected redialed connection to remain connected")
	}
}

func TestTransportConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     TransportConfig
		wantErr bool
	}{
		{name: "valid", cfg: testConfig},
		{name: "missing host", cfg: TransportConfig{Port: 22, Username: "u", PrivateKey: []byte("k")}, wantErr: true},
		{name: "port zero", cfg: TransportConfig{Host: "h", Username: "u", PrivateKey: []byte("k")}, wantErr: true},
		{name: "port too large", cfg: TransportConfig{Host: "h", Port: 65536, Username: "u", PrivateKey: []byte("k")}, wantErr: true},
		{name: "missing user", cfg: TransportConfig{Host: "h", Port: 22, PrivateKey: []byte("k")}, wantErr: true},
		{name: "missing key", cfg: TransportConfig{Host: "h", Port: 22, Username: "u"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
