// Package shell implements a persistent interactive shell over a workspace
// transport, with a marker protocol that detects command completion and
// recovers exit codes from the shell's output stream.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/workspace/relay-agent/internal/remote"
)

var (
	// ErrBusy is returned when a command is issued while another is in flight.
	ErrBusy = errors.New("shell: a command is already running")
	// ErrClosed is returned by Run after the session has been closed.
	ErrClosed = errors.New("shell: session closed")
)

const (
	defaultTranscriptSize = 64 * 1024
	ptyRows               = 40
	ptyCols               = 200
	readChunkSize         = 32 * 1024
)

// Options configure a new shell session.
type Options struct {
	WorkspaceID string
	// WorkingDir is entered with cd before the session is handed out.
	WorkingDir string
	// Term requests a PTY of that terminal type. Empty means no PTY, which
	// keeps stderr on its own stream and disables input echo.
	Term string
	// TranscriptSize bounds the raw output kept for diagnostics.
	TranscriptSize int
	// OnActivity is called at the start of every command.
	OnActivity func()
}

// Session is one long-lived interactive channel. At most one command runs at
// a time.
type Session struct {
	workspaceID string
	stdin       io.Writer
	closer      io.Closer
	transcript  *RingBuffer
	onActivity  func()
	// fenceStderr is set when stderr is a separate stream that needs its
	// own end marker.
	fenceStderr bool

	mu     sync.Mutex
	active *collector

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// collector accumulates output for the command in flight.
type collector struct {
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	scanFrom int
	notify   chan struct{}

	// Set once the stdout marker and exit code have been seen.
	found    bool
	start    int
	exitCode int
}

// Open starts an interactive shell on a new channel of conn.
func Open(ctx context.Context, conn *remote.Connection, opts Options) (*Session, error) {
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = conn.WorkspaceID
	}
	fail := func(op string, err error) (*Session, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		slog.Error("SSH shell error", "workspaceId", opts.WorkspaceID, "op", op, "error", err)
		return nil, &remote.ExecutionError{WorkspaceID: opts.WorkspaceID, Op: op, Err: err}
	}

	ch, err := conn.NewChannel(ctx)
	if err != nil {
		return fail("open shell channel", err)
	}
	// The shell requests below block on a stalled transport; closing the
	// channel unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	if opts.Term != "" {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := ch.RequestPty(opts.Term, ptyRows, ptyCols, modes); err != nil {
			ch.Close()
			return fail("request pty", err)
		}
	}

	stdin, err := ch.StdinPipe()
	if err != nil {
		ch.Close()
		return fail("stdin pipe", err)
	}
	stdout, err := ch.StdoutPipe()
	if err != nil {
		ch.Close()
		return fail("stdout pipe", err)
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		ch.Close()
		return fail("stderr pipe", err)
	}
	if err := ch.Shell(); err != nil {
		ch.Close()
		return fail("start shell", err)
	}

	// The shell pins its connection so idle and LRU eviction leave it alone
	// while the session lives.
	release := conn.Pin()
	s := newSession(stdin, stdout, stderr, closerFunc(func() error {
		release()
		return ch.Close()
	}), opts)

	if opts.WorkingDir != "" {
		res, err := s.Run(ctx, "cd "+remote.Quote(opts.WorkingDir))
		if err != nil {
			s.Close()
			return nil, err
		}
		if res.ExitCode != 0 {
			s.Close()
			return nil, &remote.ExecutionError{
				WorkspaceID: opts.WorkspaceID,
				Op:          "enter working directory",
				Err:         fmt.Errorf("cd %s: exit %d: %s", opts.WorkingDir, res.ExitCode, res.Stderr),
			}
		}
	}

	slog.Info("Persistent shell opened", "workspaceId", opts.WorkspaceID, "workDir", opts.WorkingDir)
	return s, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newSession wires a session to already-started shell streams.
func newSession(stdin io.Writer, stdout, stderr io.Reader, closer io.Closer, opts Options) *Session {
	size := opts.TranscriptSize
	if size <= 0 {
		size = defaultTranscriptSize
	}
	s := &Session{
		workspaceID: opts.WorkspaceID,
		stdin:       stdin,
		closer:      closer,
		transcript:  NewRingBuffer(size),
		onActivity:  opts.OnActivity,
		fenceStderr: opts.Term == "",
		done:        make(chan struct{}),
	}
	go s.pump(stdout, false)
	go s.pump(stderr, true)
	return s
}

// Run executes command and waits for its completion marker. Canceling ctx
// abandons the command and closes the session, since the shell's state is
// no longer known.
func (s *Session) Run(ctx context.Context, command string) (remote.Result, error) {
	if !s.Usable() {
		return remote.Result{}, s.execError("run", s.err())
	}

	marker, err := newMarker()
	if err != nil {
		return remote.Result{}, s.execError("run", err)
	}

	c := &collector{notify: make(chan struct{}, 1)}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return remote.Result{}, ErrBusy
	}
	s.active = c
	s.mu.Unlock()
	defer s.detach(c)

	if s.onActivity != nil {
		s.onActivity()
	}

	if _, err := io.WriteString(s.stdin, wrapCommand(command, marker, s.fenceStderr)); err != nil {
		s.closeWith(err)
		return remote.Result{}, s.execError("write command", err)
	}

	markerBytes := []byte(marker)
	for {
		select {
		case <-ctx.Done():
			slog.Warn("Abandoning shell command", "workspaceId", s.workspaceID, "error", ctx.Err())
			s.closeWith(ctx.Err())
			return remote.Result{}, s.execError("run", s.withRecentOutput(ctx.Err()))
		case <-c.notify:
			if res, ok := s.resolve(c, markerBytes, false); ok {
				return res, nil
			}
		case <-s.done:
			if res, ok := s.resolve(c, markerBytes, true); ok {
				return res, nil
			}
			return remote.Result{}, s.execError("run", s.err())
		}
	}
}

// resolve checks the collector for a completed command. On success the
// collector is detached so later output does not bleed into it. With final
// set the stream has ended and the stderr fence is not waited for.
func (s *Session) resolve(c *collector, marker []byte, final bool) (remote.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.found {
		start, exitCode, next, ok := findCompletion(c.stdout.Bytes(), marker, c.scanFrom)
		c.scanFrom = next
		if !ok {
			return remote.Result{}, false
		}
		c.found, c.start, c.exitCode = true, start, exitCode
	}

	stderr := c.stderr.Bytes()
	if s.fenceStderr {
		if i := bytes.Index(stderr, marker); i >= 0 {
			stderr = stderr[:i]
		} else if !final {
			return remote.Result{}, false
		}
	}

	if s.active == c {
		s.active = nil
	}
	return remote.Result{
		Stdout:   string(bytes.TrimSpace(c.stdout.Bytes()[:c.start])),
		Stderr:   string(bytes.TrimSpace(stderr)),
		ExitCode: c.exitCode,
	}, true
}

func (s *Session) detach(c *collector) {
	s.mu.Lock()
	if s.active == c {
		s.active = nil
	}
	s.mu.Unlock()
}

// pump copies one output stream into the active collector. Output that
// arrives with no command in flight only reaches the transcript.
func (s *Session) pump(r io.Reader, isStderr bool) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.deliver(buf[:n], isStderr)
		}
		if err != nil {
			if !isStderr {
				if err == io.EOF {
					err = ErrClosed
				}
				s.closeWith(err)
			}
			return
		}
	}
}

func (s *Session) deliver(p []byte, isStderr bool) {
	_, _ = s.transcript.Write(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.active
	if c == nil {
		return
	}
	if isStderr {
		c.stderr.Write(p)
	} else {
		c.stdout.Write(p)
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Usable reports whether the session can accept commands.
func (s *Session) Usable() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed when the session stops being usable.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Transcript returns the most recent raw output of the session.
func (s *Session) Transcript() []byte {
	return s.transcript.Bytes()
}

// recentOutputBytes bounds the transcript tail attached to abandoned commands.
const recentOutputBytes = 512

// withRecentOutput annotates err with the tail of the transcript, so an
// abandoned command still shows what it printed. err stays unwrappable.
func (s *Session) withRecentOutput(err error) error {
	tail := bytes.TrimSpace(s.transcript.Bytes())
	if len(tail) == 0 {
		return err
	}
	if len(tail) > recentOutputBytes {
		tail = tail[len(tail)-recentOutputBytes:]
	}
	return fmt.Errorf("%w; recent output: %s", err, tail)
}

// WorkspaceID returns the workspace the session runs on.
func (s *Session) WorkspaceID() string {
	return s.workspaceID
}

// Close tears down the channel. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeWith(ErrClosed)
	return nil
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.mu.Unlock()
		close(s.done)
		if s.closer != nil {
			_ = s.closer.Close()
		}
		slog.Debug("Persistent shell closed", "workspaceId", s.workspaceID, "cause", cause)
	})
}

func (s *Session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil {
		return ErrClosed
	}
	return s.closeErr
}

func (s *Session) execError(op string, err error) error {
	return &remote.ExecutionError{WorkspaceID: s.workspaceID, Op: "shell " + op, Err: err}
}
