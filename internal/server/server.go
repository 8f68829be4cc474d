// Package server provides the HTTP API of the relay agent: workspace
// provisioning, task lifecycle, tool calls and live terminal streams.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/workspace/relay-agent/internal/config"
	"github.com/workspace/relay-agent/internal/persistence"
	"github.com/workspace/relay-agent/internal/provision"
	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/retry"
	"github.com/workspace/relay-agent/internal/session"
	"github.com/workspace/relay-agent/internal/tools"
)

// Provisioner creates workspace VMs and publishes their ports.
type Provisioner interface {
	CreateVM(ctx context.Context, publicKey string) (provision.VM, error)
	CreateRoute(ctx context.Context, vmID string, port int) (string, error)
}

// Server is the HTTP server for the relay agent.
type Server struct {
	config      *config.Config
	httpServer  *http.Server
	store       *persistence.Store
	registry    *remote.Registry
	executor    *remote.Executor
	tasks       *session.Manager
	tools       *tools.Tools
	provisioner Provisioner
	terminals   *terminalRegistry
	generateKey func() (provision.KeyPair, error)
	readyRetry  retry.Config
	done        chan struct{}
}

// New creates a server wired to SQLite, SSH and the HatchVM API.
func New(cfg *config.Config) (*Server, error) {
	// Ensure the parent directory of the database exists.
	if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}
	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}

	registry := remote.NewRegistry(remote.RegistryConfig{
		ConnectTimeout: cfg.SSHConnectTimeout,
		MaxConnections: cfg.SSHMaxConnections,
	})
	provisioner := provision.NewClient(provision.ClientConfig{
		APIURL:    cfg.HatchVMAPIURL,
		RouteHost: cfg.HatchVMHost,
		Retry:     retry.DefaultConfig(),
	})

	return newServer(cfg, store, registry, provisioner), nil
}

func newServer(cfg *config.Config, store *persistence.Store, registry *remote.Registry, provisioner Provisioner) *Server {
	executor := remote.NewExecutor(registry)
	s := &Server{
		config:      cfg,
		store:       store,
		registry:    registry,
		executor:    executor,
		tasks:       session.NewManager(store),
		provisioner: provisioner,
		terminals:   newTerminalRegistry(cfg.TerminalCatchupBytes),
		generateKey: provision.GenerateKeyPair,
		readyRetry: retry.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			MaxElapsed:   cfg.WorkspaceReadyTimeout,
		},
		done: make(chan struct{}),
	}
	s.tools = tools.New(tools.Config{
		Executor:       executor,
		Routes:         provisioner,
		Term:           cfg.ShellTerm,
		TranscriptSize: cfg.ShellTranscriptBytes,
		CommandTimeout: cfg.CommandTimeout,
	})

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is left at 0: terminal WebSockets and long tool calls
	// outlive any fixed write deadline set before the handler runs.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the janitor and the HTTP server. It blocks until the server
// stops.
func (s *Server) Start() error {
	go s.runJanitor()

	slog.Info("Starting relay agent", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop ends all tasks, closes every connection and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.done)

	err := s.httpServer.Shutdown(ctx)

	s.tasks.CloseAll()
	s.terminals.CloseAll()
	s.registry.DisconnectAll()

	if closeErr := s.store.Close(); closeErr != nil {
		slog.Warn("Failed to close persistence store", "error", closeErr)
	}
	return err
}

// runJanitor periodically closes idle connections and tasks.
func (s *Server) runJanitor() {
	interval := s.config.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	tasks := s.tasks.CloseIdle(s.config.TaskIdleTTL)
	conns := 0
	if s.config.SSHIdleTTL > 0 {
		conns = s.registry.CloseIdle(s.config.SSHIdleTTL)
	}
	terminals := s.terminals.Retain(func(taskID string) bool {
		_, ok := s.tasks.Get(taskID)
		return ok
	})
	if tasks > 0 || conns > 0 {
		slog.Info("Closed idle resources", "tasks", tasks, "connections", conns, "terminals", terminals)
	}
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces/{workspaceId}", s.handleGetWorkspace)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}", s.handleDeleteWorkspace)
	mux.HandleFunc("GET /workspaces/{workspaceId}/tasks", s.handleListWorkspaceTasks)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{taskId}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{taskId}", s.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{taskId}/tools/{tool}", s.handleToolCall)
	mux.HandleFunc("GET /tasks/{taskId}/terminal", s.handleTerminalWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// projectDir returns the default working directory for a new task.
func (s *Server) projectDir(id string) string {
	return strings.TrimRight(s.config.ProjectsDir, "/") + "/" + id
}
