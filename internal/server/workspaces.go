package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/relay-agent/internal/persistence"
	"github.com/workspace/relay-agent/internal/provision"
	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/retry"
)

type workspaceResponse struct {
	persistence.Workspace
	Connected bool `json:"connected"`
	Tasks     int  `json:"tasks"`
}

func (s *Server) describeWorkspace(ws persistence.Workspace) workspaceResponse {
	return workspaceResponse{
		Workspace: ws,
		Connected: s.registry.Connected(ws.ID),
		Tasks:     len(s.tasks.ByWorkspace(ws.ID)),
	}
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkspaces()
	if err != nil {
		slog.Error("Failed to list workspaces", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}

	result := make([]workspaceResponse, 0, len(list))
	for _, ws := range list {
		result = append(result, s.describeWorkspace(ws))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": result})
}

// handleCreateWorkspace provisions a VM with a fresh key pair, records it
// and, unless disabled, waits until it accepts SSH.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if s.provisioner == nil {
		writeError(w, http.StatusServiceUnavailable, "provisioning is not configured")
		return
	}

	keys, err := s.generateKey()
	if err != nil {
		slog.Error("Failed to generate workspace key", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate workspace key")
		return
	}

	vm, err := s.provisioner.CreateVM(r.Context(), keys.PublicKey)
	if err != nil {
		slog.Error("Failed to create workspace VM", "error", err)
		var pe *provision.ProvisioningError
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadGateway, pe.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	ws := persistence.Workspace{
		ID:         vm.ID,
		Host:       s.config.HatchVMSSHHost,
		SSHPort:    vm.SSHPort,
		Username:   s.config.SSHUsername,
		PrivateKey: keys.PrivateKey,
		PublicKey:  keys.PublicKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveWorkspace(ws); err != nil {
		slog.Error("Failed to persist workspace", "workspaceId", ws.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist workspace")
		return
	}
	slog.Info("Workspace provisioned", "workspaceId", ws.ID, "host", ws.Host, "sshPort", ws.SSHPort)

	ready := false
	if s.config.WorkspaceReadyTimeout > 0 {
		if err := s.waitForSSH(r.Context(), ws); err != nil {
			slog.Warn("Workspace did not become reachable", "workspaceId", ws.ID, "error", err)
		} else {
			ready = true
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"workspace": s.describeWorkspace(ws),
		"ready":     ready,
	})
}

// waitForSSH dials the workspace until it answers. A booting VM refuses
// connections for a while, so dial failures are retried.
func (s *Server) waitForSSH(ctx context.Context, ws persistence.Workspace) error {
	cfg := s.readyRetry
	cfg.ShouldRetry = func(err error) bool {
		var ce *remote.ConnectionError
		return errors.As(err, &ce)
	}
	return retry.Do(ctx, cfg, "workspace_ready", func(ctx context.Context) error {
		_, err := s.registry.Get(ctx, ws.ID, ws.Transport())
		return err
	})
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.lookupWorkspace(w, r.PathValue("workspaceId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.describeWorkspace(*ws))
}

// handleDeleteWorkspace ends the workspace's tasks, drops its connection and
// forgets it. The VM itself is left to the provisioning API.
func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.lookupWorkspace(w, r.PathValue("workspaceId"))
	if !ok {
		return
	}

	for _, sc := range s.tasks.ByWorkspace(ws.ID) {
		if _, err := s.tasks.End(sc.TaskID); err == nil {
			s.terminals.Remove(sc.TaskID)
		}
	}
	s.registry.Disconnect(ws.ID)

	if err := s.store.DeleteWorkspace(ws.ID); err != nil {
		slog.Error("Failed to delete workspace", "workspaceId", ws.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete workspace")
		return
	}
	slog.Info("Workspace deleted", "workspaceId", ws.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListWorkspaceTasks returns the running tasks of a workspace and the
// saved state of its finished ones.
func (s *Server) handleListWorkspaceTasks(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.lookupWorkspace(w, r.PathValue("workspaceId"))
	if !ok {
		return
	}

	running := make([]taskResponse, 0)
	for _, sc := range s.tasks.ByWorkspace(ws.ID) {
		running = append(running, taskResponse{State: sc.State(), Running: true})
	}

	saved, err := s.store.ListTaskStates(ws.ID)
	if err != nil {
		slog.Error("Failed to list task state", "workspaceId", ws.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	finished := make([]taskResponse, 0, len(saved))
	for _, st := range saved {
		if _, live := s.tasks.Get(st.TaskID); live {
			continue
		}
		finished = append(finished, taskResponse{State: st})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":  running,
		"finished": finished,
	})
}

// lookupWorkspace loads a workspace record, writing the error response
// itself when it cannot.
func (s *Server) lookupWorkspace(w http.ResponseWriter, id string) (*persistence.Workspace, bool) {
	ws, err := s.store.GetWorkspace(id)
	if err != nil {
		slog.Error("Failed to load workspace", "workspaceId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load workspace")
		return nil, false
	}
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return nil, false
	}
	return ws, true
}
