package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/workspace/relay-agent/internal/remote"
	"github.com/workspace/relay-agent/internal/session"
	"github.com/workspace/relay-agent/internal/tools"
)

type taskResponse struct {
	session.State
	Running bool `json:"running"`
}

type createTaskRequest struct {
	WorkspaceID string `json:"workspaceId"`
	// WorkingDir defaults to a fresh directory under the projects dir.
	WorkingDir string `json:"workingDir"`
	// ResumeTaskID continues a finished task from its saved state.
	ResumeTaskID string `json:"resumeTaskId"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	states := s.tasks.List()
	result := make([]taskResponse, 0, len(states))
	for _, st := range states {
		result = append(result, taskResponse{State: st, Running: true})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": result})
}

// handleCreateTask starts a task on a workspace. The working directory is
// created on the workspace if missing.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}

	ws, ok := s.lookupWorkspace(w, req.WorkspaceID)
	if !ok {
		return
	}

	var resume *session.State
	if req.ResumeTaskID != "" {
		if _, running := s.tasks.Get(req.ResumeTaskID); running {
			writeError(w, http.StatusConflict, "task is already running")
			return
		}
		st, err := s.store.GetTaskState(req.ResumeTaskID)
		if err != nil {
			slog.Error("Failed to load task state", "taskId", req.ResumeTaskID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load task state")
			return
		}
		if st == nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if st.WorkspaceID != ws.ID {
			writeError(w, http.StatusConflict, "task belongs to another workspace")
			return
		}
		resume = st
	}

	workingDir := strings.TrimSpace(req.WorkingDir)
	switch {
	case workingDir != "":
	case resume != nil && resume.WorkingDir != "":
		workingDir = resume.WorkingDir
	default:
		workingDir = s.projectDir(uuid.NewString())
	}

	transport := ws.Transport()
	res, err := s.executor.Execute(r.Context(), ws.ID, transport, "mkdir -p "+remote.Quote(workingDir), remote.ExecOptions{})
	if err != nil {
		slog.Warn("Failed to prepare working directory", "workspaceId", ws.ID, "workDir", workingDir, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.ExitCode != 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot create working directory %s: %s", workingDir, strings.TrimSpace(res.Stderr)))
		return
	}

	// Start assigns the task ID, so the broadcaster is attached afterwards.
	terminal := &lateWriter{}
	sc, err := s.tasks.Start(session.StartOptions{
		WorkspaceID: ws.ID,
		Transport:   transport,
		WorkingDir:  workingDir,
		Terminal:    terminal,
		Resume:      resume,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	terminal.set(s.terminals.Create(sc.TaskID))

	writeJSON(w, http.StatusCreated, taskResponse{State: sc.State(), Running: true})
}

// handleGetTask returns a running task, or the saved state of a finished one.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if sc, ok := s.tasks.Get(taskID); ok {
		writeJSON(w, http.StatusOK, taskResponse{State: sc.State(), Running: true})
		return
	}

	st, err := s.store.GetTaskState(taskID)
	if err != nil {
		slog.Error("Failed to load task state", "taskId", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load task state")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{State: *st})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	st, err := s.tasks.End(taskID)
	if errors.Is(err, session.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.terminals.Remove(taskID)
	writeJSON(w, http.StatusOK, taskResponse{State: st})
}

// handleToolCall runs one tool for a task. A failed tool still answers 200
// with {"error": ..., "retryable": ...} so the calling agent can read and
// react to the text. retryable marks transport failures worth another try.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	tool := r.PathValue("tool")

	sc, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !slices.Contains(tools.Names(), tool) {
		writeError(w, http.StatusNotFound, "unknown tool: "+tool)
		return
	}

	var args json.RawMessage
	if err := decodeJSON(w, r, &args); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := session.WithContext(r.Context(), sc)
	out, err := s.tools.Invoke(ctx, tool, args)
	if err != nil {
		retryable := remote.IsRetryable(err)
		slog.Info("Tool call failed", "taskId", taskID, "workspaceId", sc.WorkspaceID, "tool", tool, "retryable", retryable, "error", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"error": err.Error(), "retryable": retryable})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"output": out})
}
