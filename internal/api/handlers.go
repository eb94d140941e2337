package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrixqa/matrix-runner/internal/auth"
	"github.com/matrixqa/matrix-runner/internal/hub"
	"github.com/matrixqa/matrix-runner/internal/jira"
	"github.com/matrixqa/matrix-runner/internal/provider"
	"github.com/matrixqa/matrix-runner/internal/registry"
	"github.com/matrixqa/matrix-runner/internal/runner"
	"github.com/matrixqa/matrix-runner/internal/store"
	"github.com/matrixqa/matrix-runner/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	runner   *runner.Runner
	hub      *hub.Hub
	store    *store.Store
	auth     *auth.Authenticator
	resolver *provider.Resolver
	jira     *jira.Processor
}

// NewHandler creates the HTTP handler set. store and jiraProcessor may be
// nil when those integrations are not configured.
func NewHandler(reg *registry.Registry, run *runner.Runner, h *hub.Hub, st *store.Store,
	authn *auth.Authenticator, resolver *provider.Resolver, jiraProcessor *jira.Processor) *Handler {
	return &Handler{
		registry: reg,
		runner:   run,
		hub:      h,
		store:    st,
		auth:     authn,
		resolver: resolver,
		jira:     jiraProcessor,
	}
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	sess, err := h.registry.CreateSession(id)
	if err != nil {
		writeError(w, err)
		return
	}

	log.Printf("🆕 Created session %s for user %s", sess.ID[:8], id.Username)
	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{SessionID: sess.ID})
}

// GetSession handles GET /api/sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	sess, err := h.registry.GetSession(id, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, _ := h.registry.Snapshot(sess.ID)
	writeJSON(w, http.StatusOK, snap)
}

// DeleteSession handles DELETE /api/sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	h.hub.StopCapture(r.Context(), sessionID)
	if err := h.registry.DeleteSession(id, sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateTask handles POST /api/sessions/{session_id}/tasks. The task is
// queued and executed asynchronously; progress arrives on the session's
// event channel.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	sessionID := mux.Vars(r)["session_id"]

	var req models.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Instructions == "" {
		http.Error(w, "instructions are required", http.StatusBadRequest)
		return
	}

	task, err := h.registry.AddTask(id, sessionID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	// Execution outlives the request; detach from the request context.
	go func() {
		if err := h.runner.Execute(context.Background(), sessionID, task.ID); err != nil {
			log.Printf("Error executing task %s: %v", task.ID[:8], err)
		}
	}()

	writeJSON(w, http.StatusCreated, models.CreateTaskResponse{SessionID: sessionID, TaskID: task.ID})
}

// GetTask handles GET /api/sessions/{session_id}/tasks/{task_id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	vars := mux.Vars(r)

	task, err := h.registry.FindTask(id, vars["session_id"], vars["task_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// StopTask handles POST /api/sessions/{session_id}/tasks/{task_id}/stop.
func (h *Handler) StopTask(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	vars := mux.Vars(r)
	sessionID, taskID := vars["session_id"], vars["task_id"]

	if err := h.registry.StopTask(id, sessionID, taskID); err != nil {
		writeError(w, err)
		return
	}

	h.hub.Broadcast(sessionID, models.NewEvent(models.MsgTaskUpdate, map[string]any{
		"task_id": taskID,
		"status":  string(models.TaskStopped),
	}))
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.TaskStopped)})
}

// TestAPIConnection handles POST /api/test-api-connection.
func (h *Handler) TestAPIConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider      string `json:"api_provider"`
		Model         string `json:"api_model"`
		APIKey        string `json:"api_key"`
		UseDefaultKey *bool  `json:"use_default_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Provider == "" {
		req.Provider = "anthropic"
	}
	if req.Model == "" {
		req.Model = "claude-3-5-sonnet-20240620"
	}
	useDefault := req.UseDefaultKey == nil || *req.UseDefaultKey

	result := h.resolver.TestConnection(r.Context(), req.Provider, req.Model, req.APIKey, useDefault)
	writeJSON(w, http.StatusOK, result)
}

// JiraWebhook handles POST /jira/webhook.
func (h *Handler) JiraWebhook(w http.ResponseWriter, r *http.Request) {
	if h.jira == nil {
		writeJSON(w, http.StatusOK, map[string]any{"processed": false, "reason": "jira not configured"})
		return
	}

	var payload jira.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid webhook payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	processed := h.jira.HandleWebhook(payload)
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps registry sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrLimitReached):
		status = http.StatusTooManyRequests
	case errors.Is(err, registry.ErrNotRunning), errors.Is(err, registry.ErrAlreadyActive):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
