package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrixqa/matrix-runner/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Login is reachable without a token.
	r.HandleFunc("/api/auth/login", h.Login).Methods("POST", "OPTIONS")

	// Authenticated API routes, rate limited per caller.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.auth.Middleware)
	api.Use(RateLimitMiddleware(rateLimiter, 120))

	api.HandleFunc("/auth/me", h.Me).Methods("GET")

	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{session_id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{session_id}", h.DeleteSession).Methods("DELETE")

	api.HandleFunc("/sessions/{session_id}/tasks", h.CreateTask).Methods("POST")
	api.HandleFunc("/sessions/{session_id}/tasks/{task_id}", h.GetTask).Methods("GET")
	api.HandleFunc("/sessions/{session_id}/tasks/{task_id}/stop", h.StopTask).Methods("POST")
	api.HandleFunc("/sessions/{session_id}/tasks/{task_id}/download", h.DownloadTaskResult).Methods("GET")

	api.HandleFunc("/test-api-connection", h.TestAPIConnection).Methods("POST")

	api.HandleFunc("/history", h.ListHistory).Methods("GET")
	api.HandleFunc("/history/{task_id}", h.DeleteHistoryEntry).Methods("DELETE")

	api.HandleFunc("/videos", h.ListRecordings).Methods("GET")
	api.HandleFunc("/videos/{video_id}/download", h.DownloadRecording).Methods("GET")

	// Websocket channels; the session id is the capability.
	r.HandleFunc("/ws/{session_id}", h.hub.ServeControl).Methods("GET")
	r.HandleFunc("/ws/screenshot/{session_id}", h.hub.ServeCapture).Methods("GET")

	// Jira calls this directly; it cannot carry our credentials.
	r.HandleFunc("/jira/webhook", h.JiraWebhook).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.Use(corsMiddleware)

	return r
}
