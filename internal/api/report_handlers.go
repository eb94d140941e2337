package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrixqa/matrix-runner/internal/auth"
	"github.com/matrixqa/matrix-runner/internal/report"
)

// DownloadTaskResult handles
// GET /api/sessions/{session_id}/tasks/{task_id}/download?format=txt|pdf.
func (h *Handler) DownloadTaskResult(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	vars := mux.Vars(r)
	sessionID, taskID := vars["session_id"], vars["task_id"]

	task, err := h.registry.FindTask(id, sessionID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !task.Status.Terminal() {
		http.Error(w, "Task has not finished yet", http.StatusConflict)
		return
	}

	switch r.URL.Query().Get("format") {
	case "pdf":
		data, err := report.BuildPDF(sessionID, task)
		if err != nil {
			log.Printf("Error building PDF for task %s: %v", shortID(taskID), err)
			http.Error(w, "Failed to generate PDF", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "test_result_"+shortID(taskID)+".pdf"))
		w.Write(data)

	default:
		text := report.FormatText(sessionID, task)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", "test_result_"+shortID(taskID)+".txt"))
		w.Write([]byte(text))
	}
}
