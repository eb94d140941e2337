package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/matrixqa/matrix-runner/internal/auth"
)

// ListHistory handles GET /api/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "History service unavailable", http.StatusServiceUnavailable)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())

	history, err := h.store.ListHistory(r.Context(), id.Username)
	if err != nil {
		log.Printf("Error loading history for %s: %v", id.Username, err)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// DeleteHistoryEntry handles DELETE /api/history/{task_id}.
func (h *Handler) DeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "History service unavailable", http.StatusServiceUnavailable)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	taskID := mux.Vars(r)["task_id"]

	if err := h.store.DeleteHistoryEntry(r.Context(), id.Username, taskID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			http.Error(w, "History entry not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting history entry %s for %s: %v", taskID, id.Username, err)
		http.Error(w, "Failed to delete history entry", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
