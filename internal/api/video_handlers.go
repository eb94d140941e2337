package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matrixqa/matrix-runner/internal/auth"
	"github.com/matrixqa/matrix-runner/pkg/models"
)

// ListRecordings handles GET /api/videos.
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "Recording service unavailable", http.StatusServiceUnavailable)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())

	recordings, err := h.store.ListRecordings(r.Context(), id.Username)
	if err != nil {
		log.Printf("Error listing recordings for %s: %v", id.Username, err)
		http.Error(w, "Failed to list recordings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": recordings})
}

// DownloadRecording handles GET /api/videos/{video_id}/download.
func (h *Handler) DownloadRecording(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "Recording service unavailable", http.StatusServiceUnavailable)
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	videoID := mux.Vars(r)["video_id"]

	artifact, err := h.store.GetRecording(r.Context(), videoID)
	if err != nil {
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	}
	if !id.CanAccess(artifact.Username) {
		http.Error(w, "Not allowed", http.StatusForbidden)
		return
	}

	contentType := "video/mp4"
	if artifact.FileType == models.FormatGIF {
		contentType = "image/gif"
	}
	filename := fmt.Sprintf("session_%s_%s.%s",
		shortID(artifact.SessionID), artifact.StartTime.Format("20060102_150405"), artifact.FileType)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(artifact.VideoData)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
