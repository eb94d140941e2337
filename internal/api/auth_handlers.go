package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/matrixqa/matrix-runner/internal/auth"
	"github.com/matrixqa/matrix-runner/internal/store"
)

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "Authentication service unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.store.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCredentials) {
			http.Error(w, "Incorrect username or password", http.StatusUnauthorized)
			return
		}
		log.Printf("Error authenticating %s: %v", req.Username, err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	token, err := h.auth.IssueToken(user.Username, user.Role)
	if err != nil {
		log.Printf("Error issuing token for %s: %v", user.Username, err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"username":     user.Username,
		"role":         user.Role,
	})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, id)
}
