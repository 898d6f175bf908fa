package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/chatpool/gateway/internal/gateway/orchestrator"
)

type DrawHandler struct {
	orch *orchestrator.Orchestrator
}

func NewDrawHandler(orch *orchestrator.Orchestrator) *DrawHandler {
	return &DrawHandler{orch: orch}
}

type drawRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

// HandleDraw handles POST /chatgpt/chat-draw
func (h *DrawHandler) HandleDraw(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req drawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if req.N > 10 {
		http.Error(w, "at most 10 images per request", http.StatusBadRequest)
		return
	}

	result, err := h.orch.DrawImages(r.Context(), orchestrator.DrawRequest{
		User:     user,
		ClientIP: clientIP(r),
		Prompt:   req.Prompt,
		N:        req.N,
		Size:     req.Size,
	})
	if err != nil {
		writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
