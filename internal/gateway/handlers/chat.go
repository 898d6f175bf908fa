package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/chatpool/gateway/internal/gateway/orchestrator"
	"github.com/chatpool/gateway/internal/gateway/providers"
)

type ChatHandler struct {
	orch *orchestrator.Orchestrator
}

func NewChatHandler(orch *orchestrator.Orchestrator) *ChatHandler {
	return &ChatHandler{orch: orch}
}

// chatRequest is the wire shape of a chat call.
type chatRequest struct {
	Prompt          string `json:"prompt"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	GroupID         string `json:"groupId,omitempty"`
	AppID           string `json:"appId,omitempty"`
	UsingNetwork    bool   `json:"usingNetwork,omitempty"`
	CustomPrompt    bool   `json:"customPrompt,omitempty"`
	SystemMessage   string `json:"systemMessage,omitempty"`
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *ChatHandler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (orchestrator.ChatRequest, bool) {
	user, ok := userFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return orchestrator.ChatRequest{}, false
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return orchestrator.ChatRequest{}, false
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return orchestrator.ChatRequest{}, false
	}

	return orchestrator.ChatRequest{
		User:            user,
		ClientIP:        clientIP(r),
		Prompt:          req.Prompt,
		ParentMessageID: req.ParentMessageID,
		GroupID:         req.GroupID,
		AppID:           req.AppID,
		UsingNetwork:    req.UsingNetwork,
		CustomPrompt:    req.CustomPrompt,
		SystemMessage:   req.SystemMessage,
	}, true
}

// errorEvent is the uniform error payload written on the stream or as the
// sync response body.
type errorEvent struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeRequestError(w http.ResponseWriter, err error) {
	reqErr := &orchestrator.RequestError{}
	if !errors.As(err, &reqErr) {
		reqErr = &orchestrator.RequestError{Code: http.StatusInternalServerError, Message: "service error, please try again"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reqErr.Code)
	json.NewEncoder(w).Encode(errorEvent{Message: reqErr.Message, Code: reqErr.Code})
}

// HandleChatStream handles POST /chatgpt/chat-process.
// Progress and terminal payloads are written as newline-delimited JSON
// objects, flushed per chunk.
func (h *ChatHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	enc := json.NewEncoder(w)
	wroteChunk := false

	result, err := h.orch.ChatProcess(r.Context(), req, func(ev providers.Event) {
		enc.Encode(ev)
		flusher.Flush()
		wroteChunk = true
	})
	if err != nil {
		// the client is gone on cancellation; nothing more to write
		if errors.Is(err, context.Canceled) {
			return
		}
		if !wroteChunk {
			writeRequestError(w, err)
			return
		}
		reqErr := &orchestrator.RequestError{}
		if !errors.As(err, &reqErr) {
			reqErr = &orchestrator.RequestError{Code: http.StatusInternalServerError, Message: "service error, please try again"}
		}
		enc.Encode(errorEvent{Message: reqErr.Message, Code: reqErr.Code})
		flusher.Flush()
		return
	}

	enc.Encode(result)
	flusher.Flush()
}

// HandleChatSync handles POST /chatgpt/chat-sync: same orchestration, only
// the terminal payload is returned.
func (h *ChatHandler) HandleChatSync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	result, err := h.orch.ChatProcess(r.Context(), req, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
