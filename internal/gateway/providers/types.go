package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/chatpool/gateway/internal/shared/models"
)

// Event is one partial-message progress callback during a streaming call.
type Event struct {
	ID             string `json:"id"`
	Delta          string `json:"delta"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId,omitempty"`
	Role           string `json:"role"`
}

// Reply is the uniform final response shape every adapter produces.
type Reply struct {
	ID             string
	ConversationID string
	Text           string
	Model          string
	// Usage is nil when the wire did not carry token counts; the caller
	// computes a local fallback.
	Usage *models.TokenUsage
}

// SendOptions carries the per-call parameters common to all adapters.
type SendOptions struct {
	Secret            string
	BaseURL           string
	Model             string
	Temperature       float32
	Timeout           time.Duration
	SystemMessage     string
	MaxContextTokens  int
	MaxResponseTokens int

	// ParentMessageID threads the call onto an existing conversation for
	// the stateful adapter.
	ParentMessageID string

	// History is the materialized bounded context for stateless adapters.
	History []models.ConversationTurn
}

// ProgressFunc receives stream events in arrival order.
type ProgressFunc func(Event)

// Adapter is the uniform provider contract: one streaming send, terminated
// by one final reply or one error. Adapters must return promptly with a
// cancellation error when given an already-cancelled context.
type Adapter interface {
	Name() string
	Send(ctx context.Context, prompt string, opts SendOptions, onProgress ProgressFunc) (*Reply, error)
}

// StatusError reports a provider HTTP failure with its upstream status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func (p SendOptions) httpTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 100 * time.Second
}
