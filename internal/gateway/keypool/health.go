package keypool

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

// HealthStore persists credential health transitions.
type HealthStore interface {
	SetHealth(ctx context.Context, id, status string, reason *string) error
}

// HealthManager classifies provider errors into lock reasons and mutates
// credential health. Only the OpenAI adapter's error surface is classified;
// other providers' failures surface to the caller without touching health.
type HealthManager struct {
	store HealthStore
	pool  *Pool
}

// NewHealthManager wires the manager to its store and the pool it refreshes
// after a lock.
func NewHealthManager(store HealthStore, pool *Pool) *HealthManager {
	return &HealthManager{store: store, pool: pool}
}

// Classify maps a provider error to a lock reason. ok is false when the
// error does not indicate a credential-health problem.
func Classify(err error) (reason string, ok bool) {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}

	switch {
	case strings.Contains(apiErr.Message, "has been deactivated"):
		return models.LockReasonBanned, true
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests &&
		strings.Contains(apiErr.Message, "exceeded your current quota"):
		return models.LockReasonQuotaExhausted, true
	case apiErr.HTTPStatusCode == http.StatusUnauthorized &&
		strings.Contains(apiErr.Message, "Incorrect API key provided"):
		return models.LockReasonInvalidSecret, true
	case apiErr.HTTPStatusCode == http.StatusNotFound &&
		strings.Contains(apiErr.Message, "not a chat model"):
		return models.LockReasonUnsupportedModel, true
	}
	return "", false
}

// Lock freezes a credential with the given reason and refreshes the pool so
// the credential is excluded from future selection. Locking is best-effort
// and idempotent; relocking an already-locked credential is a no-op.
func (m *HealthManager) Lock(ctx context.Context, credentialID, reason string) {
	r := reason
	if err := m.store.SetHealth(ctx, credentialID, models.StatusLocked, &r); err != nil {
		log.Printf("keypool: lock credential %s (%s) failed: %v", credentialID, reason, err)
		return
	}
	log.Printf("keypool: credential %s locked, reason %s", credentialID, reason)
	m.pool.Refresh(ctx)
}
