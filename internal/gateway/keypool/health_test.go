package keypool

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

type fakeHealthStore struct {
	source   *fakeSource
	statuses map[string]string
	reasons  map[string]string
}

func newFakeHealthStore(source *fakeSource) *fakeHealthStore {
	return &fakeHealthStore{
		source:   source,
		statuses: map[string]string{},
		reasons:  map[string]string{},
	}
}

func (f *fakeHealthStore) SetHealth(ctx context.Context, id, status string, reason *string) error {
	f.statuses[id] = status
	if reason != nil {
		f.reasons[id] = *reason
	}
	// mirror the lock into the credential source, as the database does
	for i, c := range f.source.creds {
		if c.ID == id {
			f.source.creds[i].Status = status
		}
	}
	return nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
		ok     bool
	}{
		{
			name:   "deactivated account",
			err:    &openai.APIError{HTTPStatusCode: http.StatusForbidden, Message: "The OpenAI account associated with this API key has been deactivated."},
			reason: models.LockReasonBanned,
			ok:     true,
		},
		{
			name:   "quota exhausted",
			err:    &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "You exceeded your current quota, please check your plan and billing details."},
			reason: models.LockReasonQuotaExhausted,
			ok:     true,
		},
		{
			name:   "invalid secret",
			err:    &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "Incorrect API key provided: sk-abc."},
			reason: models.LockReasonInvalidSecret,
			ok:     true,
		},
		{
			name:   "not a chat model",
			err:    &openai.APIError{HTTPStatusCode: http.StatusNotFound, Message: "This is not a chat model and thus not supported in the v1/chat/completions endpoint."},
			reason: models.LockReasonUnsupportedModel,
			ok:     true,
		},
		{
			name: "plain rate limit does not lock",
			err:  &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "Rate limit reached for requests"},
		},
		{
			name: "transport error does not lock",
			err:  errors.New("dial tcp: connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := Classify(tt.err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestLock_ExcludesCredentialAfterRefresh(t *testing.T) {
	src := &fakeSource{creds: []models.Credential{
		activeCred("bad", models.TierPremium, 10),
		activeCred("good", models.TierPremium, 1),
	}}
	pool := New(src)
	pool.Refresh(context.Background())
	store := newFakeHealthStore(src)
	mgr := NewHealthManager(store, pool)

	mgr.Lock(context.Background(), "bad", models.LockReasonBanned)

	assert.Equal(t, models.StatusLocked, store.statuses["bad"])
	assert.Equal(t, models.LockReasonBanned, store.reasons["bad"])

	// Lock triggered a refresh, so the pool must never yield "bad" again.
	require.Equal(t, 1, pool.Size(models.TierPremium))
	for i := 0; i < 500; i++ {
		c, err := pool.SelectWeighted(models.TierPremium)
		require.NoError(t, err)
		assert.Equal(t, "good", c.ID)
	}

	// relocking is a no-op, not an error
	mgr.Lock(context.Background(), "bad", models.LockReasonBanned)
	assert.Equal(t, models.StatusLocked, store.statuses["bad"])
}
