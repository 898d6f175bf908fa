// Package convstore keeps the append-only conversation history in Redis.
// Each turn is stored under its own key; parent links form a backward chain
// from which bounded context windows are rebuilt.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/chatpool/gateway/internal/shared/redis"
)

const keyPrefix = "chat:message:"

// Store reads and appends conversation turns.
type Store struct {
	redis *redis.Client
}

// New creates a store on the given Redis client.
func New(client *redis.Client) *Store {
	return &Store{redis: client}
}

// NewTurnID returns a fresh turn identifier.
func (s *Store) NewTurnID() string {
	return uuid.NewString()
}

// Append writes one immutable turn. The turn's ID must be set; CreatedAt is
// stamped when absent.
func (s *Store) Append(ctx context.Context, turn models.ConversationTurn) error {
	if turn.ID == "" {
		return fmt.Errorf("convstore: turn id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("convstore: marshal turn: %w", err)
	}
	if err := s.redis.Set(ctx, keyPrefix+turn.ID, string(data), 0); err != nil {
		return fmt.Errorf("convstore: store turn %s: %w", turn.ID, err)
	}
	return nil
}

// Get fetches one turn. Missing turns return (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*models.ConversationTurn, error) {
	val, err := s.redis.Get(ctx, keyPrefix+id)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: get turn %s: %w", id, err)
	}

	var turn models.ConversationTurn
	if err := json.Unmarshal([]byte(val), &turn); err != nil {
		return nil, fmt.Errorf("convstore: decode turn %s: %w", id, err)
	}
	return &turn, nil
}

// ChainFrom walks the parent chain starting at turnID (inclusive) and
// returns at most maxRounds turns ordered oldest-first. Traversal stops at
// the chain root, at the round bound, or at a missing turn; it is never
// unbounded. A leading assistant turn is dropped so the returned window
// always starts on a user turn.
func (s *Store) ChainFrom(ctx context.Context, turnID string, maxRounds int) ([]models.ConversationTurn, error) {
	if turnID == "" || maxRounds <= 0 {
		return nil, nil
	}

	var collected []models.ConversationTurn
	id := turnID
	for len(collected) < maxRounds && id != "" {
		turn, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if turn == nil {
			break
		}
		collected = append(collected, *turn)
		id = turn.ParentID
	}

	// reverse to oldest-first
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}

	if len(collected) > 0 && collected[0].Role == "assistant" {
		collected = collected[1:]
	}
	return collected, nil
}

// OddRounds rounds n up to the next odd number so that a window anchored on
// the newest turn keeps user/assistant alternation intact.
func OddRounds(n int) int {
	if n <= 0 {
		return 1
	}
	if n%2 == 0 {
		return n + 1
	}
	return n
}
