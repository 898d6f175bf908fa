package convstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/chatpool/gateway/internal/shared/redis"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(redis.NewFromClient(client))
}

func TestAppendAndChainFrom_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := models.ConversationTurn{ID: "u1", Role: "user", Text: "hello"}
	require.NoError(t, store.Append(ctx, user))

	assistant := models.ConversationTurn{
		ID:       "a1",
		Role:     "assistant",
		Text:     "hi there",
		ParentID: "u1",
		Usage:    &models.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}
	require.NoError(t, store.Append(ctx, assistant))

	chain, err := store.ChainFrom(ctx, "a1", 3)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "u1", chain[0].ID)
	assert.Equal(t, "user", chain[0].Role)
	assert.Equal(t, "a1", chain[1].ID)
	assert.Equal(t, 5, chain[1].Usage.TotalTokens)
}

// seedConversation writes n alternating turns u1, a2, u3, ... and returns
// the id of the newest turn.
func seedConversation(t *testing.T, store *Store, n int) string {
	t.Helper()
	ctx := context.Background()
	parent := ""
	last := ""
	for i := 1; i <= n; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		id := fmt.Sprintf("%s%d", role[:1], i)
		turn := models.ConversationTurn{ID: id, Role: role, Text: fmt.Sprintf("turn %d", i), ParentID: parent}
		require.NoError(t, store.Append(ctx, turn))
		parent = id
		last = id
	}
	return last
}

func TestChainFrom_BoundedWindowStartsOnUserTurn(t *testing.T) {
	store := newTestStore(t)
	seedConversation(t, store, 8) // u1 a2 u3 a4 u5 a6 u7 a8

	// Anchored on the newest user turn, 5 rounds yields the 5 most recent
	// turns from that point and the window starts on a user turn.
	chain, err := store.ChainFrom(context.Background(), "u7", 5)
	require.NoError(t, err)
	require.Len(t, chain, 5)
	ids := []string{chain[0].ID, chain[1].ID, chain[2].ID, chain[3].ID, chain[4].ID}
	assert.Equal(t, []string{"u3", "a4", "u5", "a6", "u7"}, ids)
	assert.Equal(t, "user", chain[0].Role)
}

func TestChainFrom_DropsLeadingAssistantTurn(t *testing.T) {
	store := newTestStore(t)
	last := seedConversation(t, store, 8) // newest is a8

	// An odd bound anchored on an assistant turn would start the window on
	// an assistant turn; the leading turn is dropped to restore alternation.
	chain, err := store.ChainFrom(context.Background(), last, 3)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "user", chain[0].Role)
	assert.Equal(t, []string{"u7", "a8"}, []string{chain[0].ID, chain[1].ID})
}

func TestChainFrom_MissingParentStopsTraversal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, models.ConversationTurn{
		ID: "u1", Role: "user", Text: "orphan", ParentID: "gone",
	}))

	chain, err := store.ChainFrom(ctx, "u1", 9)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "u1", chain[0].ID)
}

func TestChainFrom_EmptyAnchor(t *testing.T) {
	store := newTestStore(t)

	chain, err := store.ChainFrom(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestOddRounds(t *testing.T) {
	assert.Equal(t, 1, OddRounds(0))
	assert.Equal(t, 1, OddRounds(1))
	assert.Equal(t, 5, OddRounds(4))
	assert.Equal(t, 5, OddRounds(5))
	assert.Equal(t, 9, OddRounds(8))
}
