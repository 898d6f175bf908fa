package orchestrator

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpool/gateway/internal/gateway/convstore"
	"github.com/chatpool/gateway/internal/gateway/keypool"
	"github.com/chatpool/gateway/internal/gateway/providers"
	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/chatpool/gateway/internal/shared/redis"
)

type fakePool struct {
	creds map[string]models.Credential
}

func (f *fakePool) SelectWeighted(tier string) (models.Credential, error) {
	c, ok := f.creds[tier]
	if !ok {
		return models.Credential{}, keypool.ErrNoCapacity
	}
	return c, nil
}

type fakeHealth struct {
	locked map[string]string
}

func (f *fakeHealth) Lock(ctx context.Context, credentialID, reason string) {
	f.locked[credentialID] = reason
}

type fakeUses struct {
	counts map[string]int
}

func (f *fakeUses) IncrementUse(ctx context.Context, id string) error {
	f.counts[id]++
	return nil
}

type deduction struct {
	userID string
	unit   string
	amount int
	tokens int
}

type fakeLedger struct {
	insufficient bool
	balance      models.Balance
	deductions   []deduction
}

func (f *fakeLedger) CheckBalance(ctx context.Context, userID, unit string, amount int) error {
	if f.insufficient {
		return database.ErrInsufficientBalance
	}
	return nil
}

func (f *fakeLedger) Deduct(ctx context.Context, userID, unit string, amount, tokens int) error {
	f.deductions = append(f.deductions, deduction{userID, unit, amount, tokens})
	return nil
}

func (f *fakeLedger) QueryBalance(ctx context.Context, userID string) (models.Balance, error) {
	return f.balance, nil
}

type fakeContent struct {
	banned    string
	autoreply map[string]string
	groups    map[string]*models.ChatGroup
	apps      map[string]*models.App
}

func (f *fakeContent) CheckBannedWords(ctx context.Context, text string) (string, error) {
	return f.banned, nil
}

func (f *fakeContent) LookupAutoReply(ctx context.Context, prompt string) (string, bool, error) {
	reply, ok := f.autoreply[prompt]
	return reply, ok, nil
}

func (f *fakeContent) GetApp(ctx context.Context, id string) (*models.App, error) {
	return f.apps[id], nil
}

func (f *fakeContent) GetGroup(ctx context.Context, id string) (*models.ChatGroup, error) {
	return f.groups[id], nil
}

type fakeAudit struct {
	rows []models.ChatLog
}

func (f *fakeAudit) RecordChatLog(ctx context.Context, entry models.ChatLog) error {
	f.rows = append(f.rows, entry)
	return nil
}

type fakeAdapter struct {
	name     string
	events   []providers.Event
	reply    *providers.Reply
	err      error
	calls    int
	lastOpts providers.SendOptions
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Send(ctx context.Context, prompt string, opts providers.SendOptions, onProgress providers.ProgressFunc) (*providers.Reply, error) {
	f.calls++
	f.lastOpts = opts
	for _, ev := range f.events {
		if onProgress != nil {
			onProgress(ev)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fixture struct {
	orch    *Orchestrator
	pool    *fakePool
	health  *fakeHealth
	uses    *fakeUses
	ledger  *fakeLedger
	content *fakeContent
	audit   *fakeAudit
	adapter *fakeAdapter
	conv    *convstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	conv := convstore.New(redis.NewFromClient(client))

	f := &fixture{
		pool: &fakePool{creds: map[string]models.Credential{
			models.TierStandard: {
				ID: "key-std", Secret: "sk-std", Provider: models.ProviderOpenAI,
				Tier: models.TierStandard, Model: "gpt-3.5-turbo", Weight: 1,
				Enabled: true, Status: models.StatusActive,
			},
		}},
		health:  &fakeHealth{locked: map[string]string{}},
		uses:    &fakeUses{counts: map[string]int{}},
		ledger:  &fakeLedger{balance: models.Balance{StandardBalance: 42}},
		content: &fakeContent{autoreply: map[string]string{}, groups: map[string]*models.ChatGroup{}, apps: map[string]*models.App{}},
		audit:   &fakeAudit{},
		adapter: &fakeAdapter{
			name: models.ProviderOpenAI,
			events: []providers.Event{
				{ID: "msg-1", Delta: "hel", Text: "hel"},
				{ID: "msg-1", Delta: "lo", Text: "hello"},
			},
			reply: &providers.Reply{
				ID: "msg-1", ConversationID: "conv-1", Text: "hello", Model: "gpt-3.5-turbo",
				Usage: &models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			},
		},
		conv: conv,
	}

	cfg := &config.Config{
		SystemPreMessage: "You are a helpful assistant.",
		DefaultRounds:    8,
		TimeoutSeconds:   100,
	}

	f.orch = New(Deps{
		Config:        cfg,
		Pool:          f.pool,
		Health:        f.health,
		Uses:          f.uses,
		Ledger:        f.ledger,
		Content:       f.content,
		Audit:         f.audit,
		Conversations: conv,
		Adapters:      map[string]providers.Adapter{models.ProviderOpenAI: f.adapter},
	})
	return f
}

func normalUser() models.User {
	return models.User{ID: "u-1", Status: models.UserStatusNormal}
}

func TestChatProcess_SettlesAndBills(t *testing.T) {
	f := newFixture(t)

	var deltas []string
	result, err := f.orch.ChatProcess(context.Background(), ChatRequest{
		User:   normalUser(),
		Prompt: "hi there",
	}, func(ev providers.Event) {
		deltas = append(deltas, ev.Delta)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "conv-1", result.ConversationID)
	assert.True(t, result.IsEnd)
	assert.Equal(t, 42, result.Balance.StandardBalance)
	assert.Equal(t, 15, result.Usage.TotalTokens)

	require.Len(t, f.ledger.deductions, 1)
	d := f.ledger.deductions[0]
	assert.Equal(t, database.UnitStandard, d.unit)
	assert.Equal(t, 1, d.amount)
	assert.Equal(t, 15, d.tokens)

	assert.Equal(t, 1, f.uses.counts["key-std"])

	// both turns persisted, assistant chained to the user turn
	assistant, err := f.conv.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, assistant)
	assert.Equal(t, "assistant", assistant.Role)
	user, err := f.conv.Get(context.Background(), assistant.ParentID)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "hi there", user.Text)

	require.Len(t, f.audit.rows, 2)
	assert.Equal(t, "user", f.audit.rows[0].Role)
	assert.Equal(t, "assistant", f.audit.rows[1].Role)
	assert.Equal(t, "hello", f.audit.rows[1].Answer)
}

func TestChatProcess_LocalTokenFallbackWhenUsageMissing(t *testing.T) {
	f := newFixture(t)
	f.adapter.reply.Usage = nil

	result, err := f.orch.ChatProcess(context.Background(), ChatRequest{
		User:   normalUser(),
		Prompt: "hi there",
	}, nil)
	require.NoError(t, err)

	assert.Greater(t, result.Usage.PromptTokens, 0)
	assert.Greater(t, result.Usage.CompletionTokens, 0)
	require.Len(t, f.ledger.deductions, 1)
	assert.Equal(t, result.Usage.TotalTokens, f.ledger.deductions[0].tokens)
}

func TestChatProcess_DisconnectBillsPartialUsage(t *testing.T) {
	f := newFixture(t)
	f.adapter.events = []providers.Event{{ID: "msg-1", Delta: "par", Text: "par"}}
	f.adapter.reply = nil
	f.adapter.err = context.Canceled

	_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
		User:   normalUser(),
		Prompt: "hi there",
	}, nil)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, f.ledger.deductions, 1)
	assert.Greater(t, f.ledger.deductions[0].tokens, 0)

	// assistant row carries no answer and no completion tokens
	require.Len(t, f.audit.rows, 2)
	assert.Empty(t, f.audit.rows[1].Answer)
	assert.Zero(t, f.audit.rows[1].CompletionTokens)

	// no turns are persisted for an aborted call
	turn, err := f.conv.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Nil(t, turn)
}

func TestTerminalSideEffectsApplyOnce(t *testing.T) {
	f := newFixture(t)

	c := &call{
		req:  ChatRequest{User: normalUser(), Prompt: "hi"},
		cred: f.pool.creds[models.TierStandard],
		unit: database.UnitStandard,
	}

	reply := &providers.Reply{ID: "msg-1", Text: "hello",
		Usage: &models.TokenUsage{TotalTokens: 15}}
	result, err := f.orch.settle(c, reply)
	require.NoError(t, err)
	require.NotNil(t, result)

	// a disconnect observed after settlement must not bill again
	f.orch.abort(c, "par")
	require.Len(t, f.ledger.deductions, 1)

	// nor may a late success settle after an abort
	c2 := &call{
		req:  ChatRequest{User: normalUser(), Prompt: "hi"},
		cred: f.pool.creds[models.TierStandard],
		unit: database.UnitStandard,
	}
	f.orch.abort(c2, "")
	_, err = f.orch.settle(c2, reply)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.ledger.deductions, 2)
}

func TestChatProcess_AdmissionRejections(t *testing.T) {
	t.Run("blocked user", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User:   models.User{ID: "u-1", Status: models.UserStatusBlocked},
			Prompt: "hi",
		}, nil)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, http.StatusForbidden, reqErr.Code)
		assert.Zero(t, f.adapter.calls)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.insufficient = true
		_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "hi",
		}, nil)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, msgInsufficientBalance, reqErr.Message)
		assert.Zero(t, f.adapter.calls)
	})

	t.Run("banned content", func(t *testing.T) {
		f := newFixture(t)
		f.content.banned = "badword"
		_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "something badword here",
		}, nil)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, msgBannedContent, reqErr.Message)
		assert.Zero(t, f.adapter.calls)
		assert.Empty(t, f.ledger.deductions)
	})

	t.Run("autoreply short-circuit", func(t *testing.T) {
		f := newFixture(t)
		f.content.autoreply["who are you"] = "I am the gateway."
		result, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "who are you",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "I am the gateway.", result.Text)
		assert.True(t, result.IsEnd)
		assert.Zero(t, f.adapter.calls)
		assert.Empty(t, f.ledger.deductions)
	})
}

func TestChatProcess_PremiumDowngrade(t *testing.T) {
	premiumGroup := func(f *fixture) {
		f.content.groups["g-1"] = &models.ChatGroup{ID: "g-1", Tier: models.TierPremium}
	}

	t.Run("downgrade enabled falls back to standard", func(t *testing.T) {
		f := newFixture(t)
		premiumGroup(f)
		f.orch.cfg.PremiumAutoDowngrade = true

		result, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "hi", GroupID: "g-1",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "gpt-3.5-turbo", result.Model)
		require.Len(t, f.ledger.deductions, 1)
		assert.Equal(t, database.UnitStandard, f.ledger.deductions[0].unit)
	})

	t.Run("downgrade disabled fails the call", func(t *testing.T) {
		f := newFixture(t)
		premiumGroup(f)

		_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "hi", GroupID: "g-1",
		}, nil)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, msgNoPremiumKey, reqErr.Message)
		assert.Zero(t, f.adapter.calls)
	})

	t.Run("premium pool serves premium group", func(t *testing.T) {
		f := newFixture(t)
		premiumGroup(f)
		f.pool.creds[models.TierPremium] = models.Credential{
			ID: "key-prem", Secret: "sk-prem", Provider: models.ProviderOpenAI,
			Tier: models.TierPremium, Model: "gpt-4", Weight: 1,
			Enabled: true, Status: models.StatusActive,
		}

		result, err := f.orch.ChatProcess(context.Background(), ChatRequest{
			User: normalUser(), Prompt: "hi", GroupID: "g-1",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4", result.Model)
		require.Len(t, f.ledger.deductions, 1)
		assert.Equal(t, database.UnitPremium, f.ledger.deductions[0].unit)
		assert.Equal(t, 1, f.uses.counts["key-prem"])
	})
}

func TestChatProcess_LocksCredentialOnAccountHealthError(t *testing.T) {
	f := newFixture(t)
	f.adapter.reply = nil
	f.adapter.err = &openai.APIError{
		HTTPStatusCode: http.StatusUnauthorized,
		Message:        "Incorrect API key provided: sk-std",
	}

	_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
		User: normalUser(), Prompt: "hi",
	}, nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Code)
	assert.Equal(t, lockMessages[models.LockReasonInvalidSecret], reqErr.Message)
	assert.Equal(t, models.LockReasonInvalidSecret, f.health.locked["key-std"])
}

func TestChatProcess_MasksUpstreamUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.adapter.reply = nil
	f.adapter.err = &openai.APIError{
		HTTPStatusCode: http.StatusUnauthorized,
		Message:        "invalid authentication",
	}

	_, err := f.orch.ChatProcess(context.Background(), ChatRequest{
		User: normalUser(), Prompt: "hi",
	}, nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Code)
	assert.Empty(t, f.health.locked)
}

func TestChatProcess_ReplaysHistoryForStatelessProviders(t *testing.T) {
	f := newFixture(t)
	f.pool.creds[models.TierStandard] = models.Credential{
		ID: "key-baidu", Secret: "tok", Provider: models.ProviderBaidu,
		Tier: models.TierStandard, Model: "ernie-bot", Weight: 1,
		Enabled: true, Status: models.StatusActive,
	}
	f.adapter.name = models.ProviderBaidu
	f.orch.deps.Adapters = map[string]providers.Adapter{models.ProviderBaidu: f.adapter}

	ctx := context.Background()
	require.NoError(t, f.conv.Append(ctx, models.ConversationTurn{ID: "u1", Role: "user", Text: "first"}))
	require.NoError(t, f.conv.Append(ctx, models.ConversationTurn{ID: "a1", Role: "assistant", Text: "answer", ParentID: "u1"}))

	_, err := f.orch.ChatProcess(ctx, ChatRequest{
		User: normalUser(), Prompt: "second", ParentMessageID: "a1",
	}, nil)
	require.NoError(t, err)

	require.Len(t, f.adapter.lastOpts.History, 2)
	assert.Equal(t, "first", f.adapter.lastOpts.History[0].Text)
	assert.Equal(t, "answer", f.adapter.lastOpts.History[1].Text)
}
