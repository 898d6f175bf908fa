package orchestrator

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatpool/gateway/internal/gateway/convstore"
	"github.com/chatpool/gateway/internal/gateway/keypool"
	"github.com/chatpool/gateway/internal/gateway/providers"
	"github.com/chatpool/gateway/internal/gateway/tokenizer"
	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
)

// settleTimeout bounds the post-call side effects (billing, turn appends,
// audit rows), which run on their own context because the caller's may
// already be cancelled.
const settleTimeout = 10 * time.Second

// KeySelector picks a credential from the pool for one dispatch.
type KeySelector interface {
	SelectWeighted(tier string) (models.Credential, error)
}

// HealthLocker takes a credential out of rotation.
type HealthLocker interface {
	Lock(ctx context.Context, credentialID, reason string)
}

// UseRecorder counts one dispatch against a credential.
type UseRecorder interface {
	IncrementUse(ctx context.Context, id string) error
}

// Ledger is the user balance store.
type Ledger interface {
	CheckBalance(ctx context.Context, userID, unit string, amount int) error
	Deduct(ctx context.Context, userID, unit string, amount, tokens int) error
	QueryBalance(ctx context.Context, userID string) (models.Balance, error)
}

// ContentStore serves admission and prompt-resolution lookups.
type ContentStore interface {
	CheckBannedWords(ctx context.Context, text string) (string, error)
	LookupAutoReply(ctx context.Context, prompt string) (string, bool, error)
	GetApp(ctx context.Context, id string) (*models.App, error)
	GetGroup(ctx context.Context, id string) (*models.ChatGroup, error)
}

// AuditLog records one row per turn and per generated image.
type AuditLog interface {
	RecordChatLog(ctx context.Context, entry models.ChatLog) error
}

// Rewriter is the web-augmentation collaborator for network mode.
type Rewriter interface {
	Rewrite(ctx context.Context, prompt string) (string, error)
}

// Painter generates images, returning raw bytes per image.
type Painter interface {
	Paint(ctx context.Context, secret, baseURL, prompt string, n int, size string) ([][]byte, error)
}

// ObjectStore persists generated images and returns a durable URL.
type ObjectStore interface {
	Store(ctx context.Context, filename string, data []byte) (string, error)
}

// Deps are the collaborators behind one Orchestrator.
type Deps struct {
	Config        *config.Config
	Pool          KeySelector
	Health        HealthLocker
	Uses          UseRecorder
	Ledger        Ledger
	Content       ContentStore
	Audit         AuditLog
	Conversations *convstore.Store
	Adapters      map[string]providers.Adapter
	Rewriter      Rewriter // nil disables network mode
	Painter       Painter
	Images        ObjectStore
}

// Orchestrator drives one chat or image call through admission, credential
// selection, dispatch, stream relay, and settlement.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	now  func() time.Time
}

func New(deps Deps) *Orchestrator {
	return &Orchestrator{cfg: deps.Config, deps: deps, now: time.Now}
}

// ChatRequest is one incoming chat call.
type ChatRequest struct {
	User            models.User
	ClientIP        string
	Prompt          string
	ParentMessageID string
	GroupID         string
	AppID           string
	UsingNetwork    bool
	CustomPrompt    bool
	SystemMessage   string
}

// ChatResult is the terminal payload of a successful call.
type ChatResult struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId,omitempty"`
	Text           string            `json:"text"`
	Model          string            `json:"model,omitempty"`
	Usage          models.TokenUsage `json:"usage"`
	Balance        models.Balance    `json:"userBalance"`
	IsEnd          bool              `json:"is_end"`
}

// call carries the per-request state across the dispatch and settlement
// phases. Settlement and abort are mutually exclusive: whichever runs first
// wins and the other becomes a no-op.
type call struct {
	req          ChatRequest
	cred         models.Credential
	prompt       string
	systemPrompt string
	unit         string

	mu      sync.Mutex
	settled bool
}

// finish runs fn only if no terminal side effects have been applied yet.
func (c *call) finish(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.settled = true
	fn()
	return true
}

func unitForTier(tier string) string {
	if tier == models.TierPremium {
		return database.UnitPremium
	}
	return database.UnitStandard
}

// ChatProcess runs one chat call end to end. Stream events are relayed to
// emit in arrival order; pass nil for a non-streaming call. A client
// disconnect surfaces as a context cancellation error after partial usage
// has been billed.
func (o *Orchestrator) ChatProcess(ctx context.Context, req ChatRequest, emit providers.ProgressFunc) (*ChatResult, error) {
	if req.User.Status != models.UserStatusNormal {
		return nil, &RequestError{Code: http.StatusForbidden, Message: msgUserBlocked}
	}

	if word, err := o.deps.Content.CheckBannedWords(ctx, req.Prompt); err != nil {
		log.Printf("banned-words check failed: %v", err)
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	} else if word != "" {
		return nil, badRequest(msgBannedContent)
	}

	if reply, ok, err := o.deps.Content.LookupAutoReply(ctx, req.Prompt); err != nil {
		log.Printf("autoreply lookup failed: %v", err)
	} else if ok {
		balance, _ := o.deps.Ledger.QueryBalance(ctx, req.User.ID)
		return &ChatResult{Text: reply, Balance: balance, IsEnd: true}, nil
	}

	var group *models.ChatGroup
	if req.GroupID != "" {
		g, err := o.deps.Content.GetGroup(ctx, req.GroupID)
		if err != nil {
			log.Printf("group %s lookup failed: %v", req.GroupID, err)
		}
		group = g
	}
	var app *models.App
	if req.AppID != "" {
		a, err := o.deps.Content.GetApp(ctx, req.AppID)
		if err != nil {
			log.Printf("app %s lookup failed: %v", req.AppID, err)
		}
		app = a
	}

	// One-off helper prompts always draw from the standard pool.
	tier := models.TierStandard
	if !req.CustomPrompt && group != nil && group.Tier == models.TierPremium {
		tier = models.TierPremium
	}

	if err := o.deps.Ledger.CheckBalance(ctx, req.User.ID, unitForTier(tier), 1); err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			return nil, badRequest(msgInsufficientBalance)
		}
		log.Printf("balance check for user %s failed: %v", req.User.ID, err)
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}

	cred, reqErr := o.selectCredential(tier)
	if reqErr != nil {
		return nil, reqErr
	}

	maxContext, maxResponse := reconcileTokenLimits(o.cfg, cred)

	prompt := req.Prompt
	if req.UsingNetwork && o.deps.Rewriter != nil {
		rewritten, err := o.deps.Rewriter.Rewrite(ctx, req.Prompt)
		if err != nil {
			log.Printf("web augmentation failed, using raw prompt: %v", err)
		} else {
			prompt = rewritten
		}
	}

	systemPrompt := resolveSystemPrompt(o.cfg, app, req.CustomPrompt,
		req.SystemMessage, group, req.UsingNetwork, o.now())

	temperature := float32(0.8)
	rounds := o.cfg.DefaultRounds
	if group != nil {
		if group.Temperature > 0 {
			temperature = group.Temperature
		}
		if group.Rounds > 0 {
			rounds = group.Rounds
		}
	}

	var history []models.ConversationTurn
	if cred.Provider != models.ProviderOpenAI && req.ParentMessageID != "" {
		h, err := o.deps.Conversations.ChainFrom(ctx, req.ParentMessageID, convstore.OddRounds(rounds))
		if err != nil {
			log.Printf("history for turn %s unavailable, replaying none: %v", req.ParentMessageID, err)
		} else {
			history = h
		}
	}

	adapter, ok := o.deps.Adapters[cred.Provider]
	if !ok {
		log.Printf("no adapter registered for provider %s", cred.Provider)
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}

	opts := providers.SendOptions{
		Secret:            cred.Secret,
		BaseURL:           o.baseURLFor(cred),
		Model:             cred.Model,
		Temperature:       temperature,
		Timeout:           o.timeoutFor(cred),
		SystemMessage:     systemPrompt,
		MaxContextTokens:  maxContext,
		MaxResponseTokens: maxResponse,
		ParentMessageID:   req.ParentMessageID,
		History:           history,
	}

	c := &call{
		req:          req,
		cred:         cred,
		prompt:       prompt,
		systemPrompt: systemPrompt,
		unit:         unitForTier(cred.Tier),
	}

	if err := o.deps.Uses.IncrementUse(ctx, cred.ID); err != nil {
		log.Printf("use count for credential %s: %v", cred.ID, err)
	}

	var lastEvent providers.Event
	reply, err := adapter.Send(ctx, prompt, opts, func(ev providers.Event) {
		lastEvent = ev
		if emit != nil {
			emit(ev)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			o.abort(c, lastEvent.Text)
			return nil, context.Canceled
		}
		if reason, ok := classifyHealth(cred.Provider, err); ok {
			o.deps.Health.Lock(context.Background(), cred.ID, reason)
			return nil, toRequestError(err, reason)
		}
		log.Printf("provider %s call failed: %v", cred.Provider, err)
		return nil, toRequestError(err, "")
	}

	return o.settle(c, reply)
}

func (o *Orchestrator) selectCredential(tier string) (models.Credential, *RequestError) {
	cred, err := o.deps.Pool.SelectWeighted(tier)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, keypool.ErrNoCapacity) {
		log.Printf("credential selection for tier %s failed: %v", tier, err)
		return models.Credential{}, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}
	if tier == models.TierPremium {
		if o.cfg.PremiumAutoDowngrade {
			if cred, err = o.deps.Pool.SelectWeighted(models.TierStandard); err == nil {
				return cred, nil
			}
		}
		return models.Credential{}, badRequest(msgNoPremiumKey)
	}
	return models.Credential{}, badRequest(msgNoKeyConfigured)
}

func (o *Orchestrator) baseURLFor(cred models.Credential) string {
	if cred.ProxyURL != "" {
		return cred.ProxyURL
	}
	switch cred.Provider {
	case models.ProviderBaidu:
		return o.cfg.BaiduBaseURL
	case models.ProviderZhipu:
		return o.cfg.ZhipuBaseURL
	}
	return o.cfg.OpenAIBaseURL
}

func (o *Orchestrator) timeoutFor(cred models.Credential) time.Duration {
	if cred.TimeoutSeconds > 0 {
		return time.Duration(cred.TimeoutSeconds) * time.Second
	}
	return time.Duration(o.cfg.TimeoutSeconds) * time.Second
}

// settle applies the success side effects once: billing, both conversation
// turns, two audit rows, and the balance annotation for the terminal payload.
func (o *Orchestrator) settle(c *call, reply *providers.Reply) (*ChatResult, error) {
	var result *ChatResult
	o.finishWithContext(c, func(ctx context.Context) {
		usage := models.TokenUsage{}
		if reply.Usage != nil {
			usage = *reply.Usage
		} else {
			texts := []string{c.systemPrompt, c.prompt}
			usage.PromptTokens = tokenizer.CountMessages(c.cred.Model, texts...)
			usage.CompletionTokens = tokenizer.CountText(c.cred.Model, reply.Text)
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}

		if err := o.deps.Ledger.Deduct(ctx, c.req.User.ID, c.unit, 1, usage.TotalTokens); err != nil {
			log.Printf("deduct for user %s failed: %v", c.req.User.ID, err)
		}

		assistantID := reply.ID
		if assistantID == "" {
			assistantID = uuid.NewString()
		}

		userTurn := models.ConversationTurn{
			ID:             o.deps.Conversations.NewTurnID(),
			Role:           "user",
			Text:           c.req.Prompt,
			ParentID:       c.req.ParentMessageID,
			ConversationID: reply.ConversationID,
		}
		assistantTurn := models.ConversationTurn{
			ID:             assistantID,
			Role:           "assistant",
			Text:           reply.Text,
			ParentID:       userTurn.ID,
			ConversationID: reply.ConversationID,
			Usage:          &usage,
		}
		if err := o.deps.Conversations.Append(ctx, userTurn); err != nil {
			log.Printf("append user turn: %v", err)
		}
		if err := o.deps.Conversations.Append(ctx, assistantTurn); err != nil {
			log.Printf("append assistant turn: %v", err)
		}

		o.recordTurnLogs(ctx, c, reply.ConversationID, assistantID, reply.Text,
			usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)

		balance, err := o.deps.Ledger.QueryBalance(ctx, c.req.User.ID)
		if err != nil {
			log.Printf("balance query for user %s failed: %v", c.req.User.ID, err)
		}

		result = &ChatResult{
			ID:             assistantID,
			ConversationID: reply.ConversationID,
			Text:           reply.Text,
			Model:          c.cred.Model,
			Usage:          usage,
			Balance:        balance,
			IsEnd:          true,
		}
	})
	if result == nil {
		return nil, context.Canceled
	}
	return result, nil
}

// abort applies the disconnect side effects once: partial billing from
// locally counted tokens plus a user-turn row and an empty assistant row.
// Nothing else is sent to the caller.
func (o *Orchestrator) abort(c *call, partialText string) {
	o.finishWithContext(c, func(ctx context.Context) {
		promptTokens := tokenizer.CountMessages(c.cred.Model, c.systemPrompt, c.prompt)
		partialTokens := tokenizer.CountText(c.cred.Model, partialText)
		total := promptTokens + partialTokens

		if err := o.deps.Ledger.Deduct(ctx, c.req.User.ID, c.unit, 1, total); err != nil {
			log.Printf("partial deduct for user %s failed: %v", c.req.User.ID, err)
		}

		o.recordTurnLogs(ctx, c, "", "", "", promptTokens, 0, total)
	})
}

// finishWithContext runs fn under the call's once-only terminal gate with a
// fresh bounded context, since the request context may be gone.
func (o *Orchestrator) finishWithContext(c *call, fn func(ctx context.Context)) {
	c.finish(func() {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (o *Orchestrator) recordTurnLogs(ctx context.Context, c *call, conversationID, assistantID, answer string, promptTokens, completionTokens, totalTokens int) {
	base := models.ChatLog{
		UserID:          c.req.User.ID,
		AppID:           c.req.AppID,
		GroupID:         c.req.GroupID,
		IP:              c.req.ClientIP,
		Type:            models.LogTypeChat,
		Prompt:          c.req.Prompt,
		Model:           c.cred.Model,
		ConversationID:  conversationID,
		ParentMessageID: c.req.ParentMessageID,
	}

	userRow := base
	userRow.Role = "user"
	userRow.PromptTokens = promptTokens
	userRow.TotalTokens = promptTokens
	if err := o.deps.Audit.RecordChatLog(ctx, userRow); err != nil {
		log.Printf("audit user turn: %v", err)
	}

	assistantRow := base
	assistantRow.ID = assistantID
	assistantRow.Role = "assistant"
	assistantRow.Answer = answer
	assistantRow.CompletionTokens = completionTokens
	assistantRow.TotalTokens = totalTokens
	if err := o.deps.Audit.RecordChatLog(ctx, assistantRow); err != nil {
		log.Printf("audit assistant turn: %v", err)
	}
}
