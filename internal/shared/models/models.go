package models

import "time"

// Provider tiers. Each tier has its own credential pool and balance unit.
const (
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Credential health states.
const (
	StatusActive = "active"
	StatusLocked = "locked"
)

// Lock reasons recorded when a credential is taken out of rotation.
const (
	LockReasonBanned           = "banned"
	LockReasonQuotaExhausted   = "quota-exhausted"
	LockReasonInvalidSecret    = "invalid-secret"
	LockReasonUnsupportedModel = "unsupported-model"
)

// Provider protocol families dispatched by the orchestrator.
const (
	ProviderOpenAI = "openai"
	ProviderBaidu  = "baidu"
	ProviderZhipu  = "zhipu"
)

// Credential is one usable API key/secret for one provider tier.
type Credential struct {
	ID                string
	Secret            string
	Provider          string
	Tier              string
	Model             string
	Weight            int
	MaxContextTokens  int
	MaxResponseTokens int
	ProxyURL          string
	TimeoutSeconds    int
	Enabled           bool
	Status            string
	LockReason        *string
	UseCount          int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Usable reports whether the credential may enter the key pool.
func (c Credential) Usable() bool {
	return c.Enabled && c.Status == StatusActive
}

// TokenUsage carries token counts for one provider call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ConversationTurn is one message in a thread. Turns are immutable once
// written; ParentID forms a singly-linked backward chain ("" = root).
type ConversationTurn struct {
	ID             string      `json:"id"`
	Role           string      `json:"role"`
	Text           string      `json:"text"`
	ParentID       string      `json:"parentMessageId"`
	ConversationID string      `json:"conversationId,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// User is the caller identity attached by the auth middleware.
type User struct {
	ID        string
	Name      string
	Role      string
	Status    int
	CreatedAt time.Time
}

// User status values. Only StatusNormal users are admitted.
const (
	UserStatusNormal  = 1
	UserStatusBlocked = 2
)

// Balance is a user's remaining paid units per tier.
type Balance struct {
	StandardBalance int `json:"standardBalance"`
	PremiumBalance  int `json:"premiumBalance"`
	DrawBalance     int `json:"drawBalance"`
}

// App is a caller-bound application preset. Its Preset, when the app is in
// an allowed status, takes top precedence for the system prompt.
type App struct {
	ID     string
	Name   string
	Preset string
	Status int
}

// App lifecycle statuses allowed to serve presets.
var AppAllowedStatuses = []int{1, 3, 4, 5}

// ChatGroup is one logical conversation with its saved model config.
type ChatGroup struct {
	ID            string
	UserID        string
	Tier          string
	Model         string
	Temperature   float32
	SystemMessage string
	Rounds        int
}

// ChatLog is one audit-log row, written once per turn and once per
// generated image.
type ChatLog struct {
	ID               string
	UserID           string
	AppID            string
	GroupID          string
	IP               string
	Type             string
	Prompt           string
	Answer           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
	Role             string
	ConversationID   string
	ParentMessageID  string
	FileInfo         string
	CreatedAt        time.Time
}

// Audit log entry types.
const (
	LogTypeChat  = "chat"
	LogTypePaint = "paint"
)
