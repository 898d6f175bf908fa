package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/chatpool/gateway/internal/gateway/convstore"
	"github.com/chatpool/gateway/internal/gateway/tokenizer"
	"github.com/chatpool/gateway/internal/shared/models"
)

// chainScanBound caps how many stored turns a context rebuild may visit
// before the token budget trims it further.
const chainScanBound = 200

// OpenAIAdapter is the stateful-threaded variant: conversation state lives
// behind provider-issued message identifiers, and the adapter rebuilds the
// upstream context from its message store when a parent id is supplied.
type OpenAIAdapter struct {
	store *convstore.Store
}

// NewOpenAIAdapter creates the adapter on the shared conversation store.
func NewOpenAIAdapter(store *convstore.Store) *OpenAIAdapter {
	return &OpenAIAdapter{store: store}
}

// Name returns the provider family identifier.
func (p *OpenAIAdapter) Name() string {
	return models.ProviderOpenAI
}

// Send streams one chat completion. Each delta is relayed through
// onProgress before the final reply is assembled.
func (p *OpenAIAdapter) Send(ctx context.Context, prompt string, opts SendOptions, onProgress ProgressFunc) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := openai.DefaultConfig(opts.Secret)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: opts.httpTimeout()}
	client := openai.NewClientWithConfig(cfg)

	messages, conversationID, err := p.buildMessages(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxResponseTokens > 0 {
		req.MaxTokens = opts.MaxResponseTokens
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	reply := &Reply{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Model:          opts.Model,
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai: stream recv: %w", err)
		}

		if chunk.Usage != nil {
			reply.Usage = &models.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.Text += delta
		if onProgress != nil {
			onProgress(Event{
				ID:             reply.ID,
				Delta:          delta,
				Text:           reply.Text,
				ConversationID: conversationID,
				Role:           "assistant",
			})
		}
	}

	return reply, nil
}

// buildMessages rebuilds the upstream context from the parent chain,
// trimmed oldest-first to fit the token budget left after the system
// prompt, the new user prompt, and the reserved response window.
func (p *OpenAIAdapter) buildMessages(ctx context.Context, prompt string, opts SendOptions) ([]openai.ChatCompletionMessage, string, error) {
	var history []models.ConversationTurn
	conversationID := ""

	if opts.ParentMessageID != "" {
		parent, err := p.store.Get(ctx, opts.ParentMessageID)
		if err != nil {
			return nil, "", err
		}
		if parent != nil {
			conversationID = parent.ConversationID
		}

		history, err = p.store.ChainFrom(ctx, opts.ParentMessageID, chainScanBound)
		if err != nil {
			return nil, "", err
		}
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	budget := opts.MaxContextTokens - opts.MaxResponseTokens
	if budget > 0 {
		used := tokenizer.CountMessages(opts.Model, opts.SystemMessage, prompt)
		kept := len(history)
		for kept > 0 {
			total := used
			for _, turn := range history[len(history)-kept:] {
				total += tokenizer.CountText(opts.Model, turn.Text) + 4
			}
			if total <= budget {
				break
			}
			// drop the oldest user/assistant pair to keep alternation
			kept -= 2
		}
		if kept < 0 {
			kept = 0
		}
		history = history[len(history)-kept:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if opts.SystemMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemMessage,
		})
	}
	for _, turn := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	return messages, conversationID, nil
}
