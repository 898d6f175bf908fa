package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatpool/gateway/internal/shared/models"
)

const (
	defaultZhipuBaseURL = "https://open.bigmodel.cn/api/paas/v4"
	zhipuTokenTTL       = 30 * time.Minute
)

// ZhipuAdapter is the second stateless history-replay variant. It shares the
// replay shape with the Baidu adapter but authenticates with a short-lived
// JWT derived from an "id.secret" credential and speaks an OpenAI-shaped
// delta envelope terminated by [DONE].
type ZhipuAdapter struct {
	baseURL    string
	httpClient *http.Client
}

type zhipuMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type zhipuRequest struct {
	Model       string         `json:"model"`
	Messages    []zhipuMessage `json:"messages"`
	Temperature float32        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream"`
}

type zhipuChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *models.TokenUsage `json:"usage"`
}

// NewZhipuAdapter creates the adapter. baseURL may be empty for the public
// endpoint.
func NewZhipuAdapter(baseURL string) *ZhipuAdapter {
	if baseURL == "" {
		baseURL = defaultZhipuBaseURL
	}
	return &ZhipuAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Name returns the provider family identifier.
func (p *ZhipuAdapter) Name() string {
	return models.ProviderZhipu
}

// Send replays the bounded history plus the new prompt and streams the
// response.
func (p *ZhipuAdapter) Send(ctx context.Context, prompt string, opts SendOptions, onProgress ProgressFunc) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token, err := zhipuJWT(opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("zhipu: %w", err)
	}

	messages := make([]zhipuMessage, 0, len(opts.History)+2)
	if opts.SystemMessage != "" {
		messages = append(messages, zhipuMessage{Role: "system", Content: opts.SystemMessage})
	}
	messages = append(messages, replayMessages(opts.History, prompt, func(role, content string) zhipuMessage {
		return zhipuMessage{Role: role, Content: content}
	})...)

	body := zhipuRequest{
		Model:       opts.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		Stream:      true,
	}
	if opts.MaxResponseTokens > 0 {
		body.MaxTokens = opts.MaxResponseTokens
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("zhipu: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.httpTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("zhipu: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("zhipu: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	reply := &Reply{Model: opts.Model}
	reader := bufio.NewReader(httpResp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("zhipu: read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if dataStr == "[DONE]" {
			break
		}

		var chunk zhipuChunk
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}

		if chunk.ID != "" {
			reply.ID = chunk.ID
		}
		if chunk.Usage != nil {
			reply.Usage = chunk.Usage
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
				ID:    reply.ID,
				Delta: delta,
				Text:  reply.Text,
				Role:  "assistant",
			})
		}
	}

	return reply, nil
}

// zhipuJWT derives the bearer token from an "id.secret" credential.
func zhipuJWT(secret string) (string, error) {
	parts := strings.Split(secret, ".")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid api key format")
	}
	id, key := parts[0], parts[1]

	now := time.Now()
	claims := jwt.MapClaims{
		"api_key":   id,
		"exp":       now.Add(zhipuTokenTTL).UnixMilli(),
		"timestamp": now.UnixMilli(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["sign_type"] = "SIGN"
	return token.SignedString([]byte(key))
}
