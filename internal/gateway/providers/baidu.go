package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/chatpool/gateway/internal/shared/models"
)

const defaultBaiduBaseURL = "https://aip.baidubce.com"

// BaiduAdapter is a stateless history-replay variant. The provider keeps no
// conversation state, so the full bounded history travels on every call.
// Authentication is an access token passed as a query parameter.
type BaiduAdapter struct {
	baseURL    string
	httpClient *http.Client
}

// baiduMessage is one message in the ERNIE wire format.
type baiduMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// baiduRequest is the ERNIE chat request body.
type baiduRequest struct {
	Messages        []baiduMessage `json:"messages"`
	Temperature     float32        `json:"temperature,omitempty"`
	System          string         `json:"system,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Stream          bool           `json:"stream"`
}

// baiduChunk is one streamed ERNIE event; the final chunk carries usage.
type baiduChunk struct {
	ID        string             `json:"id"`
	Result    string             `json:"result"`
	IsEnd     bool               `json:"is_end"`
	Usage     *models.TokenUsage `json:"usage"`
	ErrorCode int                `json:"error_code"`
	ErrorMsg  string             `json:"error_msg"`
}

// NewBaiduAdapter creates the adapter. baseURL may be empty for the public
// endpoint.
func NewBaiduAdapter(baseURL string) *BaiduAdapter {
	if baseURL == "" {
		baseURL = defaultBaiduBaseURL
	}
	return &BaiduAdapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Name returns the provider family identifier.
func (p *BaiduAdapter) Name() string {
	return models.ProviderBaidu
}

// Send replays the bounded history plus the new prompt and streams the
// response.
func (p *BaiduAdapter) Send(ctx context.Context, prompt string, opts SendOptions, onProgress ProgressFunc) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body := baiduRequest{
		Messages:    replayMessages(opts.History, prompt, func(role, content string) baiduMessage { return baiduMessage{Role: role, Content: content} }),
		Temperature: opts.Temperature,
		System:      opts.SystemMessage,
		Stream:      true,
	}
	if opts.MaxResponseTokens > 0 {
		body.MaxOutputTokens = opts.MaxResponseTokens
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("baidu: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/%s?access_token=%s",
		p.baseURL, url.PathEscape(opts.Model), url.QueryEscape(opts.Secret))

	callCtx, cancel := context.WithTimeout(ctx, opts.httpTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("baidu: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("baidu: %w", err)
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
			return nil, fmt.Errorf("baidu: read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk baiduChunk
		if err := json.Unmarshal([]byte(dataStr), &chunk); err != nil {
			continue
		}
		if chunk.ErrorCode != 0 {
			return nil, &StatusError{StatusCode: http.StatusBadRequest, Message: chunk.ErrorMsg}
		}

		if chunk.ID != "" {
			reply.ID = chunk.ID
		}
		if chunk.Result != "" {
			reply.Text += chunk.Result
			if onProgress != nil {
				onProgress(Event{
					ID:    reply.ID,
					Delta: chunk.Result,
					Text:  reply.Text,
					Role:  "assistant",
				})
			}
		}
		if chunk.Usage != nil {
			reply.Usage = chunk.Usage
		}
		if chunk.IsEnd {
			break
		}
	}

	return reply, nil
}

// replayMessages converts the bounded history plus the new prompt into the
// provider's message slice.
func replayMessages[T any](history []models.ConversationTurn, prompt string, convert func(role, content string) T) []T {
	messages := make([]T, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, convert(turn.Role, turn.Text))
	}
	messages = append(messages, convert("user", prompt))
	return messages
}
