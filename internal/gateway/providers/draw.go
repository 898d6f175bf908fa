package providers

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ImageClient generates images through the OpenAI-compatible images
// endpoint, requesting base64 payloads so the caller can persist them.
type ImageClient struct{}

func NewImageClient() *ImageClient {
	return &ImageClient{}
}

func (ic *ImageClient) Paint(ctx context.Context, secret, baseURL, prompt string, n int, size string) ([][]byte, error) {
	cfg := openai.DefaultConfig(secret)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		N:              n,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}

	images := make([][]byte, 0, len(resp.Data))
	for _, d := range resp.Data {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image payload: %w", err)
		}
		images = append(images, raw)
	}
	return images, nil
}
