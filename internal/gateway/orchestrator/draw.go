package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/chatpool/gateway/internal/shared/database"
	"github.com/chatpool/gateway/internal/shared/models"
)

// DrawRequest is one image-generation call.
type DrawRequest struct {
	User     models.User
	ClientIP string
	Prompt   string
	N        int
	Size     string
}

// DrawResult carries the durable image URLs and the post-deduction balance.
type DrawResult struct {
	URLs    []string       `json:"urls"`
	Balance models.Balance `json:"userBalance"`
}

// DrawImages runs the single-shot image path: admission, one standard-tier
// credential, one synchronous provider call, object-storage persistence per
// image, then a deduction sized to the image count and one audit row per
// URL. Failures map to fixed messages and never mutate credential health.
func (o *Orchestrator) DrawImages(ctx context.Context, req DrawRequest) (*DrawResult, error) {
	if req.User.Status != models.UserStatusNormal {
		return nil, &RequestError{Code: http.StatusForbidden, Message: msgUserBlocked}
	}
	if req.N <= 0 {
		req.N = 1
	}
	if o.deps.Painter == nil || o.deps.Images == nil {
		log.Printf("image generation requested but not configured")
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}

	if word, err := o.deps.Content.CheckBannedWords(ctx, req.Prompt); err != nil {
		log.Printf("banned-words check failed: %v", err)
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	} else if word != "" {
		return nil, badRequest(msgBannedContent)
	}

	if err := o.deps.Ledger.CheckBalance(ctx, req.User.ID, database.UnitDraw, req.N); err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			return nil, badRequest(msgInsufficientBalance)
		}
		log.Printf("balance check for user %s failed: %v", req.User.ID, err)
		return nil, &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}

	cred, reqErr := o.selectCredential(models.TierStandard)
	if reqErr != nil {
		return nil, reqErr
	}

	if err := o.deps.Uses.IncrementUse(ctx, cred.ID); err != nil {
		log.Printf("use count for credential %s: %v", cred.ID, err)
	}

	images, err := o.deps.Painter.Paint(ctx, cred.Secret, o.baseURLFor(cred), req.Prompt, req.N, req.Size)
	if err != nil {
		return nil, drawError(err)
	}

	urls := make([]string, 0, len(images))
	for _, img := range images {
		filename := fmt.Sprintf("%s.png", uuid.NewString())
		url, err := o.deps.Images.Store(ctx, filename, img)
		if err != nil {
			log.Printf("store image %s: %v", filename, err)
			continue
		}
		urls = append(urls, url)
	}

	if err := o.deps.Ledger.Deduct(ctx, req.User.ID, database.UnitDraw, req.N, 0); err != nil {
		log.Printf("draw deduct for user %s failed: %v", req.User.ID, err)
	}

	for _, url := range urls {
		entry := models.ChatLog{
			UserID:   req.User.ID,
			IP:       req.ClientIP,
			Type:     models.LogTypePaint,
			Prompt:   req.Prompt,
			Answer:   url,
			Role:     "assistant",
			FileInfo: url,
		}
		if err := o.deps.Audit.RecordChatLog(ctx, entry); err != nil {
			log.Printf("audit image row: %v", err)
		}
	}

	balance, err := o.deps.Ledger.QueryBalance(ctx, req.User.ID)
	if err != nil {
		log.Printf("balance query for user %s failed: %v", req.User.ID, err)
	}
	return &DrawResult{URLs: urls, Balance: balance}, nil
}

func drawError(err error) *RequestError {
	code := providerStatusCode(err)
	message, ok := drawCodeMessages[code]
	if !ok {
		message = msgGenericFailure
	}
	if code == 0 {
		code = http.StatusInternalServerError
	}
	if code == http.StatusUnauthorized {
		code = http.StatusBadRequest
	}
	return &RequestError{Code: code, Message: message}
}
