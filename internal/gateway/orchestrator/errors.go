package orchestrator

import (
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/chatpool/gateway/internal/gateway/keypool"
	"github.com/chatpool/gateway/internal/gateway/providers"
	"github.com/chatpool/gateway/internal/shared/models"
)

// RequestError is the uniform error event shape returned to callers. No raw
// provider or transport error ever propagates past the orchestrator.
type RequestError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RequestError) Error() string {
	return e.Message
}

func badRequest(message string) *RequestError {
	return &RequestError{Code: http.StatusBadRequest, Message: message}
}

// Fixed user-facing messages for admission and capacity failures.
const (
	msgUserBlocked         = "your account has been blocked, please contact the administrator"
	msgInsufficientBalance = "insufficient balance, please top up and try again"
	msgBannedContent       = "your message contains prohibited content and was rejected"
	msgNoKeyConfigured     = "no valid key configured, please configure one in the admin console first"
	msgNoPremiumKey        = "no valid key configured for the premium pool, please configure one in the admin console first"
	msgGenericFailure      = "service error, please try again"
)

// Fixed user-facing messages per upstream status code.
var providerCodeMessages = map[int]string{
	http.StatusBadRequest:          "the provider rejected the request, please adjust your message and retry",
	http.StatusUnauthorized:        "the provider rejected the configured key",
	http.StatusPaymentRequired:     "the provider account balance is exhausted",
	http.StatusForbidden:           "the provider refused to serve this request",
	http.StatusNotFound:            "the requested model is unavailable",
	http.StatusTooManyRequests:     "the provider is overloaded, please try again shortly",
	http.StatusInternalServerError: "the provider failed to answer, please try again",
	http.StatusServiceUnavailable:  "the provider is temporarily unavailable, please try again",
}

// Fixed user-facing messages per lock reason.
var lockMessages = map[string]string{
	models.LockReasonBanned:           "current model key banned, the key has been frozen, please retry your chat",
	models.LockReasonQuotaExhausted:   "current model key quota exhausted, the key has been frozen, please retry your chat",
	models.LockReasonInvalidSecret:    "the configured model key is invalid, the key has been frozen, please retry your chat",
	models.LockReasonUnsupportedModel: "the configured model is not a chat model, the key has been frozen, please retry your chat",
}

// Image-generation failures map statically to fixed messages and never
// mutate credential health.
var drawCodeMessages = map[int]string{
	http.StatusTooManyRequests:     "the service is currently overloaded, please try again in a moment",
	http.StatusBadRequest:          "your request was rejected by the safety system, the prompt may contain disallowed text",
	http.StatusInternalServerError: "image generation failed, please check your prompt for disallowed descriptions",
	http.StatusUnauthorized:        "image generation failed, this request was rejected",
}

// providerStatusCode extracts the upstream HTTP status from an adapter
// error, or 0 when the failure carried none (transport errors).
func providerStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var statusErr *providers.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// toRequestError converts any adapter failure into the uniform error shape.
// lockReason, when present, selects the matching lock message. An upstream
// 401 is remapped to 400 so clients never mistake a provider-credential
// failure for their own session expiring.
func toRequestError(err error, lockReason string) *RequestError {
	if msg, ok := lockMessages[lockReason]; ok {
		return badRequest(msg)
	}

	code := providerStatusCode(err)
	if code == 0 {
		return &RequestError{Code: http.StatusInternalServerError, Message: msgGenericFailure}
	}

	message, ok := providerCodeMessages[code]
	if !ok {
		message = msgGenericFailure
	}
	if code == http.StatusUnauthorized {
		code = http.StatusBadRequest
	}
	return &RequestError{Code: code, Message: message}
}

// classifyHealth reports the lock reason for errors that indicate a broken
// credential. Only the stateful OpenAI adapter's error surface mutates
// health.
func classifyHealth(provider string, err error) (string, bool) {
	if provider != models.ProviderOpenAI {
		return "", false
	}
	return keypool.Classify(err)
}
