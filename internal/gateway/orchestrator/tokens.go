package orchestrator

import (
	"log"
	"strings"

	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/models"
)

// Hard per-model token ceilings. Configured and credential-level values are
// clamped to these, never raised above them.
const (
	premiumLargeMaxContext  = 32768
	premiumLargeMaxResponse = 16384
	premiumMaxContext       = 8192
	premiumMaxResponse      = 4096

	standardLargeMaxContext  = 16384
	standardLargeMaxResponse = 8192
	standardMaxContext       = 4096
	standardMaxResponse      = 2000
)

// largeContextModel reports whether the model name advertises an extended
// context window.
func largeContextModel(model string) bool {
	return strings.Contains(model, "32k") || strings.Contains(model, "16k")
}

// tokenCeilings returns the hard (maxContext, maxResponse) ceilings for a
// tier and model.
func tokenCeilings(tier, model string) (int, int) {
	if tier == models.TierPremium {
		if largeContextModel(model) {
			return premiumLargeMaxContext, premiumLargeMaxResponse
		}
		return premiumMaxContext, premiumMaxResponse
	}
	if largeContextModel(model) {
		return standardLargeMaxContext, standardLargeMaxResponse
	}
	return standardMaxContext, standardMaxResponse
}

// configDefaults returns the operator-configured default limits for a tier
// and model size; zero means unset.
func configDefaults(cfg *config.Config, tier, model string) (int, int) {
	if tier == models.TierPremium {
		if largeContextModel(model) {
			return cfg.PremiumLargeMaxTokens, cfg.PremiumLargeMaxTokensRes
		}
		return cfg.PremiumMaxTokens, cfg.PremiumMaxTokensRes
	}
	if largeContextModel(model) {
		return cfg.StandardLargeMaxTokens, cfg.StandardLargeMaxTokensRes
	}
	return cfg.StandardMaxTokens, cfg.StandardMaxTokensRes
}

// reconcileTokenLimits computes the effective (maxContext, maxResponse) for
// one dispatch. Credential values win, then configured defaults, then the
// hard ceiling; everything is clamped to the ceiling. A maxResponse at or
// above maxContext is corrected to half the context window rather than
// rejecting the request.
func reconcileTokenLimits(cfg *config.Config, cred models.Credential) (int, int) {
	ceilCtx, ceilRes := tokenCeilings(cred.Tier, cred.Model)
	defCtx, defRes := configDefaults(cfg, cred.Tier, cred.Model)

	maxContext := cred.MaxContextTokens
	if maxContext <= 0 {
		maxContext = defCtx
	}
	if maxContext <= 0 || maxContext > ceilCtx {
		maxContext = ceilCtx
	}

	maxResponse := cred.MaxResponseTokens
	if maxResponse <= 0 {
		maxResponse = defRes
	}
	if maxResponse <= 0 || maxResponse > ceilRes {
		maxResponse = ceilRes
	}

	if maxResponse >= maxContext {
		maxResponse = maxContext / 2
		log.Printf("token limits for model %s corrected: maxResponse >= maxContext, using %d/%d",
			cred.Model, maxContext, maxResponse)
	}
	return maxContext, maxResponse
}
