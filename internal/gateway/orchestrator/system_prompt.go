package orchestrator

import (
	"fmt"
	"time"

	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/models"
)

// defaultSystemPrompt is the global fallback: the configured preamble plus a
// markdown instruction and the current date.
func defaultSystemPrompt(cfg *config.Config, now time.Time) string {
	return fmt.Sprintf("%s\nRespond using markdown.\nCurrent date: %s",
		cfg.SystemPreMessage, now.Format("2006-01-02"))
}

func appAllowed(app *models.App) bool {
	if app == nil {
		return false
	}
	for _, s := range models.AppAllowedStatuses {
		if app.Status == s {
			return true
		}
	}
	return false
}

// resolveSystemPrompt picks the system prompt for one call. Precedence,
// highest first: application preset, one-off custom prompt, the group's
// saved system message, global default. Network-augmented calls always use
// the global default because the rewritten prompt carries the retrieved
// context itself.
func resolveSystemPrompt(cfg *config.Config, app *models.App, customPrompt bool,
	customMessage string, group *models.ChatGroup, usingNetwork bool, now time.Time) string {

	if usingNetwork {
		return defaultSystemPrompt(cfg, now)
	}
	if appAllowed(app) && app.Preset != "" {
		return app.Preset
	}
	if customPrompt {
		return customMessage
	}
	if group != nil && group.SystemMessage != "" {
		return group.SystemMessage
	}
	return defaultSystemPrompt(cfg, now)
}
