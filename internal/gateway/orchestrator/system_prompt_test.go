package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chatpool/gateway/internal/shared/config"
	"github.com/chatpool/gateway/internal/shared/models"
)

func TestResolveSystemPrompt(t *testing.T) {
	cfg := &config.Config{SystemPreMessage: "You are a helpful assistant."}
	now := time.Date(2024, 5, 12, 9, 0, 0, 0, time.UTC)
	app := &models.App{ID: "a-1", Preset: "You are a strict translator.", Status: 1}
	retiredApp := &models.App{ID: "a-2", Preset: "retired preset", Status: 2}
	group := &models.ChatGroup{ID: "g-1", SystemMessage: "You speak like a pirate."}

	t.Run("app preset wins over everything", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, app, true, "custom", group, false, now)
		assert.Equal(t, "You are a strict translator.", got)
	})

	t.Run("app in disallowed status is skipped", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, retiredApp, false, "", group, false, now)
		assert.Equal(t, "You speak like a pirate.", got)
	})

	t.Run("custom prompt beats group message", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, nil, true, "Summarize in one line.", group, false, now)
		assert.Equal(t, "Summarize in one line.", got)
	})

	t.Run("group message beats default", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, nil, false, "", group, false, now)
		assert.Equal(t, "You speak like a pirate.", got)
	})

	t.Run("default carries markdown instruction and date", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, nil, false, "", nil, false, now)
		assert.Contains(t, got, "You are a helpful assistant.")
		assert.Contains(t, got, "Respond using markdown.")
		assert.Contains(t, got, "2024-05-12")
	})

	t.Run("network mode always regenerates the default", func(t *testing.T) {
		got := resolveSystemPrompt(cfg, app, false, "", group, true, now)
		assert.Contains(t, got, "You are a helpful assistant.")
		assert.NotContains(t, got, "translator")
	})
}
