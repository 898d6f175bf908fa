package database

import (
	"context"
	"fmt"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/google/uuid"
)

// RecordChatLog writes one audit-log row.
func (db *DB) RecordChatLog(ctx context.Context, entry models.ChatLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO chat_logs (
			id, user_id, app_id, group_id, ip, type, prompt, answer,
			prompt_tokens, completion_tokens, total_tokens, model, role,
			conversation_id, parent_message_id, file_info
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := db.conn.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.AppID, entry.GroupID, entry.IP,
		entry.Type, entry.Prompt, entry.Answer, entry.PromptTokens,
		entry.CompletionTokens, entry.TotalTokens, entry.Model, entry.Role,
		entry.ConversationID, entry.ParentMessageID, entry.FileInfo,
	)
	if err != nil {
		return fmt.Errorf("record chat log: %w", err)
	}
	return nil
}
