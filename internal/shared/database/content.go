package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/chatpool/gateway/internal/shared/models"
	"github.com/lib/pq"
)

// GetUser looks a user up by the token presented to the auth middleware.
func (db *DB) GetUser(ctx context.Context, token string) (*models.User, error) {
	query := `
		SELECT u.id, u.name, u.role, u.status, u.created_at
		FROM users u
		JOIN user_tokens t ON t.user_id = u.id
		WHERE t.token = $1
	`
	var u models.User
	err := db.conn.QueryRowContext(ctx, query, token).Scan(
		&u.ID, &u.Name, &u.Role, &u.Status, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invalid token")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CheckBannedWords matches the prompt against the stored banned-terms list.
// A hit returns the term so the caller can report a fixed rejection message.
func (db *DB) CheckBannedWords(ctx context.Context, text string) (string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT word FROM banned_words WHERE enabled = true`)
	if err != nil {
		return "", fmt.Errorf("list banned words: %w", err)
	}
	defer rows.Close()

	lower := strings.ToLower(text)
	for rows.Next() {
		var word string
		if err := rows.Scan(&word); err != nil {
			return "", fmt.Errorf("scan banned word: %w", err)
		}
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return word, nil
		}
	}
	return "", rows.Err()
}

// LookupAutoReply returns the configured instant reply for an exact prompt
// match, if one exists.
func (db *DB) LookupAutoReply(ctx context.Context, prompt string) (string, bool, error) {
	var answer string
	query := `SELECT answer FROM auto_replies WHERE prompt = $1 AND enabled = true`
	err := db.conn.QueryRowContext(ctx, query, prompt).Scan(&answer)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup auto reply: %w", err)
	}
	return answer, true, nil
}

// GetApp fetches an application preset when its lifecycle status allows
// serving it.
func (db *DB) GetApp(ctx context.Context, id string) (*models.App, error) {
	query := `SELECT id, name, preset, status FROM apps WHERE id = $1 AND status = ANY($2)`
	var a models.App
	err := db.conn.QueryRowContext(ctx, query, id, pq.Array(models.AppAllowedStatuses)).Scan(
		&a.ID, &a.Name, &a.Preset, &a.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get app: %w", err)
	}
	return &a, nil
}

// GetGroup fetches one conversation group's saved model configuration.
func (db *DB) GetGroup(ctx context.Context, id string) (*models.ChatGroup, error) {
	query := `
		SELECT id, user_id, tier, model, temperature, system_message, rounds
		FROM chat_groups WHERE id = $1
	`
	var g models.ChatGroup
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&g.ID, &g.UserID, &g.Tier, &g.Model, &g.Temperature, &g.SystemMessage, &g.Rounds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}
