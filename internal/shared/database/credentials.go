package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatpool/gateway/internal/shared/models"
)

const credentialColumns = `
	id, secret, provider, tier, model, weight, max_context_tokens,
	max_response_tokens, proxy_url, timeout_seconds, enabled, status,
	lock_reason, use_count, created_at, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.ID,
		&c.Secret,
		&c.Provider,
		&c.Tier,
		&c.Model,
		&c.Weight,
		&c.MaxContextTokens,
		&c.MaxResponseTokens,
		&c.ProxyURL,
		&c.TimeoutSeconds,
		&c.Enabled,
		&c.Status,
		&c.LockReason,
		&c.UseCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// ListActive returns all enabled, healthy credentials for a tier.
// An empty tier returns every usable credential.
func (db *DB) ListActive(ctx context.Context, tier string) ([]models.Credential, error) {
	query := `SELECT` + credentialColumns + `
		FROM credentials
		WHERE enabled = true AND status = $1`
	args := []interface{}{models.StatusActive}
	if tier != "" {
		query += ` AND tier = $2`
		args = append(args, tier)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// GetCredential fetches one credential by id.
func (db *DB) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	query := `SELECT` + credentialColumns + ` FROM credentials WHERE id = $1`
	c, err := scanCredential(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

// ErrDuplicateSecret is returned when a credential with the same secret
// already exists.
var ErrDuplicateSecret = errors.New("credential already exists")

// CreateCredential inserts a new credential. Duplicate secrets are rejected.
func (db *DB) CreateCredential(ctx context.Context, c *models.Credential) error {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM credentials WHERE secret = $1)`, c.Secret).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	if exists {
		return ErrDuplicateSecret
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	query := `
		INSERT INTO credentials (
			id, secret, provider, tier, model, weight, max_context_tokens,
			max_response_tokens, proxy_url, timeout_seconds, enabled, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = db.conn.ExecContext(ctx, query,
		c.ID, c.Secret, c.Provider, c.Tier, c.Model, c.Weight,
		c.MaxContextTokens, c.MaxResponseTokens, c.ProxyURL,
		c.TimeoutSeconds, c.Enabled, models.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// UpdateCredential rewrites the operator-editable fields. Re-enabling a
// credential also clears its lock.
func (db *DB) UpdateCredential(ctx context.Context, c *models.Credential) error {
	query := `
		UPDATE credentials
		SET secret = $2, provider = $3, tier = $4, model = $5, weight = $6,
		    max_context_tokens = $7, max_response_tokens = $8, proxy_url = $9,
		    timeout_seconds = $10, enabled = $11, status = $12,
		    lock_reason = NULL, updated_at = NOW()
		WHERE id = $1
	`
	res, err := db.conn.ExecContext(ctx, query,
		c.ID, c.Secret, c.Provider, c.Tier, c.Model, c.Weight,
		c.MaxContextTokens, c.MaxResponseTokens, c.ProxyURL,
		c.TimeoutSeconds, c.Enabled, models.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("credential not found")
	}
	return nil
}

// DeleteCredential removes a credential.
func (db *DB) DeleteCredential(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("credential not found")
	}
	return nil
}

// ListCredentials returns a page of credentials for the admin screens.
func (db *DB) ListCredentials(ctx context.Context, page, size int) ([]models.Credential, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count credentials: %w", err)
	}

	query := `SELECT` + credentialColumns + `
		FROM credentials ORDER BY id DESC LIMIT $1 OFFSET $2`
	rows, err := db.conn.QueryContext(ctx, query, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, count, rows.Err()
}

// SetHealth writes a credential's health status and lock reason.
func (db *DB) SetHealth(ctx context.Context, id, status string, reason *string) error {
	query := `UPDATE credentials SET status = $2, lock_reason = $3, updated_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, id, status, reason)
	if err != nil {
		return fmt.Errorf("set credential health: %w", err)
	}
	return nil
}

// IncrementUse bumps a credential's use counter. The increment happens in
// SQL so concurrent dispatches against the same credential never lose
// updates to a read-modify-write race.
func (db *DB) IncrementUse(ctx context.Context, id string) error {
	query := `UPDATE credentials SET use_count = use_count + 1 WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, id)
	return err
}
