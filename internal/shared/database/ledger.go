package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatpool/gateway/internal/shared/models"
)

// ErrInsufficientBalance is returned by CheckBalance when the user cannot
// afford the requested operation.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Balance units. Chat deducts against the tier's unit; image generation
// deducts against the draw unit.
const (
	UnitStandard = "standard"
	UnitPremium  = "premium"
	UnitDraw     = "draw"
)

func balanceColumn(unit string) (string, error) {
	switch unit {
	case UnitStandard:
		return "standard_balance", nil
	case UnitPremium:
		return "premium_balance", nil
	case UnitDraw:
		return "draw_balance", nil
	}
	return "", fmt.Errorf("unknown balance unit %q", unit)
}

// CheckBalance verifies the user can afford amount units. The later Deduct
// is a separate statement: two concurrent calls against a thin balance can
// both pass the check and drive it transiently negative. That relaxed
// admission is the intended behavior, not a bug.
func (db *DB) CheckBalance(ctx context.Context, userID, unit string, amount int) error {
	col, err := balanceColumn(unit)
	if err != nil {
		return err
	}

	var balance int
	query := fmt.Sprintf(`SELECT %s FROM user_balances WHERE user_id = $1`, col)
	err = db.conn.QueryRowContext(ctx, query, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrInsufficientBalance
	}
	if err != nil {
		return fmt.Errorf("query balance: %w", err)
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return nil
}

// Deduct settles amount units against the user's balance and records the
// token volume consumed.
func (db *DB) Deduct(ctx context.Context, userID, unit string, amount, tokens int) error {
	col, err := balanceColumn(unit)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE user_balances
		SET %s = %s - $2, used_tokens = used_tokens + $3, updated_at = NOW()
		WHERE user_id = $1`, col, col)
	_, err = db.conn.ExecContext(ctx, query, userID, amount, tokens)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	return nil
}

// QueryBalance returns the user's remaining units across all tiers.
func (db *DB) QueryBalance(ctx context.Context, userID string) (models.Balance, error) {
	var b models.Balance
	query := `SELECT standard_balance, premium_balance, draw_balance FROM user_balances WHERE user_id = $1`
	err := db.conn.QueryRowContext(ctx, query, userID).Scan(
		&b.StandardBalance, &b.PremiumBalance, &b.DrawBalance)
	if err == sql.ErrNoRows {
		return models.Balance{}, nil
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}
