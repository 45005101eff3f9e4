package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convia.vip/license-server/internal/models"
)

func InsertMagicToken(ctx context.Context, q Querier, token *models.MagicToken) error {
	token.CreatedAt = time.Now().UTC()

	result, err := q.ExecContext(ctx,
		`INSERT INTO magic_tokens (token, license_id, expires_at, used_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		token.Token,
		token.LicenseID,
		token.ExpiresAt,
		nullTime(token.UsedAt),
		token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert magic token: %w", err)
	}

	token.ID, err = result.LastInsertId()
	return err
}

func FindMagicToken(ctx context.Context, q Querier, token string) (*models.MagicToken, error) {
	var mt models.MagicToken
	var usedAt sql.NullTime

	err := q.QueryRowContext(ctx,
		`SELECT id, token, license_id, expires_at, used_at, created_at FROM magic_tokens WHERE token = ?`,
		token,
	).Scan(&mt.ID, &mt.Token, &mt.LicenseID, &mt.ExpiresAt, &usedAt, &mt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if usedAt.Valid {
		t := usedAt.Time
		mt.UsedAt = &t
	}

	return &mt, nil
}

// MarkMagicTokenUsed claims a token. The WHERE guard makes the claim
// first-writer-wins when two redemptions race.
func MarkMagicTokenUsed(ctx context.Context, q Querier, tokenID int64, usedAt time.Time) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE magic_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		usedAt, tokenID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark token used: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
