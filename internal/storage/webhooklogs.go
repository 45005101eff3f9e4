package storage

import (
	"context"
	"fmt"
	"time"

	"convia.vip/license-server/internal/models"
)

func AppendWebhookLog(ctx context.Context, q Querier, entry *models.WebhookLog) error {
	entry.CreatedAt = time.Now().UTC()

	result, err := q.ExecContext(ctx,
		`INSERT INTO webhook_logs (event_type, payload, signature, created_at) VALUES (?, ?, ?, ?)`,
		entry.EventType,
		entry.Payload,
		entry.Signature,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append webhook log: %w", err)
	}

	entry.ID, err = result.LastInsertId()
	return err
}

func ListWebhookLogs(ctx context.Context, q Querier, limit, offset int) ([]models.WebhookLog, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, event_type, payload, signature, created_at
		 FROM webhook_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []models.WebhookLog
	for rows.Next() {
		var entry models.WebhookLog
		err := rows.Scan(&entry.ID, &entry.EventType, &entry.Payload, &entry.Signature, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook log: %w", err)
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

func CountWebhookLogs(ctx context.Context, q Querier) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_logs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook logs: %w", err)
	}
	return count, nil
}
