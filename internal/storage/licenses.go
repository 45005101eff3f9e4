package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convia.vip/license-server/internal/models"
)

const licenseColumns = `id, paddle_subscription_id, email, allowed_containers, customer_id, status, last_event_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var license models.License
	var customerID sql.NullInt64
	var lastEventAt sql.NullTime

	err := row.Scan(
		&license.ID,
		&license.PaddleSubscriptionID,
		&license.Email,
		&license.AllowedContainers,
		&customerID,
		&license.Status,
		&lastEventAt,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if customerID.Valid {
		license.CustomerID = &customerID.Int64
	}
	if lastEventAt.Valid {
		t := lastEventAt.Time
		license.LastEventAt = &t
	}

	return &license, nil
}

func FindLicenseByKey(ctx context.Context, q Querier, subscriptionID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE paddle_subscription_id = ?`
	return scanLicense(q.QueryRowContext(ctx, query, subscriptionID))
}

func FindLicenseByID(ctx context.Context, q Querier, id int64) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(q.QueryRowContext(ctx, query, id))
}

func ListLicenses(ctx context.Context, q Querier) ([]models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses ORDER BY id`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var licenses []models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, *license)
	}

	return licenses, rows.Err()
}

func InsertLicense(ctx context.Context, q Querier, license *models.License) error {
	now := time.Now().UTC()
	license.CreatedAt = now
	license.UpdatedAt = now

	result, err := q.ExecContext(ctx,
		`INSERT INTO licenses (paddle_subscription_id, email, allowed_containers, customer_id, status, last_event_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		license.PaddleSubscriptionID,
		license.Email,
		license.AllowedContainers,
		nullInt64(license.CustomerID),
		license.Status,
		nullTime(license.LastEventAt),
		license.CreatedAt,
		license.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}

	license.ID, err = result.LastInsertId()
	return err
}

func UpdateLicense(ctx context.Context, q Querier, license *models.License) error {
	license.UpdatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx,
		`UPDATE licenses SET email = ?, allowed_containers = ?, customer_id = ?, status = ?, last_event_at = ?, updated_at = ? WHERE id = ?`,
		license.Email,
		license.AllowedContainers,
		nullInt64(license.CustomerID),
		license.Status,
		nullTime(license.LastEventAt),
		license.UpdatedAt,
		license.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}

	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
