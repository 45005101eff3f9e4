package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convia.vip/license-server/internal/models"
)

func CountUsage(ctx context.Context, q Querier, licenseID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM license_usage WHERE license_id = ?`, licenseID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

func HasContainerUsage(ctx context.Context, q Querier, licenseID int64, containerID string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM license_usage WHERE license_id = ? AND container_id = ?`,
		licenseID, containerID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func InsertUsage(ctx context.Context, q Querier, usage *models.LicenseUsage) error {
	usage.CreatedAt = time.Now().UTC()

	// ON CONFLICT DO NOTHING keeps concurrent re-verifications of the same
	// container idempotent under the partial unique index.
	result, err := q.ExecContext(ctx,
		`INSERT INTO license_usage (license_id, machine_id, container_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(license_id, container_id) WHERE container_id IS NOT NULL DO NOTHING`,
		usage.LicenseID,
		usage.MachineID,
		nullString(usage.ContainerID),
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}

	usage.ID, err = result.LastInsertId()
	return err
}

func ListUsage(ctx context.Context, q Querier, licenseID int64) ([]models.LicenseUsage, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, license_id, machine_id, container_id, created_at
		 FROM license_usage WHERE license_id = ? ORDER BY id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var usages []models.LicenseUsage
	for rows.Next() {
		var usage models.LicenseUsage
		var containerID sql.NullString

		err := rows.Scan(&usage.ID, &usage.LicenseID, &usage.MachineID, &containerID, &usage.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}

		if containerID.Valid {
			usage.ContainerID = &containerID.String
		}
		usages = append(usages, usage)
	}

	return usages, rows.Err()
}

func DeleteUsageForLicense(ctx context.Context, q Querier, licenseID int64) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM license_usage WHERE license_id = ?`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage: %w", err)
	}
	return result.RowsAffected()
}

func HasMachineBinding(ctx context.Context, q Querier, licenseID int64, machineID string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM machine_bindings WHERE license_id = ? AND machine_id = ?`,
		licenseID, machineID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func InsertMachineBinding(ctx context.Context, q Querier, binding *models.MachineBinding) error {
	binding.CreatedAt = time.Now().UTC()

	result, err := q.ExecContext(ctx,
		`INSERT INTO machine_bindings (license_id, machine_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(license_id, machine_id) DO NOTHING`,
		binding.LicenseID,
		binding.MachineID,
		binding.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert machine binding: %w", err)
	}

	binding.ID, err = result.LastInsertId()
	return err
}

func CountMachineBindings(ctx context.Context, q Querier, licenseID int64) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machine_bindings WHERE license_id = ?`, licenseID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count machine bindings: %w", err)
	}
	return count, nil
}

func DeleteMachineBindingsForLicense(ctx context.Context, q Querier, licenseID int64) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM machine_bindings WHERE license_id = ?`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete machine bindings: %w", err)
	}
	return result.RowsAffected()
}
