package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convia.vip/license-server/internal/models"
)

const customerColumns = `id, email, paddle_customer_id, created_at, updated_at`

func scanCustomer(row *sql.Row) (*models.Customer, error) {
	var customer models.Customer
	var email, paddleID sql.NullString

	err := row.Scan(
		&customer.ID,
		&email,
		&paddleID,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	customer.Email = email.String
	if paddleID.Valid {
		customer.PaddleCustomerID = &paddleID.String
	}

	return &customer, nil
}

func FindCustomerByEmail(ctx context.Context, q Querier, email string) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE email = ?`
	return scanCustomer(q.QueryRowContext(ctx, query, email))
}

func FindCustomerByPaddleID(ctx context.Context, q Querier, paddleCustomerID string) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE paddle_customer_id = ?`
	return scanCustomer(q.QueryRowContext(ctx, query, paddleCustomerID))
}

func InsertCustomer(ctx context.Context, q Querier, customer *models.Customer) error {
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	// Empty email is stored as NULL so the unique index tolerates
	// multiple customers known only by their Paddle id.
	email := customer.Email
	result, err := q.ExecContext(ctx,
		`INSERT INTO customers (email, paddle_customer_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		nullString(&email),
		nullString(customer.PaddleCustomerID),
		customer.CreatedAt,
		customer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}

	customer.ID, err = result.LastInsertId()
	return err
}

func UpdateCustomer(ctx context.Context, q Querier, customer *models.Customer) error {
	customer.UpdatedAt = time.Now().UTC()

	email := customer.Email
	_, err := q.ExecContext(ctx,
		`UPDATE customers SET email = ?, paddle_customer_id = ?, updated_at = ? WHERE id = ?`,
		nullString(&email),
		nullString(customer.PaddleCustomerID),
		customer.UpdatedAt,
		customer.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}

	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
