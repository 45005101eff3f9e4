package models

import "time"

type Customer struct {
	ID               int64     `json:"id" db:"id"`
	Email            string    `json:"email" db:"email"`
	PaddleCustomerID *string   `json:"paddle_customer_id,omitempty" db:"paddle_customer_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
