package models

import "time"

const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// UnlimitedContainers is the sentinel value for AllowedContainers meaning
// the license has no container quota.
const UnlimitedContainers = -1

// License status strings are provider-defined; StatusActive and
// StatusCancelled are the only ones this server writes itself, everything
// else is stored verbatim from webhook payloads.
type License struct {
	ID                   int64      `json:"id" db:"id"`
	PaddleSubscriptionID string     `json:"license_key" db:"paddle_subscription_id"`
	Email                string     `json:"email" db:"email"`
	AllowedContainers    int        `json:"allowed_containers" db:"allowed_containers"`
	CustomerID           *int64     `json:"customer_id,omitempty" db:"customer_id"`
	Status               string     `json:"status" db:"status"`
	LastEventAt          *time.Time `json:"last_event_at,omitempty" db:"last_event_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

func (l *License) Unlimited() bool {
	return l.AllowedContainers == UnlimitedContainers
}

// LicenseUsage is one consumed container slot under a license.
type LicenseUsage struct {
	ID          int64     `json:"id" db:"id"`
	LicenseID   int64     `json:"license_id" db:"license_id"`
	MachineID   string    `json:"machine_id" db:"machine_id"`
	ContainerID *string   `json:"container_id,omitempty" db:"container_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// MachineBinding records that a machine has activated a license. It is
// informational and never gates the quota.
type MachineBinding struct {
	ID        int64     `json:"id" db:"id"`
	LicenseID int64     `json:"license_id" db:"license_id"`
	MachineID string    `json:"machine_id" db:"machine_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type VerifyLicenseRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	MachineID   string `json:"machine_id" validate:"required"`
	ContainerID string `json:"container_id,omitempty"`
}

type LicenseVerifyResponse struct {
	Valid             bool   `json:"valid"`
	Message           string `json:"message"`
	LicenseID         int64  `json:"license_id,omitempty"`
	AllowedContainers *int   `json:"allowed_containers,omitempty"`
	CurrentUsage      *int   `json:"current_usage,omitempty"`
}

type LicenseUsageReport struct {
	LicenseID            int64          `json:"license_id"`
	LicenseKey           string         `json:"license_key"`
	Email                string         `json:"email"`
	Status               string         `json:"status"`
	AllowedContainers    int            `json:"allowed_containers"`
	CurrentUsage         int            `json:"current_usage"`
	MachineBindingsCount int            `json:"machine_bindings_count"`
	UsageDetails         []LicenseUsage `json:"usage_details"`
}
