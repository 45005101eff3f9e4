package models

import "time"

// MagicToken is a single-use, time-limited bearer credential. Claiming marks
// it used; the read-only info view accepts used tokens until they expire.
type MagicToken struct {
	ID        int64      `json:"id" db:"id"`
	Token     string     `json:"token" db:"token"`
	LicenseID int64      `json:"license_id" db:"license_id"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

func (t *MagicToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *MagicToken) Claimable(now time.Time) bool {
	return t.UsedAt == nil && !t.Expired(now)
}

type MagicLinkRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
}

type MagicLinkIssueResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type MagicLinkClaimResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	LicenseID int64  `json:"license_id,omitempty"`
}

// MagicLinkInfo is the license snapshot returned by the permissive
// info-view token check.
type MagicLinkInfo struct {
	Valid             bool   `json:"valid"`
	LicenseID         int64  `json:"license_id"`
	LicenseKey        string `json:"license_key"`
	Email             string `json:"email"`
	Status            string `json:"status"`
	AllowedContainers int    `json:"allowed_containers"`
}
