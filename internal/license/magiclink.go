package license

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

const tokenEntropyBytes = 32

// GenerateToken returns a URL-safe token with 32 bytes of entropy.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken persists a fresh unused token for a license. It takes a
// Querier so the webhook processor can issue inside its own transaction.
func IssueToken(ctx context.Context, q storage.Querier, licenseID int64, ttl time.Duration) (*models.MagicToken, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	mt := &models.MagicToken{
		Token:     token,
		LicenseID: licenseID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := storage.InsertMagicToken(ctx, q, mt); err != nil {
		return nil, err
	}

	return mt, nil
}

// MagicLink issues and redeems magic tokens. Claiming is single-use; the
// info view is deliberately more permissive (session-like) and the two
// predicates must stay separate.
type MagicLink struct {
	db  *storage.DB
	ttl time.Duration
	now func() time.Time
}

func NewMagicLink(db *storage.DB, ttl time.Duration) *MagicLink {
	return &MagicLink{db: db, ttl: ttl, now: time.Now}
}

func (m *MagicLink) Issue(ctx context.Context, licenseID int64) (*models.MagicToken, error) {
	return IssueToken(ctx, m.db, licenseID, m.ttl)
}

// RedeemForClaim consumes an unused, unexpired token and binds the machine
// to the token's license in one transaction. Invalid tokens mutate nothing.
func (m *MagicLink) RedeemForClaim(ctx context.Context, token, machineID string) (*models.MagicLinkClaimResponse, error) {
	invalid := &models.MagicLinkClaimResponse{
		Success: false,
		Message: "Invalid or expired token",
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	mt, err := storage.FindMagicToken(ctx, tx, token)
	if err != nil {
		return nil, err
	}
	if mt == nil || !mt.Claimable(m.now().UTC()) {
		return invalid, nil
	}

	claimed, err := storage.MarkMagicTokenUsed(ctx, tx, mt.ID, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return invalid, nil
	}

	binding := &models.MachineBinding{
		LicenseID: mt.LicenseID,
		MachineID: machineID,
	}
	if err := storage.InsertMachineBinding(ctx, tx, binding); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	logger.Info("Magic token claimed", logger.Fields{
		"license_id": mt.LicenseID,
		"machine_id": machineID,
	})

	return &models.MagicLinkClaimResponse{
		Success:   true,
		Message:   "License claimed successfully",
		LicenseID: mt.LicenseID,
	}, nil
}

// VerifyForInfo is the read-only token check: an already-used token still
// passes as long as it has not expired. Returns nil when the token grants
// no access.
func (m *MagicLink) VerifyForInfo(ctx context.Context, token string) (*models.MagicLinkInfo, error) {
	mt, err := storage.FindMagicToken(ctx, m.db, token)
	if err != nil {
		return nil, err
	}
	if mt == nil || mt.Expired(m.now().UTC()) {
		return nil, nil
	}

	lic, err := storage.FindLicenseByID(ctx, m.db, mt.LicenseID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, nil
	}

	return &models.MagicLinkInfo{
		Valid:             true,
		LicenseID:         lic.ID,
		LicenseKey:        lic.PaddleSubscriptionID,
		Email:             lic.Email,
		Status:            lic.Status,
		AllowedContainers: lic.AllowedContainers,
	}, nil
}
