package license

import (
	"context"
	"fmt"

	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

// Engine makes the atomic accept/reject decision for license verification.
// The whole read-check-write sequence runs in one immediate transaction so
// two concurrent verifications for the same license cannot both pass a
// quota check against the same usage count.
type Engine struct {
	db *storage.DB
}

func NewEngine(db *storage.DB) *Engine {
	return &Engine{db: db}
}

func (e *Engine) Verify(ctx context.Context, req models.VerifyLicenseRequest) (*models.LicenseVerifyResponse, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lic, err := storage.FindLicenseByKey(ctx, tx, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return &models.LicenseVerifyResponse{
			Valid:   false,
			Message: "License not found",
		}, nil
	}
	if lic.Status != models.StatusActive {
		return &models.LicenseVerifyResponse{
			Valid:   false,
			Message: fmt.Sprintf("License is %s", lic.Status),
		}, nil
	}

	currentUsage, err := storage.CountUsage(ctx, tx, lic.ID)
	if err != nil {
		return nil, err
	}

	containerCounted := false
	if req.ContainerID != "" {
		containerCounted, err = storage.HasContainerUsage(ctx, tx, lic.ID, req.ContainerID)
		if err != nil {
			return nil, err
		}
	}

	// Quota gate. A container that already holds a slot re-verifies
	// successfully regardless of the current count.
	if !lic.Unlimited() && !containerCounted && currentUsage >= lic.AllowedContainers {
		logger.Info("License verification rejected on quota", logger.Fields{
			"license_id":         lic.ID,
			"allowed_containers": lic.AllowedContainers,
			"current_usage":      currentUsage,
		})
		return &models.LicenseVerifyResponse{
			Valid:             false,
			Message:           fmt.Sprintf("Container limit reached. Allowed: %d, Current: %d", lic.AllowedContainers, currentUsage),
			AllowedContainers: intPtr(lic.AllowedContainers),
			CurrentUsage:      intPtr(currentUsage),
		}, nil
	}

	if req.ContainerID != "" && !containerCounted {
		usage := &models.LicenseUsage{
			LicenseID:   lic.ID,
			MachineID:   req.MachineID,
			ContainerID: &req.ContainerID,
		}
		if err := storage.InsertUsage(ctx, tx, usage); err != nil {
			return nil, err
		}
	}

	// Machine binding is informational and never a rejection reason.
	bound, err := storage.HasMachineBinding(ctx, tx, lic.ID, req.MachineID)
	if err != nil {
		return nil, err
	}
	if !bound {
		binding := &models.MachineBinding{
			LicenseID: lic.ID,
			MachineID: req.MachineID,
		}
		if err := storage.InsertMachineBinding(ctx, tx, binding); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit verification: %w", err)
	}

	// Recount after commit so the reported number reflects concurrent
	// inserts, not the locally incremented value.
	finalUsage, err := storage.CountUsage(ctx, e.db, lic.ID)
	if err != nil {
		return nil, err
	}

	logger.Info("License verified", logger.Fields{
		"license_id":    lic.ID,
		"machine_id":    req.MachineID,
		"current_usage": finalUsage,
	})

	return &models.LicenseVerifyResponse{
		Valid:             true,
		Message:           "License verified and bound to machine",
		LicenseID:         lic.ID,
		AllowedContainers: intPtr(lic.AllowedContainers),
		CurrentUsage:      intPtr(finalUsage),
	}, nil
}

// UsageReport assembles the admin view of a license's quota consumption.
func (e *Engine) UsageReport(ctx context.Context, licenseID int64) (*models.LicenseUsageReport, error) {
	lic, err := storage.FindLicenseByID(ctx, e.db, licenseID)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, nil
	}

	currentUsage, err := storage.CountUsage(ctx, e.db, lic.ID)
	if err != nil {
		return nil, err
	}
	bindings, err := storage.CountMachineBindings(ctx, e.db, lic.ID)
	if err != nil {
		return nil, err
	}
	details, err := storage.ListUsage(ctx, e.db, lic.ID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		details = []models.LicenseUsage{}
	}

	return &models.LicenseUsageReport{
		LicenseID:            lic.ID,
		LicenseKey:           lic.PaddleSubscriptionID,
		Email:                lic.Email,
		Status:               lic.Status,
		AllowedContainers:    lic.AllowedContainers,
		CurrentUsage:         currentUsage,
		MachineBindingsCount: bindings,
		UsageDetails:         details,
	}, nil
}

func intPtr(v int) *int {
	return &v
}
