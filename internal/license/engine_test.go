package license

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertLicense(t *testing.T, db *storage.DB, key string, allowed int, status string) *models.License {
	t.Helper()
	lic := &models.License{
		PaddleSubscriptionID: key,
		Email:                "owner@example.com",
		AllowedContainers:    allowed,
		Status:               status,
	}
	if err := storage.InsertLicense(context.Background(), db, lic); err != nil {
		t.Fatalf("InsertLicense: %v", err)
	}
	return lic
}

func verify(t *testing.T, e *Engine, key, machineID, containerID string) *models.LicenseVerifyResponse {
	t.Helper()
	resp, err := e.Verify(context.Background(), models.VerifyLicenseRequest{
		LicenseKey:  key,
		MachineID:   machineID,
		ContainerID: containerID,
	})
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	return resp
}

func TestVerifyUnknownLicense(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	resp := verify(t, e, "sub_missing", "machine-1", "")
	if resp.Valid {
		t.Error("unknown license verified")
	}
	if resp.Message != "License not found" {
		t.Errorf("Message = %q", resp.Message)
	}
}

func TestVerifyCancelledLicense(t *testing.T) {
	db := newTestDB(t)
	insertLicense(t, db, "sub_1", 5, models.StatusCancelled)
	e := NewEngine(db)

	resp := verify(t, e, "sub_1", "machine-1", "")
	if resp.Valid {
		t.Error("cancelled license verified")
	}
	if resp.Message != "License is cancelled" {
		t.Errorf("Message = %q", resp.Message)
	}
}

func TestVerifyQuotaEnforcement(t *testing.T) {
	db := newTestDB(t)
	insertLicense(t, db, "sub_1", 2, models.StatusActive)
	e := NewEngine(db)

	if resp := verify(t, e, "sub_1", "m1", "container-a"); !resp.Valid {
		t.Fatalf("first container rejected: %s", resp.Message)
	}
	if resp := verify(t, e, "sub_1", "m1", "container-b"); !resp.Valid {
		t.Fatalf("second container rejected: %s", resp.Message)
	}

	resp := verify(t, e, "sub_1", "m1", "container-c")
	if resp.Valid {
		t.Fatal("third container verified past a quota of 2")
	}
	if resp.AllowedContainers == nil || *resp.AllowedContainers != 2 {
		t.Errorf("AllowedContainers = %v", resp.AllowedContainers)
	}
	if resp.CurrentUsage == nil || *resp.CurrentUsage != 2 {
		t.Errorf("CurrentUsage = %v", resp.CurrentUsage)
	}
}

func TestVerifyKnownContainerPassesAtQuota(t *testing.T) {
	db := newTestDB(t)
	insertLicense(t, db, "sub_1", 1, models.StatusActive)
	e := NewEngine(db)

	if resp := verify(t, e, "sub_1", "m1", "container-a"); !resp.Valid {
		t.Fatalf("first verification rejected: %s", resp.Message)
	}

	// same container re-verifies at full quota without consuming a slot
	resp := verify(t, e, "sub_1", "m1", "container-a")
	if !resp.Valid {
		t.Fatalf("known container rejected: %s", resp.Message)
	}
	if resp.CurrentUsage == nil || *resp.CurrentUsage != 1 {
		t.Errorf("CurrentUsage = %v, want 1", resp.CurrentUsage)
	}
}

func TestVerifyUnlimitedLicense(t *testing.T) {
	db := newTestDB(t)
	insertLicense(t, db, "sub_1", models.UnlimitedContainers, models.StatusActive)
	e := NewEngine(db)

	for i := 0; i < 25; i++ {
		resp := verify(t, e, "sub_1", "m1", fmt.Sprintf("container-%d", i))
		if !resp.Valid {
			t.Fatalf("unlimited license rejected at container %d: %s", i, resp.Message)
		}
	}
}

func TestVerifyWithoutContainerID(t *testing.T) {
	db := newTestDB(t)
	lic := insertLicense(t, db, "sub_1", 1, models.StatusActive)
	e := NewEngine(db)

	// machine-only verification does not consume container slots
	if resp := verify(t, e, "sub_1", "m1", ""); !resp.Valid {
		t.Fatalf("rejected: %s", resp.Message)
	}
	if resp := verify(t, e, "sub_1", "m2", ""); !resp.Valid {
		t.Fatalf("rejected: %s", resp.Message)
	}

	usage, err := storage.CountUsage(context.Background(), db, lic.ID)
	if err != nil {
		t.Fatalf("CountUsage: %v", err)
	}
	if usage != 0 {
		t.Errorf("usage = %d, want 0", usage)
	}
}

func TestVerifyResetUnblocksQuota(t *testing.T) {
	db := newTestDB(t)
	lic := insertLicense(t, db, "sub_1", 1, models.StatusActive)
	e := NewEngine(db)
	ctx := context.Background()

	if resp := verify(t, e, "sub_1", "m1", "container-a"); !resp.Valid {
		t.Fatalf("rejected: %s", resp.Message)
	}
	if resp := verify(t, e, "sub_1", "m1", "container-b"); resp.Valid {
		t.Fatal("second container verified past a quota of 1")
	}

	deleted, err := storage.DeleteUsageForLicense(ctx, db, lic.ID)
	if err != nil {
		t.Fatalf("DeleteUsageForLicense: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	if resp := verify(t, e, "sub_1", "m1", "container-b"); !resp.Valid {
		t.Fatalf("rejected after reset: %s", resp.Message)
	}
}

// A file-backed database here, not :memory:. The in-memory pool is pinned
// to one connection, which would serialize these calls on its own and hide
// a missing _txlock=immediate in the DSN.
func TestVerifyConcurrentNewContainers(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "license.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lic := insertLicense(t, db, "sub_1", 1, models.StatusActive)
	e := NewEngine(db)

	const workers = 8
	results := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.Verify(context.Background(), models.VerifyLicenseRequest{
				LicenseKey:  "sub_1",
				MachineID:   fmt.Sprintf("machine-%d", i),
				ContainerID: fmt.Sprintf("container-%d", i),
			})
			if err != nil {
				t.Errorf("worker %d: Verify returned error: %v", i, err)
				results <- false
				return
			}
			results <- resp.Valid
		}(i)
	}
	wg.Wait()
	close(results)

	admitted := 0
	for valid := range results {
		if valid {
			admitted++
		}
	}
	if admitted != 1 {
		t.Errorf("admitted %d of %d racing containers, want exactly 1", admitted, workers)
	}

	usage, err := storage.CountUsage(context.Background(), db, lic.ID)
	if err != nil {
		t.Fatalf("CountUsage: %v", err)
	}
	if usage != 1 {
		t.Errorf("usage = %d, want 1", usage)
	}
}

func TestVerifyRecordsMachineBinding(t *testing.T) {
	db := newTestDB(t)
	lic := insertLicense(t, db, "sub_1", 5, models.StatusActive)
	e := NewEngine(db)
	ctx := context.Background()

	verify(t, e, "sub_1", "machine-1", "")
	verify(t, e, "sub_1", "machine-1", "")
	verify(t, e, "sub_1", "machine-2", "")

	bindings, err := storage.CountMachineBindings(ctx, db, lic.ID)
	if err != nil {
		t.Fatalf("CountMachineBindings: %v", err)
	}
	if bindings != 2 {
		t.Errorf("bindings = %d, want 2", bindings)
	}
}

func TestUsageReport(t *testing.T) {
	db := newTestDB(t)
	lic := insertLicense(t, db, "sub_1", 5, models.StatusActive)
	e := NewEngine(db)
	ctx := context.Background()

	verify(t, e, "sub_1", "m1", "container-a")
	verify(t, e, "sub_1", "m2", "container-b")

	report, err := e.UsageReport(ctx, lic.ID)
	if err != nil {
		t.Fatalf("UsageReport: %v", err)
	}
	if report == nil {
		t.Fatal("report is nil")
	}
	if report.CurrentUsage != 2 {
		t.Errorf("CurrentUsage = %d, want 2", report.CurrentUsage)
	}
	if report.MachineBindingsCount != 2 {
		t.Errorf("MachineBindingsCount = %d, want 2", report.MachineBindingsCount)
	}
	if len(report.UsageDetails) != 2 {
		t.Errorf("UsageDetails has %d rows, want 2", len(report.UsageDetails))
	}
	if report.LicenseKey != "sub_1" {
		t.Errorf("LicenseKey = %q", report.LicenseKey)
	}
}

func TestUsageReportUnknownLicense(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	report, err := e.UsageReport(context.Background(), 404)
	if err != nil {
		t.Fatalf("UsageReport: %v", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
}
