package paddle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"convia.vip/license-server/internal/email"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

type recordedEmail struct {
	to      string
	subject string
	body    string
}

// fakeSender records sends instead of delivering them.
type fakeSender struct {
	mu   sync.Mutex
	sent []recordedEmail
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recordedEmail{to: to, subject: subject, body: body})
	return nil
}

var _ email.Sender = (*fakeSender)(nil)

func newTestProcessor(t *testing.T) (*Processor, *storage.DB, *fakeSender) {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	p := NewProcessor(db, sender, "https://convia.vip", 24*time.Hour, time.Second)
	return p, db, sender
}

func subscriptionPayload(eventType, subID, occurredAt, email, plan string) []byte {
	return []byte(fmt.Sprintf(`{
		"event_type": %q,
		"occurred_at": %q,
		"data": {
			"id": %q,
			"status": "active",
			"customer": {"id": "ctm_1", "email": %q},
			"items": [{"quantity": 1, "price": {"name": %q}}]
		}
	}`, eventType, occurredAt, subID, email, plan))
}

func process(t *testing.T, p *Processor, body []byte) *Result {
	t.Helper()
	result, err := p.Process(context.Background(), body, "ts=1;h1=test")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	return result
}

func TestProcessCreatesCustomerAndLicense(t *testing.T) {
	p, db, sender := newTestProcessor(t)
	ctx := context.Background()

	body := subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "pro")
	result := process(t, p, body)

	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", result.Status, StatusSuccess)
	}
	if result.EventType != EventSubscriptionCreated {
		t.Errorf("EventType = %q", result.EventType)
	}

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic == nil {
		t.Fatal("license was not created")
	}
	if lic.AllowedContainers != 5 {
		t.Errorf("AllowedContainers = %d, want 5", lic.AllowedContainers)
	}
	if lic.Status != models.StatusActive {
		t.Errorf("Status = %q, want active", lic.Status)
	}
	if lic.CustomerID == nil {
		t.Error("license is not linked to a customer")
	}

	customer, err := storage.FindCustomerByEmail(ctx, db, "buyer@example.com")
	if err != nil {
		t.Fatalf("FindCustomerByEmail: %v", err)
	}
	if customer == nil {
		t.Fatal("customer was not created")
	}

	// a magic link email goes out for the fresh license
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sender.sent))
	}
	if sender.sent[0].to != "buyer@example.com" {
		t.Errorf("email to = %q", sender.sent[0].to)
	}

	count, err := storage.CountWebhookLogs(ctx, db)
	if err != nil {
		t.Fatalf("CountWebhookLogs: %v", err)
	}
	if count != 1 {
		t.Errorf("webhook log rows = %d, want 1", count)
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	p, db, sender := newTestProcessor(t)
	ctx := context.Background()

	body := subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "basic")
	process(t, p, body)
	process(t, p, body)
	process(t, p, body)

	licenses, err := storage.ListLicenses(ctx, db)
	if err != nil {
		t.Fatalf("ListLicenses: %v", err)
	}
	if len(licenses) != 1 {
		t.Fatalf("got %d licenses after redelivery, want 1", len(licenses))
	}

	customer, err := storage.FindCustomerByEmail(ctx, db, "buyer@example.com")
	if err != nil {
		t.Fatalf("FindCustomerByEmail: %v", err)
	}
	if customer == nil {
		t.Fatal("customer missing")
	}

	// only the initial creation sends the link
	if len(sender.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(sender.sent))
	}

	// every delivery is audited, including redeliveries
	count, err := storage.CountWebhookLogs(ctx, db)
	if err != nil {
		t.Fatalf("CountWebhookLogs: %v", err)
	}
	if count != 3 {
		t.Errorf("webhook log rows = %d, want 3", count)
	}
}

func TestProcessUpdateChangesQuota(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "basic"))
	process(t, p, subscriptionPayload(EventSubscriptionUpdated, "sub_1", "2025-06-01T13:00:00Z", "buyer@example.com", "enterprise"))

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic.AllowedContainers != models.UnlimitedContainers {
		t.Errorf("AllowedContainers = %d, want %d", lic.AllowedContainers, models.UnlimitedContainers)
	}
}

func TestProcessStaleUpdateIgnored(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T13:00:00Z", "buyer@example.com", "pro"))
	// delivered late, occurred before the create
	process(t, p, subscriptionPayload(EventSubscriptionUpdated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "basic"))

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic.AllowedContainers != 5 {
		t.Errorf("stale update applied: AllowedContainers = %d, want 5", lic.AllowedContainers)
	}
}

func TestProcessCancellation(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "pro"))
	process(t, p, subscriptionPayload(EventSubscriptionCancelled, "sub_1", "2025-06-01T14:00:00Z", "buyer@example.com", "pro"))

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic.Status != models.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", lic.Status)
	}
}

func TestProcessStaleCancellationIgnored(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T14:00:00Z", "buyer@example.com", "pro"))
	process(t, p, subscriptionPayload(EventSubscriptionCancelled, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "pro"))

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic.Status != models.StatusActive {
		t.Errorf("stale cancellation applied: Status = %q, want active", lic.Status)
	}
}

func TestProcessStaleUpdateDoesNotResurrectCancelledLicense(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "pro"))
	process(t, p, subscriptionPayload(EventSubscriptionCancelled, "sub_1", "2025-06-01T14:00:00Z", "buyer@example.com", "pro"))
	// an update from before the cancellation arrives last
	process(t, p, subscriptionPayload(EventSubscriptionUpdated, "sub_1", "2025-06-01T13:00:00Z", "buyer@example.com", "pro"))

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic.Status != models.StatusCancelled {
		t.Errorf("Status = %q, stale update resurrected a cancelled license", lic.Status)
	}
}

func TestProcessCancellationForUnknownSubscription(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	result := process(t, p, subscriptionPayload(EventSubscriptionCancelled, "sub_never_seen", "2025-06-01T12:00:00Z", "", "basic"))
	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", result.Status, StatusSuccess)
	}
}

func TestProcessInvalidJSONIsAuditedAndIgnored(t *testing.T) {
	p, db, sender := newTestProcessor(t)
	ctx := context.Background()

	result := process(t, p, []byte(`{"event_type": "subscription.created",`))
	if result.Status != StatusIgnored {
		t.Errorf("Status = %q, want %q", result.Status, StatusIgnored)
	}
	if result.EventType != EventInvalidJSON {
		t.Errorf("EventType = %q, want %q", result.EventType, EventInvalidJSON)
	}

	logs, err := storage.ListWebhookLogs(ctx, db, 10, 0)
	if err != nil {
		t.Fatalf("ListWebhookLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(logs))
	}
	if logs[0].EventType != EventInvalidJSON {
		t.Errorf("audit row event_type = %q", logs[0].EventType)
	}

	licenses, err := storage.ListLicenses(ctx, db)
	if err != nil {
		t.Fatalf("ListLicenses: %v", err)
	}
	if len(licenses) != 0 {
		t.Errorf("invalid JSON produced %d licenses", len(licenses))
	}
	if len(sender.sent) != 0 {
		t.Errorf("invalid JSON sent %d emails", len(sender.sent))
	}
}

func TestProcessUnknownEventTypeIsAudited(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	result := process(t, p, []byte(`{"event_type": "address.created", "data": {"id": "add_1"}}`))
	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want %q", result.Status, StatusSuccess)
	}
	if result.EventType != "address.created" {
		t.Errorf("EventType = %q", result.EventType)
	}

	count, err := storage.CountWebhookLogs(ctx, db)
	if err != nil {
		t.Fatalf("CountWebhookLogs: %v", err)
	}
	if count != 1 {
		t.Errorf("webhook log rows = %d, want 1", count)
	}
}

func TestProcessTransactionQuantityOverride(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	body := []byte(`{
		"event_type": "transaction.completed",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "txn_1",
			"subscription_id": "sub_team",
			"status": "completed",
			"customer": {"id": "ctm_7", "email": "team@example.com"},
			"items": [{"quantity": 12, "price": {"name": "Team Pack"}}]
		}
	}`)
	process(t, p, body)

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_team")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic == nil {
		t.Fatal("license was not created")
	}
	if lic.AllowedContainers != 12 {
		t.Errorf("AllowedContainers = %d, want 12 from item quantity", lic.AllowedContainers)
	}

	customer, err := storage.FindCustomerByPaddleID(ctx, db, "ctm_7")
	if err != nil {
		t.Fatalf("FindCustomerByPaddleID: %v", err)
	}
	if customer == nil {
		t.Fatal("customer was not created from paddle id")
	}
}

func TestProcessTransactionBackfillsCustomerPaddleID(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	// the subscription event knows the customer only by email
	process(t, p, []byte(`{
		"event_type": "subscription.created",
		"occurred_at": "2025-06-01T12:00:00Z",
		"data": {
			"id": "sub_1",
			"status": "active",
			"customer": {"email": "buyer@example.com"},
			"items": [{"quantity": 1, "price": {"name": "basic"}}]
		}
	}`))

	customer, err := storage.FindCustomerByEmail(ctx, db, "buyer@example.com")
	if err != nil {
		t.Fatalf("FindCustomerByEmail: %v", err)
	}
	if customer == nil {
		t.Fatal("customer missing")
	}
	if customer.PaddleCustomerID != nil {
		t.Fatalf("PaddleCustomerID = %q before any id was seen", *customer.PaddleCustomerID)
	}

	// a later transaction carries the provider's customer id
	process(t, p, []byte(`{
		"event_type": "transaction.completed",
		"occurred_at": "2025-06-01T13:00:00Z",
		"data": {
			"id": "txn_1",
			"subscription_id": "sub_1",
			"customer": {"id": "ctm_7", "email": "buyer@example.com"},
			"items": [{"quantity": 1, "price": {"name": "basic"}}]
		}
	}`))

	byPaddle, err := storage.FindCustomerByPaddleID(ctx, db, "ctm_7")
	if err != nil {
		t.Fatalf("FindCustomerByPaddleID: %v", err)
	}
	if byPaddle == nil {
		t.Fatal("paddle id was not backfilled onto the existing customer")
	}
	if byPaddle.ID != customer.ID {
		t.Errorf("backfill created a second customer: %d vs %d", byPaddle.ID, customer.ID)
	}
}

func TestProcessTransactionWithoutSubscriptionSkipsLicense(t *testing.T) {
	p, db, _ := newTestProcessor(t)
	ctx := context.Background()

	body := []byte(`{
		"event_type": "transaction.completed",
		"data": {"id": "txn_oneoff", "customer": {"email": "oneoff@example.com"}}
	}`)
	result := process(t, p, body)
	if result.Status != StatusSuccess {
		t.Errorf("Status = %q", result.Status)
	}

	licenses, err := storage.ListLicenses(ctx, db)
	if err != nil {
		t.Fatalf("ListLicenses: %v", err)
	}
	if len(licenses) != 0 {
		t.Errorf("one-off transaction created %d licenses", len(licenses))
	}
}

func TestProcessEmailFailureDoesNotFailWebhook(t *testing.T) {
	p, db, sender := newTestProcessor(t)
	sender.err = context.DeadlineExceeded
	ctx := context.Background()

	result := process(t, p, subscriptionPayload(EventSubscriptionCreated, "sub_1", "2025-06-01T12:00:00Z", "buyer@example.com", "basic"))
	if result.Status != StatusSuccess {
		t.Errorf("Status = %q, want success despite email failure", result.Status)
	}

	lic, err := storage.FindLicenseByKey(ctx, db, "sub_1")
	if err != nil {
		t.Fatalf("FindLicenseByKey: %v", err)
	}
	if lic == nil {
		t.Fatal("license missing after email failure")
	}
}
