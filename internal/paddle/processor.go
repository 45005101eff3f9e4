package paddle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"convia.vip/license-server/internal/email"
	"convia.vip/license-server/internal/license"
	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

const (
	StatusSuccess = "success"
	StatusIgnored = "ignored"
)

// Result is what the webhook endpoint reports back to Paddle. Business
// problems never surface as errors here: a non-2xx answer would trigger
// provider retries, and idempotent upserts are what prevent duplication,
// not the status code.
type Result struct {
	EventType string
	Status    string
}

// Processor turns verified webhook deliveries into customer/license state.
// Each delivery runs as one transaction that also carries the audit log
// row, so a rolled-back mutation rolls its log entry back with it.
type Processor struct {
	db           *storage.DB
	sender       email.Sender
	baseURL      string
	tokenTTL     time.Duration
	emailTimeout time.Duration
}

func NewProcessor(db *storage.DB, sender email.Sender, baseURL string, tokenTTL, emailTimeout time.Duration) *Processor {
	return &Processor{
		db:           db,
		sender:       sender,
		baseURL:      baseURL,
		tokenTTL:     tokenTTL,
		emailTimeout: emailTimeout,
	}
}

// issuedLink captures a magic token created for a brand-new license; the
// email goes out only after the transaction commits.
type issuedLink struct {
	email      string
	licenseKey string
	token      string
}

// Process handles one verified delivery. The body must already have passed
// signature verification.
func (p *Processor) Process(ctx context.Context, verifiedBody []byte, signatureHeader string) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	evt, parseErr := ParseEvent(verifiedBody)
	if parseErr != nil {
		// A correctly signed but unparseable body is acknowledged, not
		// rejected: erroring here would only feed the provider's retry
		// storm. One audit row per delivery is the whole record.
		entry := &models.WebhookLog{
			EventType: EventInvalidJSON,
			Payload:   string(verifiedBody),
			Signature: signatureHeader,
		}
		if err := storage.AppendWebhookLog(ctx, tx, entry); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		logger.Warn("Webhook body is not valid JSON", logger.Fields{
			"error": parseErr.Error(),
		})
		return &Result{EventType: EventInvalidJSON, Status: StatusIgnored}, nil
	}

	entry := &models.WebhookLog{
		EventType: evt.Type,
		Payload:   string(verifiedBody),
		Signature: signatureHeader,
	}
	if err := storage.AppendWebhookLog(ctx, tx, entry); err != nil {
		return nil, err
	}

	var link *issuedLink
	switch evt.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		link, err = p.applySubscription(ctx, tx, evt)
	case EventTransactionCompleted:
		link, err = p.applyTransaction(ctx, tx, evt)
	case EventSubscriptionCancelled:
		err = p.applyCancellation(ctx, tx, evt)
	default:
		logger.Info("Unhandled webhook event type", logger.Fields{
			"event_type": evt.Type,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit webhook: %w", err)
	}

	if link != nil {
		p.sendMagicLink(ctx, link)
	}

	return &Result{EventType: evt.Type, Status: StatusSuccess}, nil
}

func (p *Processor) applySubscription(ctx context.Context, tx *sql.Tx, evt *Event) (*issuedLink, error) {
	if evt.SubscriptionID == "" {
		logger.Warn("Subscription event without subscription id", logger.Fields{
			"event_type": evt.Type,
		})
		return nil, nil
	}

	customer, err := p.resolveCustomerByEmail(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	return p.upsertLicense(ctx, tx, evt, evt.AllowedContainers(false), customer)
}

func (p *Processor) applyTransaction(ctx context.Context, tx *sql.Tx, evt *Event) (*issuedLink, error) {
	if evt.SubscriptionID == "" {
		// One-off payments carry no subscription; nothing to license.
		logger.Warn("Transaction without subscription id, skipping license update", logger.Fields{
			"event_type": evt.Type,
		})
		return nil, nil
	}

	customer, err := p.resolveCustomerByPaddleID(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	return p.upsertLicense(ctx, tx, evt, evt.AllowedContainers(true), customer)
}

func (p *Processor) applyCancellation(ctx context.Context, tx *sql.Tx, evt *Event) error {
	if evt.SubscriptionID == "" {
		return nil
	}

	lic, err := storage.FindLicenseByKey(ctx, tx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if lic == nil {
		// Cancellation for a subscription we never saw is not an error.
		logger.Info("Cancellation for unknown subscription", logger.Fields{
			"subscription_id": evt.SubscriptionID,
		})
		return nil
	}

	if staleEvent(evt, lic) {
		logger.Info("Stale cancellation ignored", logger.Fields{
			"license_id": lic.ID,
		})
		return nil
	}

	lic.Status = models.StatusCancelled
	if evt.OccurredAt != nil {
		lic.LastEventAt = evt.OccurredAt
	}

	if err := storage.UpdateLicense(ctx, tx, lic); err != nil {
		return err
	}

	logger.Info("License cancelled", logger.Fields{
		"license_id":      lic.ID,
		"subscription_id": lic.PaddleSubscriptionID,
	})
	return nil
}

// resolveCustomerByEmail finds or lazily creates the customer for
// subscription lifecycle events, which identify customers by email.
func (p *Processor) resolveCustomerByEmail(ctx context.Context, tx *sql.Tx, evt *Event) (*models.Customer, error) {
	if evt.CustomerEmail == "" {
		return nil, nil
	}

	customer, err := storage.FindCustomerByEmail(ctx, tx, evt.CustomerEmail)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		return customer, nil
	}

	customer = &models.Customer{Email: evt.CustomerEmail}
	if evt.PaddleCustomerID != "" {
		customer.PaddleCustomerID = &evt.PaddleCustomerID
	}
	if err := storage.InsertCustomer(ctx, tx, customer); err != nil {
		return nil, err
	}

	logger.Info("Customer created", logger.Fields{
		"customer_id": customer.ID,
		"email":       customer.Email,
	})
	return customer, nil
}

// resolveCustomerByPaddleID prefers the provider's customer id and falls
// back to email; a customer is created when either identifier is present.
// A customer found by email that has no paddle id yet gets it backfilled.
func (p *Processor) resolveCustomerByPaddleID(ctx context.Context, tx *sql.Tx, evt *Event) (*models.Customer, error) {
	if evt.PaddleCustomerID != "" {
		customer, err := storage.FindCustomerByPaddleID(ctx, tx, evt.PaddleCustomerID)
		if err != nil {
			return nil, err
		}
		if customer != nil {
			return customer, nil
		}
	}

	if evt.CustomerEmail != "" {
		customer, err := storage.FindCustomerByEmail(ctx, tx, evt.CustomerEmail)
		if err != nil {
			return nil, err
		}
		if customer != nil {
			if customer.PaddleCustomerID == nil && evt.PaddleCustomerID != "" {
				customer.PaddleCustomerID = &evt.PaddleCustomerID
				if err := storage.UpdateCustomer(ctx, tx, customer); err != nil {
					return nil, err
				}
				logger.Info("Customer paddle id backfilled", logger.Fields{
					"customer_id":        customer.ID,
					"paddle_customer_id": evt.PaddleCustomerID,
				})
			}
			return customer, nil
		}
	}

	if evt.PaddleCustomerID == "" && evt.CustomerEmail == "" {
		return nil, nil
	}

	customer := &models.Customer{Email: evt.CustomerEmail}
	if evt.PaddleCustomerID != "" {
		customer.PaddleCustomerID = &evt.PaddleCustomerID
	}
	if err := storage.InsertCustomer(ctx, tx, customer); err != nil {
		return nil, err
	}

	logger.Info("Customer created", logger.Fields{
		"customer_id":        customer.ID,
		"paddle_customer_id": evt.PaddleCustomerID,
	})
	return customer, nil
}

// upsertLicense creates or overwrites the license for a subscription.
// Redeliveries of the same payload converge on the same row; the stale
// guard keeps a reordered late update from reverting newer state.
func (p *Processor) upsertLicense(ctx context.Context, tx *sql.Tx, evt *Event, allowed int, customer *models.Customer) (*issuedLink, error) {
	status := evt.Status
	if status == "" {
		status = models.StatusActive
	}

	lic, err := storage.FindLicenseByKey(ctx, tx, evt.SubscriptionID)
	if err != nil {
		return nil, err
	}

	if lic == nil {
		lic = &models.License{
			PaddleSubscriptionID: evt.SubscriptionID,
			Email:                evt.CustomerEmail,
			AllowedContainers:    allowed,
			Status:               status,
			LastEventAt:          evt.OccurredAt,
		}
		if customer != nil {
			lic.CustomerID = &customer.ID
		}
		if err := storage.InsertLicense(ctx, tx, lic); err != nil {
			return nil, err
		}

		logger.Info("License created", logger.Fields{
			"license_id":         lic.ID,
			"subscription_id":    lic.PaddleSubscriptionID,
			"allowed_containers": allowed,
		})

		if lic.Email == "" {
			return nil, nil
		}

		mt, err := license.IssueToken(ctx, tx, lic.ID, p.tokenTTL)
		if err != nil {
			return nil, err
		}
		return &issuedLink{
			email:      lic.Email,
			licenseKey: lic.PaddleSubscriptionID,
			token:      mt.Token,
		}, nil
	}

	if staleEvent(evt, lic) {
		logger.Info("Stale webhook event ignored", logger.Fields{
			"license_id": lic.ID,
			"event_type": evt.Type,
		})
		return nil, nil
	}

	lic.Status = status
	lic.Email = evt.CustomerEmail
	lic.AllowedContainers = allowed
	if customer != nil {
		lic.CustomerID = &customer.ID
	}
	if evt.OccurredAt != nil {
		lic.LastEventAt = evt.OccurredAt
	}

	if err := storage.UpdateLicense(ctx, tx, lic); err != nil {
		return nil, err
	}

	logger.Info("License updated", logger.Fields{
		"license_id":         lic.ID,
		"subscription_id":    lic.PaddleSubscriptionID,
		"status":             lic.Status,
		"allowed_containers": allowed,
	})
	return nil, nil
}

// staleEvent reports whether the delivery's occurred_at predates the last
// event already applied to the license. Events without occurred_at fall
// back to last-write-wins.
func staleEvent(evt *Event, lic *models.License) bool {
	return evt.OccurredAt != nil && lic.LastEventAt != nil && evt.OccurredAt.Before(*lic.LastEventAt)
}

// sendMagicLink runs after commit: mail failure must neither fail the
// webhook nor hold the transaction open during a network call.
func (p *Processor) sendMagicLink(ctx context.Context, link *issuedLink) {
	sendCtx, cancel := context.WithTimeout(ctx, p.emailTimeout)
	defer cancel()

	subject, body := email.MagicLinkMessage(p.baseURL, link.licenseKey, link.token, p.tokenTTL)
	if err := p.sender.Send(sendCtx, link.email, subject, body); err != nil {
		logger.Error("Failed to send magic link email", logger.Fields{
			"error": err.Error(),
			"email": link.email,
		})
		return
	}

	logger.Info("Magic link email sent", logger.Fields{
		"email": link.email,
	})
}
