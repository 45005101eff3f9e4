package paddle

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"convia.vip/license-server/internal/models"
)

const (
	EventSubscriptionCreated   = "subscription.created"
	EventSubscriptionUpdated   = "subscription.updated"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventTransactionCompleted  = "transaction.completed"
	EventUnknown               = "unknown"
	EventInvalidJSON           = "invalid_json"
)

const defaultPlan = "basic"

// planContainers maps plan names to container quotas. Unlisted plans get 1.
var planContainers = map[string]int{
	"basic":      1,
	"pro":        5,
	"enterprise": models.UnlimitedContainers,
}

// Event is the normalized form of a webhook payload. All tolerant parsing
// of the untyped provider JSON happens up front in ParseEvent; everything
// downstream works with these already-validated optional fields.
type Event struct {
	Type             string
	OccurredAt       *time.Time
	SubscriptionID   string
	Status           string
	CustomerEmail    string
	PaddleCustomerID string
	PlanName         string
	Quantity         int
}

// flexString accepts JSON strings, numbers and null. Paddle ids show up as
// both strings and numbers across payload versions; anything else degrades
// to empty.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*s = ""
			return nil
		}
		*s = flexString(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		*s = ""
		return nil
	}
	*s = flexString(num.String())
	return nil
}

// flexInt accepts JSON numbers, numeric strings and null; anything else
// degrades to zero instead of failing the delivery.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*n = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			*n = 0
			return nil
		}
		s = strings.TrimSpace(str)
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(v)
	return nil
}

type rawItem struct {
	Quantity flexInt `json:"quantity"`
	Price    struct {
		Name      string     `json:"name"`
		ProductID flexString `json:"product_id"`
	} `json:"price"`
}

// itemList drops an items field of unexpected shape rather than failing
// the whole payload.
type itemList []rawItem

func (l *itemList) UnmarshalJSON(data []byte) error {
	var items []rawItem
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}
	*l = items
	return nil
}

type rawPayload struct {
	EventType  string `json:"event_type"`
	Event      string `json:"event"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ID             flexString `json:"id"`
		SubscriptionID flexString `json:"subscription_id"`
		Status         string     `json:"status"`
		Customer       struct {
			ID    flexString `json:"id"`
			Email string     `json:"email"`
		} `json:"customer"`
		Items itemList `json:"items"`
	} `json:"data"`
}

// ParseEvent maps an untrusted payload into an Event. A body that does not
// decode fails; missing fields leave zero values, and ids, quantities and
// the item list tolerate unexpected shapes instead of failing.
func ParseEvent(body []byte) (*Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	evt := &Event{
		Type:             normalizeEventType(raw.EventType, raw.Event),
		Status:           strings.TrimSpace(raw.Data.Status),
		CustomerEmail:    strings.TrimSpace(raw.Data.Customer.Email),
		PaddleCustomerID: string(raw.Data.Customer.ID),
	}

	if raw.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.OccurredAt); err == nil {
			utc := t.UTC()
			evt.OccurredAt = &utc
		}
	}

	switch evt.Type {
	case EventTransactionCompleted:
		evt.SubscriptionID = string(raw.Data.SubscriptionID)
	default:
		evt.SubscriptionID = string(raw.Data.ID)
	}

	if len(raw.Data.Items) > 0 {
		first := raw.Data.Items[0]
		evt.Quantity = int(first.Quantity)
		if first.Price.Name != "" {
			evt.PlanName = strings.ToLower(strings.TrimSpace(first.Price.Name))
		} else if first.Price.ProductID != "" {
			evt.PlanName = strings.ToLower(string(first.Price.ProductID))
		}
	}

	return evt, nil
}

func normalizeEventType(eventType, event string) string {
	name := strings.TrimSpace(eventType)
	if name == "" {
		name = strings.TrimSpace(event)
	}
	if name == "" {
		return EventUnknown
	}
	return strings.ToLower(name)
}

// Plan returns the event's plan name, defaulting to basic.
func (e *Event) Plan() string {
	if e.PlanName == "" {
		return defaultPlan
	}
	return e.PlanName
}

// AllowedContainers resolves the container quota for the event. Plans in
// the table win; outside the table an explicit item quantity may override
// (transaction payloads carry seat counts there); the floor is 1.
func (e *Event) AllowedContainers(quantityOverride bool) int {
	if quota, ok := planContainers[e.Plan()]; ok {
		return quota
	}
	if quantityOverride && e.Quantity > 0 {
		return e.Quantity
	}
	return 1
}
