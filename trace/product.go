package trace

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a batch
type Status string

const (
	StatusRegistered Status = "registered"
	StatusInTransit  Status = "in_transit"
	StatusDelivered  Status = "delivered"
	StatusRejected   Status = "rejected"
)

// ParseStatus accepts the wire spelling and the CamelCase names.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "registered":
		return StatusRegistered, nil
	case "intransit":
		return StatusInTransit, nil
	case "delivered":
		return StatusDelivered, nil
	case "rejected":
		return StatusRejected, nil
	}
	return "", validationError("unknown status %q", s)
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusRejected
}

// transition is one row of the status state machine. Outcome is only
// consulted for border crossings.
type transition struct {
	from    Status
	action  Action
	outcome Outcome
	to      Status
}

var transitions = []transition{
	{StatusRegistered, ActionBorderCrossing, OutcomePass, StatusInTransit},
	{StatusRegistered, ActionDistributorReceive, OutcomeNone, StatusInTransit},
	{StatusInTransit, ActionDistributorReceive, OutcomeNone, StatusDelivered},
	{StatusInTransit, ActionBorderCrossing, OutcomeFail, StatusRejected},
}

// nextStatus resolves the status reached from `from` by a lifecycle event.
func nextStatus(from Status, action Action, outcome Outcome) (Status, bool) {
	for _, t := range transitions {
		if t.from == from && t.action == action && t.outcome == outcome {
			return t.to, true
		}
	}
	return "", false
}

// CanTransition reports whether the state machine has an edge from → to.
func CanTransition(from, to Status) bool {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}

// Product is the current-state record of one batch
type Product struct {
	BatchNumber    string          `json:"batch_number"`
	Producer       string          `json:"producer"`
	FarmName       string          `json:"farm_name"`
	Location       string          `json:"location"`
	ItemName       string          `json:"item_name"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit,omitempty"`
	ProductionDate time.Time       `json:"production_date"`
	ExpiryDate     time.Time       `json:"expiry_date"`
	Status         Status          `json:"status"`
	ParentBatch    string          `json:"parent_batch,omitempty"`
	Seller         string          `json:"seller,omitempty"`
	SellerLabel    string          `json:"seller_label,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsExpired is computed against the caller's clock; expiry is never stored.
func IsExpired(p Product, now time.Time) bool {
	return p.ExpiryDate.Before(now)
}

// Registration holds the inputs of a new batch
type Registration struct {
	Producer       string
	FarmName       string
	Location       string
	ItemName       string
	Quantity       decimal.Decimal
	Unit           string
	ProductionDate time.Time
	ExpiryDate     time.Time
}

// Validate checks field validity before any identifier is issued.
func (r Registration) Validate() error {
	required := []struct {
		name, value string
	}{
		{"producer", r.Producer},
		{"farm_name", r.FarmName},
		{"location", r.Location},
		{"item_name", r.ItemName},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return validationError("%s is required", f.name)
		}
	}
	if r.Quantity.LessThanOrEqual(decimal.Zero) {
		return validationError("quantity must be positive, got %s", r.Quantity)
	}
	if r.ProductionDate.IsZero() || r.ExpiryDate.IsZero() {
		return validationError("production_date and expiry_date are required")
	}
	if !r.ExpiryDate.After(r.ProductionDate) {
		return validationError("expiry_date %s must be after production_date %s",
			r.ExpiryDate.Format(time.RFC3339), r.ProductionDate.Format(time.RFC3339))
	}
	return nil
}
