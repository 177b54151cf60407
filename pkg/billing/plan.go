package billing

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Plan is a sellable product. Plans are never hard-deleted while subscriptions
// reference them; deactivate with Active=false instead.
type Plan struct {
	ID                uuid.UUID    `json:"id" yaml:"-"`
	Name              string       `json:"name" yaml:"name"`
	Description       string       `json:"description,omitempty" yaml:"description"`
	Features          []string     `json:"features,omitempty" yaml:"features"`
	Capabilities      []Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	ExternalProductID string       `json:"external_product_id" yaml:"external_product_id"`
	Active            bool         `json:"active" yaml:"active"`
	SortOrder         int          `json:"sort_order" yaml:"sort_order"`
	CreatedAt         time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time    `json:"updated_at" yaml:"-"`
}

// Grants reports whether the plan includes the capability.
func (p *Plan) Grants(c Capability) bool {
	return p != nil && slices.Contains(p.Capabilities, c)
}

// Price is a concrete billing option of a plan.
// PlanID is a weak reference: removing a plan clears it instead of deleting the price.
type Price struct {
	ID            uuid.UUID  `json:"id"`
	PlanID        *uuid.UUID `json:"plan_id,omitempty"`
	ExternalID    string     `json:"external_id"`
	Interval      Interval   `json:"interval"`
	IntervalCount int        `json:"interval_count"`
	Amount        Money      `json:"amount"`
	Active        bool       `json:"active"`
	Featured      bool       `json:"featured"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SameSlot reports whether two prices compete for the single active slot of a (plan, interval) pair.
func (p *Price) SameSlot(o *Price) bool {
	if p.PlanID == nil || o.PlanID == nil {
		return false
	}
	return *p.PlanID == *o.PlanID && p.Interval == o.Interval && p.ID != o.ID
}
