package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Catalog is the file format used to seed plans and prices:
//
//	plans:
//	  - name: Pro
//	    external_product_id: prod_123
//	    capabilities: [exports, api]
//	    prices:
//	      - external_id: price_123
//	        interval: month
//	        amount: 1900
//	        currency: usd
type Catalog struct {
	Plans []CatalogPlan `yaml:"plans"`
}

type CatalogPlan struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	ExternalProductID string         `yaml:"external_product_id"`
	Features          []string       `yaml:"features"`
	Capabilities      []Capability   `yaml:"capabilities"`
	Active            *bool          `yaml:"active"`
	SortOrder         int            `yaml:"sort_order"`
	Prices            []CatalogPrice `yaml:"prices"`
}

type CatalogPrice struct {
	ExternalID    string `yaml:"external_id"`
	Interval      string `yaml:"interval"`
	IntervalCount int    `yaml:"interval_count"`
	Amount        int64  `yaml:"amount"`
	Currency      string `yaml:"currency"`
	Active        *bool  `yaml:"active"`
	Featured      bool   `yaml:"featured"`
}

// CatalogReport counts what an import wrote.
type CatalogReport struct {
	PlansCreated  int
	PlansUpdated  int
	PricesCreated int
	PricesUpdated int
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Join(ErrCatalogMalformed, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks required identifiers, amounts and uniqueness across the document.
func (c *Catalog) Validate() error {
	products := make(map[string]struct{})
	prices := make(map[string]struct{})
	for i, p := range c.Plans {
		if strings.TrimSpace(p.Name) == "" || p.ExternalProductID == "" {
			return fmt.Errorf("%w: plan #%d needs name and external_product_id", ErrCatalogMalformed, i+1)
		}
		if _, dup := products[p.ExternalProductID]; dup {
			return fmt.Errorf("%w: duplicate product %s", ErrCatalogMalformed, p.ExternalProductID)
		}
		products[p.ExternalProductID] = struct{}{}

		for _, pr := range p.Prices {
			if pr.ExternalID == "" || pr.Currency == "" || pr.Interval == "" || pr.Amount < 0 {
				return fmt.Errorf("%w: invalid price on plan %s", ErrCatalogMalformed, p.Name)
			}
			if _, dup := prices[pr.ExternalID]; dup {
				return fmt.Errorf("%w: duplicate price %s", ErrCatalogMalformed, pr.ExternalID)
			}
			prices[pr.ExternalID] = struct{}{}
		}
	}
	return nil
}

// ImportCatalog upserts plans by external product id and prices by external id.
// Existing local IDs are preserved so subscriptions keep pointing at the same rows.
func ImportCatalog(ctx context.Context, store CatalogStore, c *Catalog, now time.Time) (CatalogReport, error) {
	var report CatalogReport
	for _, cp := range c.Plans {
		plan, err := store.FindPlanByExternalID(ctx, cp.ExternalProductID)
		switch {
		case errors.Is(err, ErrNotFound):
			plan = &Plan{ID: uuid.New(), ExternalProductID: cp.ExternalProductID, CreatedAt: now}
			report.PlansCreated++
		case err != nil:
			return report, err
		default:
			report.PlansUpdated++
		}

		plan.Name = cp.Name
		plan.Description = cp.Description
		plan.Features = cp.Features
		plan.Capabilities = cp.Capabilities
		plan.Active = boolOr(cp.Active, true)
		plan.SortOrder = cp.SortOrder
		plan.UpdatedAt = now
		if err := store.SavePlan(ctx, plan); err != nil {
			return report, err
		}

		for _, cpr := range cp.Prices {
			created, err := importPrice(ctx, store, plan.ID, cpr, now)
			if err != nil {
				return report, err
			}
			if created {
				report.PricesCreated++
			} else {
				report.PricesUpdated++
			}
		}
	}
	return report, nil
}

func importPrice(ctx context.Context, store CatalogStore, planID uuid.UUID, cp CatalogPrice, now time.Time) (bool, error) {
	created := false
	price, err := store.FindPriceByExternalID(ctx, cp.ExternalID)
	switch {
	case errors.Is(err, ErrNotFound):
		price = &Price{ID: uuid.New(), ExternalID: cp.ExternalID, CreatedAt: now}
		created = true
	case err != nil:
		return false, err
	}

	id := planID
	price.PlanID = &id
	price.Interval = ParseInterval(cp.Interval)
	price.IntervalCount = max(cp.IntervalCount, 1)
	price.Amount = Money{Amount: cp.Amount, Currency: strings.ToLower(cp.Currency)}
	price.Active = boolOr(cp.Active, true)
	price.Featured = cp.Featured
	price.UpdatedAt = now
	return created, store.SavePrice(ctx, price)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
