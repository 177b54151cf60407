package billing_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
)

const catalogYAML = `
plans:
  - name: Starter
    external_product_id: prod_starter
    sort_order: 1
    features: ["1 project"]
    prices:
      - external_id: price_starter_m
        interval: monthly
        amount: 900
        currency: USD
  - name: Pro
    external_product_id: prod_pro
    sort_order: 2
    capabilities: [exports, api]
    prices:
      - external_id: price_pro_m
        interval: month
        amount: 1900
        currency: usd
        featured: true
      - external_id: price_pro_y
        interval: year
        amount: 19000
        currency: usd
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()
	c, err := billing.ParseCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	require.Len(t, c.Plans, 2)
	assert.Equal(t, "Pro", c.Plans[1].Name)
	assert.Len(t, c.Plans[1].Prices, 2)
}

func TestParseCatalog_Rejects(t *testing.T) {
	t.Parallel()
	docs := map[string]string{
		"unknown field": "plans:\n  - name: A\n    external_product_id: p\n    colour: red\n",
		"missing name":  "plans:\n  - external_product_id: p\n",
		"duplicate product": "plans:\n  - name: A\n    external_product_id: p\n" +
			"  - name: B\n    external_product_id: p\n",
		"negative amount": "plans:\n  - name: A\n    external_product_id: p\n    prices:\n" +
			"      - {external_id: x, interval: month, amount: -1, currency: usd}\n",
		"duplicate price": "plans:\n  - name: A\n    external_product_id: p\n    prices:\n" +
			"      - {external_id: x, interval: month, amount: 1, currency: usd}\n" +
			"      - {external_id: x, interval: year, amount: 1, currency: usd}\n",
	}
	for name, doc := range docs {
		_, err := billing.ParseCatalog(strings.NewReader(doc))
		assert.ErrorIs(t, err, billing.ErrCatalogMalformed, name)
	}
}

func TestImportCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()

	c, err := billing.ParseCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	report, err := billing.ImportCatalog(ctx, store, c, base)
	require.NoError(t, err)
	assert.Equal(t, billing.CatalogReport{PlansCreated: 2, PricesCreated: 3}, report)

	pro, err := store.FindPlanByExternalID(ctx, "prod_pro")
	require.NoError(t, err)
	assert.True(t, pro.Active)
	assert.True(t, pro.Grants("api"))

	prices, err := store.ListPrices(ctx, pro.ID)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, billing.IntervalMonth, prices[0].Interval)
	assert.True(t, prices[0].Featured)

	starter, err := store.FindPriceByExternalID(ctx, "price_starter_m")
	require.NoError(t, err)
	assert.Equal(t, billing.Money{Amount: 900, Currency: "usd"}, starter.Amount)
	assert.Equal(t, 1, starter.IntervalCount)

	// Re-import keeps local IDs.
	report, err = billing.ImportCatalog(ctx, store, c, base)
	require.NoError(t, err)
	assert.Equal(t, billing.CatalogReport{PlansUpdated: 2, PricesUpdated: 3}, report)

	again, err := store.FindPlanByExternalID(ctx, "prod_pro")
	require.NoError(t, err)
	assert.Equal(t, pro.ID, again.ID)

	plans, err := store.ListPlans(ctx, true)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "Starter", plans[0].Name)
}
