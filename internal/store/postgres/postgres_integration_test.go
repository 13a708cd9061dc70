package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

func TestConditionalDecrementAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	productID := xid.New("prod-it")
	saleID := xid.New("sale-it")
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err = s.SaveProduct(ctx, domain.Product{
		ID: productID, Name: "Integration Bone", Stock: 1, CostCents: 1000, MarginPct: 20, PriceCents: 1200, Category: domain.SystemRetail,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.DecreaseStockIfEnough(ctx, productID, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 1, wins)

	_, err = s.CreateSale(ctx, domain.Sale{
		ID: saleID, CreatedAt: time.Now().UTC(), PaymentMethod: "cash", SystemType: domain.SystemRetail,
		SubtotalCents: 1200, TotalCents: 1200,
		Items: []domain.SaleItem{{ID: xid.New("item"), ProductID: productID, Name: "Integration Bone", Quantity: 1, UnitPriceCents: 1200, SubtotalCents: 1200}},
	})
	require.NoError(t, err)

	voided, err := s.VoidSale(ctx, saleID, "integration", time.Now())
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}
