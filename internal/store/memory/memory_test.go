package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, id string, stock int) {
	t.Helper()
	_, err := s.SaveProduct(context.Background(), domain.Product{
		ID: id, Name: id, Stock: stock, CostCents: 1000, MarginPct: 20, PriceCents: 1200, Category: domain.SystemRetail,
	})
	require.NoError(t, err)
}

func TestDecreaseStockIfEnoughNeverOversells(t *testing.T) {
	s := New()
	seedProduct(t, s, "prod-1", 10)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecreaseStockIfEnough(context.Background(), "prod-1", 3); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	p, err := s.GetProduct(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), wins.Load())
	assert.Equal(t, 1, p.Stock)
}

func TestDecreaseStockReportsProduct(t *testing.T) {
	s := New()
	seedProduct(t, s, "prod-1", 1)

	_, err := s.DecreaseStockIfEnough(context.Background(), "prod-1", 2)
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-1", stockErr.ProductID)

	_, err = s.DecreaseStockIfEnough(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVoidSaleIsOneWayAndKeepsStock(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "prod-1", 5)

	_, err := s.DecreaseStockIfEnough(ctx, "prod-1", 2)
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, domain.Sale{
		ID: "sale-1", SystemType: domain.SystemRetail, TotalCents: 2400,
		Items: []domain.SaleItem{{ID: "item-1", SaleID: "sale-1", ProductID: "prod-1", Name: "prod-1", Quantity: 2, SubtotalCents: 2400}},
	})
	require.NoError(t, err)

	voided, err := s.VoidSale(ctx, "sale-1", "wrong customer", time.Now())
	require.NoError(t, err)
	assert.True(t, voided.IsVoided)
	require.Len(t, voided.Items, 1)

	_, err = s.VoidSale(ctx, "sale-1", "again", time.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyVoided)
	_, err = s.VoidSale(ctx, "missing", "", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := s.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)
}

func TestCreateSaleRejectsDuplicateCommitKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	sale := domain.Sale{ID: "sale-1", CommitKey: "key-1", Items: []domain.SaleItem{{ID: "i1", SaleID: "sale-1", Quantity: 1}}}
	_, err := s.CreateSale(ctx, sale)
	require.NoError(t, err)

	sale.ID = "sale-2"
	_, err = s.CreateSale(ctx, sale)
	assert.ErrorIs(t, err, store.ErrDuplicateCommit)

	found, err := s.FindSaleByCommitKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sale-1", found.ID)
}

func TestSnapshotSeparatesItemsAndCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedProduct(t, s, "prod-1", 5)
	_, err := s.CreateSale(ctx, domain.Sale{ID: "sale-1", Items: []domain.SaleItem{{ID: "i1", SaleID: "sale-1", ProductID: "prod-1", Quantity: 1}}})
	require.NoError(t, err)
	_, err = s.CreatePayment(ctx, domain.Payment{ID: "pay-1", AmountCents: 500, SystemType: domain.SystemRetail})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sales, 1)
	assert.Nil(t, snap.Sales[0].Items)
	require.Len(t, snap.SaleItems, 1)
	require.Len(t, snap.Payments, 1)

	snap.SaleItems[0].Quantity = 99
	again, err := s.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Items[0].Quantity)
}

func TestOfflineStoreReportsUnavailable(t *testing.T) {
	s := New()
	s.SetOffline(true)

	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)

	s.SetOffline(false)
	_, err = s.Snapshot(context.Background())
	assert.NoError(t, err)
}

func TestNewSeededCoversEveryModule(t *testing.T) {
	s := NewSeeded(nil)
	products, err := s.ListProducts(context.Background())
	require.NoError(t, err)

	seen := map[domain.SystemType]bool{}
	for _, p := range products {
		seen[p.Category] = true
		assert.Positive(t, p.PriceCents)
	}
	for _, system := range domain.SystemTypes() {
		assert.True(t, seen[system], "missing products for %s", system)
	}

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
