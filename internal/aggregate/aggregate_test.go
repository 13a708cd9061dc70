package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
)

func fixture() domain.Snapshot {
	return domain.Snapshot{
		Products: []domain.Product{
			{ID: "food", CostCents: 700, Category: domain.SystemRetail},
			{ID: "vaccine", CostCents: 4000, Category: domain.SystemVeterinary},
		},
		Sales: []domain.Sale{
			{ID: "s1", SystemType: domain.SystemRetail, TotalCents: 2000},
			{ID: "s2", SystemType: domain.SystemVeterinary, TotalCents: 6000},
			{ID: "s3", SystemType: domain.SystemRetail, TotalCents: 1000, IsVoided: true},
			{ID: "s4", SystemType: domain.SystemRetail, TotalCents: 500},
		},
		SaleItems: []domain.SaleItem{
			{SaleID: "s1", ProductID: "food", Quantity: 2, SubtotalCents: 2000},
			{SaleID: "s2", ProductID: "vaccine", Quantity: 1, SubtotalCents: 6000},
			{SaleID: "s3", ProductID: "food", Quantity: 1, SubtotalCents: 1000},
			{SaleID: "s4", ProductID: "deleted", Quantity: 5, SubtotalCents: 500},
		},
		Payments: []domain.Payment{
			{AmountCents: 300, SystemType: domain.SystemRetail},
			{AmountCents: 1000, SystemType: domain.SystemVeterinary},
		},
	}
}

func TestComputeRetail(t *testing.T) {
	m := Compute(fixture(), domain.SystemRetail)

	assert.Equal(t, int64(2500), m.RevenueCents)
	assert.Equal(t, int64(1400), m.COGSCents)
	assert.Equal(t, int64(300), m.ExpensesCents)
	assert.Equal(t, int64(800), m.NetProfitCents)
	assert.Equal(t, 2, m.SaleCount)
	assert.Equal(t, 1, m.VoidedCount)
}

func TestComputeAll(t *testing.T) {
	m := Compute(fixture(), domain.ScopeAll)

	assert.Equal(t, int64(8500), m.RevenueCents)
	assert.Equal(t, int64(5400), m.COGSCents)
	assert.Equal(t, int64(1300), m.ExpensesCents)
}

func TestNetProfitIdentityAndIdempotence(t *testing.T) {
	snap := fixture()
	for _, scope := range append(domain.SystemTypes(), domain.ScopeAll) {
		first := Compute(snap, scope)
		second := Compute(snap, scope)

		assert.Equal(t, first, second)
		assert.Equal(t, first.RevenueCents-first.COGSCents-first.ExpensesCents, first.NetProfitCents, "scope %s", scope)
	}
}

func TestVoidingRemovesRevenueAndCOGS(t *testing.T) {
	snap := fixture()
	before := Compute(snap, domain.SystemVeterinary)
	snap.Sales[1].IsVoided = true
	after := Compute(snap, domain.SystemVeterinary)

	assert.Equal(t, before.RevenueCents-6000, after.RevenueCents)
	assert.Equal(t, before.COGSCents-4000, after.COGSCents)
	assert.Equal(t, before.ExpensesCents, after.ExpensesCents)
}

func TestCOGSFollowsCurrentCost(t *testing.T) {
	snap := fixture()
	snap.Products[0].CostCents = 900

	assert.Equal(t, int64(1800), Compute(snap, domain.SystemRetail).COGSCents)
}

func TestResupplyPartitionsByModule(t *testing.T) {
	fund := Resupply(fixture())

	assert.Equal(t, int64(1400), fund.BySystem[domain.SystemRetail])
	assert.Equal(t, int64(4000), fund.BySystem[domain.SystemVeterinary])
	assert.Zero(t, fund.BySystem[domain.SystemGrooming])
	assert.Equal(t, int64(5400), fund.TotalCents)
	assert.Equal(t, Compute(fixture(), domain.ScopeAll).COGSCents, fund.TotalCents)
}

func TestComputeAllCoversEveryScope(t *testing.T) {
	all := ComputeAll(fixture())
	require.Len(t, all, len(domain.SystemTypes())+1)
	assert.Equal(t, int64(8500), all[domain.ScopeAll].RevenueCents)
}

func TestLowStock(t *testing.T) {
	out := LowStock([]domain.Product{
		{ID: "a", Stock: 5, MinStock: 5},
		{ID: "b", Stock: 10, MinStock: 2},
		{ID: "c", Stock: 0, MinStock: 1},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
}
