// Package aggregate derives the financial totals from raw ledger rows. Everything here is a
// pure function of a snapshot: nothing is cached and every call recomputes from scratch.
package aggregate

import (
	"sort"

	"tillpoint/backend/internal/domain"
)

// Compute returns revenue, cost of goods sold, expenses and net profit for one module,
// or for every module when scope is domain.ScopeAll.
//
// COGS uses the product's current cost, not the cost at sale time. Items whose product has
// since been deleted contribute nothing.
func Compute(snap domain.Snapshot, scope domain.SystemType) domain.Metrics {
	costs := costIndex(snap.Products)
	live := liveSales(snap.Sales, scope)

	m := domain.Metrics{Scope: scope}
	for _, sale := range snap.Sales {
		if !inScope(sale.SystemType, scope) {
			continue
		}
		if sale.IsVoided {
			m.VoidedCount++
			continue
		}
		m.SaleCount++
		m.RevenueCents += sale.TotalCents
	}
	for _, item := range snap.SaleItems {
		if _, ok := live[item.SaleID]; !ok {
			continue
		}
		m.COGSCents += int64(item.Quantity) * costs[item.ProductID]
	}
	for _, payment := range snap.Payments {
		if inScope(payment.SystemType, scope) {
			m.ExpensesCents += payment.AmountCents
		}
	}
	m.NetProfitCents = m.RevenueCents - m.COGSCents - m.ExpensesCents
	return m
}

// ComputeAll evaluates every module plus the ALL scope.
func ComputeAll(snap domain.Snapshot) map[domain.SystemType]domain.Metrics {
	out := make(map[domain.SystemType]domain.Metrics, len(domain.SystemTypes())+1)
	for _, system := range domain.SystemTypes() {
		out[system] = Compute(snap, system)
	}
	out[domain.ScopeAll] = Compute(snap, domain.ScopeAll)
	return out
}

// Resupply partitions cost of goods sold by the module that made each sale, across all modules.
func Resupply(snap domain.Snapshot) domain.ResupplyFund {
	costs := costIndex(snap.Products)
	live := liveSales(snap.Sales, domain.ScopeAll)

	fund := domain.ResupplyFund{BySystem: make(map[domain.SystemType]int64, len(domain.SystemTypes()))}
	for _, system := range domain.SystemTypes() {
		fund.BySystem[system] = 0
	}
	for _, item := range snap.SaleItems {
		system, ok := live[item.SaleID]
		if !ok {
			continue
		}
		cogs := int64(item.Quantity) * costs[item.ProductID]
		fund.BySystem[system] += cogs
		fund.TotalCents += cogs
	}
	return fund
}

// LowStock lists products at or under their minimum, emptiest first.
func LowStock(products []domain.Product) []domain.Product {
	out := make([]domain.Product, 0, 8)
	for _, p := range products {
		if p.LowStock() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stock < out[j].Stock })
	return out
}

func costIndex(products []domain.Product) map[string]int64 {
	costs := make(map[string]int64, len(products))
	for _, p := range products {
		costs[p.ID] = p.CostCents
	}
	return costs
}

func liveSales(sales []domain.Sale, scope domain.SystemType) map[string]domain.SystemType {
	live := make(map[string]domain.SystemType, len(sales))
	for _, sale := range sales {
		if sale.IsVoided || !inScope(sale.SystemType, scope) {
			continue
		}
		live[sale.ID] = sale.SystemType
	}
	return live
}

func inScope(owner domain.SystemType, scope domain.SystemType) bool {
	return scope == domain.ScopeAll || scope == "" || owner == scope
}
