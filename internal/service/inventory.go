package service

import (
	"context"
	"fmt"
	"strings"

	"tillpoint/backend/internal/aggregate"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/pricing"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

// LowStock lists products at or under their reorder threshold, most urgent first.
func (s *Service) LowStock(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	return aggregate.LowStock(products), nil
}

// SaveProduct creates or replaces a product. The selling price is always derived from cost
// and margin.
func (s *Service) SaveProduct(ctx context.Context, req domain.ProductSaveRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Name == "" || !req.Category.Valid() {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.Stock < 0 || req.MinStock < 0 || req.CostCents < 0 || req.MarginPct < 0 {
		return domain.Product{}, store.ErrInvalidTransaction
	}
	if req.ID == "" {
		req.ID = xid.New("prod")
	}

	saved, err := s.repo.SaveProduct(ctx, domain.Product{
		ID:         req.ID,
		Name:       req.Name,
		Barcode:    req.Barcode,
		Stock:      req.Stock,
		MinStock:   req.MinStock,
		CostCents:  req.CostCents,
		MarginPct:  req.MarginPct,
		PriceCents: pricing.PriceFromCost(req.CostCents, req.MarginPct),
		Category:   req.Category,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.publish(ctx, domain.TableProducts)
	s.logAudit(ctx, "product_save", "product", saved.ID,
		fmt.Sprintf("name=%s,cost=%d,price=%d,stock=%d", saved.Name, saved.CostCents, saved.PriceCents, saved.Stock))
	return *saved, nil
}

// UpdateCost changes the current unit cost. Selling price and past sale lines are untouched,
// but COGS for every non-voided sale is recomputed with the new cost on the next refresh.
func (s *Service) UpdateCost(ctx context.Context, id string, req domain.ProductCostRequest) (domain.Product, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" || req.CostCents < 0 {
		return domain.Product{}, store.ErrInvalidTransaction
	}

	updated, err := s.repo.UpdateCost(ctx, id, req.CostCents)
	if err != nil {
		return domain.Product{}, err
	}

	s.publish(ctx, domain.TableProducts)
	s.logAudit(ctx, "product_cost", "product", updated.ID, fmt.Sprintf("cost=%d", updated.CostCents))
	return *updated, nil
}
