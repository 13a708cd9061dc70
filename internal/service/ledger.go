package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tillpoint/backend/internal/aggregate"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, scope domain.SystemType, limit int) ([]domain.Sale, error) {
	if scope == "" {
		scope = domain.ScopeAll
	}
	if scope != domain.ScopeAll && !scope.Valid() {
		return nil, ErrUnknownScope
	}
	return s.repo.ListSales(ctx, scope, limit)
}

// VoidSale marks a sale voided. It is one-way: stock is not restored and the items stay, so
// the sale drops out of revenue and COGS but inventory does not move.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.Sale, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.Sale{}, store.ErrInvalidTransaction
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	voided, err := s.repo.VoidSale(ctx, req.SaleID, req.Reason, s.now())
	if err != nil {
		return domain.Sale{}, err
	}

	s.recorder.ObserveVoid()
	s.publish(ctx, domain.TableSales)
	s.logAudit(ctx, "void_sale", "sale", voided.ID, req.Reason)
	return *voided, nil
}

func (s *Service) CreatePayment(ctx context.Context, req domain.PaymentCreateRequest) (domain.Payment, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" || req.AmountCents <= 0 {
		return domain.Payment{}, store.ErrInvalidTransaction
	}
	if req.SystemType == "" {
		req.SystemType = s.defaultSystem
	}
	if !req.SystemType.Valid() {
		return domain.Payment{}, ErrUnknownScope
	}
	paidAt, err := parsePaymentDate(req.Date, s.now())
	if err != nil {
		return domain.Payment{}, err
	}

	created, err := s.repo.CreatePayment(ctx, domain.Payment{
		ID:          xid.New("pay"),
		Description: req.Description,
		AmountCents: req.AmountCents,
		Date:        paidAt,
		SystemType:  req.SystemType,
	})
	if err != nil {
		return domain.Payment{}, err
	}

	s.publish(ctx, domain.TablePayments)
	s.logAudit(ctx, "payment_create", "payment", created.ID,
		fmt.Sprintf("system=%s,amount=%d", created.SystemType, created.AmountCents))
	return *created, nil
}

func (s *Service) ListPayments(ctx context.Context, scope domain.SystemType, limit int) ([]domain.Payment, error) {
	if scope == "" {
		scope = domain.ScopeAll
	}
	if scope != domain.ScopeAll && !scope.Valid() {
		return nil, ErrUnknownScope
	}
	return s.repo.ListPayments(ctx, scope, limit)
}

// MetricsResult carries a figure together with whether it came from a stale view.
type MetricsResult struct {
	Metrics domain.Metrics `json:"metrics"`
	Stale   bool           `json:"stale"`
}

type ResupplyResult struct {
	Fund  domain.ResupplyFund `json:"fund"`
	Stale bool                `json:"stale"`
}

func (s *Service) Metrics(ctx context.Context, scope domain.SystemType) (MetricsResult, error) {
	if scope == "" {
		scope = domain.ScopeAll
	}
	if scope != domain.ScopeAll && !scope.Valid() {
		return MetricsResult{}, ErrUnknownScope
	}
	m, stale, err := s.views.Metrics(ctx, scope)
	if err != nil {
		return MetricsResult{}, err
	}
	return MetricsResult{Metrics: m, Stale: stale}, nil
}

func (s *Service) Resupply(ctx context.Context) (ResupplyResult, error) {
	fund, stale, err := s.views.Resupply(ctx)
	if err != nil {
		return ResupplyResult{}, err
	}
	return ResupplyResult{Fund: fund, Stale: stale}, nil
}

// View returns the latest derived view without touching storage.
func (s *Service) View() domain.View {
	return s.views.Current()
}

func parsePaymentDate(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, store.ErrInvalidTransaction
}

// snapshotViews computes directly from storage with no caching and no stale fallback.
type snapshotViews struct {
	repo store.Repository
}

func (v snapshotViews) Metrics(ctx context.Context, scope domain.SystemType) (domain.Metrics, bool, error) {
	snap, err := v.repo.Snapshot(ctx)
	if err != nil {
		return domain.Metrics{}, false, err
	}
	return aggregate.Compute(snap, scope), false, nil
}

func (v snapshotViews) Resupply(ctx context.Context) (domain.ResupplyFund, bool, error) {
	snap, err := v.repo.Snapshot(ctx)
	if err != nil {
		return domain.ResupplyFund{}, false, err
	}
	return aggregate.Resupply(snap), false, nil
}

func (v snapshotViews) Current() domain.View {
	snap, err := v.repo.Snapshot(context.Background())
	if err != nil {
		return domain.View{Stale: true, LastError: err.Error()}
	}
	return domain.View{
		Metrics:     aggregate.ComputeAll(snap),
		Resupply:    aggregate.Resupply(snap),
		Products:    snap.Products,
		LowStock:    aggregate.LowStock(snap.Products),
		RefreshedAt: snap.TakenAt,
	}
}
