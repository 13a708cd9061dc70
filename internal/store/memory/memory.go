package memory

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/pricing"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	offline         bool
	products        map[string]domain.Product
	salesByID       map[string]*domain.Sale
	salesByKey      map[string]string
	saleOrder       []string
	payments        []domain.Payment
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		salesByID:       make(map[string]*domain.Sale),
		salesByKey:      make(map[string]string),
		payments:        make([]domain.Payment, 0, 32),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo products for every module and the two dev accounts.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()

	now := time.Now().UTC()
	seed := []domain.Product{
		{Name: "Dog Food 2kg", Barcode: "899100000001", Stock: 40, MinStock: 8, CostCents: 9500, MarginPct: 35, Category: domain.SystemRetail},
		{Name: "Cat Litter 5L", Barcode: "899100000002", Stock: 25, MinStock: 5, CostCents: 6000, MarginPct: 40, Category: domain.SystemRetail},
		{Name: "Chew Toy", Barcode: "899100000003", Stock: 60, MinStock: 10, CostCents: 1500, MarginPct: 60, Category: domain.SystemRetail},
		{Name: "Layer Feed 50kg", Barcode: "899200000001", Stock: 12, MinStock: 4, CostCents: 32000, MarginPct: 18, Category: domain.SystemAgro},
		{Name: "Vitamin Premix", Barcode: "899200000002", Stock: 30, MinStock: 6, CostCents: 4200, MarginPct: 30, Category: domain.SystemAgro},
		{Name: "Rabies Vaccine", Stock: 20, MinStock: 5, CostCents: 12000, MarginPct: 50, Category: domain.SystemVeterinary},
		{Name: "Deworming Tablet", Stock: 100, MinStock: 20, CostCents: 800, MarginPct: 75, Category: domain.SystemVeterinary},
		{Name: "Bath Small Breed", Stock: 999, CostCents: 3000, MarginPct: 100, Category: domain.SystemGrooming},
		{Name: "Full Groom Large Breed", Stock: 999, CostCents: 9000, MarginPct: 80, Category: domain.SystemGrooming},
	}
	for _, p := range seed {
		p.ID = xid.New("prod")
		p.PriceCents = pricing.PriceFromCost(p.CostCents, p.MarginPct)
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetOffline makes every call fail with store.ErrStorageUnavailable, the way a lost
// network link to the hosted database would.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *Store) checkOnline(op string) error {
	if s.offline {
		return store.Unavailable(op, context.DeadlineExceeded)
	}
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("list products"); err != nil {
		return nil, err
	}
	return s.sortedProductsLocked(), nil
}

func (s *Store) sortedProductsLocked() []domain.Product {
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category == out[j].Category {
			return out[i].Name < out[j].Name
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("get product"); err != nil {
		return nil, err
	}
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("get products"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("save product"); err != nil {
		return nil, err
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateCost(_ context.Context, id string, costCents int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("update cost"); err != nil {
		return nil, err
	}
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.CostCents = costCents
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return &p, nil
}

// DecreaseStockIfEnough checks and decrements under the write lock, which makes the pair atomic.
func (s *Store) DecreaseStockIfEnough(_ context.Context, id string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("decrease stock"); err != nil {
		return 0, err
	}
	p, ok := s.products[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if p.Stock < qty {
		return p.Stock, &store.InsufficientStockError{ProductID: id}
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return p.Stock, nil
}

func (s *Store) IncreaseStock(_ context.Context, id string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("increase stock"); err != nil {
		return err
	}
	p, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("create sale"); err != nil {
		return nil, err
	}
	if sale.CommitKey != "" {
		if _, exists := s.salesByKey[sale.CommitKey]; exists {
			return nil, store.ErrDuplicateCommit
		}
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}

	stored := cloneSale(sale)
	stored.IsVoided = false
	s.salesByID[stored.ID] = &stored
	s.saleOrder = append(s.saleOrder, stored.ID)
	if stored.CommitKey != "" {
		s.salesByKey[stored.CommitKey] = stored.ID
	}
	out := cloneSale(stored)
	return &out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("get sale"); err != nil {
		return nil, err
	}
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) FindSaleByCommitKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("find sale"); err != nil {
		return nil, err
	}
	id, ok := s.salesByKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(*s.salesByID[id])
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, system domain.SystemType, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("list sales"); err != nil {
		return nil, err
	}

	out := make([]domain.Sale, 0, len(s.saleOrder))
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		if !inScope(sale.SystemType, system) {
			continue
		}
		out = append(out, cloneSale(*sale))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// VoidSale flips is_voided once. Stock and items are left as they are.
func (s *Store) VoidSale(_ context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("void sale"); err != nil {
		return nil, err
	}
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.IsVoided {
		return nil, store.ErrAlreadyVoided
	}
	sale.IsVoided = true
	sale.VoidReason = strings.TrimSpace(reason)
	voidedAt := at.UTC()
	sale.VoidedAt = &voidedAt

	out := cloneSale(*sale)
	return &out, nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.ID == "" || payment.AmountCents <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("create payment"); err != nil {
		return nil, err
	}
	s.payments = append(s.payments, payment)
	return &payment, nil
}

func (s *Store) ListPayments(_ context.Context, system domain.SystemType, limit int) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("list payments"); err != nil {
		return nil, err
	}

	out := make([]domain.Payment, 0, len(s.payments))
	for i := len(s.payments) - 1; i >= 0; i-- {
		if !inScope(s.payments[i].SystemType, system) {
			continue
		}
		out = append(out, s.payments[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Snapshot copies every table under one read lock.
func (s *Store) Snapshot(_ context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("snapshot"); err != nil {
		return domain.Snapshot{}, err
	}

	snap := domain.Snapshot{
		Products: s.sortedProductsLocked(),
		Sales:    make([]domain.Sale, 0, len(s.saleOrder)),
		Payments: slices.Clone(s.payments),
		TakenAt:  time.Now().UTC(),
	}
	for _, id := range s.saleOrder {
		sale := cloneSale(*s.salesByID[id])
		snap.SaleItems = append(snap.SaleItems, sale.Items...)
		sale.Items = nil
		snap.Sales = append(snap.Sales, sale)
	}
	return snap, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("create audit log"); err != nil {
		return err
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("list audit logs"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inScope(owner domain.SystemType, scope domain.SystemType) bool {
	return scope == "" || scope == domain.ScopeAll || owner == scope
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Items = slices.Clone(sale.Items)
	if sale.VoidedAt != nil {
		at := *sale.VoidedAt
		sale.VoidedAt = &at
	}
	return sale
}
