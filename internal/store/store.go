package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tillpoint/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyVoided      = errors.New("sale already voided")
	ErrDuplicateCommit    = errors.New("commit key already used")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientStockError names the product whose conditional decrement failed.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Unavailable wraps a transport or driver failure so callers can match ErrStorageUnavailable
// while the cause stays visible in logs.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Inventory is the product table. DecreaseStockIfEnough is the only guard against overselling:
// it must check and decrement in one atomic step.
type Inventory interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateCost(ctx context.Context, id string, costCents int64) (*domain.Product, error)
	DecreaseStockIfEnough(ctx context.Context, id string, qty int) (int, error)
	IncreaseStock(ctx context.Context, id string, qty int) error
}

// Ledger holds sales, their items and expenses. Sales are never deleted.
type Ledger interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByCommitKey(ctx context.Context, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, system domain.SystemType, limit int) ([]domain.Sale, error)
	VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error)
	CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	ListPayments(ctx context.Context, system domain.SystemType, limit int) ([]domain.Payment, error)
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

type Repository interface {
	Inventory
	Ledger
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
