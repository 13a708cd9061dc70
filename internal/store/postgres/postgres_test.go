package postgres

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestDecreaseStockIfEnoughSucceeds(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE products\s+SET stock = stock - \$2`).
		WithArgs("prod-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(3))

	remaining, err := s.DecreaseStockIfEnough(context.Background(), "prod-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecreaseStockIfEnoughReportsShortage(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE products\s+SET stock = stock - \$2`).
		WithArgs("prod-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectQuery(`SELECT stock FROM products WHERE id = \$1`).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(1))

	remaining, err := s.DecreaseStockIfEnough(context.Background(), "prod-1", 2)
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-1", stockErr.ProductID)
	assert.Equal(t, 1, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecreaseStockIfEnoughUnknownProduct(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE products`).WillReturnRows(sqlmock.NewRows([]string{"stock"}))
	mock.ExpectQuery(`SELECT stock FROM products`).WillReturnRows(sqlmock.NewRows([]string{"stock"}))

	_, err := s.DecreaseStockIfEnough(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecreaseStockIfEnoughConnectionLoss(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE products`).WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})

	_, err := s.DecreaseStockIfEnough(context.Background(), "prod-1", 1)
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestIncreaseStockUnknownProduct(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE products SET stock = stock \+ \$2`).
		WithArgs("prod-1", 4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.IncreaseStock(context.Background(), "prod-1", 4)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleDuplicateCommitKeyRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sales`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.CreateSale(context.Background(), domain.Sale{
		ID:        "sale-1",
		CommitKey: "key-1",
		Items:     []domain.SaleItem{{ID: "item-1", ProductID: "prod-1", Name: "Dog Food", Quantity: 1, SubtotalCents: 100}},
	})
	assert.ErrorIs(t, err, store.ErrDuplicateCommit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSaleWritesItemsInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sales`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sale_items`).
		WithArgs("item-1", "sale-1", "prod-1", "Dog Food", 2, int64(500), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sale_items`).
		WithArgs("item-2", "sale-1", nil, "Bath", 1, int64(300), int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sale, err := s.CreateSale(context.Background(), domain.Sale{
		ID:         "sale-1",
		CreatedAt:  time.Now().UTC(),
		SystemType: domain.SystemRetail,
		TotalCents: 1300,
		Items: []domain.SaleItem{
			{ID: "item-1", ProductID: "prod-1", Name: "Dog Food", Quantity: 2, UnitPriceCents: 500, SubtotalCents: 1000},
			{ID: "item-2", Name: "Bath", Quantity: 1, UnitPriceCents: 300, SubtotalCents: 300},
		},
	})
	require.NoError(t, err)
	assert.False(t, sale.IsVoided)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func saleRow(id string, voided bool) *sqlmock.Rows {
	cols := []string{"id", "created_at", "terminal_id", "commit_key", "payment_method", "system_type", "subtotal_cents",
		"discount_pct", "increase_pct", "discount_cents", "surcharge_cents", "total_cents", "is_voided", "voided_at", "void_reason"}
	var voidedAt any
	if voided {
		voidedAt = time.Now().UTC()
	}
	return sqlmock.NewRows(cols).AddRow(id, time.Now().UTC(), "T1", nil, "cash", "retail", int64(1000),
		float64(0), float64(0), int64(0), int64(0), int64(1000), voided, voidedAt, nil)
}

func TestVoidSaleFlipsFlagOnly(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE sales\s+SET is_voided = true`).
		WithArgs("sale-1", sqlmock.AnyArg(), "customer left").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM sales WHERE id = \$1`).WithArgs("sale-1").WillReturnRows(saleRow("sale-1", true))
	mock.ExpectQuery(`FROM sale_items WHERE sale_id = \$1`).
		WithArgs("sale-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sale_id", "product_id", "name", "quantity", "unit_price_cents", "subtotal_cents"}).
			AddRow("item-1", "sale-1", "prod-1", "Dog Food", 2, int64(500), int64(1000)))

	sale, err := s.VoidSale(context.Background(), "sale-1", " customer left ", time.Now())
	require.NoError(t, err)
	assert.True(t, sale.IsVoided)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, "Dog Food", sale.Items[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoidSaleAlreadyVoided(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE sales`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT is_voided FROM sales`).WillReturnRows(sqlmock.NewRows([]string{"is_voided"}).AddRow(true))

	_, err := s.VoidSale(context.Background(), "sale-1", "", time.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyVoided)
}

func TestVoidSaleUnknown(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE sales`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT is_voided FROM sales`).WillReturnRows(sqlmock.NewRows([]string{"is_voided"}))

	_, err := s.VoidSale(context.Background(), "missing", "", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMigrateRunsEmbeddedSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS products`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.Contains(t, schemaSQL, "pg_notify('"+NotifyChannel+"'")
	assert.NoError(t, mock.ExpectationsWereMet())
}
