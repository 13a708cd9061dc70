package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

// NotifyChannel is the LISTEN channel the schema triggers publish table names on.
const NotifyChannel = "ledger_changes"

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, store.Unavailable("ping", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return wrapErr("migrate", err)
	}
	return nil
}

const productColumns = `id, name, barcode, stock, min_stock, cost_cents, margin_pct, price_cents, category, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p       domain.Product
		barcode sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &barcode, &p.Stock, &p.MinStock, &p.CostCents, &p.MarginPct, &p.PriceCents, &p.Category, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.Barcode = barcode.String
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, s.db, `SELECT `+productColumns+` FROM products ORDER BY category, name`)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryProducts(ctx context.Context, q querier, query string, args ...any) ([]domain.Product, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, wrapErr("scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list products", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr("get product", err)
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	products, err := s.queryProducts(ctx, s.db, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (s *Store) SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	saved, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, name, barcode, stock, min_stock, cost_cents, margin_pct, price_cents, category, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			barcode = EXCLUDED.barcode,
			stock = EXCLUDED.stock,
			min_stock = EXCLUDED.min_stock,
			cost_cents = EXCLUDED.cost_cents,
			margin_pct = EXCLUDED.margin_pct,
			price_cents = EXCLUDED.price_cents,
			category = EXCLUDED.category,
			updated_at = now()
		RETURNING `+productColumns,
		product.ID, product.Name, nullIfEmpty(product.Barcode), product.Stock, product.MinStock,
		product.CostCents, product.MarginPct, product.PriceCents, string(product.Category),
	))
	if err != nil {
		return nil, wrapErr("save product", err)
	}
	return &saved, nil
}

// UpdateCost changes the cost only. The stored price keeps the value derived when the product was saved.
func (s *Store) UpdateCost(ctx context.Context, id string, costCents int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products SET cost_cents = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, costCents))
	if err != nil {
		return nil, wrapErr("update cost", err)
	}
	return &p, nil
}

// DecreaseStockIfEnough is a single conditional UPDATE; the row lock Postgres takes for it
// serializes concurrent decrements of the same product.
func (s *Store) DecreaseStockIfEnough(ctx context.Context, id string, qty int) (int, error) {
	if qty < 1 {
		return 0, store.ErrInvalidTransaction
	}

	var remaining int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock
	`, id, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, wrapErr("decrease stock", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, id).Scan(&current); err != nil {
		return 0, wrapErr("decrease stock", err)
	}
	return current, &store.InsufficientStockError{ProductID: id}
}

func (s *Store) IncreaseStock(ctx context.Context, id string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
	`, id, qty)
	if err != nil {
		return wrapErr("increase stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("increase stock", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateSale writes the sale header and its items in one transaction.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("create sale", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, created_at, terminal_id, commit_key, payment_method, system_type,
			subtotal_cents, discount_pct, increase_pct, discount_cents, surcharge_cents, total_cents, is_voided
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,false)
	`, sale.ID, sale.CreatedAt, nullIfEmpty(sale.TerminalID), nullIfEmpty(sale.CommitKey), sale.PaymentMethod,
		string(sale.SystemType), sale.SubtotalCents, sale.DiscountPct, sale.IncreasePct, sale.DiscountCents,
		sale.SurchargeCents, sale.TotalCents)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateCommit
		}
		return nil, wrapErr("insert sale", err)
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, name, quantity, unit_price_cents, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, sale.ID, nullIfEmpty(item.ProductID), item.Name, item.Quantity, item.UnitPriceCents, item.SubtotalCents)
		if err != nil {
			return nil, wrapErr("insert sale item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit sale", err)
	}

	sale.IsVoided = false
	return &sale, nil
}

const saleColumns = `id, created_at, terminal_id, commit_key, payment_method, system_type, subtotal_cents,
	discount_pct, increase_pct, discount_cents, surcharge_cents, total_cents, is_voided, voided_at, void_reason`

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale       domain.Sale
		terminalID sql.NullString
		commitKey  sql.NullString
		voidedAt   sql.NullTime
		voidReason sql.NullString
	)
	err := row.Scan(&sale.ID, &sale.CreatedAt, &terminalID, &commitKey, &sale.PaymentMethod, &sale.SystemType,
		&sale.SubtotalCents, &sale.DiscountPct, &sale.IncreasePct, &sale.DiscountCents, &sale.SurchargeCents,
		&sale.TotalCents, &sale.IsVoided, &voidedAt, &voidReason)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.TerminalID = terminalID.String
	sale.CommitKey = commitKey.String
	sale.VoidReason = voidReason.String
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	return sale, nil
}

const saleItemColumns = `id, sale_id, product_id, name, quantity, unit_price_cents, subtotal_cents`

func scanSaleItem(row rowScanner) (domain.SaleItem, error) {
	var (
		item      domain.SaleItem
		productID sql.NullString
	)
	if err := row.Scan(&item.ID, &item.SaleID, &productID, &item.Name, &item.Quantity, &item.UnitPriceCents, &item.SubtotalCents); err != nil {
		return domain.SaleItem{}, err
	}
	item.ProductID = productID.String
	return item, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByCommitKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "commit_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "commit_key" {
		return nil, fmt.Errorf("unsupported sale lookup column %q", column)
	}

	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE `+column+` = $1`, value))
	if err != nil {
		return nil, wrapErr("get sale", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+saleItemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY id`, sale.ID)
	if err != nil {
		return nil, wrapErr("get sale items", err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanSaleItem(rows)
		if err != nil {
			return nil, wrapErr("scan sale item", err)
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get sale items", err)
	}
	return &sale, nil
}

// ListSales returns sale headers, newest first, without their items.
func (s *Store) ListSales(ctx context.Context, system domain.SystemType, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR system_type = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, scopeArg(system), limit)
	if err != nil {
		return nil, wrapErr("list sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, wrapErr("scan sale", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list sales", err)
	}
	return sales, nil
}

// VoidSale flips is_voided with a conditional UPDATE, so two concurrent voids cannot both succeed.
// Stock is not touched.
func (s *Store) VoidSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET is_voided = true, voided_at = $2, void_reason = $3
		WHERE id = $1 AND is_voided = false
	`, id, at.UTC(), nullIfEmpty(strings.TrimSpace(reason)))
	if err != nil {
		return nil, wrapErr("void sale", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrapErr("void sale", err)
	}
	if affected == 0 {
		var voided bool
		if err := s.db.QueryRowContext(ctx, `SELECT is_voided FROM sales WHERE id = $1`, id).Scan(&voided); err != nil {
			return nil, wrapErr("void sale", err)
		}
		return nil, store.ErrAlreadyVoided
	}
	return s.GetSale(ctx, id)
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.ID == "" || payment.AmountCents <= 0 {
		return nil, store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, description, amount_cents, paid_at, system_type)
		VALUES ($1,$2,$3,$4,$5)
	`, payment.ID, payment.Description, payment.AmountCents, payment.Date, string(payment.SystemType))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, wrapErr("create payment", err)
	}
	return &payment, nil
}

func (s *Store) ListPayments(ctx context.Context, system domain.SystemType, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPayments(ctx, s.db, `
		SELECT id, description, amount_cents, paid_at, system_type
		FROM payments
		WHERE ($1 = '' OR system_type = $1)
		ORDER BY paid_at DESC
		LIMIT $2
	`, scopeArg(system), limit)
}

func (s *Store) queryPayments(ctx context.Context, q querier, query string, args ...any) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list payments", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 32)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.Description, &p.AmountCents, &p.Date, &p.SystemType); err != nil {
			return nil, wrapErr("scan payment", err)
		}
		p.Date = p.Date.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list payments", err)
	}
	return payments, nil
}

// Snapshot reads every aggregate input inside one REPEATABLE READ transaction so the
// tables agree with each other.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.Snapshot{}, wrapErr("snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := domain.Snapshot{TakenAt: time.Now().UTC()}

	snap.Products, err = s.queryProducts(ctx, tx, `SELECT `+productColumns+` FROM products ORDER BY category, name`)
	if err != nil {
		return domain.Snapshot{}, err
	}

	saleRows, err := tx.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at`)
	if err != nil {
		return domain.Snapshot{}, wrapErr("snapshot sales", err)
	}
	for saleRows.Next() {
		sale, err := scanSale(saleRows)
		if err != nil {
			_ = saleRows.Close()
			return domain.Snapshot{}, wrapErr("snapshot sales", err)
		}
		snap.Sales = append(snap.Sales, sale)
	}
	if err := saleRows.Err(); err != nil {
		_ = saleRows.Close()
		return domain.Snapshot{}, wrapErr("snapshot sales", err)
	}
	_ = saleRows.Close()

	itemRows, err := tx.QueryContext(ctx, `SELECT `+saleItemColumns+` FROM sale_items`)
	if err != nil {
		return domain.Snapshot{}, wrapErr("snapshot items", err)
	}
	for itemRows.Next() {
		item, err := scanSaleItem(itemRows)
		if err != nil {
			_ = itemRows.Close()
			return domain.Snapshot{}, wrapErr("snapshot items", err)
		}
		snap.SaleItems = append(snap.SaleItems, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return domain.Snapshot{}, wrapErr("snapshot items", err)
	}
	_ = itemRows.Close()

	snap.Payments, err = s.queryPayments(ctx, tx, `SELECT id, description, amount_cents, paid_at, system_type FROM payments`)
	if err != nil {
		return domain.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, wrapErr("snapshot", err)
	}
	return snap, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return wrapErr("create audit log", err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, wrapErr("list audit logs", err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, wrapErr("scan audit log", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list audit logs", err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return wrapErr("create user", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, wrapErr("list users", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, wrapErr("scan user", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return wrapErr("update user password", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update user password", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// wrapErr maps driver errors onto the store sentinels. Connection trouble becomes
// ErrStorageUnavailable; anything else keeps its cause.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if isConnectionError(err) {
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func scopeArg(system domain.SystemType) string {
	if system == domain.ScopeAll {
		return ""
	}
	return string(system)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
