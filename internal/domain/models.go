package domain

import "time"

// SystemType tags the module that owns a product, a sale or an expense.
type SystemType string

const (
	SystemRetail     SystemType = "retail"
	SystemAgro       SystemType = "agro"
	SystemVeterinary SystemType = "veterinary"
	SystemGrooming   SystemType = "grooming"

	// ScopeAll selects every module when aggregating.
	ScopeAll SystemType = "ALL"
)

func SystemTypes() []SystemType {
	return []SystemType{SystemRetail, SystemAgro, SystemVeterinary, SystemGrooming}
}

func (s SystemType) Valid() bool {
	for _, known := range SystemTypes() {
		if s == known {
			return true
		}
	}
	return false
}

// Table names the ledger tables a change notification can refer to.
type Table string

const (
	TableProducts  Table = "products"
	TableSales     Table = "sales"
	TableSaleItems Table = "sale_items"
	TablePayments  Table = "payments"
)

func LedgerTables() []Table {
	return []Table{TableProducts, TableSales, TableSaleItems, TablePayments}
}

func (t Table) Valid() bool {
	for _, known := range LedgerTables() {
		if t == known {
			return true
		}
	}
	return false
}

type Product struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Barcode    string     `json:"barcode,omitempty"`
	Stock      int        `json:"stock"`
	MinStock   int        `json:"min_stock"`
	CostCents  int64      `json:"cost_cents"`
	MarginPct  float64    `json:"margin_pct"`
	PriceCents int64      `json:"price_cents"`
	Category   SystemType `json:"category"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (p Product) LowStock() bool {
	return p.Stock <= p.MinStock
}

type Sale struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	TerminalID     string     `json:"terminal_id,omitempty"`
	CommitKey      string     `json:"commit_key,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	SystemType     SystemType `json:"system_type"`
	SubtotalCents  int64      `json:"subtotal_cents"`
	DiscountPct    float64    `json:"discount_pct"`
	IncreasePct    float64    `json:"increase_pct"`
	DiscountCents  int64      `json:"discount_cents"`
	SurchargeCents int64      `json:"surcharge_cents"`
	TotalCents     int64      `json:"total_cents"`
	IsVoided       bool       `json:"is_voided"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`
	VoidReason     string     `json:"void_reason,omitempty"`
	Items          []SaleItem `json:"items,omitempty"`
}

// SaleItem keeps the product name and line subtotal as they were when the sale was written.
type SaleItem struct {
	ID             string `json:"id"`
	SaleID         string `json:"sale_id"`
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// Payment is an operating expense.
type Payment struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	Date        time.Time  `json:"date"`
	SystemType  SystemType `json:"system_type"`
}

// Snapshot is a consistent read of everything the aggregates depend on.
type Snapshot struct {
	Products  []Product  `json:"products"`
	Sales     []Sale     `json:"sales"`
	SaleItems []SaleItem `json:"sale_items"`
	Payments  []Payment  `json:"payments"`
	TakenAt   time.Time  `json:"taken_at"`
}

type Metrics struct {
	Scope          SystemType `json:"scope"`
	RevenueCents   int64      `json:"revenue_cents"`
	COGSCents      int64      `json:"cogs_cents"`
	ExpensesCents  int64      `json:"expenses_cents"`
	NetProfitCents int64      `json:"net_profit_cents"`
	SaleCount      int        `json:"sale_count"`
	VoidedCount    int        `json:"voided_count"`
}

// ResupplyFund is the cost of goods sold partitioned by module.
type ResupplyFund struct {
	BySystem   map[SystemType]int64 `json:"by_system"`
	TotalCents int64                `json:"total_cents"`
}

// View is what a terminal renders: aggregates plus the inventory they were computed from.
type View struct {
	Version     uint64                 `json:"version"`
	Metrics     map[SystemType]Metrics `json:"metrics"`
	Resupply    ResupplyFund           `json:"resupply"`
	Products    []Product              `json:"products"`
	LowStock    []Product              `json:"low_stock"`
	RefreshedAt time.Time              `json:"refreshed_at"`
	Stale       bool                   `json:"stale"`
	LastError   string                 `json:"last_error,omitempty"`
}

type CartEntry struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

type CartView struct {
	TerminalID    string      `json:"terminal_id"`
	Entries       []CartEntry `json:"entries"`
	SubtotalCents int64       `json:"subtotal_cents"`
}

type CartAddRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

type CartQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CheckoutRequest struct {
	TerminalID    string     `json:"-"`
	PaymentMethod string     `json:"payment_method" validate:"required,oneof=cash card transfer qris"`
	DiscountPct   float64    `json:"discount_pct" validate:"lte=100"`
	IncreasePct   float64    `json:"increase_pct" validate:"lte=1000"`
	SystemType    SystemType `json:"system_type" validate:"required"`
	CommitKey     string     `json:"commit_key,omitempty" validate:"omitempty,max=128"`
}

type CheckoutResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type CommitLookupResponse struct {
	Found bool  `json:"found"`
	Sale  *Sale `json:"sale,omitempty"`
}

type VoidSaleRequest struct {
	SaleID     string `json:"-"`
	Reason     string `json:"reason" validate:"max=240"`
	ManagerPIN string `json:"manager_pin" validate:"required"`
}

type ProductSaveRequest struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name" validate:"required,max=160"`
	Barcode   string     `json:"barcode,omitempty" validate:"max=64"`
	Stock     int        `json:"stock" validate:"gte=0"`
	MinStock  int        `json:"min_stock" validate:"gte=0"`
	CostCents int64      `json:"cost_cents" validate:"gte=0"`
	MarginPct float64    `json:"margin_pct" validate:"gte=0,lte=1000"`
	Category  SystemType `json:"category" validate:"required"`
}

type ProductCostRequest struct {
	CostCents int64 `json:"cost_cents" validate:"gte=0"`
}

type PaymentCreateRequest struct {
	Description string     `json:"description" validate:"required,max=240"`
	AmountCents int64      `json:"amount_cents" validate:"gt=0"`
	Date        string     `json:"date,omitempty"`
	SystemType  SystemType `json:"system_type" validate:"required"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Roles carried in access tokens.
const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
