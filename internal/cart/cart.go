// Package cart keeps the per-terminal pending sale. Quantities are bounded by the
// last stock value the terminal saw; the store re-checks stock when the sale commits.
package cart

import (
	"errors"
	"sync"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/pricing"
)

var (
	ErrOutOfStock          = errors.New("product is out of stock")
	ErrStockCeilingReached = errors.New("quantity exceeds available stock")
	ErrNotInCart           = errors.New("product is not in the cart")
)

type Cart struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*domain.CartEntry
}

func New() *Cart {
	return &Cart{entries: make(map[string]*domain.CartEntry)}
}

// Add puts one unit of product into the cart and refreshes the product snapshot on the entry.
func (c *Cart) Add(product domain.Product) error {
	if product.Stock <= 0 {
		return ErrOutOfStock
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[product.ID]
	if !ok {
		c.entries[product.ID] = &domain.CartEntry{Product: product, Quantity: 1}
		c.order = append(c.order, product.ID)
		return nil
	}
	if entry.Quantity+1 > product.Stock {
		entry.Product = product
		return ErrStockCeilingReached
	}
	entry.Product = product
	entry.Quantity++
	return nil
}

// SetQuantity replaces the quantity of an entry. A quantity of zero or less removes it.
func (c *Cart) SetQuantity(productID string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[productID]
	if !ok {
		return ErrNotInCart
	}
	if qty <= 0 {
		c.removeLocked(productID)
		return nil
	}
	if qty > entry.Product.Stock {
		return ErrStockCeilingReached
	}
	entry.Quantity = qty
	return nil
}

func (c *Cart) Remove(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(productID)
}

func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.entries = make(map[string]*domain.CartEntry)
}

// Entries returns a copy of the cart in insertion order.
func (c *Cart) Entries() []domain.CartEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.CartEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entries[id])
	}
	return out
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Subtotal prices the cart with the product snapshots it holds.
func (c *Cart) Subtotal() int64 {
	entries := c.Entries()
	lines := make([]pricing.Line, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, pricing.Line{Quantity: entry.Quantity, UnitPriceCents: entry.Product.PriceCents})
	}
	return pricing.Quote(lines, 0, 0).SubtotalCents
}

// Observe updates the product snapshot of a matching entry after a change notification.
// The quantity is left alone even if it now exceeds the fresh stock value.
func (c *Cart) Observe(product domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[product.ID]; ok {
		entry.Product = product
	}
}

func (c *Cart) removeLocked(productID string) {
	if _, ok := c.entries[productID]; !ok {
		return
	}
	delete(c.entries, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Registry holds one cart per terminal. Carts live only in process memory.
type Registry struct {
	mu    sync.Mutex
	carts map[string]*Cart
}

func NewRegistry() *Registry {
	return &Registry{carts: make(map[string]*Cart)}
}

func (r *Registry) For(terminalID string) *Cart {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[terminalID]
	if !ok {
		c = New()
		r.carts[terminalID] = c
	}
	return c
}

// Observe forwards a fresh product snapshot to every cart.
func (r *Registry) Observe(products []domain.Product) {
	r.mu.Lock()
	carts := make([]*Cart, 0, len(r.carts))
	for _, c := range r.carts {
		carts = append(carts, c)
	}
	r.mu.Unlock()

	for _, c := range carts {
		for _, p := range products {
			c.Observe(p)
		}
	}
}
