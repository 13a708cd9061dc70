package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/cart"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/pricing"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

const compensateTimeout = 10 * time.Second

func (s *Service) Cart(terminalID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminal(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	return cartView(terminalID, s.carts.For(terminalID)), nil
}

// AddToCart adds one unit using the product's current stock as the ceiling.
func (s *Service) AddToCart(ctx context.Context, terminalID string, productID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminal(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.CartView{}, err
	}

	c := s.carts.For(terminalID)
	if err := c.Add(*product); err != nil {
		return cartView(terminalID, c), err
	}
	return cartView(terminalID, c), nil
}

// SetCartQuantity replaces an entry's quantity. Zero or less removes the entry.
func (s *Service) SetCartQuantity(ctx context.Context, terminalID string, productID string, qty int) (domain.CartView, error) {
	terminalID, err := normalizeTerminal(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	productID = strings.TrimSpace(productID)
	c := s.carts.For(terminalID)

	if qty > 0 {
		// Use the freshest stock we can get; when storage is down the cart keeps its last value.
		if product, err := s.repo.GetProduct(ctx, productID); err == nil {
			c.Observe(*product)
		} else if !errors.Is(err, store.ErrStorageUnavailable) {
			return cartView(terminalID, c), err
		}
	}
	if err := c.SetQuantity(productID, qty); err != nil {
		return cartView(terminalID, c), err
	}
	return cartView(terminalID, c), nil
}

func (s *Service) RemoveFromCart(terminalID string, productID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminal(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	c := s.carts.For(terminalID)
	c.Remove(strings.TrimSpace(productID))
	return cartView(terminalID, c), nil
}

func (s *Service) ClearCart(terminalID string) (domain.CartView, error) {
	terminalID, err := normalizeTerminal(terminalID)
	if err != nil {
		return domain.CartView{}, err
	}
	c := s.carts.For(terminalID)
	c.Clear()
	return cartView(terminalID, c), nil
}

// Checkout commits the terminal's cart as one sale.
//
// Stock is taken product by product with a conditional decrement; the first shortage aborts
// the checkout and every decrement already applied is undone. Prices and names come from the
// product table at commit time, not from the cart.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	resp, err := s.checkout(ctx, req)
	s.recorder.ObserveCheckout(checkoutResult(resp, err))
	return resp, err
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	terminalID, err := normalizeTerminal(req.TerminalID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}
	if req.SystemType == "" {
		req.SystemType = s.defaultSystem
	}
	if !req.SystemType.Valid() {
		return domain.CheckoutResponse{}, ErrUnknownScope
	}
	req.CommitKey = strings.TrimSpace(req.CommitKey)
	supplied := req.CommitKey != ""
	if !supplied {
		req.CommitKey = xid.New("commit")
	}

	ctx, cancel := context.WithTimeout(ctx, s.checkoutTimeout)
	defer cancel()

	c := s.carts.For(terminalID)
	// A retried key may arrive after the committed cart was cleared, so it is
	// resolved before the cart is looked at.
	if supplied {
		if existing, err := s.repo.FindSaleByCommitKey(ctx, req.CommitKey); err == nil {
			c.Clear()
			return domain.CheckoutResponse{Sale: *existing, Duplicate: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, err
		}
	}

	entries := c.Entries()
	if len(entries) == 0 {
		return domain.CheckoutResponse{}, ErrEmptyCart
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Product.ID)
	}
	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		CreatedAt:     s.now(),
		TerminalID:    terminalID,
		CommitKey:     req.CommitKey,
		PaymentMethod: req.PaymentMethod,
		SystemType:    req.SystemType,
		Items:         make([]domain.SaleItem, 0, len(entries)),
	}
	lines := make([]pricing.Line, 0, len(entries))
	for _, entry := range entries {
		product, ok := products[entry.Product.ID]
		if !ok {
			return domain.CheckoutResponse{}, fmt.Errorf("product %s: %w", entry.Product.ID, store.ErrNotFound)
		}
		line := pricing.Line{Quantity: entry.Quantity, UnitPriceCents: product.PriceCents}
		lines = append(lines, line)
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         sale.ID,
			ProductID:      product.ID,
			Name:           product.Name,
			Quantity:       entry.Quantity,
			UnitPriceCents: product.PriceCents,
			SubtotalCents:  line.SubtotalCents(),
		})
	}

	totals := pricing.Quote(lines, req.DiscountPct, req.IncreasePct)
	sale.SubtotalCents = totals.SubtotalCents
	sale.DiscountPct = totals.DiscountPct
	sale.IncreasePct = totals.IncreasePct
	sale.DiscountCents = totals.DiscountCents
	sale.SurchargeCents = totals.SurchargeCents
	sale.TotalCents = totals.TotalCents

	taken, pending, err := s.takeStock(ctx, sale.Items)
	if err != nil {
		s.compensate(ctx, sale.ID, taken)
		if pending != nil {
			// The decrement may have applied before the error; restoring it blindly could oversell.
			s.logger.Error("stock decrement outcome unknown, stock possibly held for reconciliation",
				zap.String("sale_id", sale.ID),
				zap.String("commit_key", sale.CommitKey),
				zap.String("product_id", pending.productID),
				zap.Int("qty", pending.qty),
				zap.Error(err),
			)
			return domain.CheckoutResponse{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		return domain.CheckoutResponse{}, err
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return s.recoverCreateSale(ctx, c, sale, taken, err)
	}

	c.Clear()
	s.publish(ctx, domain.TableProducts, domain.TableSales, domain.TableSaleItems)
	s.logAudit(ctx, "checkout", "sale", created.ID,
		fmt.Sprintf("terminal=%s,system=%s,total=%d,items=%d", terminalID, created.SystemType, created.TotalCents, len(created.Items)))
	return domain.CheckoutResponse{Sale: *created}, nil
}

type stockTake struct {
	productID string
	qty       int
}

// takeStock decrements in product id order so two terminals contending for the same products
// hit them in the same sequence. It returns what was taken even on failure, and the take whose
// outcome is unknown when the store failed ambiguously.
func (s *Service) takeStock(ctx context.Context, items []domain.SaleItem) ([]stockTake, *stockTake, error) {
	wanted := make([]stockTake, 0, len(items))
	for _, item := range items {
		wanted = append(wanted, stockTake{productID: item.ProductID, qty: item.Quantity})
	}
	sort.Slice(wanted, func(i, j int) bool { return wanted[i].productID < wanted[j].productID })

	taken := make([]stockTake, 0, len(wanted))
	for _, want := range wanted {
		if err := ctx.Err(); err != nil {
			return taken, nil, err
		}
		if _, err := s.repo.DecreaseStockIfEnough(ctx, want.productID, want.qty); err != nil {
			if isAmbiguous(err) {
				return taken, &want, err
			}
			return taken, nil, err
		}
		taken = append(taken, want)
	}
	return taken, nil, nil
}

// recoverCreateSale decides what a failed sale insert means for the stock already taken.
func (s *Service) recoverCreateSale(ctx context.Context, c *cart.Cart, sale domain.Sale, taken []stockTake, cause error) (domain.CheckoutResponse, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if errors.Is(cause, store.ErrDuplicateCommit) {
		// Another request with the same key won; its sale already holds the stock.
		s.compensate(ctx, sale.ID, taken)
		existing, err := s.repo.FindSaleByCommitKey(lookupCtx, sale.CommitKey)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		c.Clear()
		return domain.CheckoutResponse{Sale: *existing, Duplicate: true}, nil
	}

	if !isAmbiguous(cause) {
		s.compensate(ctx, sale.ID, taken)
		return domain.CheckoutResponse{}, cause
	}

	// The insert may have committed before the connection dropped.
	existing, err := s.repo.FindSaleByCommitKey(lookupCtx, sale.CommitKey)
	switch {
	case err == nil && existing.ID == sale.ID:
		c.Clear()
		s.publish(ctx, domain.TableProducts, domain.TableSales, domain.TableSaleItems)
		s.logAudit(ctx, "checkout", "sale", existing.ID, "recovered after "+cause.Error())
		return domain.CheckoutResponse{Sale: *existing}, nil
	case err == nil:
		s.compensate(ctx, sale.ID, taken)
		c.Clear()
		return domain.CheckoutResponse{Sale: *existing, Duplicate: true}, nil
	case errors.Is(err, store.ErrNotFound):
		s.compensate(ctx, sale.ID, taken)
		return domain.CheckoutResponse{}, cause
	default:
		// Restoring stock for a sale that did commit would oversell, so the stock stays taken.
		s.logger.Error("checkout outcome unknown, stock held for reconciliation",
			zap.String("sale_id", sale.ID),
			zap.String("commit_key", sale.CommitKey),
			zap.Any("taken", takenFields(taken)),
			zap.Error(cause),
		)
		return domain.CheckoutResponse{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause)
	}
}

// compensate gives back stock taken by an aborted checkout. It runs on a context detached from
// the request so a cancelled client cannot strand the stock.
func (s *Service) compensate(ctx context.Context, saleID string, taken []stockTake) {
	if len(taken) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	for _, t := range taken {
		err := s.repo.IncreaseStock(ctx, t.productID, t.qty)
		s.recorder.ObserveCompensation(err == nil)
		if err != nil {
			s.logger.Error("stock compensation failed",
				zap.String("sale_id", saleID),
				zap.String("product_id", t.productID),
				zap.Int("qty", t.qty),
				zap.Error(err),
			)
		}
	}
	s.publish(ctx, domain.TableProducts)
	s.logger.Info("checkout aborted, stock restored", zap.String("sale_id", saleID), zap.Int("products", len(taken)))
}

func (s *Service) LookupCommit(ctx context.Context, commitKey string) (domain.CommitLookupResponse, error) {
	commitKey = strings.TrimSpace(commitKey)
	if commitKey == "" {
		return domain.CommitLookupResponse{}, store.ErrInvalidTransaction
	}

	sale, err := s.repo.FindSaleByCommitKey(ctx, commitKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CommitLookupResponse{Found: false}, nil
		}
		return domain.CommitLookupResponse{}, err
	}
	return domain.CommitLookupResponse{Found: true, Sale: sale}, nil
}

func cartView(terminalID string, c *cart.Cart) domain.CartView {
	return domain.CartView{
		TerminalID:    terminalID,
		Entries:       c.Entries(),
		SubtotalCents: c.Subtotal(),
	}
}

func isAmbiguous(err error) bool {
	return errors.Is(err, store.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func checkoutResult(resp domain.CheckoutResponse, err error) string {
	switch {
	case err == nil && resp.Duplicate:
		return "duplicate"
	case err == nil:
		return "committed"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrOutcomeUnknown), errors.Is(err, context.DeadlineExceeded):
		return "unknown"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, store.ErrNotFound):
		return "invalid"
	default:
		return "failed"
	}
}

func takenFields(taken []stockTake) map[string]int {
	out := make(map[string]int, len(taken))
	for _, t := range taken {
		out[t.productID] = t.qty
	}
	return out
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "transfer", "qris":
		return true
	default:
		return false
	}
}
