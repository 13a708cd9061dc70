package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/xid"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header of mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("system_type")); raw != "" && raw != string(domain.ScopeAll) {
		scope := domain.SystemType(raw)
		if !scope.Valid() {
			writeError(w, http.StatusBadRequest, errors.New("unknown system type"))
			return
		}
		filtered := make([]domain.Product, 0, len(products))
		for _, p := range products {
			if p.Category == scope {
				filtered = append(filtered, p)
			}
		}
		products = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.LowStock(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleSaveProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductSaveRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.SaveProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateCost(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCostRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateCost(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Cart(chi.URLParam(r, "terminal"))
	writeCart(w, view, err)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ClearCart(chi.URLParam(r, "terminal"))
	writeCart(w, view, err)
}

func (a *API) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req domain.CartAddRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddToCart(r.Context(), chi.URLParam(r, "terminal"), req.ProductID)
	writeCart(w, view, err)
}

func (a *API) handleSetCartQuantity(w http.ResponseWriter, r *http.Request) {
	var req domain.CartQuantityRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCartQuantity(r.Context(), chi.URLParam(r, "terminal"), chi.URLParam(r, "product"), req.Quantity)
	writeCart(w, view, err)
}

func (a *API) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveFromCart(chi.URLParam(r, "terminal"), chi.URLParam(r, "product"))
	writeCart(w, view, err)
}

// writeCart answers with the cart even when the edit was refused, so the terminal can
// redraw from the server's state.
func writeCart(w http.ResponseWriter, view domain.CartView, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"cart": view})
		return
	}
	status := statusFor(err)
	if status != http.StatusConflict {
		writeError(w, status, err)
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "cart": view})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TerminalID = chi.URLParam(r, "terminal")
	req.CommitKey = strings.TrimSpace(req.CommitKey)
	if req.CommitKey == "" {
		// Minted here so a timed-out client still learns which key to look up.
		req.CommitKey = xid.New("commit")
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusGatewayTimeout {
			a.logger.Warn("checkout outcome unknown", zap.String("commit_key", req.CommitKey), zap.Error(err))
			writeJSON(w, status, map[string]any{
				"error":      "outcome unknown",
				"outcome":    "unknown",
				"commit_key": req.CommitKey,
			})
			return
		}
		writeError(w, status, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleLookupCommit(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.LookupCommit(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// errUnknownSale answers sale ids this server could never have issued without a store round trip.
var errUnknownSale = errors.New("sale not found")

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !xid.Valid(id) {
		writeError(w, http.StatusNotFound, errUnknownSale)
		return
	}
	sale, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sales, err := a.service.ListSales(r.Context(), domain.SystemType(strings.TrimSpace(query.Get("system_type"))),
		parsePositiveLimit(query.Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}
	req.SaleID = chi.URLParam(r, "id")
	if !xid.Valid(req.SaleID) {
		writeError(w, http.StatusNotFound, errUnknownSale)
		return
	}

	sale, err := a.service.VoidSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payment, err := a.service.CreatePayment(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": payment})
}

func (a *API) handleListPayments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	payments, err := a.service.ListPayments(r.Context(), domain.SystemType(strings.TrimSpace(query.Get("system_type"))),
		parsePositiveLimit(query.Get("limit"), 50, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	scope := domain.SystemType(strings.TrimSpace(r.URL.Query().Get("system_type")))
	result, err := a.service.Metrics(r.Context(), scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleResupply(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.Resupply(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"view": a.service.View()})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(query.Get("date")),
		parsePositiveLimit(query.Get("limit"), 100, 1000))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}
