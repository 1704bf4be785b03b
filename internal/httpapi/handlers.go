package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/justinas/alice"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/export"
	"posledger/backend/internal/log"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

func (a *API) productRoutes(staff, admin alice.Constructor) []Route {
	return []Route{
		{Path: "/api/products", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleListProducts), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/products", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleCreateProduct), Middlewares: []alice.Constructor{admin}},
		{Path: "/api/products/:id", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleGetProduct), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/products/:id", Method: http.MethodPut, Handler: http.HandlerFunc(a.handleUpdateProduct), Middlewares: []alice.Constructor{admin}},
		{Path: "/api/products/:id", Method: http.MethodDelete, Handler: http.HandlerFunc(a.handleDeleteProduct), Middlewares: []alice.Constructor{admin}},
		{Path: "/api/products/:id/adjust", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleAdjustQuantity), Middlewares: []alice.Constructor{admin}},
	}
}

func (a *API) saleRoutes(staff, admin alice.Constructor) []Route {
	return []Route{
		{Path: "/api/sales", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleListSales), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/sales", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleCreateSale), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/sales/:id", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleGetSale), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/sales/:id/receipt", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleReceipt), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/sales/:id/refund", Method: http.MethodPost, Handler: http.HandlerFunc(a.handleRefund), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/reports/sales.csv", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleSalesCSV), Middlewares: []alice.Constructor{admin}},
		{Path: "/api/audit-logs", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleAuditLogs), Middlewares: []alice.Constructor{admin}},
	}
}

func (a *API) statsRoutes(staff alice.Constructor) []Route {
	return []Route{
		{Path: "/api/stats/daily/:date", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleDailyStats), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/stats/monthly/:year/:month", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleMonthlyStats), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/stats/weekly/:year/:month", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleWeeklyStats), Middlewares: []alice.Constructor{staff}},
		{Path: "/api/dashboard", Method: http.MethodGet, Handler: http.HandlerFunc(a.handleDashboard), Middlewares: []alice.Constructor{staff}},
	}
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	product, err := a.service.AddProduct(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), param(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	product, err := a.service.UpdateProduct(r.Context(), param(r, "id"), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.RemoveProduct(r.Context(), param(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdjustQuantity(w http.ResponseWriter, r *http.Request) {
	var req domain.QuantityAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	product, err := a.service.AdjustQuantity(r.Context(), param(r, "id"), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sales, err := a.service.ListSales(r.Context(), query.Get("start"), query.Get("end"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

// handleCreateSale accepts the idempotency key as a header or in the body.
// A repeated key answers 200 with the original sale instead of 201.
func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if header := strings.TrimSpace(r.Header.Get(idempotencyHeader)); header != "" {
		body := strings.TrimSpace(req.IdempotencyKey)
		if body != "" && body != header {
			respondError(w, r, fmt.Errorf("%w: idempotency key header and body disagree", store.ErrValidation))
			return
		}
		req.IdempotencyKey = header
	}

	resp, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), param(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.Receipt(r.Context(), param(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleRefund lets admins refund directly; cashiers need a valid
// X-Manager-PIN, and PIN attempts are rate limited per client.
func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	if actor.Role != domain.RoleAdmin {
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, r, http.StatusTooManyRequests, errTooManyAttempts)
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, r, http.StatusForbidden, errManagerApproval)
			return
		}
		log.ForContext(r.Context()).WithFields(log.Fields{
			"cashier": actor.Username,
			"sale_id": param(r, "id"),
		}).Info("refund approved by manager pin")
	}

	resp, err := a.service.RefundSale(r.Context(), param(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSalesCSV(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sales, err := a.service.ListSales(r.Context(), query.Get("start"), query.Get("end"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sales.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteSalesCSV(w, sales); err != nil {
		log.ForContext(r.Context()).WithError(err).Error("failed to write sales csv")
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	entries, err := a.service.ListAuditLogs(r.Context(), query.Get("date"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": entries})
}

func (a *API) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.DailyStats(r.Context(), param(r, "date"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleMonthlyStats(w http.ResponseWriter, r *http.Request) {
	year, month, err := yearMonth(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	result, err := a.service.MonthlyStats(r.Context(), year, month)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleWeeklyStats(w http.ResponseWriter, r *http.Request) {
	year, month, err := yearMonth(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	result, err := a.service.WeeklyStats(r.Context(), year, month)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := a.service.Dashboard(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func yearMonth(r *http.Request) (int, int, error) {
	year, err := strconv.Atoi(param(r, "year"))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: year must be a number", store.ErrValidation)
	}
	month, err := strconv.Atoi(param(r, "month"))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: month must be a number", store.ErrValidation)
	}
	return year, month, nil
}
