package httpapi

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/money"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with a seeded in-memory store, real
// AuthManager and real Service so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	log.Discard()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	repo, err := memory.NewSeeded()
	require.NoError(t, err)

	recorder := metrics.New()
	svc := service.New(repo, nil, service.Options{Driver: "memory", Metrics: recorder})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, Options{AllowedOrigin: "*", Metrics: recorder})
}

type request struct {
	method  string
	path    string
	token   string
	body    any
	headers map[string]string
	remote  string
}

func serve(t *testing.T, h http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	if req.remote != "" {
		r.RemoteAddr = req.remote
	}

	res := httptest.NewRecorder()
	h.ServeHTTP(res, r)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(res.Body).Decode(dest), "body: %s", res.Body.String())
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()
	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   domain.LoginRequest{Username: username, Password: password},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload domain.LoginResponse
	decodeBody(t, res, &payload)
	require.NotEmpty(t, strings.TrimSpace(payload.AccessToken))
	return payload.AccessToken
}

func createWidget(t *testing.T, h http.Handler, adminToken string) domain.Product {
	t.Helper()
	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/products",
		token:  adminToken,
		body:   map[string]any{"name": "Widget", "price": "10.00", "cost_price": "4.00", "quantity": 5},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	var payload struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &payload)
	return payload.Product
}

func TestHandleHealth(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := serve(t, h, request{method: http.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, res.Code)

	var body domain.Health
	decodeBody(t, res, &body)
	assert.True(t, body.OK)
	assert.True(t, body.Database)
	assert.Equal(t, "memory", body.Store)
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   domain.LoginRequest{Username: "admin", Password: "wrong-password"},
	})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	var body errorBody
	decodeBody(t, res, &body)
	assert.Equal(t, "UNAUTHORIZED", body.Code)
}

func TestProductsRequireAuth(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := serve(t, h, request{method: http.MethodGet, path: "/api/products"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/products", token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestProductSearchReturnsSeededCatalogue(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	res := serve(t, h, request{method: http.MethodGet, path: "/api/products?q=coffee", token: token})
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, res, &payload)
	require.Len(t, payload.Products, 2)
	for _, p := range payload.Products {
		assert.Equal(t, "Coffee Beans", p.Name)
	}
}

func TestCashierCannotManageProducts(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/products",
		token:  token,
		body:   map[string]any{"name": "Widget", "price": "10.00", "quantity": 1},
	})
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestWidgetScenarioOverHTTP(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	widget := createWidget(t, h, admin)
	assert.Equal(t, money.Cents(1000), widget.Price)
	assert.Equal(t, money.Cents(400), widget.CostPrice)

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/sales",
		token:  admin,
		body:   domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	assert.Equal(t, money.Cents(2000), sale.Sale.Total)
	assert.False(t, sale.Duplicate)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/products/" + widget.ID, token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var product struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &product)
	assert.Equal(t, 3, product.Product.Quantity)

	day := sale.Sale.Date.UTC().Format("2006-01-02")
	res = serve(t, h, request{method: http.MethodGet, path: "/api/stats/daily/" + day, token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var daily domain.DailyStats
	decodeBody(t, res, &daily)
	assert.Equal(t, domain.DailyStats{Date: day, TotalSales: 2000, ItemCount: 2, Revenue: 1200}, daily)

	res = serve(t, h, request{method: http.MethodPost, path: "/api/sales/" + sale.Sale.ID + "/refund", token: admin})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var refund domain.RefundResponse
	decodeBody(t, res, &refund)
	assert.True(t, refund.Sale.Refunded)
	assert.NotNil(t, refund.Sale.RefundDate)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/products/" + widget.ID, token: admin})
	decodeBody(t, res, &product)
	assert.Equal(t, 5, product.Product.Quantity)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/stats/daily/" + day, token: admin})
	decodeBody(t, res, &daily)
	assert.Equal(t, domain.DailyStats{Date: day}, daily)

	res = serve(t, h, request{method: http.MethodPost, path: "/api/sales/" + sale.Sale.ID + "/refund", token: admin})
	assert.Equal(t, http.StatusConflict, res.Code)
	var body errorBody
	decodeBody(t, res, &body)
	assert.Equal(t, "ALREADY_REFUNDED", body.Code)
}

func TestCreateSaleIdempotencyHeader(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	widget := createWidget(t, h, admin)

	req := request{
		method:  http.MethodPost,
		path:    "/api/sales",
		token:   admin,
		headers: map[string]string{"Idempotency-Key": "till-7-42"},
		body:    domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}},
	}
	first := serve(t, h, req)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := serve(t, h, req)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	var a, b domain.SaleResponse
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	assert.True(t, b.Duplicate)
	assert.Equal(t, a.Sale.ID, b.Sale.ID)

	res := serve(t, h, request{method: http.MethodGet, path: "/api/products/" + widget.ID, token: admin})
	var product struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &product)
	assert.Equal(t, 4, product.Product.Quantity)
}

func TestCreateSaleErrorMapping(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	widget := createWidget(t, h, admin)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"over stock", domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 6}}}, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{"unknown product", domain.SaleRequest{Items: []domain.CartLine{{ProductID: "missing", Quantity: 1}}}, http.StatusNotFound, "NOT_FOUND"},
		{"empty cart", domain.SaleRequest{}, http.StatusBadRequest, "VALIDATION"},
		{"unknown field", map[string]any{"items": []any{}, "discount": 5}, http.StatusBadRequest, "VALIDATION"},
		{"overflowing quantity", domain.SaleRequest{Items: []domain.CartLine{
			{ProductID: widget.ID, Quantity: math.MaxInt/2 + 1},
			{ProductID: widget.ID, Quantity: math.MaxInt/2 + 1},
		}}, http.StatusBadRequest, "VALIDATION"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := serve(t, h, request{method: http.MethodPost, path: "/api/sales", token: admin, body: tc.body})
			assert.Equal(t, tc.status, res.Code, res.Body.String())
			var body errorBody
			decodeBody(t, res, &body)
			assert.Equal(t, tc.code, body.Code)
		})
	}
}

func TestCreateProductRejectsOutOfRangeValues(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")

	for name, body := range map[string]map[string]any{
		"price beyond int64 cents": {"name": "Vault", "price": "184467440737095516.17", "cost_price": "1.00", "quantity": 1},
		"quantity beyond int32":    {"name": "Vault", "price": "1.00", "cost_price": "1.00", "quantity": 3000000000},
	} {
		res := serve(t, h, request{method: http.MethodPost, path: "/api/products", token: admin, body: body})
		assert.Equal(t, http.StatusBadRequest, res.Code, name)
	}

	res := serve(t, h, request{method: http.MethodGet, path: "/api/products?q=vault", token: admin})
	assert.NotContains(t, res.Body.String(), "Vault")

	// the widget's stock is untouched by the rejected sale
	widget := createWidget(t, h, admin)
	serve(t, h, request{method: http.MethodPost, path: "/api/sales", token: admin, body: domain.SaleRequest{Items: []domain.CartLine{
		{ProductID: widget.ID, Quantity: math.MaxInt/2 + 1},
		{ProductID: widget.ID, Quantity: math.MaxInt/2 + 1},
	}}})
	res = serve(t, h, request{method: http.MethodGet, path: "/api/products/" + widget.ID, token: admin})
	var product struct {
		Product domain.Product `json:"product"`
	}
	decodeBody(t, res, &product)
	assert.Equal(t, 5, product.Product.Quantity)
}

func TestCashierRefundNeedsManagerPIN(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	cashier := login(t, h, "cashier", "cashier123")
	widget := createWidget(t, h, admin)

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/sales",
		token:  cashier,
		body:   domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}},
	})
	require.Equal(t, http.StatusCreated, res.Code)
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)
	refundPath := "/api/sales/" + sale.Sale.ID + "/refund"

	res = serve(t, h, request{method: http.MethodPost, path: refundPath, token: cashier})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = serve(t, h, request{method: http.MethodPost, path: refundPath, token: cashier, headers: map[string]string{"X-Manager-PIN": "000000"}})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = serve(t, h, request{method: http.MethodPost, path: refundPath, token: cashier, headers: map[string]string{"X-Manager-PIN": "123456"}})
	assert.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestMonthlyAndWeeklyStatsValidation(t *testing.T) {
	h := newTestAPI(t).Handler()
	token := login(t, h, "cashier", "cashier123")

	res := serve(t, h, request{method: http.MethodGet, path: "/api/stats/monthly/2025/4", token: token})
	require.Equal(t, http.StatusOK, res.Code)
	var monthly domain.MonthlyStats
	decodeBody(t, res, &monthly)
	assert.Equal(t, 2025, monthly.Year)
	assert.Equal(t, 4, monthly.Month)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/stats/weekly/2025/4", token: token})
	require.Equal(t, http.StatusOK, res.Code)
	var weekly domain.WeeklyStats
	decodeBody(t, res, &weekly)
	assert.Len(t, weekly.Weeks, 5)

	for _, path := range []string{
		"/api/stats/monthly/2025/13",
		"/api/stats/monthly/2025/0",
		"/api/stats/weekly/abc/4",
		"/api/stats/daily/2025-4-5",
	} {
		res = serve(t, h, request{method: http.MethodGet, path: path, token: token})
		assert.Equal(t, http.StatusBadRequest, res.Code, path)
	}
}

func TestReceiptAndDashboard(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	widget := createWidget(t, h, admin)

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/sales",
		token:  admin,
		body:   domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}},
	})
	require.Equal(t, http.StatusCreated, res.Code)
	var sale domain.SaleResponse
	decodeBody(t, res, &sale)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/sales/" + sale.Sale.ID + "/receipt", token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var receipt domain.ReceiptResponse
	decodeBody(t, res, &receipt)
	assert.Equal(t, sale.Sale.ReceiptNo, receipt.ReceiptNo)
	assert.Contains(t, receipt.PreviewText, "Widget x2")
	assert.NotEmpty(t, receipt.EscposBase64)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/dashboard", token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var dash domain.Dashboard
	decodeBody(t, res, &dash)
	assert.Equal(t, money.Cents(2000), dash.TotalSales)
	assert.Equal(t, 2, dash.ItemsSoldToday)
	assert.Equal(t, 7, dash.ProductCount)
	require.Len(t, dash.RecentSales, 1)
	assert.Equal(t, sale.Sale.ID, dash.RecentSales[0].ID)
}

func TestSalesCSVReport(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	cashier := login(t, h, "cashier", "cashier123")
	widget := createWidget(t, h, admin)

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/sales",
		token:  admin,
		body:   domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}},
	})
	require.Equal(t, http.StatusCreated, res.Code)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/reports/sales.csv", token: cashier})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/reports/sales.csv", token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Widget")
	assert.Contains(t, lines[1], "20.00")
}

func TestAuditLogsRecordProductAndSaleChanges(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")
	widget := createWidget(t, h, admin)

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/products/" + widget.ID + "/adjust",
		token:  admin,
		body:   domain.QuantityAdjustRequest{Delta: 3, Reason: "delivery"},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = serve(t, h, request{method: http.MethodGet, path: "/api/audit-logs?limit=10", token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var payload struct {
		AuditLogs []domain.AuditLog `json:"audit_logs"`
	}
	decodeBody(t, res, &payload)
	require.NotEmpty(t, payload.AuditLogs)

	actions := make([]string, 0, len(payload.AuditLogs))
	for _, entry := range payload.AuditLogs {
		actions = append(actions, entry.Action)
		assert.Equal(t, "admin", entry.ActorUsername)
	}
	assert.Contains(t, actions, "product_create")
	assert.Contains(t, actions, "stock_adjust")
}

func TestCashierAccounts(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")

	res := serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/users/cashiers",
		token:  admin,
		body:   domain.CashierCreateRequest{Username: "NewKasir", Password: "pass1234"},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/users/cashiers",
		token:  admin,
		body:   domain.CashierCreateRequest{Username: "newkasir", Password: "pass1234"},
	})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = serve(t, h, request{
		method: http.MethodPost,
		path:   "/api/users/cashiers",
		token:  admin,
		body:   domain.CashierCreateRequest{Username: "ab", Password: "pass1234"},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = serve(t, h, request{method: http.MethodGet, path: "/api/users/cashiers", token: admin})
	require.Equal(t, http.StatusOK, res.Code)
	var payload struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeBody(t, res, &payload)
	names := make([]string, 0, len(payload.Cashiers))
	for _, c := range payload.Cashiers {
		names = append(names, c.Username)
	}
	assert.Equal(t, []string{"cashier", "newkasir"}, names)

	login(t, h, "newkasir", "pass1234")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newTestAPI(t).Handler()

	res := serve(t, h, request{method: http.MethodGet, path: "/api/nope"})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = serve(t, h, request{method: http.MethodDelete, path: "/api/auth/login"})
	assert.Equal(t, http.StatusMethodNotAllowed, res.Code)
}
