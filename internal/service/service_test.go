package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/cache/mocks"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

var fixedNow = time.Date(2025, time.April, 5, 23, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, statsCache cache.StatsCache, basis string) (*Service, *memory.Store) {
	t.Helper()
	log.Discard()
	repo := memory.New()
	svc := New(repo, statsCache, Options{
		Driver:    "memory",
		CostBasis: basis,
		Now:       func() time.Time { return fixedNow },
	})
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir", Role: domain.RoleCashier})
}

func addWidget(t *testing.T, svc *Service) domain.Product {
	t.Helper()
	widget, err := svc.AddProduct(adminCtx(), domain.ProductRequest{
		Name: "Widget", CostPrice: 400, Price: 1000, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("add widget: %v", err)
	}
	return widget
}

func TestWidgetSaleAndRefundScenario(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	ctx := cashierCtx()
	widget := addWidget(t, svc)

	resp, err := svc.CreateSale(ctx, domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}})
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, money.Cents(2000), resp.Sale.Total)
	assert.True(t, fixedNow.Equal(resp.Sale.Date))

	got, err := svc.GetProduct(ctx, widget.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	daily, err := svc.DailyStats(ctx, "2025-04-05")
	require.NoError(t, err)
	assert.Equal(t, domain.DailyStats{Date: "2025-04-05", TotalSales: 2000, ItemCount: 2, Revenue: 1200}, daily)

	refund, err := svc.RefundSale(ctx, resp.Sale.ID)
	require.NoError(t, err)
	assert.True(t, refund.Sale.Refunded)
	assert.Empty(t, refund.RestockSkipped)

	got, err = svc.GetProduct(ctx, widget.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)

	daily, err = svc.DailyStats(ctx, "2025-04-05")
	require.NoError(t, err)
	assert.Equal(t, domain.DailyStats{Date: "2025-04-05"}, daily)

	_, err = svc.RefundSale(ctx, resp.Sale.ID)
	if !errors.Is(err, store.ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	got, _ = svc.GetProduct(ctx, widget.ID)
	assert.Equal(t, 5, got.Quantity)
}

func TestCreateSaleIdempotencyKeyReturnsOriginal(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	ctx := cashierCtx()
	widget := addWidget(t, svc)

	req := domain.SaleRequest{IdempotencyKey: "till-1-0001", Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}}
	first, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)

	second, err := svc.CreateSale(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sale.ID, second.Sale.ID)

	got, _ := svc.GetProduct(ctx, widget.ID)
	assert.Equal(t, 4, got.Quantity)
}

func TestCreateSaleFailureLeavesStockUntouched(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	ctx := cashierCtx()
	widget := addWidget(t, svc)
	gadget, err := svc.AddProduct(adminCtx(), domain.ProductRequest{Name: "Gadget", Price: 500, Quantity: 1})
	require.NoError(t, err)

	_, err = svc.CreateSale(ctx, domain.SaleRequest{Items: []domain.CartLine{
		{ProductID: widget.ID, Quantity: 2},
		{ProductID: gadget.ID, Quantity: 2},
	}})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	_, err = svc.CreateSale(ctx, domain.SaleRequest{})
	assert.ErrorIs(t, err, store.ErrValidation)

	w, _ := svc.GetProduct(ctx, widget.ID)
	g, _ := svc.GetProduct(ctx, gadget.ID)
	assert.Equal(t, 5, w.Quantity)
	assert.Equal(t, 1, g.Quantity)
}

func TestRefundSkipsDeletedProductsAndAudits(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	widget := addWidget(t, svc)

	resp, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveProduct(adminCtx(), widget.ID))

	refund, err := svc.RefundSale(adminCtx(), resp.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{widget.ID}, refund.RestockSkipped)
	assert.True(t, refund.Sale.Refunded)

	logs, err := svc.ListAuditLogs(adminCtx(), "2025-04-05", 50)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, "refund_restock_skipped")
	assert.Contains(t, actions, "sale_refund")
	assert.Contains(t, actions, "product_delete")
}

func TestProductMutationsRequireAdmin(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)

	_, err := svc.AddProduct(cashierCtx(), domain.ProductRequest{Name: "Widget", Price: 100})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.AddProduct(context.Background(), domain.ProductRequest{Name: "Widget", Price: 100})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, svc.RemoveProduct(cashierCtx(), "x"), ErrForbidden)
}

func TestProductValidationAndConflict(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	ctx := adminCtx()
	widget := addWidget(t, svc)

	_, err := svc.AddProduct(ctx, domain.ProductRequest{Name: "  ", Price: 100})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.AddProduct(ctx, domain.ProductRequest{Name: "Widget", Price: 100})
	assert.ErrorIs(t, err, store.ErrConflict)

	updated, err := svc.UpdateProduct(ctx, widget.ID, domain.ProductRequest{Name: "Widget", Variant: "XL", CostPrice: 400, Price: 1100, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, "XL", updated.Variant)

	_, err = svc.UpdateProduct(ctx, "missing", domain.ProductRequest{Name: "Ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	adjusted, err := svc.AdjustQuantity(ctx, widget.ID, domain.QuantityAdjustRequest{Delta: -5, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, 0, adjusted.Quantity)
	_, err = svc.AdjustQuantity(ctx, widget.ID, domain.QuantityAdjustRequest{Delta: -1})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	_, err = svc.AdjustQuantity(ctx, widget.ID, domain.QuantityAdjustRequest{})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestLiveCostBasisZeroesDeletedProducts(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisLive)
	widget := addWidget(t, svc)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}})
	require.NoError(t, err)

	monthly, err := svc.MonthlyStats(cashierCtx(), 2025, 4)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(1200), monthly.Revenue)

	require.NoError(t, svc.RemoveProduct(adminCtx(), widget.ID))
	monthly, err = svc.MonthlyStats(cashierCtx(), 2025, 4)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2000), monthly.TotalSales)
	assert.Equal(t, money.Cents(0), monthly.Revenue)
}

func TestStatsValidation(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	ctx := cashierCtx()

	_, err := svc.DailyStats(ctx, "05/04/2025")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.MonthlyStats(ctx, 2025, 0)
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.WeeklyStats(ctx, 2025, 13)
	assert.ErrorIs(t, err, store.ErrValidation)

	weekly, err := svc.WeeklyStats(ctx, 2025, 4)
	require.NoError(t, err)
	assert.Len(t, weekly.Weeks, 5)
}

func TestDailyStatsServedFromCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	statsCache := mocks.NewMockStatsCache(ctrl)
	svc, _ := newTestService(t, statsCache, domain.CostBasisSnapshot)

	statsCache.EXPECT().
		Get(gomock.Any(), "stats:daily:2025-04-05", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, dest any) (bool, error) {
			*dest.(*domain.DailyStats) = domain.DailyStats{Date: "2025-04-05", TotalSales: 7999, ItemCount: 1}
			return true, nil
		})

	daily, err := svc.DailyStats(context.Background(), "2025-04-05")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(7999), daily.TotalSales)
}

func TestStatsCacheMissComputesAndStores(t *testing.T) {
	ctrl := gomock.NewController(t)
	statsCache := mocks.NewMockStatsCache(ctrl)
	svc, _ := newTestService(t, statsCache, domain.CostBasisSnapshot)

	gomock.InOrder(
		statsCache.EXPECT().Get(gomock.Any(), "stats:monthly:2025-04", gomock.Any()).Return(false, errors.New("redis down")),
		statsCache.EXPECT().Set(gomock.Any(), "stats:monthly:2025-04", gomock.Any(), 5*time.Minute).Return(nil),
	)

	monthly, err := svc.MonthlyStats(context.Background(), 2025, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, monthly.Month)
}

func TestSaleAndRefundInvalidateStatsKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	statsCache := mocks.NewMockStatsCache(ctrl)
	svc, _ := newTestService(t, statsCache, domain.CostBasisSnapshot)
	widget := addWidget(t, svc)

	statsCache.EXPECT().
		Delete(gomock.Any(), "stats:daily:2025-04-05", "stats:monthly:2025-04", "stats:weekly:2025-04").
		Return(nil).
		Times(2)

	resp, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}})
	require.NoError(t, err)
	_, err = svc.RefundSale(adminCtx(), resp.Sale.ID)
	require.NoError(t, err)
}

func TestRecomputeStraddlingInvalidationIsNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	statsCache := mocks.NewMockStatsCache(ctrl)
	svc, _ := newTestService(t, statsCache, domain.CostBasisSnapshot)
	ctx := context.Background()

	statsCache.EXPECT().Get(gomock.Any(), "stats:daily:2025-04-05", gomock.Any()).Return(false, nil).Times(2)
	statsCache.EXPECT().
		Delete(gomock.Any(), "stats:daily:2025-04-05", "stats:monthly:2025-04", "stats:weekly:2025-04").
		Return(nil)

	var stale domain.DailyStats
	err := svc.cached(ctx, "stats:daily:2025-04-05", &stale, func() error {
		// a sale commits while the old ledger snapshot is being aggregated
		svc.invalidateStats(ctx, fixedNow)
		return nil
	})
	require.NoError(t, err)

	statsCache.EXPECT().Set(gomock.Any(), "stats:daily:2025-04-05", gomock.Any(), 5*time.Minute).Return(nil)
	_, err = svc.DailyStats(ctx, "2025-04-05")
	require.NoError(t, err)
}

func TestListSalesParsesBounds(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	widget := addWidget(t, svc)
	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}})
	require.NoError(t, err)

	sales, err := svc.ListSales(context.Background(), "2025-04-05", "2025-04-06")
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	sales, err = svc.ListSales(context.Background(), "2025-04-06", "")
	require.NoError(t, err)
	assert.Empty(t, sales)

	sales, err = svc.ListSales(context.Background(), "2025-04-05T23:00:00-01:00", "")
	require.NoError(t, err)
	assert.Empty(t, sales)

	_, err = svc.ListSales(context.Background(), "yesterday", "")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = svc.ListSales(context.Background(), "2025-04-06", "2025-04-05")
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestDashboardSummary(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	widget := addWidget(t, svc)

	var lastID string
	for i := 0; i < 3; i++ {
		resp, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 1}}})
		require.NoError(t, err)
		lastID = resp.Sale.ID
	}
	_, err := svc.RefundSale(adminCtx(), lastID)
	require.NoError(t, err)

	dash, err := svc.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, money.Cents(2000), dash.TotalSales)
	assert.Equal(t, 2, dash.ItemsSoldToday)
	assert.Equal(t, 1, dash.ProductCount)
	assert.Len(t, dash.RecentSales, 3)
}

func TestReceiptMarksRefund(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	widget := addWidget(t, svc)

	resp, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{Items: []domain.CartLine{{ProductID: widget.ID, Quantity: 2}}})
	require.NoError(t, err)

	receipt, err := svc.Receipt(context.Background(), resp.Sale.ID)
	require.NoError(t, err)
	assert.Contains(t, receipt.PreviewText, "Widget x2 @ 10.00")
	assert.Contains(t, receipt.PreviewText, "Total : 20.00")
	assert.NotContains(t, receipt.PreviewText, "REFUNDED")

	raw, err := base64.StdEncoding.DecodeString(receipt.EscposBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1b, 0x40}, raw[:2])

	_, err = svc.RefundSale(adminCtx(), resp.Sale.ID)
	require.NoError(t, err)
	receipt, err = svc.Receipt(context.Background(), resp.Sale.ID)
	require.NoError(t, err)
	assert.True(t, strings.Contains(receipt.PreviewText, "*** REFUNDED ***"))

	_, err = svc.Receipt(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealthWithoutDatabase(t *testing.T) {
	svc, _ := newTestService(t, nil, domain.CostBasisSnapshot)
	health := svc.Health(context.Background())
	assert.True(t, health.OK)
	assert.Equal(t, "memory", health.Store)
}
