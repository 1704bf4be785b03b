// Package storetest is a behavioural contract suite shared by every
// store.Repository implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
	"posledger/backend/internal/store"
)

// Factory returns an empty repository. It is called once per subtest.
type Factory func(t *testing.T) store.Repository

func Run(t *testing.T, newRepo Factory) {
	t.Run("ProductLifecycle", func(t *testing.T) { testProductLifecycle(t, newRepo(t)) })
	t.Run("ProductValidation", func(t *testing.T) { testProductValidation(t, newRepo(t)) })
	t.Run("ProductSearch", func(t *testing.T) { testProductSearch(t, newRepo(t)) })
	t.Run("AdjustQuantity", func(t *testing.T) { testAdjustQuantity(t, newRepo(t)) })
	t.Run("SaleTotalsAndSnapshot", func(t *testing.T) { testSaleTotals(t, newRepo(t)) })
	t.Run("SaleAtomicity", func(t *testing.T) { testSaleAtomicity(t, newRepo(t)) })
	t.Run("SaleRejectsBadCart", func(t *testing.T) { testSaleRejectsBadCart(t, newRepo(t)) })
	t.Run("SaleIdempotencyKey", func(t *testing.T) { testSaleIdempotency(t, newRepo(t)) })
	t.Run("RefundConservation", func(t *testing.T) { testRefundConservation(t, newRepo(t)) })
	t.Run("RefundDeletedProduct", func(t *testing.T) { testRefundDeletedProduct(t, newRepo(t)) })
	t.Run("ConcurrentRefunds", func(t *testing.T) { testConcurrentRefunds(t, newRepo(t)) })
	t.Run("RefundRacingSales", func(t *testing.T) { testRefundRacingSales(t, newRepo(t)) })
	t.Run("ListSalesRange", func(t *testing.T) { testListSalesRange(t, newRepo(t)) })
	t.Run("AuditLogs", func(t *testing.T) { testAuditLogs(t, newRepo(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepo(t)) })
}

func mustProduct(t *testing.T, repo store.Repository, name string, variant string, cost money.Cents, price money.Cents, qty int) domain.Product {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		Name: name, Variant: variant, CostPrice: cost, Price: price, Quantity: qty,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	return *p
}

func quantityOf(t *testing.T, repo store.Repository, id string) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

func assertTotals(t *testing.T, sale domain.Sale) {
	t.Helper()
	sum := money.Cents(0)
	for _, item := range sale.Items {
		assert.GreaterOrEqual(t, item.Quantity, 1)
		assert.Equal(t, item.Price.Times(item.Quantity), item.LineTotal)
		sum += item.LineTotal
	}
	assert.Equal(t, sum, sale.Total)
	assert.Equal(t, sale.Refunded, sale.RefundDate != nil)
}

func testProductLifecycle(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	widget := mustProduct(t, repo, "Widget", "Blue", 400, 1000, 5)

	got, err := repo.GetProduct(ctx, widget.ID)
	require.NoError(t, err)
	assert.Equal(t, "Widget", got.Name)
	assert.Equal(t, money.Cents(1000), got.Price)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.CreateProduct(ctx, domain.Product{Name: " Widget ", Variant: "Blue", Price: 1})
	assert.ErrorIs(t, err, store.ErrConflict)

	red := mustProduct(t, repo, "Widget", "Red", 400, 1000, 1)
	red.Variant = "Blue"
	_, err = repo.UpdateProduct(ctx, red)
	assert.ErrorIs(t, err, store.ErrConflict)

	widget.Price = 1200
	widget.Variant = "Navy"
	updated, err := repo.UpdateProduct(ctx, widget)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(1200), updated.Price)

	// The old key is free again after the rename.
	mustProduct(t, repo, "Widget", "Blue", 1, 2, 0)

	_, err = repo.UpdateProduct(ctx, domain.Product{ID: "missing", Name: "Ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.DeleteProduct(ctx, widget.ID))
	_, err = repo.GetProduct(ctx, widget.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteProduct(ctx, widget.ID), store.ErrNotFound)
}

func testProductValidation(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	for _, p := range []domain.Product{
		{Name: "  ", Price: 100},
		{Name: "Neg cost", CostPrice: -1, Price: 100},
		{Name: "Neg price", Price: -1},
		{Name: "Neg qty", Price: 100, Quantity: -1},
		{Name: "Huge qty", Price: 100, Quantity: store.MaxQuantity + 1},
	} {
		_, err := repo.CreateProduct(ctx, p)
		assert.ErrorIs(t, err, store.ErrValidation, p.Name)
	}
}

func testProductSearch(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	mustProduct(t, repo, "Mug", "Ceramic", 300, 899, 1)
	mustProduct(t, repo, "Coffee Beans", "1kg", 2200, 3999, 1)
	mustProduct(t, repo, "Coffee Beans", "250g", 650, 1299, 1)

	all, err := repo.ListProducts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"1kg", "250g", "Ceramic"}, []string{all[0].Variant, all[1].Variant, all[2].Variant})

	hits, err := repo.ListProducts(ctx, "COFFEE")
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = repo.ListProducts(ctx, "ceram")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Mug", hits[0].Name)
}

func testAdjustQuantity(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "Widget", "", 400, 1000, 5)

	got, err := repo.AdjustQuantity(ctx, p.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Quantity)

	_, err = repo.AdjustQuantity(ctx, p.ID, -9)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 8, quantityOf(t, repo, p.ID))

	_, err = repo.AdjustQuantity(ctx, "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.AdjustQuantity(ctx, p.ID, store.MaxQuantity)
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, 8, quantityOf(t, repo, p.ID))
}

func testSaleTotals(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	widget := mustProduct(t, repo, "Widget", "", 400, 1000, 5)
	gadget := mustProduct(t, repo, "Gadget", "Mini", 150, 333, 10)

	sale, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{
		{ProductID: widget.ID, Quantity: 1},
		{ProductID: gadget.ID, Quantity: 3},
		{ProductID: widget.ID, Quantity: 1},
	})
	require.NoError(t, err)
	assertTotals(t, *sale)
	assert.NotEmpty(t, sale.ID)
	assert.NotEmpty(t, sale.ReceiptNo)
	assert.Equal(t, time.UTC, sale.Date.Location())
	require.Len(t, sale.Items, 2)
	assert.Equal(t, widget.ID, sale.Items[0].ProductID)
	assert.Equal(t, 2, sale.Items[0].Quantity)
	assert.Equal(t, money.Cents(400), sale.Items[0].CostPrice)
	assert.Equal(t, "Mini", sale.Items[1].Variant)
	assert.Equal(t, money.Cents(2999), sale.Total)

	assert.Equal(t, 3, quantityOf(t, repo, widget.ID))
	assert.Equal(t, 7, quantityOf(t, repo, gadget.ID))

	// Later product edits never rewrite the snapshot.
	widget.Price = 5000
	widget.Quantity = 3
	_, err = repo.UpdateProduct(ctx, widget)
	require.NoError(t, err)

	stored, err := repo.FindSaleByID(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(1000), stored.Items[0].Price)
	assert.Equal(t, sale.Total, stored.Total)
	assertTotals(t, *stored)

	_, err = repo.FindSaleByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSaleAtomicity(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustProduct(t, repo, "A", "", 100, 200, 5)
	b := mustProduct(t, repo, "B", "", 100, 200, 1)

	_, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 2},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 5, quantityOf(t, repo, a.ID))
	assert.Equal(t, 1, quantityOf(t, repo, b.ID))

	_, err = repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{
		{ProductID: a.ID, Quantity: 1},
		{ProductID: "missing", Quantity: 1},
	})
	assert.ErrorIs(t, err, store.ErrProductNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 5, quantityOf(t, repo, a.ID))

	sales, err := repo.ListSales(ctx, store.SaleRange{})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func testSaleRejectsBadCart(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "A", "", 100, 200, 5)

	for _, lines := range [][]domain.CartLine{
		nil,
		{{ProductID: p.ID, Quantity: 0}},
		{{ProductID: "", Quantity: 1}},
	} {
		_, err := repo.CreateSale(ctx, domain.Sale{}, lines)
		assert.ErrorIs(t, err, store.ErrValidation)
	}
	assert.Equal(t, 5, quantityOf(t, repo, p.ID))
}

func testSaleIdempotency(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "A", "", 100, 200, 5)
	lines := []domain.CartLine{{ProductID: p.ID, Quantity: 1}}

	first, err := repo.CreateSale(ctx, domain.Sale{IdempotencyKey: "checkout-1"}, lines)
	require.NoError(t, err)

	_, err = repo.CreateSale(ctx, domain.Sale{IdempotencyKey: "checkout-1"}, lines)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 4, quantityOf(t, repo, p.ID))

	found, err := repo.FindSaleByIdempotency(ctx, "checkout-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = repo.FindSaleByIdempotency(ctx, "other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRefundConservation(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "Widget", "", 400, 1000, 5)

	sale, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, 3, quantityOf(t, repo, p.ID))

	at := time.Date(2025, time.April, 6, 9, 30, 0, 0, time.UTC)
	result, err := repo.RefundSale(ctx, sale.ID, at)
	require.NoError(t, err)
	assert.Empty(t, result.RestockSkipped)
	assert.True(t, result.Sale.Refunded)
	require.NotNil(t, result.Sale.RefundDate)
	assert.True(t, at.Equal(*result.Sale.RefundDate))
	assertTotals(t, result.Sale)
	assert.Equal(t, 5, quantityOf(t, repo, p.ID))

	_, err = repo.RefundSale(ctx, sale.ID, at.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrAlreadyRefunded)
	assert.Equal(t, 5, quantityOf(t, repo, p.ID))

	stored, err := repo.FindSaleByID(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refunded)
	assertTotals(t, *stored)

	_, err = repo.RefundSale(ctx, "missing", at)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Losing refunds see the sale already refunded, or a serialization
// conflict on stores that abort instead of waiting.
func isRefundLoser(err error) bool {
	return errors.Is(err, store.ErrAlreadyRefunded) || errors.Is(err, store.ErrConflict)
}

func testConcurrentRefunds(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "Widget", "", 400, 1000, 5)
	sale, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)

	const attempts = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	refunded, lost := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RefundSale(ctx, sale.ID, time.Now().UTC())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				refunded++
			case isRefundLoser(err):
				lost++
			default:
				t.Errorf("unexpected refund error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refunded)
	assert.Equal(t, attempts-1, lost)
	assert.Equal(t, 5, quantityOf(t, repo, p.ID))

	_, err = repo.RefundSale(ctx, sale.ID, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrAlreadyRefunded)
}

func testRefundRacingSales(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "Widget", "", 400, 1000, 4)
	sale, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{{ProductID: p.ID, Quantity: 3}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	refundErr := errors.New("not run")
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := repo.RefundSale(ctx, sale.ID, time.Now().UTC())
		mu.Lock()
		refundErr = err
		mu.Unlock()
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{{ProductID: p.ID, Quantity: 1}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
			default:
				t.Errorf("unexpected sale error: %v", err)
			}
		}()
	}
	wg.Wait()

	restocked := 0
	if refundErr == nil {
		restocked = 3
	} else {
		assert.ErrorIs(t, refundErr, store.ErrConflict)
	}
	qty := quantityOf(t, repo, p.ID)
	assert.GreaterOrEqual(t, qty, 0)
	assert.Equal(t, 4-3+restocked-sold, qty)
}

func testRefundDeletedProduct(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	kept := mustProduct(t, repo, "Kept", "", 100, 200, 5)
	gone := mustProduct(t, repo, "Gone", "", 100, 200, 5)

	sale, err := repo.CreateSale(ctx, domain.Sale{}, []domain.CartLine{
		{ProductID: kept.ID, Quantity: 1},
		{ProductID: gone.ID, Quantity: 2},
	})
	require.NoError(t, err)
	require.NoError(t, repo.DeleteProduct(ctx, gone.ID))

	result, err := repo.RefundSale(ctx, sale.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{gone.ID}, result.RestockSkipped)
	assert.True(t, result.Sale.Refunded)
	assert.Equal(t, 5, quantityOf(t, repo, kept.ID))

	// The dangling item keeps its snapshot.
	assert.Equal(t, "Gone", result.Sale.Items[1].Name)
}

func testListSalesRange(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustProduct(t, repo, "A", "", 100, 200, 10)
	day := time.Date(2025, time.April, 5, 0, 0, 0, 0, time.UTC)

	dates := []time.Time{
		day.Add(-time.Second),
		day,
		day.Add(23*time.Hour + 30*time.Minute),
		day.Add(24 * time.Hour),
	}
	ids := make([]string, len(dates))
	for i, at := range dates {
		sale, err := repo.CreateSale(ctx, domain.Sale{Date: at}, []domain.CartLine{{ProductID: p.ID, Quantity: 1}})
		require.NoError(t, err)
		ids[i] = sale.ID
	}

	sales, err := repo.ListSales(ctx, store.SaleRange{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, ids[2], sales[0].ID)
	assert.Equal(t, ids[1], sales[1].ID)
	for _, sale := range sales {
		require.Len(t, sale.Items, 1)
		assertTotals(t, sale)
	}

	all, err := repo.ListSales(ctx, store.SaleRange{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	since, err := repo.ListSales(ctx, store.SaleRange{From: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, ids[3], since[0].ID)
}

func testAuditLogs(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	base := time.Date(2025, time.April, 5, 8, 0, 0, 0, time.UTC)
	for i, action := range []string{"product.create", "sale.create", "sale.refund"} {
		require.NoError(t, repo.CreateAuditLog(ctx, domain.AuditLog{
			ActorUsername: "admin",
			ActorRole:     domain.RoleAdmin,
			Action:        action,
			EntityType:    "sale",
			EntityID:      "sale-1",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, err := repo.ListAuditLogs(ctx, base, base.Add(24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "sale.refund", logs[0].Action)
	assert.Equal(t, "sale.create", logs[1].Action)
	assert.NotEmpty(t, logs[0].ID)

	logs, err = repo.ListAuditLogs(ctx, base.Add(24*time.Hour), base.Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func testUsers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, domain.UserAccount{Username: " Kasir1 ", Password: "hash", Role: domain.RoleCashier}))

	err := repo.CreateUser(ctx, domain.UserAccount{Username: "kasir1", Password: "hash"})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)

	assert.ErrorIs(t, repo.CreateUser(ctx, domain.UserAccount{Username: "", Password: "x"}), store.ErrValidation)

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "kasir1", users[0].Username)
	assert.True(t, users[0].Active)

	require.NoError(t, repo.UpdateUserPassword(ctx, "KASIR1", "newhash"))
	users, err = repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newhash", users[0].Password)

	assert.ErrorIs(t, repo.UpdateUserPassword(ctx, "nobody", "x"), store.ErrNotFound)
}
