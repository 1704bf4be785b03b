package store

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
)

func TestNormalizeProduct(t *testing.T) {
	p, err := NormalizeProduct(domain.Product{Name: "  Widget ", Variant: " Red ", Price: 1000, CostPrice: 400, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, "Red", p.Variant)

	bad := []domain.Product{
		{Name: " "},
		{Name: "x", Price: -1},
		{Name: "x", CostPrice: -1},
		{Name: "x", Quantity: -1},
		{Name: "x", Quantity: MaxQuantity + 1},
	}
	for _, candidate := range bad {
		_, err := NormalizeProduct(candidate)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestNormalizeLinesMergesDuplicates(t *testing.T) {
	lines, err := NormalizeLines([]domain.CartLine{
		{ProductID: "a", Quantity: 1},
		{ProductID: "b", Quantity: 2},
		{ProductID: " a ", Quantity: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: "a", Quantity: 4}, {ProductID: "b", Quantity: 2}}, lines)

	_, err = NormalizeLines(nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NormalizeLines([]domain.CartLine{{ProductID: "a", Quantity: 0}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NormalizeLines([]domain.CartLine{{ProductID: "", Quantity: 1}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlanSaleChecksEveryLineFirst(t *testing.T) {
	products := map[string]domain.Product{
		"a": {ID: "a", Name: "Widget", Price: 1000, CostPrice: 400, Quantity: 5},
		"b": {ID: "b", Name: "Gadget", Price: 250, CostPrice: 100, Quantity: 1},
	}

	items, total, err := PlanSale([]domain.CartLine{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 1}}, products)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.EqualValues(t, 2000, items[0].LineTotal)
	assert.EqualValues(t, 400, items[0].CostPrice)
	assert.EqualValues(t, 2250, total)

	_, _, err = PlanSale([]domain.CartLine{{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 2}}, products)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, _, err = PlanSale([]domain.CartLine{{ProductID: "zzz", Quantity: 1}}, products)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNormalizeLinesRejectsOverflowingMerge(t *testing.T) {
	half := math.MaxInt/2 + 1
	_, err := NormalizeLines([]domain.CartLine{{ProductID: "a", Quantity: half}, {ProductID: "a", Quantity: half}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NormalizeLines([]domain.CartLine{{ProductID: "a", Quantity: MaxQuantity}, {ProductID: "a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrValidation)

	lines, err := NormalizeLines([]domain.CartLine{{ProductID: "a", Quantity: MaxQuantity - 1}, {ProductID: "a", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, MaxQuantity, lines[0].Quantity)
}

func TestPlanSaleRejectsOverflowingTotals(t *testing.T) {
	products := map[string]domain.Product{
		"big":   {ID: "big", Name: "Vault", Price: math.MaxInt64 / 2, Quantity: 5},
		"small": {ID: "small", Name: "Widget", Price: 1000, Quantity: 5},
	}

	_, _, err := PlanSale([]domain.CartLine{{ProductID: "big", Quantity: 3}}, products)
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = PlanSale([]domain.CartLine{{ProductID: "big", Quantity: 2}, {ProductID: "small", Quantity: 1}}, products)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdjustedQuantityBounds(t *testing.T) {
	next, err := AdjustedQuantity("a", 5, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, next)

	_, err = AdjustedQuantity("a", 5, -6)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	_, err = AdjustedQuantity("a", MaxQuantity, 1)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = AdjustedQuantity("a", 5, math.MinInt)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaleRangeContainsIsHalfOpen(t *testing.T) {
	r := SaleRange{From: mustTime(t, "2025-04-05T00:00:00Z"), To: mustTime(t, "2025-04-06T00:00:00Z")}
	assert.True(t, r.Contains(mustTime(t, "2025-04-05T00:00:00Z")))
	assert.True(t, r.Contains(mustTime(t, "2025-04-05T23:59:59Z")))
	assert.False(t, r.Contains(mustTime(t, "2025-04-06T00:00:00Z")))
	assert.True(t, SaleRange{}.Contains(mustTime(t, "1999-01-01T00:00:00Z")))
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	require.NoError(t, err)
	return ts
}
