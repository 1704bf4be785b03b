// Package stats aggregates sales into daily, monthly and week-of-month
// figures. All calendar boundaries are UTC and refunded sales are excluded.
package stats

import (
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
)

const DateLayout = "2006-01-02"

// CostResolver yields the unit cost used for revenue. ok=false means the item
// contributes no revenue.
type CostResolver interface {
	UnitCost(item domain.SaleItem) (cost money.Cents, ok bool)
}

// Snapshot uses the cost captured on the sale item.
type Snapshot struct{}

func (Snapshot) UnitCost(item domain.SaleItem) (money.Cents, bool) {
	return item.CostPrice, true
}

// Live uses the product's current cost. Items whose product was deleted earn
// nothing.
type Live map[string]money.Cents

func NewLive(products []domain.Product) Live {
	costs := make(Live, len(products))
	for _, p := range products {
		costs[p.ID] = p.CostPrice
	}
	return costs
}

func (l Live) UnitCost(item domain.SaleItem) (money.Cents, bool) {
	cost, ok := l[item.ProductID]
	return cost, ok
}

type totals struct {
	sales   money.Cents
	items   int
	revenue money.Cents
}

func (t *totals) add(sale domain.Sale, costs CostResolver) {
	t.sales += sale.Total
	for _, item := range sale.Items {
		t.items += item.Quantity
		if cost, ok := costs.UnitCost(item); ok {
			t.revenue += (item.Price - cost).Times(item.Quantity)
		}
	}
}

// DayStart truncates t to 00:00 UTC of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayRange is the half-open UTC interval [day, day+1).
func DayRange(day time.Time) (time.Time, time.Time) {
	start := DayStart(day)
	return start, start.AddDate(0, 0, 1)
}

// MonthRange is the half-open UTC interval covering month (1-based) of year.
func MonthRange(year int, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func within(t time.Time, from time.Time, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func Daily(sales []domain.Sale, day time.Time, costs CostResolver) domain.DailyStats {
	from, to := DayRange(day)
	var sum totals
	for _, sale := range sales {
		if sale.Refunded || !within(sale.Date, from, to) {
			continue
		}
		sum.add(sale, costs)
	}
	return domain.DailyStats{
		Date:       from.Format(DateLayout),
		TotalSales: sum.sales,
		ItemCount:  sum.items,
		Revenue:    sum.revenue,
	}
}

func Monthly(sales []domain.Sale, year int, month int, costs CostResolver) domain.MonthlyStats {
	from, to := MonthRange(year, month)
	var sum totals
	for _, sale := range sales {
		if sale.Refunded || !within(sale.Date, from, to) {
			continue
		}
		sum.add(sale, costs)
	}
	return domain.MonthlyStats{
		Year:       year,
		Month:      month,
		TotalSales: sum.sales,
		ItemCount:  sum.items,
		Revenue:    sum.revenue,
	}
}

// WeekOfMonth numbers weeks 1..N inside the month, with week 1 running from
// the 1st to the first Saturday.
func WeekOfMonth(t time.Time) int {
	u := t.UTC()
	offset := int(time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).Weekday())
	return (u.Day() + offset + 6) / 7
}

// WeeksInMonth is the number of week-of-month buckets the month spans.
func WeeksInMonth(year int, month int) int {
	_, to := MonthRange(year, month)
	return WeekOfMonth(to.AddDate(0, 0, -1))
}

// WeeklyBuckets returns one bucket per week of the month, including empty ones.
func WeeklyBuckets(sales []domain.Sale, year int, month int, costs CostResolver) domain.WeeklyStats {
	from, to := MonthRange(year, month)
	sums := make([]totals, WeeksInMonth(year, month))
	for _, sale := range sales {
		if sale.Refunded || !within(sale.Date, from, to) {
			continue
		}
		sums[WeekOfMonth(sale.Date)-1].add(sale, costs)
	}
	weeks := make([]domain.WeekBucket, len(sums))
	for i, sum := range sums {
		weeks[i] = domain.WeekBucket{
			Week:       i + 1,
			TotalSales: sum.sales,
			ItemCount:  sum.items,
			Revenue:    sum.revenue,
		}
	}
	return domain.WeeklyStats{Year: year, Month: month, Weeks: weeks}
}

// ParseDay accepts YYYY-MM-DD as a UTC calendar day.
func ParseDay(raw string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, raw, time.UTC)
}
