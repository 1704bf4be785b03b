package store

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/money"
)

// MaxQuantity bounds stock levels and line quantities. It matches the
// INTEGER columns of the postgres schema so every backend accepts the same
// input.
const MaxQuantity = math.MaxInt32

// NormalizeProduct trims text fields and checks the product constraints.
func NormalizeProduct(p domain.Product) (domain.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Variant = strings.TrimSpace(p.Variant)
	if p.Name == "" {
		return p, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.CostPrice < 0 {
		return p, fmt.Errorf("%w: cost_price must not be negative", ErrValidation)
	}
	if p.Price < 0 {
		return p, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if p.Quantity < 0 {
		return p, fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	}
	if p.Quantity > MaxQuantity {
		return p, fmt.Errorf("%w: quantity must not exceed %d", ErrValidation, MaxQuantity)
	}
	return p, nil
}

// NormalizeLines rejects empty carts and bad lines and merges repeated
// products, keeping first-seen order.
func NormalizeLines(lines []domain.CartLine) ([]domain.CartLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	index := make(map[string]int, len(lines))
	merged := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product_id is required", ErrValidation)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
		}
		if line.Quantity > MaxQuantity {
			return nil, fmt.Errorf("%w: quantity must not exceed %d", ErrValidation, MaxQuantity)
		}
		if i, ok := index[id]; ok {
			if merged[i].Quantity > MaxQuantity-line.Quantity {
				return nil, fmt.Errorf("%w: %s quantity must not exceed %d", ErrValidation, id, MaxQuantity)
			}
			merged[i].Quantity += line.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, domain.CartLine{ProductID: id, Quantity: line.Quantity})
	}
	return merged, nil
}

// PlanSale checks every line against products before anything is written and
// returns the snapshotted items with the sale total. It does not mutate.
func PlanSale(lines []domain.CartLine, products map[string]domain.Product) ([]domain.SaleItem, money.Cents, error) {
	items := make([]domain.SaleItem, 0, len(lines))
	total := money.Cents(0)
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrProductNotFound, line.ProductID)
		}
		if line.Quantity > product.Quantity {
			return nil, 0, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, product.ID, product.Quantity, line.Quantity)
		}
		lineTotal, err := product.Price.MulQty(line.Quantity)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s line total: %v", ErrValidation, product.ID, err)
		}
		items = append(items, domain.SaleItem{
			ProductID: product.ID,
			Name:      product.Name,
			Variant:   product.Variant,
			Price:     product.Price,
			CostPrice: product.CostPrice,
			Quantity:  line.Quantity,
			LineTotal: lineTotal,
		})
		if total, err = total.Add(lineTotal); err != nil {
			return nil, 0, fmt.Errorf("%w: sale total: %v", ErrValidation, err)
		}
	}
	return items, total, nil
}

// AdjustedQuantity applies delta to current stock. Going below zero is
// ErrInsufficientStock and going above MaxQuantity is ErrValidation.
func AdjustedQuantity(id string, current, delta int) (int, error) {
	if delta < -MaxQuantity || delta > MaxQuantity {
		return 0, fmt.Errorf("%w: delta must be within %d", ErrValidation, MaxQuantity)
	}
	next := current + delta
	if next < 0 {
		return 0, fmt.Errorf("%w: %s has %d, adjustment %d", ErrInsufficientStock, id, current, delta)
	}
	if next > MaxQuantity {
		return 0, fmt.Errorf("%w: %s quantity must not exceed %d", ErrValidation, id, MaxQuantity)
	}
	return next, nil
}

func ProductIDs(lines []domain.CartLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func CloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Items = make([]domain.SaleItem, len(src.Items))
	copy(dup.Items, src.Items)
	if src.RefundDate != nil {
		at := *src.RefundDate
		dup.RefundDate = &at
	}
	return dup
}

// MatchesQuery is the inventory search filter: a case-insensitive substring
// match over name and variant. An empty query matches everything.
func MatchesQuery(p domain.Product, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Name), q) || strings.Contains(strings.ToLower(p.Variant), q)
}

// SortProducts orders by name, then variant, then id.
func SortProducts(products []domain.Product) {
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		if c := strings.Compare(a.Variant, b.Variant); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortSalesNewestFirst orders by date descending with id as tiebreaker.
func SortSalesNewestFirst(sales []domain.Sale) {
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

func SortAuditNewestFirst(entries []domain.AuditLog) {
	slices.SortFunc(entries, func(a, b domain.AuditLog) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// NormalizeUser lowercases the username and fills role and timestamps.
func NormalizeUser(user domain.UserAccount) (domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return user, fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	return user, nil
}
