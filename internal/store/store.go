package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"posledger/backend/internal/domain"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrProductNotFound   = fmt.Errorf("product %w", ErrNotFound)
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyRefunded   = errors.New("sale already refunded")
)

// SaleRange bounds a sales query. Zero times are open ends; To is exclusive.
type SaleRange struct {
	From time.Time
	To   time.Time
}

func (r SaleRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// RefundResult reports the refunded sale and the product ids whose restock was
// skipped because the product no longer exists.
type RefundResult struct {
	Sale           domain.Sale
	RestockSkipped []string
}

type Repository interface {
	ListProducts(ctx context.Context, query string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	AdjustQuantity(ctx context.Context, id string, delta int) (*domain.Product, error)

	ListSales(ctx context.Context, r SaleRange) ([]domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	// CreateSale validates every line before mutating anything, then
	// decrements stock, snapshots products into items and persists the sale
	// as one atomic unit. sale carries ID, ReceiptNo, IdempotencyKey and Date;
	// items and total are filled from lines.
	CreateSale(ctx context.Context, sale domain.Sale, lines []domain.CartLine) (*domain.Sale, error)
	// RefundSale restocks surviving products and marks the sale refunded at
	// the given instant, atomically.
	RefundSale(ctx context.Context, id string, at time.Time) (*RefundResult, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Pinger is implemented by repositories backed by an external database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VariantKey is the uniqueness key for a product.
func VariantKey(name string, variant string) string {
	return name + "\x00" + variant
}
