package domain

import (
	"time"

	"posledger/backend/internal/money"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Cost bases for revenue: the cost snapshotted on each sale item, or the
// product's current cost.
const (
	CostBasisSnapshot = "snapshot"
	CostBasisLive     = "live"
)

type Product struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Variant   string      `json:"variant,omitempty"`
	CostPrice money.Cents `json:"cost_price"`
	Price     money.Cents `json:"price"`
	Quantity  int         `json:"quantity"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type ProductRequest struct {
	Name      string      `json:"name"`
	Variant   string      `json:"variant"`
	CostPrice money.Cents `json:"cost_price"`
	Price     money.Cents `json:"price"`
	Quantity  int         `json:"quantity"`
}

type QuantityAdjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// SaleItem snapshots the product as it was when the sale was made.
// ProductID may point at a product that has since been deleted.
type SaleItem struct {
	ProductID string      `json:"product_id"`
	Name      string      `json:"name"`
	Variant   string      `json:"variant,omitempty"`
	Price     money.Cents `json:"price"`
	CostPrice money.Cents `json:"cost_price"`
	Quantity  int         `json:"quantity"`
	LineTotal money.Cents `json:"line_total"`
}

type Sale struct {
	ID             string      `json:"id"`
	ReceiptNo      string      `json:"receipt_no"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Date           time.Time   `json:"date"`
	Items          []SaleItem  `json:"items"`
	Total          money.Cents `json:"total"`
	Refunded       bool        `json:"refunded"`
	RefundDate     *time.Time  `json:"refund_date,omitempty"`
}

func (s Sale) ItemCount() int {
	count := 0
	for _, item := range s.Items {
		count += item.Quantity
	}
	return count
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleRequest struct {
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Items          []CartLine `json:"items"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type RefundResponse struct {
	Sale           Sale     `json:"sale"`
	RestockSkipped []string `json:"restock_skipped"`
}

type DailyStats struct {
	Date       string      `json:"date"`
	TotalSales money.Cents `json:"total_sales"`
	ItemCount  int         `json:"item_count"`
	Revenue    money.Cents `json:"revenue"`
}

type MonthlyStats struct {
	Year       int         `json:"year"`
	Month      int         `json:"month"`
	TotalSales money.Cents `json:"total_sales"`
	ItemCount  int         `json:"item_count"`
	Revenue    money.Cents `json:"revenue"`
}

type WeekBucket struct {
	Week       int         `json:"week"`
	TotalSales money.Cents `json:"total_sales"`
	ItemCount  int         `json:"item_count"`
	Revenue    money.Cents `json:"revenue"`
}

type WeeklyStats struct {
	Year  int          `json:"year"`
	Month int          `json:"month"`
	Weeks []WeekBucket `json:"weeks"`
}

type Dashboard struct {
	TotalSales     money.Cents `json:"total_sales"`
	ItemsSoldToday int         `json:"items_sold_today"`
	ProductCount   int         `json:"product_count"`
	RecentSales    []Sale      `json:"recent_sales"`
}

type ReceiptResponse struct {
	SaleID       string `json:"sale_id"`
	ReceiptNo    string `json:"receipt_no"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

type Health struct {
	OK       bool   `json:"ok"`
	At       string `json:"at"`
	Store    string `json:"store"`
	Database bool   `json:"database_connected"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
