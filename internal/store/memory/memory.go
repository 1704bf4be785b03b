package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Store keeps the ledger in process memory behind one RWMutex. Sale and
// refund hold the write lock across validation and commit; readers get
// deep copies.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productByKey    map[string]string
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		productByKey:    make(map[string]string),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]string),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with the demo catalogue and seed accounts.
func NewSeeded() (*Store, error) {
	s := New()
	ctx := context.Background()
	for _, p := range store.SeedProducts() {
		if _, err := s.CreateProduct(ctx, p); err != nil {
			return nil, fmt.Errorf("seed product %s: %w", p.Name, err)
		}
	}
	users, err := store.SeedUsers()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := s.CreateUser(ctx, u); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}
	return s, nil
}

func (s *Store) ListProducts(_ context.Context, query string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !store.MatchesQuery(p, query) {
			continue
		}
		products = append(products, p)
	}
	store.SortProducts(products)
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrProductNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.VariantKey(product.Name, product.Variant)
	if _, exists := s.productByKey[key]; exists {
		return nil, fmt.Errorf("%w: product %q %q already exists", store.ErrConflict, product.Name, product.Variant)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product id %s already exists", store.ErrConflict, product.ID)
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = product.CreatedAt

	s.products[product.ID] = product
	s.productByKey[key] = product.ID
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrProductNotFound
	}
	key := store.VariantKey(product.Name, product.Variant)
	if owner, taken := s.productByKey[key]; taken && owner != product.ID {
		return nil, fmt.Errorf("%w: product %q %q already exists", store.ErrConflict, product.Name, product.Variant)
	}

	product.CreatedAt = current.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	delete(s.productByKey, store.VariantKey(current.Name, current.Variant))
	s.productByKey[key] = product.ID
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.products[id]
	if !exists {
		return store.ErrProductNotFound
	}
	delete(s.products, id)
	delete(s.productByKey, store.VariantKey(current.Name, current.Variant))
	return nil
}

func (s *Store) AdjustQuantity(_ context.Context, id string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrProductNotFound
	}
	next, err := store.AdjustedQuantity(id, product.Quantity, delta)
	if err != nil {
		return nil, err
	}
	product.Quantity = next
	product.UpdatedAt = time.Now().UTC()
	s.products[id] = product
	adjusted := product
	return &adjusted, nil
}

func (s *Store) ListSales(_ context.Context, r store.SaleRange) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !r.Contains(sale.Date) {
			continue
		}
		sales = append(sales, store.CloneSale(*sale))
	}
	store.SortSalesNewestFirst(sales)
	return sales, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := store.CloneSale(*sale)
	return &dup, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok || key == "" {
		return nil, store.ErrNotFound
	}
	dup := store.CloneSale(*s.salesByID[id])
	return &dup, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, lines []domain.CartLine) (*domain.Sale, error) {
	lines, err := store.NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if _, exists := s.salesByIdem[sale.IdempotencyKey]; exists {
			return nil, fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
	}

	items, total, err := store.PlanSale(lines, s.products)
	if err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.ReceiptNo == "" {
		sale.ReceiptNo = xid.ReceiptNo()
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC().Truncate(time.Second)
	}
	sale.Date = sale.Date.UTC()
	sale.Items = items
	sale.Total = total
	sale.Refunded = false
	sale.RefundDate = nil

	now := time.Now().UTC()
	for _, item := range items {
		product := s.products[item.ProductID]
		product.Quantity -= item.Quantity
		product.UpdatedAt = now
		s.products[item.ProductID] = product
	}

	stored := store.CloneSale(sale)
	s.salesByID[sale.ID] = &stored
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}

	created := store.CloneSale(stored)
	return &created, nil
}

func (s *Store) RefundSale(_ context.Context, id string, at time.Time) (*store.RefundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Refunded {
		return nil, store.ErrAlreadyRefunded
	}

	skipped := make([]string, 0)
	now := time.Now().UTC()
	for _, item := range sale.Items {
		product, exists := s.products[item.ProductID]
		if !exists {
			skipped = append(skipped, item.ProductID)
			continue
		}
		product.Quantity += item.Quantity
		product.UpdatedAt = now
		s.products[item.ProductID] = product
	}

	at = at.UTC()
	sale.Refunded = true
	sale.RefundDate = &at

	return &store.RefundResult{Sale: store.CloneSale(*sale), RestockSkipped: skipped}, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := store.SaleRange{From: from, To: to}
	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if !window.Contains(entry.CreatedAt) {
			continue
		}
		result = append(result, entry)
	}

	store.SortAuditNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user, err := store.NormalizeUser(user)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
