// Package bolt is a file-backed store.Repository on an embedded BoltDB file.
//
// Every record is a JSON document keyed by id. Sales and refunds run in a
// single db.Update transaction, which bolt serialises, so stock checks and
// writes can never interleave. Readers use db.View snapshots.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bucketProducts    = []byte("products")
	bucketProductKeys = []byte("product_keys")
	bucketSales       = []byte("sales")
	bucketSaleIdem    = []byte("sale_idempotency")
	bucketAudit       = []byte("audit_logs")
	bucketUsers       = []byte("users")
)

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path and ensures every bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProducts, bucketProductKeys, bucketSales, bucketSaleIdem, bucketAudit, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &Store{db: db}, nil
}

// Seed loads the demo catalogue and seed accounts when the file is empty.
func (s *Store) Seed(ctx context.Context) error {
	var empty bool
	err := s.db.View(func(tx *bolt.Tx) error {
		empty = tx.Bucket(bucketUsers).Stats().KeyN == 0
		return nil
	})
	if err != nil || !empty {
		return err
	}

	for _, p := range store.SeedProducts() {
		if _, err := s.CreateProduct(ctx, p); err != nil && !errors.Is(err, store.ErrConflict) {
			return errors.Wrapf(err, "seed product %s", p.Name)
		}
	}
	users, err := store.SeedUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := s.CreateUser(ctx, u); err != nil {
			return errors.Wrapf(err, "seed user %s", u.Username)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(b *bolt.Bucket, key string, dest any) (bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return b.Put([]byte(key), data)
}

func (s *Store) ListProducts(_ context.Context, query string) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProducts).ForEach(func(_, v []byte) error {
			var p domain.Product
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrap(err, "decode product")
			}
			if store.MatchesQuery(p, query) {
				products = append(products, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortProducts(products)
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketProducts), id, &p)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrProductNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		keys := tx.Bucket(bucketProductKeys)

		key := []byte(store.VariantKey(product.Name, product.Variant))
		if keys.Get(key) != nil {
			return fmt.Errorf("%w: product %q %q already exists", store.ErrConflict, product.Name, product.Variant)
		}
		if product.ID == "" {
			product.ID = xid.New("prod")
		}
		if products.Get([]byte(product.ID)) != nil {
			return fmt.Errorf("%w: product id %s already exists", store.ErrConflict, product.ID)
		}
		if product.CreatedAt.IsZero() {
			product.CreatedAt = time.Now().UTC()
		}
		product.UpdatedAt = product.CreatedAt

		if err := keys.Put(key, []byte(product.ID)); err != nil {
			return err
		}
		return putJSON(products, product.ID, product)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		keys := tx.Bucket(bucketProductKeys)

		var current domain.Product
		found, err := getJSON(products, product.ID, &current)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrProductNotFound
		}

		key := []byte(store.VariantKey(product.Name, product.Variant))
		if owner := keys.Get(key); owner != nil && !bytes.Equal(owner, []byte(product.ID)) {
			return fmt.Errorf("%w: product %q %q already exists", store.ErrConflict, product.Name, product.Variant)
		}

		product.CreatedAt = current.CreatedAt
		product.UpdatedAt = time.Now().UTC()
		if err := keys.Delete([]byte(store.VariantKey(current.Name, current.Variant))); err != nil {
			return err
		}
		if err := keys.Put(key, []byte(product.ID)); err != nil {
			return err
		}
		return putJSON(products, product.ID, product)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		products := tx.Bucket(bucketProducts)

		var current domain.Product
		found, err := getJSON(products, id, &current)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrProductNotFound
		}
		if err := tx.Bucket(bucketProductKeys).Delete([]byte(store.VariantKey(current.Name, current.Variant))); err != nil {
			return err
		}
		return products.Delete([]byte(id))
	})
}

func (s *Store) AdjustQuantity(_ context.Context, id string, delta int) (*domain.Product, error) {
	var product domain.Product
	err := s.db.Update(func(tx *bolt.Tx) error {
		products := tx.Bucket(bucketProducts)
		found, err := getJSON(products, id, &product)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrProductNotFound
		}
		next, err := store.AdjustedQuantity(id, product.Quantity, delta)
		if err != nil {
			return err
		}
		product.Quantity = next
		product.UpdatedAt = time.Now().UTC()
		return putJSON(products, id, product)
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListSales(_ context.Context, r store.SaleRange) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, 64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSales).ForEach(func(_, v []byte) error {
			var sale domain.Sale
			if err := json.Unmarshal(v, &sale); err != nil {
				return errors.Wrap(err, "decode sale")
			}
			if r.Contains(sale.Date) {
				sales = append(sales, sale)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortSalesNewestFirst(sales)
	return sales, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketSales), id, &sale)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	var sale domain.Sale
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSaleIdem).Get([]byte(key))
		if id == nil {
			return store.ErrNotFound
		}
		found, err := getJSON(tx.Bucket(bucketSales), string(id), &sale)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, lines []domain.CartLine) (*domain.Sale, error) {
	lines, err := store.NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		productsBucket := tx.Bucket(bucketProducts)
		idem := tx.Bucket(bucketSaleIdem)

		if sale.IdempotencyKey != "" && idem.Get([]byte(sale.IdempotencyKey)) != nil {
			return fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}

		products := make(map[string]domain.Product, len(lines))
		for _, line := range lines {
			var p domain.Product
			found, err := getJSON(productsBucket, line.ProductID, &p)
			if err != nil {
				return err
			}
			if found {
				products[p.ID] = p
			}
		}

		items, total, err := store.PlanSale(lines, products)
		if err != nil {
			return err
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
			p := products[item.ProductID]
			p.Quantity -= item.Quantity
			p.UpdatedAt = now
			if err := putJSON(productsBucket, p.ID, p); err != nil {
				return err
			}
		}

		if sale.IdempotencyKey != "" {
			if err := idem.Put([]byte(sale.IdempotencyKey), []byte(sale.ID)); err != nil {
				return err
			}
		}
		return putJSON(tx.Bucket(bucketSales), sale.ID, sale)
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) RefundSale(_ context.Context, id string, at time.Time) (*store.RefundResult, error) {
	result := &store.RefundResult{RestockSkipped: make([]string, 0)}
	err := s.db.Update(func(tx *bolt.Tx) error {
		salesBucket := tx.Bucket(bucketSales)
		productsBucket := tx.Bucket(bucketProducts)

		var sale domain.Sale
		found, err := getJSON(salesBucket, id, &sale)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		if sale.Refunded {
			return store.ErrAlreadyRefunded
		}

		now := time.Now().UTC()
		for _, item := range sale.Items {
			var p domain.Product
			exists, err := getJSON(productsBucket, item.ProductID, &p)
			if err != nil {
				return err
			}
			if !exists {
				result.RestockSkipped = append(result.RestockSkipped, item.ProductID)
				continue
			}
			p.Quantity += item.Quantity
			p.UpdatedAt = now
			if err := putJSON(productsBucket, p.ID, p); err != nil {
				return err
			}
		}

		refundedAt := at.UTC()
		sale.Refunded = true
		sale.RefundDate = &refundedAt
		result.Sale = sale
		return putJSON(salesBucket, sale.ID, sale)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAudit), entry.ID, entry)
	})
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	window := store.SaleRange{From: from, To: to}
	result := make([]domain.AuditLog, 0, 64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var entry domain.AuditLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrap(err, "decode audit log")
			}
			if window.Contains(entry.CreatedAt) {
				result = append(result, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Get([]byte(user.Username)) != nil {
			return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Username)
		}
		return putJSON(users, user.Username, user)
	})
}

// ListUsers relies on bolt's byte-ordered keys for username order.
func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 8)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u domain.UserAccount
			if err := json.Unmarshal(v, &u); err != nil {
				return errors.Wrap(err, "decode user")
			}
			users = append(users, u)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		var u domain.UserAccount
		found, err := getJSON(users, username, &u)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		u.Password = password
		return putJSON(users, username, u)
	})
}
