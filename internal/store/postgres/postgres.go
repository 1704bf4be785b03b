package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

//go:embed schema.sql
var schema string

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const (
	productColumns = "id, name, variant, cost_price_cents, price_cents, quantity, created_at, updated_at"
	saleColumns    = "id, receipt_no, COALESCE(idempotency_key, ''), sale_date, total_cents, refunded, refund_date"
	itemColumns    = "sale_id, product_id, name, variant, price_cents, cost_price_cents, quantity, line_total_cents"
	auditColumns   = "id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// Seed loads the demo catalogue and seed accounts when no user exists yet.
func (s *Store) Seed(ctx context.Context) error {
	var users int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&users); err != nil {
		return errors.Wrap(err, "count users")
	}
	if users > 0 {
		return nil
	}
	for _, p := range store.SeedProducts() {
		if _, err := s.CreateProduct(ctx, p); err != nil && !errors.Is(err, store.ErrConflict) {
			return errors.Wrapf(err, "seed product %s", p.Name)
		}
	}
	seed, err := store.SeedUsers()
	if err != nil {
		return err
	}
	for _, u := range seed {
		if err := s.CreateUser(ctx, u); err != nil && !errors.Is(err, store.ErrConflict) {
			return errors.Wrapf(err, "seed user %s", u.Username)
		}
	}
	return nil
}

// runInTx runs fn in a serializable transaction, rolling back on error or panic.
func (s *Store) runInTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	return mapError(tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Variant, &p.CostPrice, &p.Price, &p.Quantity, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	builder := psql.Select(productColumns).From("products").OrderBy("name", "variant", "id")
	if q := strings.TrimSpace(query); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		builder = builder.Where(squirrel.Or{
			squirrel.ILike{"name": pattern},
			squirrel.ILike{"variant": pattern},
		})
	}
	sqlQuery, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, product.ID, product.Name, product.Variant, product.CostPrice, product.Price, product.Quantity, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product, err := store.NormalizeProduct(product)
	if err != nil {
		return nil, err
	}
	product.UpdatedAt = time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, variant = $3, cost_price_cents = $4, price_cents = $5, quantity = $6, updated_at = $7
		WHERE id = $1
		RETURNING created_at
	`, product.ID, product.Name, product.Variant, product.CostPrice, product.Price, product.Quantity, product.UpdatedAt)
	if err := row.Scan(&product.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, mapError(err)
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

func (s *Store) AdjustQuantity(ctx context.Context, id string, delta int) (*domain.Product, error) {
	var product domain.Product
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		p, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrProductNotFound
		}
		if err != nil {
			return err
		}
		next, err := store.AdjustedQuantity(id, p.Quantity, delta)
		if err != nil {
			return err
		}
		p.Quantity = next
		p.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE products SET quantity = $2, updated_at = $3 WHERE id = $1`, id, p.Quantity, p.UpdatedAt); err != nil {
			return err
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var refundDate sql.NullTime
	err := row.Scan(&sale.ID, &sale.ReceiptNo, &sale.IdempotencyKey, &sale.Date, &sale.Total, &sale.Refunded, &refundDate)
	sale.Date = sale.Date.UTC()
	if refundDate.Valid {
		at := refundDate.Time.UTC()
		sale.RefundDate = &at
	}
	return sale, err
}

// loadItems attaches items to sales in one query, preserving line order.
func loadItems(ctx context.Context, q queryer, sales []domain.Sale) error {
	if len(sales) == 0 {
		return nil
	}
	ids := make([]string, 0, len(sales))
	index := make(map[string]int, len(sales))
	for i, sale := range sales {
		ids = append(ids, sale.ID)
		index[sale.ID] = i
		sales[i].Items = make([]domain.SaleItem, 0, 4)
	}

	sqlQuery, args, err := psql.Select(itemColumns).
		From("sale_items").
		Where(squirrel.Eq{"sale_id": ids}).
		OrderBy("sale_id", "line_no").
		ToSql()
	if err != nil {
		return err
	}

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var saleID string
		var item domain.SaleItem
		if err := rows.Scan(&saleID, &item.ProductID, &item.Name, &item.Variant, &item.Price, &item.CostPrice, &item.Quantity, &item.LineTotal); err != nil {
			return err
		}
		i := index[saleID]
		sales[i].Items = append(sales[i].Items, item)
	}
	return rows.Err()
}

func (s *Store) ListSales(ctx context.Context, r store.SaleRange) ([]domain.Sale, error) {
	builder := psql.Select(saleColumns).From("sales").OrderBy("sale_date DESC", "id DESC")
	if !r.From.IsZero() {
		builder = builder.Where(squirrel.GtOrEq{"sale_date": r.From.UTC()})
	}
	if !r.To.IsZero() {
		builder = builder.Where(squirrel.Lt{"sale_date": r.To.UTC()})
	}
	sqlQuery, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	// One snapshot for sales and items so no sale is seen without its lines.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := loadItems(ctx, tx, sales); err != nil {
		return nil, err
	}
	return sales, tx.Commit()
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, s.db, "id", id, false)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.findSale(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) findSale(ctx context.Context, q queryer, column string, value string, lock bool) (*domain.Sale, error) {
	builder := psql.Select(saleColumns).From("sales").Where(squirrel.Eq{column: value})
	if lock {
		builder = builder.Suffix("FOR UPDATE")
	}
	sqlQuery, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	sale, err := scanSale(q.QueryRowContext(ctx, sqlQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sales := []domain.Sale{sale}
	if err := loadItems(ctx, q, sales); err != nil {
		return nil, err
	}
	return &sales[0], nil
}

// lockProducts locks the rows for ids in id order so concurrent checkouts
// acquire locks in the same sequence.
func lockProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	sqlQuery, args, err := psql.Select(productColumns).
		From("products").
		Where(squirrel.Eq{"id": sorted}).
		OrderBy("id").
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, lines []domain.CartLine) (*domain.Sale, error) {
	lines, err := store.NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	err = s.runInTx(ctx, func(tx *sql.Tx) error {
		if sale.IdempotencyKey != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE idempotency_key = $1)`, sale.IdempotencyKey).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
			}
		}

		products, err := lockProducts(ctx, tx, store.ProductIDs(lines))
		if err != nil {
			return err
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
			if _, err := tx.ExecContext(ctx, `
				UPDATE products SET quantity = quantity - $2, updated_at = $3 WHERE id = $1
			`, item.ProductID, item.Quantity, now); err != nil {
				return err
			}
		}

		var idem any
		if sale.IdempotencyKey != "" {
			idem = sale.IdempotencyKey
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sales (id, receipt_no, idempotency_key, sale_date, total_cents, refunded, refund_date)
			VALUES ($1, $2, $3, $4, $5, false, NULL)
		`, sale.ID, sale.ReceiptNo, idem, sale.Date, sale.Total); err != nil {
			return err
		}

		insert := psql.Insert("sale_items").Columns(
			"sale_id", "line_no", "product_id", "name", "variant", "price_cents", "cost_price_cents", "quantity", "line_total_cents",
		)
		for i, item := range items {
			insert = insert.Values(sale.ID, i, item.ProductID, item.Name, item.Variant, item.Price, item.CostPrice, item.Quantity, item.LineTotal)
		}
		sqlQuery, args, err := insert.ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlQuery, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) RefundSale(ctx context.Context, id string, at time.Time) (*store.RefundResult, error) {
	result := &store.RefundResult{RestockSkipped: make([]string, 0)}
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		sale, err := s.findSale(ctx, tx, "id", id, true)
		if err != nil {
			return err
		}
		if sale.Refunded {
			return store.ErrAlreadyRefunded
		}

		ids := make([]string, 0, len(sale.Items))
		for _, item := range sale.Items {
			ids = append(ids, item.ProductID)
		}
		products, err := lockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, item := range sale.Items {
			if _, ok := products[item.ProductID]; !ok {
				result.RestockSkipped = append(result.RestockSkipped, item.ProductID)
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE products SET quantity = quantity + $2, updated_at = $3 WHERE id = $1
			`, item.ProductID, item.Quantity, now); err != nil {
				return err
			}
		}

		refundedAt := at.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE sales SET refunded = true, refund_date = $2 WHERE id = $1
		`, id, refundedAt); err != nil {
			return err
		}
		sale.Refunded = true
		sale.RefundDate = &refundedAt
		result.Sale = *sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	builder := psql.Select(auditColumns).From("audit_logs").OrderBy("created_at DESC", "id DESC")
	if !from.IsZero() {
		builder = builder.Where(squirrel.GtOrEq{"created_at": from.UTC()})
	}
	if !to.IsZero() {
		builder = builder.Where(squirrel.Lt{"created_at": to.UTC()})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	sqlQuery, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user, err := store.NormalizeUser(user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError turns unique and serialization failures into store.ErrConflict
// and range or check violations into store.ErrValidation.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: concurrent update, retry the request", store.ErrConflict)
		case "22003", "23514":
			return fmt.Errorf("%w: %s", store.ErrValidation, pgErr.Message)
		}
	}
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
