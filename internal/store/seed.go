package store

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
)

// SeedUsers builds the initial admin and cashier accounts for an empty store.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; dev
// defaults are used, with a warning, when either is unset.
func SeedUsers() ([]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.L.Warn("seeding default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

// SeedProducts is the demo catalogue loaded into an empty store.
func SeedProducts() []domain.Product {
	return []domain.Product{
		{Name: "Coffee Beans", Variant: "250g", CostPrice: 650, Price: 1299, Quantity: 40},
		{Name: "Coffee Beans", Variant: "1kg", CostPrice: 2200, Price: 3999, Quantity: 15},
		{Name: "Green Tea", Variant: "20 bags", CostPrice: 180, Price: 450, Quantity: 60},
		{Name: "Mug", Variant: "Ceramic", CostPrice: 300, Price: 899, Quantity: 25},
		{Name: "Oat Milk", Variant: "1L", CostPrice: 150, Price: 349, Quantity: 48},
		{Name: "Paper Filters", Variant: "100 pack", CostPrice: 120, Price: 399, Quantity: 80},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
