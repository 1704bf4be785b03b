package cache

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -source=cache.go -destination=mocks/cache_mock.go -package=mocks

// StatsCache stores computed stats as JSON under the keys built below.
// Get reports ok=false on a miss.
type StatsCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopStatsCache struct{}

func (NoopStatsCache) Get(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopStatsCache) Set(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

func (NoopStatsCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

func DailyKey(day time.Time) string {
	return "stats:daily:" + day.UTC().Format("2006-01-02")
}

func MonthlyKey(year int, month int) string {
	return fmt.Sprintf("stats:monthly:%04d-%02d", year, month)
}

func WeeklyKey(year int, month int) string {
	return fmt.Sprintf("stats:weekly:%04d-%02d", year, month)
}

// KeysFor lists every stats key whose value depends on a sale made at t.
func KeysFor(t time.Time) []string {
	u := t.UTC()
	return []string{
		DailyKey(u),
		MonthlyKey(u.Year(), int(u.Month())),
		WeeklyKey(u.Year(), int(u.Month())),
	}
}
