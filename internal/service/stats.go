package service

import (
	"context"
	"fmt"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/stats"
	"posledger/backend/internal/store"
)

const recentSalesLimit = 5

func (s *Service) DailyStats(ctx context.Context, date string) (domain.DailyStats, error) {
	day, err := parseDay(date)
	if err != nil {
		return domain.DailyStats{}, err
	}

	var result domain.DailyStats
	err = s.cached(ctx, cache.DailyKey(day), &result, func() error {
		from, to := stats.DayRange(day)
		sales, costs, err := s.salesWithCosts(ctx, store.SaleRange{From: from, To: to})
		if err != nil {
			return err
		}
		result = stats.Daily(sales, day, costs)
		return nil
	})
	return result, err
}

func (s *Service) MonthlyStats(ctx context.Context, year int, month int) (domain.MonthlyStats, error) {
	if err := validateMonth(year, month); err != nil {
		return domain.MonthlyStats{}, err
	}

	var result domain.MonthlyStats
	err := s.cached(ctx, cache.MonthlyKey(year, month), &result, func() error {
		from, to := stats.MonthRange(year, month)
		sales, costs, err := s.salesWithCosts(ctx, store.SaleRange{From: from, To: to})
		if err != nil {
			return err
		}
		result = stats.Monthly(sales, year, month, costs)
		return nil
	})
	return result, err
}

func (s *Service) WeeklyStats(ctx context.Context, year int, month int) (domain.WeeklyStats, error) {
	if err := validateMonth(year, month); err != nil {
		return domain.WeeklyStats{}, err
	}

	var result domain.WeeklyStats
	err := s.cached(ctx, cache.WeeklyKey(year, month), &result, func() error {
		from, to := stats.MonthRange(year, month)
		sales, costs, err := s.salesWithCosts(ctx, store.SaleRange{From: from, To: to})
		if err != nil {
			return err
		}
		result = stats.WeeklyBuckets(sales, year, month, costs)
		return nil
	})
	return result, err
}

// WarmStats recomputes today's daily figures and the current month's
// monthly and weekly figures, replacing whatever is cached.
func (s *Service) WarmStats(ctx context.Context) error {
	now := s.now()
	keys := []string{
		cache.DailyKey(now),
		cache.MonthlyKey(now.Year(), int(now.Month())),
		cache.WeeklyKey(now.Year(), int(now.Month())),
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return err
	}
	if _, err := s.DailyStats(ctx, now.Format(stats.DateLayout)); err != nil {
		return err
	}
	if _, err := s.MonthlyStats(ctx, now.Year(), int(now.Month())); err != nil {
		return err
	}
	_, err := s.WeeklyStats(ctx, now.Year(), int(now.Month()))
	return err
}

func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	sales, err := s.repo.ListSales(ctx, store.SaleRange{})
	if err != nil {
		return domain.Dashboard{}, err
	}
	products, err := s.repo.ListProducts(ctx, "")
	if err != nil {
		return domain.Dashboard{}, err
	}

	from, to := stats.DayRange(s.now())
	today := store.SaleRange{From: from, To: to}
	dash := domain.Dashboard{ProductCount: len(products)}
	for _, sale := range sales {
		if sale.Refunded {
			continue
		}
		dash.TotalSales += sale.Total
		if today.Contains(sale.Date) {
			dash.ItemsSoldToday += sale.ItemCount()
		}
	}

	// ListSales is newest first.
	recent := sales
	if len(recent) > recentSalesLimit {
		recent = recent[:recentSalesLimit]
	}
	dash.RecentSales = recent
	return dash, nil
}

// cached serves key from the stats cache or runs compute and stores the
// result in dest. Cache failures degrade to a recompute. The live cost basis
// bypasses the cache because product edits would leave entries stale.
func (s *Service) cached(ctx context.Context, key string, dest any, compute func() error) error {
	if s.costBasis == domain.CostBasisLive {
		return compute()
	}

	logger := log.ForContext(ctx).WithField("key", key)
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		logger.WithError(err).Warn("stats cache read failed")
	}
	if hit && err == nil {
		s.metrics.StatsCacheLookup(true)
		return nil
	}
	s.metrics.StatsCacheLookup(false)

	epoch := s.statsEpoch.Load()
	if err := compute(); err != nil {
		return err
	}
	if s.statsEpoch.Load() != epoch {
		logger.Debugf("stats invalidated during recompute, not caching")
		return nil
	}
	if err := s.cache.Set(ctx, key, dest, s.cacheTTL); err != nil {
		logger.WithError(err).Warn("stats cache write failed")
	}
	return nil
}

func (s *Service) salesWithCosts(ctx context.Context, r store.SaleRange) ([]domain.Sale, stats.CostResolver, error) {
	sales, err := s.repo.ListSales(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if s.costBasis != domain.CostBasisLive {
		return sales, stats.Snapshot{}, nil
	}
	products, err := s.repo.ListProducts(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	return sales, stats.NewLive(products), nil
}

func validateMonth(year int, month int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month must be 1-12", store.ErrValidation)
	}
	if year < 1970 || year > 9999 {
		return fmt.Errorf("%w: year out of range", store.ErrValidation)
	}
	return nil
}
