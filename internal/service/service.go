package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/log"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// Driver names the storage backend for health reports.
	Driver    string
	CostBasis string
	CacheTTL  time.Duration
	Metrics   *metrics.Recorder
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Service struct {
	repo      store.Repository
	cache     cache.StatsCache
	metrics   *metrics.Recorder
	driver    string
	costBasis string
	cacheTTL  time.Duration
	now       func() time.Time

	// statsEpoch counts invalidations. A recompute that straddles one is
	// not written back.
	statsEpoch atomic.Uint64
}

func New(repo store.Repository, statsCache cache.StatsCache, opts Options) *Service {
	if statsCache == nil {
		statsCache = cache.NoopStatsCache{}
	}
	if opts.CostBasis == "" {
		opts.CostBasis = domain.CostBasisSnapshot
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:      repo,
		cache:     statsCache,
		metrics:   opts.Metrics,
		driver:    opts.Driver,
		costBasis: opts.CostBasis,
		cacheTTL:  opts.CacheTTL,
		now:       func() time.Time { return opts.Now().UTC() },
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func (s *Service) Health(ctx context.Context) domain.Health {
	health := domain.Health{
		OK:       true,
		At:       s.now().Format(time.RFC3339),
		Store:    s.driver,
		Database: true,
	}
	if pinger, ok := s.repo.(store.Pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := pinger.Ping(pingCtx); err != nil {
			log.ForContext(ctx).WithError(err).Warn("database ping failed")
			health.OK = false
			health.Database = false
		}
	}
	return health
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if date == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := parseDay(date)
		if err != nil {
			return nil, err
		}
		from = parsed
	}
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.ForContext(ctx).WithError(err).WithFields(log.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}
