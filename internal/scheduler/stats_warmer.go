// Package scheduler runs background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"posledger/backend/internal/log"
)

// StatsWarmer is the work the warmer schedules.
type StatsWarmer interface {
	WarmStats(ctx context.Context) error
}

type StatsWarmerConfig struct {
	CronSchedule string
	Enabled      bool
	// Timeout bounds a single run.
	Timeout time.Duration
}

// StatsWarmerService keeps today's and this month's stats hot in the cache.
type StatsWarmerService struct {
	scheduler *gocron.Scheduler
	warmer    StatsWarmer
	config    StatsWarmerConfig

	mu                 sync.Mutex
	running            bool
	lastRunStartedAt   time.Time
	lastRunCompletedAt time.Time
}

func NewStatsWarmerService(warmer StatsWarmer, cfg StatsWarmerConfig) *StatsWarmerService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	log.L.WithFields(log.Fields{
		"cron_schedule": cfg.CronSchedule,
		"enabled":       cfg.Enabled,
	}).Info("stats warmer configured")

	return &StatsWarmerService{
		scheduler: gocron.NewScheduler(time.UTC),
		warmer:    warmer,
		config:    cfg,
	}
}

func (s *StatsWarmerService) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.L.Info("stats warmer disabled by configuration")
		return nil
	}

	_, err := s.scheduler.Cron(s.config.CronSchedule).Do(func() {
		if err := s.Run(ctx); err != nil {
			log.L.WithError(err).Error("stats warm run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule stats warmer: %w", err)
	}

	s.scheduler.StartAsync()

	go func() {
		<-ctx.Done()
		log.L.Info("stopping stats warmer")
		s.scheduler.Stop()
	}()

	return nil
}

// Run warms the cache once. A run that starts while another is in progress
// returns immediately.
func (s *StatsWarmerService) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.L.Warn("stats warm already running")
		return nil
	}
	s.running = true
	s.lastRunStartedAt = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRunCompletedAt = time.Now()
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	runCtx, _ = log.WithCorrelationID(runCtx, "")

	started := time.Now()
	if err := s.warmer.WarmStats(runCtx); err != nil {
		return err
	}
	log.ForContext(runCtx).WithField("elapsed", time.Since(started).String()).Debugf("stats cache warmed")
	return nil
}

// LastRun reports when the latest run started and finished.
func (s *StatsWarmerService) LastRun() (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunStartedAt, s.lastRunCompletedAt
}
