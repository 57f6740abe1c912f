package runstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultSweepSchedule = "17 3 * * *"
	defaultMaxAge        = 30 * 24 * time.Hour
)

// Sweeper runs scheduled retention sweeps against a Store.
type Sweeper struct {
	store    *Store
	cron     *cron.Cron
	schedule string
	maxAge   time.Duration
	logger   zerolog.Logger
}

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	Store *Store
	// Schedule is a five-field cron expression. Defaults to nightly.
	Schedule string
	// MaxAge is how long archived runs are kept. Defaults to 30 days.
	MaxAge time.Duration
	Logger zerolog.Logger
}

// NewSweeper validates the schedule and builds a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	s := &Sweeper{
		store:    cfg.Store,
		cron:     cron.New(),
		schedule: schedule,
		maxAge:   maxAge,
		logger:   cfg.Logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeping in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Dur("maxAge", s.maxAge).Msg("Retention sweeper started")
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepNow runs one sweep immediately, outside the schedule.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return s.store.Prune(ctx, s.maxAge)
}

func (s *Sweeper) sweep() {
	deleted, err := s.store.Prune(context.Background(), s.maxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	s.logger.Debug().Int("deleted", deleted).Msg("Retention sweep completed")
}
