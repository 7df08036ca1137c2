// Package retention deletes chat sessions that have been idle past
// their TTL. Deletion goes through the store's tombstone-first
// DeleteSession, so a sweep racing an in-flight turn cancels it the
// same way a user-initiated delete does.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/insightpilot/insightpilot/internal/observability"
	"github.com/insightpilot/insightpilot/internal/store"
)

const defaultSchedule = "@hourly"

// Config controls the sweep cadence and cutoff.
type Config struct {
	// SessionTTL is how long a session may sit idle before deletion.
	SessionTTL time.Duration

	// Schedule is a cron expression; defaults to hourly.
	Schedule string
}

// Sweeper periodically removes idle sessions.
type Sweeper struct {
	store  store.Store
	config Config
	logger *observability.Logger
	cron   *cron.Cron
	clock  func() time.Time
}

func NewSweeper(st store.Store, config Config, logger *observability.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = defaultSchedule
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Sweeper{
		store:  st,
		config: config,
		logger: logger,
		clock:  time.Now,
	}
}

// Start schedules recurring sweeps. A zero or negative TTL disables
// the sweeper entirely.
func (s *Sweeper) Start() error {
	if s.config.SessionTTL <= 0 {
		s.logger.Info(context.Background(), "session retention disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error(ctx, "retention sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info(context.Background(), "session retention started",
		"ttl", s.config.SessionTTL.String(), "schedule", s.config.Schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep deletes every session idle past the TTL and returns how many
// were removed. Individual delete failures are logged and skipped; the
// next sweep picks them up again.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.config.SessionTTL)
	sessions, err := s.store.IdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, session := range sessions {
		if err := s.store.DeleteSession(ctx, session.UserID, session.ID); err != nil {
			s.logger.Warn(ctx, "retention delete failed",
				"session_id", session.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info(ctx, "retention sweep complete",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
