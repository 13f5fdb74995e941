// Package scheduler runs the daily rollover inside the API process so penalty
// notifications and cache invalidation reach the live dispatcher and the
// shared summary cache.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/gamification"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
)

// DefaultGrace delays each run past UTC midnight so late reports stamped
// just before midnight land before the day closes.
const DefaultGrace = 30 * time.Second

var errMissingCloser = errors.New("day closer dependency required")

// DayCloser closes one UTC day for every affected user.
type DayCloser interface {
	RolloverDay(ctx context.Context, dayKey string) (gamification.RolloverResult, error)
}

type Config struct {
	Closer DayCloser
	// Grace defaults to DefaultGrace.
	Grace  time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
	// After defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// DailyRollover closes the previous UTC day once on start and then after
// every UTC midnight. Closing a day is at-most-once per user, so a catch-up
// run for a day another process already closed changes nothing.
type DailyRollover struct {
	closer DayCloser
	grace  time.Duration
	clock  func() time.Time
	logger *zap.Logger
	after  func(time.Duration) <-chan time.Time
}

func NewDailyRollover(cfg Config) (*DailyRollover, error) {
	if cfg.Closer == nil {
		return nil, errMissingCloser
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &DailyRollover{
		closer: cfg.Closer,
		grace:  grace,
		clock:  clock,
		logger: logger,
		after:  after,
	}, nil
}

// Run blocks until ctx is done. Failed runs are logged; the users that failed
// are picked up by the next manual or catch-up run.
func (r *DailyRollover) Run(ctx context.Context) error {
	r.closePrevious(ctx)
	for {
		wait := r.untilNext(r.clock())
		r.logger.Debug("next day rollover scheduled", zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-r.after(wait):
			r.closePrevious(ctx)
		}
	}
}

func (r *DailyRollover) untilNext(now time.Time) time.Duration {
	next := scoring.DayStart(now.Add(-r.grace)).AddDate(0, 0, 1).Add(r.grace)
	if wait := next.Sub(now.UTC()); wait > 0 {
		return wait
	}
	return 0
}

func (r *DailyRollover) closePrevious(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	dayKey := PreviousDayKey(r.clock().Add(-r.grace))
	result, err := r.closer.RolloverDay(ctx, dayKey)
	if err != nil {
		r.logger.Error("scheduled day rollover incomplete",
			zap.String("day_key", dayKey),
			zap.Int("closed", result.Closed),
			zap.Strings("failed_users", result.Failed),
			zap.Error(err))
		return
	}
	r.logger.Info("scheduled day rollover completed",
		zap.String("day_key", dayKey),
		zap.Int("closed", result.Closed))
}

// PreviousDayKey returns the UTC day before the one containing now.
func PreviousDayKey(now time.Time) string {
	return scoring.DayKey(scoring.DayStart(now).AddDate(0, 0, -1))
}
