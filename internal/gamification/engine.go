// Package gamification composes the ledger, the daily goal evaluator, the
// summary cache and the realtime dispatcher into the scoring engine used by
// the HTTP surface and the rollover job.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/cache"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/keylock"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/MarcoPoloResearchLab/codestreak/internal/retry"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
)

const registrationEventKey = "registration"

var (
	// ErrInvalidRange is returned for history queries whose bounds are reversed.
	ErrInvalidRange = errors.New("gamification: invalid time range")

	errMissingLedger = errors.New("ledger dependency required")
	errMissingGoals  = errors.New("daily goal evaluator dependency required")
)

// Notifier receives committed changes for live delivery.
type Notifier interface {
	Publish(message realtime.NotificationMessage) int
}

type Config struct {
	Ledger *ledger.Ledger
	Goals  *dailygoal.Evaluator
	// Notifier may be nil when nothing listens.
	Notifier Notifier
	// Cache defaults to an in-memory summary cache.
	Cache   cache.SummaryCache
	Clock   func() time.Time
	Logger  *zap.Logger
	Retrier *retry.Retrier
}

type Engine struct {
	ledger   *ledger.Ledger
	goals    *dailygoal.Evaluator
	rules    *scoring.Ruleset
	notifier Notifier
	cache    cache.SummaryCache
	clock    func() time.Time
	logger   *zap.Logger
	retrier  *retry.Retrier

	// cacheLocks serializes a summary write against invalidation of the same
	// user; generations counts invalidations so a summary built before a
	// commit is never written back after it.
	cacheLocks  *keylock.Locker
	generations sync.Map
	registered  sync.Map
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Goals == nil {
		return nil, errMissingGoals
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	summaryCache := cfg.Cache
	if summaryCache == nil {
		summaryCache = cache.NewMemory(cache.DefaultSummaryTTL, clock)
	}
	retrier := cfg.Retrier
	if retrier == nil {
		retrier = retry.StorageRetrier(
			retry.WithRetryIf(IsTransient),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				logger.Warn("retrying after transient storage error",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(err))
			}),
		)
	}
	return &Engine{
		ledger:   cfg.Ledger,
		goals:    cfg.Goals,
		rules:    cfg.Ledger.Rules(),
		notifier: cfg.Notifier,
		cache:    summaryCache,
		clock:    clock,
		logger:   logger,
		retrier:  retrier,

		cacheLocks: keylock.New(),
	}, nil
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ledger.ErrTransientStorage)
}

// Report is the outcome of one reported event.
type Report struct {
	Transaction ledger.XpTransaction
	// Goal is set when the event was a solved problem.
	Goal *dailygoal.Decision
}

// ReportEvent applies event and propagates its effects. A failure of the
// follow-up daily goal check does not fail the report: the XP is committed,
// and a bonus that did not land is recovered at rollover.
func (e *Engine) ReportEvent(ctx context.Context, event ledger.Event) (Report, error) {
	record, err := e.ledger.ApplyEvent(ctx, event)
	if err != nil {
		return Report{}, err
	}
	report := Report{Transaction: record}
	applied := []ledger.XpTransaction{record}

	if record.Kind == scoring.KindSolvedProblem {
		decision, goalErr := e.goals.ObserveSolve(ctx, record.UserID, time.Unix(record.OccurredAtSeconds, 0))
		if goalErr != nil {
			e.logger.Warn("daily goal evaluation failed",
				zap.String("user_id", record.UserID),
				zap.String("transaction_id", record.TransactionID),
				zap.Error(goalErr))
		} else {
			report.Goal = &decision
			applied = append(applied, decision.Transactions...)
		}
	}

	e.propagate(ctx, record.UserID, applied, report.Goal)
	return report, nil
}

// Register seeds a new user with the registration bonus. It reports false
// when the user was already registered.
func (e *Engine) Register(ctx context.Context, userID string) (ledger.XpTransaction, bool, error) {
	record, err := e.ledger.ApplyEvent(ctx, ledger.Event{
		UserID:     userID,
		Kind:       scoring.KindRegistrationBonus,
		Key:        registrationEventKey,
		OccurredAt: e.clock().UTC(),
	})
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		return ledger.XpTransaction{}, false, nil
	}
	if err != nil {
		return ledger.XpTransaction{}, false, err
	}
	e.propagate(ctx, userID, []ledger.XpTransaction{record}, nil)
	return record, true, nil
}

// EnsureRegistered applies the registration bonus to a user without ledger
// state. It covers identities whose first registration attempt failed after
// the identity itself was stored.
func (e *Engine) EnsureRegistered(ctx context.Context, userID string) error {
	if _, ok := e.registered.Load(userID); ok {
		return nil
	}
	_, found, err := e.ledger.State(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		if _, _, err := e.Register(ctx, userID); err != nil {
			return err
		}
	}
	e.registered.Store(userID, struct{}{})
	return nil
}

// SetOutstandingTodos records the open todo count for dayKey, today when empty.
func (e *Engine) SetOutstandingTodos(ctx context.Context, userID, dayKey string, outstanding int) (dailygoal.DailyGoalRecord, error) {
	if strings.TrimSpace(dayKey) == "" {
		dayKey = scoring.DayKey(e.clock())
	}
	record, err := e.goals.SetOutstanding(ctx, userID, dayKey, outstanding)
	if err != nil {
		return dailygoal.DailyGoalRecord{}, err
	}
	e.invalidate(ctx, userID)
	return record, nil
}

// CloseDay resolves one user's day and propagates the resulting changes.
func (e *Engine) CloseDay(ctx context.Context, userID, dayKey string) (dailygoal.Decision, error) {
	decision, err := e.goals.CloseDay(ctx, userID, dayKey)
	if err != nil {
		return dailygoal.Decision{}, err
	}
	if decision.Changed() || len(decision.Transactions) > 0 {
		e.propagate(ctx, userID, decision.Transactions, &decision)
	}
	return decision, nil
}

// RolloverResult summarizes a day rollover across users.
type RolloverResult struct {
	DayKey string
	Closed int
	Failed []string
}

// RolloverDay closes dayKey for every user with activity or an open goal
// record that day. Transient failures are retried per user; users that still
// fail are reported and the joined error is returned.
func (e *Engine) RolloverDay(ctx context.Context, dayKey string) (RolloverResult, error) {
	start, end, err := scoring.DayBounds(dayKey)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("%w: %w", dailygoal.ErrInvalidInput, err)
	}
	active, err := e.ledger.UsersWithActivity(ctx, start, end)
	if err != nil {
		return RolloverResult{}, err
	}
	open, err := e.goals.OpenUsers(ctx, dayKey)
	if err != nil {
		return RolloverResult{}, err
	}

	result := RolloverResult{DayKey: dayKey}
	var failures []error
	for _, userID := range mergeSorted(active, open) {
		err := e.retrier.Do(ctx, func(ctx context.Context) error {
			_, closeErr := e.CloseDay(ctx, userID, dayKey)
			return closeErr
		})
		if err != nil {
			e.logger.Error("day rollover failed",
				zap.String("user_id", userID),
				zap.String("day_key", dayKey),
				zap.Error(err))
			result.Failed = append(result.Failed, userID)
			failures = append(failures, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		result.Closed++
	}
	e.logger.Info("day rollover finished",
		zap.String("day_key", dayKey),
		zap.Int("closed", result.Closed),
		zap.Int("failed", len(result.Failed)))
	return result, errors.Join(failures...)
}

// Transactions returns the audit log of a user in [from, to).
func (e *Engine) Transactions(ctx context.Context, userID string, from, to time.Time) ([]ledger.XpTransaction, error) {
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	return e.ledger.ListTransactions(ctx, userID, from, to)
}

// propagate runs after commit, outside every lock: the cached summary goes
// first so a client reacting to the push never refetches stale data.
func (e *Engine) propagate(ctx context.Context, userID string, applied []ledger.XpTransaction, goal *dailygoal.Decision) {
	e.invalidate(ctx, userID)
	if e.notifier == nil {
		return
	}
	now := e.clock().UTC()
	for _, record := range applied {
		for _, message := range transactionMessages(record, now) {
			e.notifier.Publish(message)
		}
	}
	if goal != nil && goal.Changed() {
		e.notifier.Publish(goalMessage(*goal, now))
	}
}

func (e *Engine) invalidate(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	release, err := e.cacheLocks.Acquire(ctx, userID)
	if err != nil {
		return
	}
	defer release()
	e.generation(userID).Add(1)
	if err := e.cache.Invalidate(ctx, userID); err != nil {
		e.logger.Warn("summary cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (e *Engine) generation(userID string) *atomic.Uint64 {
	counter, _ := e.generations.LoadOrStore(userID, new(atomic.Uint64))
	return counter.(*atomic.Uint64)
}

func mergeSorted(left, right []string) []string {
	merged := make([]string, 0, len(left)+len(right))
	i, j := 0, 0
	for i < len(left) || j < len(right) {
		var next string
		switch {
		case j >= len(right) || (i < len(left) && left[i] < right[j]):
			next = left[i]
			i++
		case i >= len(left) || right[j] < left[i]:
			next = right[j]
			j++
		default:
			next = left[i]
			i++
			j++
		}
		if len(merged) == 0 || merged[len(merged)-1] != next {
			merged = append(merged, next)
		}
	}
	return merged
}
