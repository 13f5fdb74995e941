package dailygoal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/keylock"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidInput covers malformed user ids, day keys and todo counts.
	ErrInvalidInput = errors.New("dailygoal: invalid input")
	// ErrDayClosed is returned when mutating a day that was already rolled over.
	ErrDayClosed = errors.New("dailygoal: day already closed")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("ledger is required")
	errMissingRules    = errors.New("scoring rules are required")
)

const (
	opEvaluatorNew   = "dailygoal.new"
	opObserveSolve   = "dailygoal.observe_solve"
	opSetOutstanding = "dailygoal.set_outstanding"
	opCloseDay       = "dailygoal.close_day"
	opLoadRecord     = "dailygoal.load_record"
	opOpenUsers      = "dailygoal.open_users"

	queryUserDay = "user_id = ? AND day_key = ?"
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func transient(cause error) error {
	return fmt.Errorf("%w: %w", ledger.ErrTransientStorage, cause)
}

// Ledger is the subset of the XP ledger the evaluator drives.
type Ledger interface {
	ApplyEvent(ctx context.Context, event ledger.Event) (ledger.XpTransaction, error)
	CountEvents(ctx context.Context, userID string, kind scoring.EventKind, from, to time.Time) (int, error)
}

type Config struct {
	Database *gorm.DB
	Ledger   Ledger
	Rules    *scoring.Ruleset
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Evaluator runs the per user, per UTC day goal state machine. Every XP effect
// goes through the ledger under a deterministic event key, so retries and
// concurrent callers never apply a bonus or penalty twice.
type Evaluator struct {
	db     *gorm.DB
	ledger Ledger
	rules  *scoring.Ruleset
	clock  func() time.Time
	logger *zap.Logger
	locks  *keylock.Locker
}

func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEvaluatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opEvaluatorNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Rules == nil {
		return nil, newServiceError(opEvaluatorNew, "missing_rules", errMissingRules)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		db:     cfg.Database,
		ledger: cfg.Ledger,
		rules:  cfg.Rules,
		clock:  clock,
		logger: logger,
		locks:  keylock.New(),
	}, nil
}

// ObserveSolve re-evaluates the day of occurredAt after a solved problem was
// applied. When the goal is reached the bonus is applied once.
func (e *Evaluator) ObserveSolve(ctx context.Context, userID string, occurredAt time.Time) (Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Decision{}, newServiceError(opObserveSolve, "missing_user_id", fmt.Errorf("%w: empty user id", ErrInvalidInput))
	}
	dayKey := scoring.DayKey(occurredAt)
	return e.evaluate(ctx, opObserveSolve, userID, dayKey, func(record DailyGoalRecord, solved int) (transition, time.Time) {
		return observe(record, solved, e.rules.ProblemsPerDay()), occurredAt.UTC()
	})
}

// CloseDay resolves a day at its boundary. It is idempotent: a day that was
// already rolled over is returned unchanged.
func (e *Evaluator) CloseDay(ctx context.Context, userID, dayKey string) (Decision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Decision{}, newServiceError(opCloseDay, "missing_user_id", fmt.Errorf("%w: empty user id", ErrInvalidInput))
	}
	_, end, err := scoring.DayBounds(dayKey)
	if err != nil {
		return Decision{}, newServiceError(opCloseDay, "invalid_day", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}
	return e.evaluate(ctx, opCloseDay, userID, dayKey, func(record DailyGoalRecord, solved int) (transition, time.Time) {
		return closeDay(record, solved, e.rules.ProblemsPerDay()), end.Add(-time.Second)
	})
}

func (e *Evaluator) evaluate(
	ctx context.Context,
	operation, userID, dayKey string,
	decide func(record DailyGoalRecord, solved int) (transition, time.Time),
) (Decision, error) {
	start, end, err := scoring.DayBounds(dayKey)
	if err != nil {
		return Decision{}, newServiceError(operation, "invalid_day", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	release, err := e.locks.Acquire(ctx, lockKey(userID, dayKey))
	if err != nil {
		return Decision{}, newServiceError(operation, "lock_wait_failed", transient(err))
	}
	defer release()

	record, err := e.load(ctx, userID, dayKey)
	if err != nil {
		e.logFailure(zapcore.WarnLevel, operation, "record_load_failed", err, zap.String("user_id", userID), zap.String("day_key", dayKey))
		return Decision{}, newServiceError(operation, "record_load_failed", transient(err))
	}

	decision := Decision{
		UserID:           userID,
		DayKey:           dayKey,
		PreviousStatus:   record.Status,
		Status:           record.Status,
		Goal:             e.rules.ProblemsPerDay(),
		OutstandingTodos: record.OutstandingTodos,
		RolledOver:       record.RolledOver,
	}
	if record.RolledOver {
		return decision, nil
	}

	solved, err := e.ledger.CountEvents(ctx, userID, scoring.KindSolvedProblem, start, end)
	if err != nil {
		return Decision{}, newServiceError(operation, "count_failed", err)
	}
	decision.SolvedCount = solved

	next, effectiveAt := decide(record, solved)
	if next.next == record.Status && next.rolledOver == record.RolledOver && len(next.events) == 0 {
		return decision, nil
	}

	for _, effect := range next.events {
		applied, err := e.ledger.ApplyEvent(ctx, ledger.Event{
			UserID:     userID,
			Kind:       effect.kind,
			Count:      effect.count,
			Key:        effect.key,
			OccurredAt: effectiveAt,
		})
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			continue
		}
		if err != nil {
			e.logFailure(zapcore.WarnLevel, operation, "ledger_apply_failed", err,
				zap.String("user_id", userID),
				zap.String("day_key", dayKey),
				zap.String("event_key", effect.key))
			return Decision{}, newServiceError(operation, "ledger_apply_failed", err)
		}
		decision.Transactions = append(decision.Transactions, applied)
	}

	now := e.clock().UTC().Unix()
	record.Status = next.next
	record.RolledOver = next.rolledOver
	record.UpdatedAtSeconds = now
	if record.Status.Terminal() && record.ResolvedAtSeconds == 0 {
		record.ResolvedAtSeconds = now
	}
	if err := e.save(ctx, &record); err != nil {
		e.logFailure(zapcore.WarnLevel, operation, "record_save_failed", err, zap.String("user_id", userID), zap.String("day_key", dayKey))
		return Decision{}, newServiceError(operation, "record_save_failed", transient(err))
	}

	decision.Status = record.Status
	decision.RolledOver = record.RolledOver
	if decision.Changed() {
		e.logger.Info("daily goal resolved",
			zap.String("user_id", userID),
			zap.String("day_key", dayKey),
			zap.String("status", string(decision.Status)),
			zap.Int("solved_count", solved))
	}
	return decision, nil
}

// SetOutstanding records how many todos are open for the day. The count feeds
// the projected penalty and the rollover.
func (e *Evaluator) SetOutstanding(ctx context.Context, userID, dayKey string, outstanding int) (DailyGoalRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "missing_user_id", fmt.Errorf("%w: empty user id", ErrInvalidInput))
	}
	if outstanding < 0 {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "invalid_count", fmt.Errorf("%w: outstanding todos must not be negative", ErrInvalidInput))
	}
	if _, _, err := scoring.DayBounds(dayKey); err != nil {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "invalid_day", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	release, err := e.locks.Acquire(ctx, lockKey(userID, dayKey))
	if err != nil {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "lock_wait_failed", transient(err))
	}
	defer release()

	record, err := e.load(ctx, userID, dayKey)
	if err != nil {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "record_load_failed", transient(err))
	}
	if record.RolledOver {
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "day_closed", ErrDayClosed)
	}
	record.OutstandingTodos = outstanding
	record.UpdatedAtSeconds = e.clock().UTC().Unix()
	if err := e.save(ctx, &record); err != nil {
		e.logFailure(zapcore.WarnLevel, opSetOutstanding, "record_save_failed", err, zap.String("user_id", userID), zap.String("day_key", dayKey))
		return DailyGoalRecord{}, newServiceError(opSetOutstanding, "record_save_failed", transient(err))
	}
	return record, nil
}

// Record returns the stored record for a day, or a fresh pending one.
func (e *Evaluator) Record(ctx context.Context, userID, dayKey string) (DailyGoalRecord, error) {
	record, err := e.load(ctx, userID, dayKey)
	if err != nil {
		e.logFailure(zapcore.ErrorLevel, opLoadRecord, "query_failed", err, zap.String("user_id", userID), zap.String("day_key", dayKey))
		return DailyGoalRecord{}, newServiceError(opLoadRecord, "query_failed", transient(err))
	}
	return record, nil
}

// OpenUsers lists users with a record for dayKey that was not rolled over yet.
func (e *Evaluator) OpenUsers(ctx context.Context, dayKey string) ([]string, error) {
	var userIDs []string
	if err := e.db.WithContext(ctx).
		Model(&DailyGoalRecord{}).
		Where("day_key = ? AND rolled_over = ?", dayKey, false).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		e.logFailure(zapcore.ErrorLevel, opOpenUsers, "query_failed", err, zap.String("day_key", dayKey))
		return nil, newServiceError(opOpenUsers, "query_failed", transient(err))
	}
	return userIDs, nil
}

// Rules exposes the ruleset the evaluator applies.
func (e *Evaluator) Rules() *scoring.Ruleset {
	return e.rules
}

func (e *Evaluator) load(ctx context.Context, userID, dayKey string) (DailyGoalRecord, error) {
	var record DailyGoalRecord
	err := e.db.WithContext(ctx).Where(queryUserDay, userID, dayKey).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DailyGoalRecord{UserID: userID, DayKey: dayKey, Status: StatusPending}, nil
	}
	if err != nil {
		return DailyGoalRecord{}, err
	}
	return record, nil
}

func (e *Evaluator) save(ctx context.Context, record *DailyGoalRecord) error {
	return e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "day_key"}},
			UpdateAll: true,
		}).
		Create(record).Error
}

func (e *Evaluator) logFailure(level zapcore.Level, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	if entry := e.logger.Check(level, "daily goal error"); entry != nil {
		entry.Write(attrs...)
	}
}

func lockKey(userID, dayKey string) string {
	return userID + "|" + dayKey
}
