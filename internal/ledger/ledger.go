package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/keylock"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingRules      = errors.New("scoring rules are required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	queryUserID        = "user_id = ?"
	queryUserEventKey  = "user_id = ? AND event_key = ?"
	queryOccurredRange = "occurred_at_s >= ? AND occurred_at_s < ?"
	orderByOccurrence  = "occurred_at_s ASC, revision ASC"
)

type Config struct {
	Database   *gorm.DB
	Rules      *scoring.Ruleset
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Ledger is the single writer of UserXpState. Events for one user are applied
// one at a time; events for different users run in parallel.
type Ledger struct {
	db     *gorm.DB
	rules  *scoring.Ruleset
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
	locks  *keylock.Locker
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Rules == nil {
		return nil, newServiceError(opLedgerNew, "missing_rules", errMissingRules)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLedgerNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:     cfg.Database,
		rules:  cfg.Rules,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
		locks:  keylock.New(),
	}, nil
}

// Rules returns the ruleset the ledger scores with.
func (l *Ledger) Rules() *scoring.Ruleset {
	return l.rules
}

// ApplyEvent scores one event and persists the new state together with its
// transaction record. On error nothing is persisted.
func (l *Ledger) ApplyEvent(ctx context.Context, event Event) (XpTransaction, error) {
	normalized, err := event.normalized()
	if err != nil {
		return XpTransaction{}, newServiceError(opApplyEvent, "invalid_event", err)
	}
	if _, err := l.rules.BaseXP(normalized.Kind, normalized.Difficulty, normalized.Count); err != nil {
		l.logFailure(zapcore.ErrorLevel, opApplyEvent, "unknown_event", err,
			zap.String("user_id", normalized.UserID),
			zap.String("kind", string(normalized.Kind)))
		return XpTransaction{}, newServiceError(opApplyEvent, "unknown_event", err)
	}
	if normalized.OccurredAt.IsZero() {
		normalized.OccurredAt = l.clock().UTC()
	}

	release, err := l.locks.Acquire(ctx, normalized.UserID)
	if err != nil {
		l.logFailure(zapcore.WarnLevel, opApplyEvent, "lock_wait_failed", err, zap.String("user_id", normalized.UserID))
		return XpTransaction{}, newServiceError(opApplyEvent, "lock_wait_failed", transient(err))
	}
	defer release()

	appliedAt := l.clock().UTC()
	var applied XpTransaction
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if normalized.Key != "" {
			var existing int64
			if err := tx.Model(&XpTransaction{}).
				Where(queryUserEventKey, normalized.UserID, normalized.Key).
				Count(&existing).Error; err != nil {
				return newServiceError(opApplyEvent, "duplicate_lookup_failed", transient(err))
			}
			if existing > 0 {
				return newServiceError(opApplyEvent, "duplicate_event", ErrDuplicateEvent)
			}
		}

		state, err := loadStateForUpdate(tx, normalized.UserID)
		if err != nil {
			return newServiceError(opApplyEvent, "state_select_failed", transient(err))
		}

		updated, record, err := applyToState(state, normalized, l.rules, appliedAt)
		if err != nil {
			return newServiceError(opApplyEvent, "unknown_event", err)
		}

		transactionID, err := l.ids.NewID()
		if err != nil {
			return newServiceError(opApplyEvent, "id_generation_failed", err)
		}
		record.TransactionID = transactionID

		if err := tx.Save(&updated).Error; err != nil {
			return newServiceError(opApplyEvent, "state_save_failed", transient(err))
		}
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return newServiceError(opApplyEvent, "duplicate_event", ErrDuplicateEvent)
			}
			return newServiceError(opApplyEvent, "transaction_insert_failed", transient(err))
		}
		applied = record
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if !errors.As(txErr, &serviceErr) {
			txErr = newServiceError(opApplyEvent, "commit_failed", transient(txErr))
		}
		level := zapcore.WarnLevel
		if errors.Is(txErr, ErrDuplicateEvent) {
			level = zapcore.InfoLevel
		}
		l.logFailure(level, opApplyEvent, "apply_failed", txErr,
			zap.String("user_id", normalized.UserID),
			zap.String("kind", string(normalized.Kind)),
			zap.String("event_key", normalized.Key))
		return XpTransaction{}, txErr
	}

	l.logger.Debug("xp event applied",
		zap.String("user_id", applied.UserID),
		zap.String("kind", string(applied.Kind)),
		zap.Int("final_delta_xp", applied.FinalDeltaXP),
		zap.Int("resulting_total_xp", applied.ResultingTotalXP),
		zap.Int64("revision", applied.Revision))
	return applied, nil
}

func loadStateForUpdate(tx *gorm.DB, userID string) (UserXpState, error) {
	var state UserXpState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryUserID, userID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserXpState{UserID: userID}, nil
	}
	if err != nil {
		return UserXpState{}, err
	}
	return state, nil
}

// State returns the persisted state of a user. The boolean is false for users
// with no applied events yet.
func (l *Ledger) State(ctx context.Context, userID string) (UserXpState, bool, error) {
	if userID == "" {
		return UserXpState{}, false, newServiceError(opLoadState, "missing_user_id", errMissingUserID)
	}
	var state UserXpState
	err := l.db.WithContext(ctx).Where(queryUserID, userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserXpState{UserID: userID}, false, nil
	}
	if err != nil {
		l.logFailure(zapcore.ErrorLevel, opLoadState, "query_failed", err, zap.String("user_id", userID))
		return UserXpState{}, false, newServiceError(opLoadState, "query_failed", transient(err))
	}
	return state, true, nil
}

// ListTransactions returns a user's transactions that occurred in [from, to),
// oldest first.
func (l *Ledger) ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]XpTransaction, error) {
	if userID == "" {
		return nil, newServiceError(opListTransactions, "missing_user_id", errMissingUserID)
	}
	var records []XpTransaction
	if err := l.db.WithContext(ctx).
		Where(queryUserID, userID).
		Where(queryOccurredRange, from.Unix(), to.Unix()).
		Order(orderByOccurrence).
		Find(&records).Error; err != nil {
		l.logFailure(zapcore.ErrorLevel, opListTransactions, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListTransactions, "query_failed", transient(err))
	}
	return records, nil
}

// CountEvents counts a user's transactions of one kind that occurred in [from, to).
func (l *Ledger) CountEvents(ctx context.Context, userID string, kind scoring.EventKind, from, to time.Time) (int, error) {
	if userID == "" {
		return 0, newServiceError(opCountEvents, "missing_user_id", errMissingUserID)
	}
	var count int64
	if err := l.db.WithContext(ctx).
		Model(&XpTransaction{}).
		Where(queryUserID, userID).
		Where("kind = ?", kind).
		Where(queryOccurredRange, from.Unix(), to.Unix()).
		Count(&count).Error; err != nil {
		l.logFailure(zapcore.ErrorLevel, opCountEvents, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opCountEvents, "query_failed", transient(err))
	}
	return int(count), nil
}

// UsersWithActivity lists users with at least one transaction in [from, to).
func (l *Ledger) UsersWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	var userIDs []string
	if err := l.db.WithContext(ctx).
		Model(&XpTransaction{}).
		Where(queryOccurredRange, from.Unix(), to.Unix()).
		Distinct().
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		l.logFailure(zapcore.ErrorLevel, opUsersWithActivity, "query_failed", err)
		return nil, newServiceError(opUsersWithActivity, "query_failed", transient(err))
	}
	return userIDs, nil
}

func (l *Ledger) logFailure(level zapcore.Level, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
		if isContextError(err) {
			attrs = append(attrs, zap.Bool("context_done", true))
		}
	}
	attrs = append(attrs, fields...)
	if entry := l.logger.Check(level, "ledger error"); entry != nil {
		entry.Write(attrs...)
	}
}
