package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrTransientStorage marks failures the caller should retry with backoff.
	// Nothing was persisted when it is returned.
	ErrTransientStorage = errors.New("ledger: transient storage error")
	// ErrDuplicateEvent marks an event whose key was already applied for the user.
	ErrDuplicateEvent = errors.New("ledger: duplicate event")
)

const pgUniqueViolation = "23505"

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

const (
	opLedgerNew         = "ledger.new"
	opApplyEvent        = "ledger.apply_event"
	opLoadState         = "ledger.load_state"
	opListTransactions  = "ledger.list_transactions"
	opCountEvents       = "ledger.count_events"
	opUsersWithActivity = "ledger.users_with_activity"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// transient tags a storage failure so errors.Is(err, ErrTransientStorage) holds
// while the original cause stays reachable.
func transient(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransientStorage, cause)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
