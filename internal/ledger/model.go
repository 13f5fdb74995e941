package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEvent indicates that an event is missing required fields.
	ErrInvalidEvent = errors.New("ledger: invalid event")
)

// UserXpState is the authoritative per-user scoring state. Only the ledger
// writes it.
type UserXpState struct {
	UserID                  string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CurrentXP               int    `gorm:"column:current_xp;not null;default:0"`
	Badge                   string `gorm:"column:badge;size:64;not null;default:''"`
	LastActivityAtSeconds   int64  `gorm:"column:last_activity_at_s;not null;default:0"`
	StreakCount             int    `gorm:"column:streak_count;not null;default:0"`
	ComboWindowStartSeconds int64  `gorm:"column:combo_window_start_s;not null;default:0"`
	ComboCount              int    `gorm:"column:combo_count;not null;default:0"`
	Revision                int64  `gorm:"column:revision;not null;default:0"`
	CreatedAtSeconds        int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds        int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserXpState) TableName() string {
	return "user_xp_states"
}

// XpTransaction is the append-only audit record produced for every applied event.
type XpTransaction struct {
	TransactionID     string             `gorm:"column:transaction_id;primaryKey;size:64;not null"`
	UserID            string             `gorm:"column:user_id;size:190;not null;index:idx_xp_tx_user_time,priority:1;uniqueIndex:idx_xp_tx_event_key,priority:1"`
	EventKey          *string            `gorm:"column:event_key;size:190;uniqueIndex:idx_xp_tx_event_key,priority:2"`
	Kind              scoring.EventKind  `gorm:"column:kind;size:64;not null;index"`
	Difficulty        scoring.Difficulty `gorm:"column:difficulty;size:16;not null;default:''"`
	Count             int                `gorm:"column:unit_count;not null;default:1"`
	BaseXP            int                `gorm:"column:base_xp;not null"`
	AdjustedXP        int                `gorm:"column:adjusted_xp;not null"`
	ScalingMultiplier float64            `gorm:"column:scaling_multiplier;not null"`
	ComboCount        int                `gorm:"column:combo_count;not null;default:0"`
	ComboBonusXP      int                `gorm:"column:combo_bonus_xp;not null;default:0"`
	ComboMultiplier   float64            `gorm:"column:combo_multiplier;not null;default:1"`
	FinalDeltaXP      int                `gorm:"column:final_delta_xp;not null"`
	PreviousTotalXP   int                `gorm:"column:previous_total_xp;not null"`
	ResultingTotalXP  int                `gorm:"column:resulting_total_xp;not null"`
	PreviousBadge     string             `gorm:"column:previous_badge;size:64;not null"`
	ResultingBadge    string             `gorm:"column:resulting_badge;size:64;not null"`
	TierChanged       bool               `gorm:"column:tier_changed;not null;default:false"`
	Revision          int64              `gorm:"column:revision;not null"`
	OccurredAtSeconds int64              `gorm:"column:occurred_at_s;not null;index:idx_xp_tx_user_time,priority:2"`
	AppliedAtSeconds  int64              `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (XpTransaction) TableName() string {
	return "xp_transactions"
}

// Key returns the idempotency key or an empty string.
func (t XpTransaction) Key() string {
	if t.EventKey == nil {
		return ""
	}
	return *t.EventKey
}

// Event is one scoring trigger reported by a collaborator. It is consumed once.
type Event struct {
	UserID     string
	Kind       scoring.EventKind
	Difficulty scoring.Difficulty
	// Count multiplies per-unit kinds such as unfinished todos.
	Count int
	// Key is the collaborator's idempotency key. Events with the same key for
	// the same user are rejected with ErrDuplicateEvent.
	Key        string
	OccurredAt time.Time
}

func (e Event) normalized() (Event, error) {
	e.UserID = strings.TrimSpace(e.UserID)
	e.Key = strings.TrimSpace(e.Key)
	if e.UserID == "" {
		return Event{}, fmt.Errorf("%w: empty user id", ErrInvalidEvent)
	}
	if len(e.UserID) > maxIdentifierLength {
		return Event{}, fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidEvent, maxIdentifierLength)
	}
	if len(e.Key) > maxIdentifierLength {
		return Event{}, fmt.Errorf("%w: event key exceeds %d characters", ErrInvalidEvent, maxIdentifierLength)
	}
	if e.Count <= 0 {
		e.Count = 1
	}
	return e, nil
}
