package dailygoal

import (
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
)

// Status is the per-day goal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAchieved Status = "achieved"
	StatusMissed   Status = "missed"
)

// Terminal reports whether no further goal transition can happen for the day.
func (s Status) Terminal() bool {
	return s == StatusAchieved || s == StatusMissed
}

// DailyGoalRecord tracks one user's goal for one UTC day.
type DailyGoalRecord struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DayKey            string `gorm:"column:day_key;primaryKey;size:10;not null"`
	Status            Status `gorm:"column:status;size:16;not null;default:'pending'"`
	OutstandingTodos  int    `gorm:"column:outstanding_todos;not null;default:0"`
	RolledOver        bool   `gorm:"column:rolled_over;not null;default:false"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null;default:0"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (DailyGoalRecord) TableName() string {
	return "daily_goal_records"
}

// Decision describes the outcome of evaluating a day.
type Decision struct {
	UserID           string
	DayKey           string
	PreviousStatus   Status
	Status           Status
	SolvedCount      int
	Goal             int
	OutstandingTodos int
	RolledOver       bool
	// Transactions holds the ledger records applied by this call, in order.
	Transactions []ledger.XpTransaction
}

// Changed reports whether the goal status moved during this evaluation.
func (d Decision) Changed() bool {
	return d.PreviousStatus != d.Status
}

// goalEvent is one ledger effect a transition requires.
type goalEvent struct {
	kind  scoring.EventKind
	key   string
	count int
}

func bonusKey(dayKey string) string {
	return "daily-goal:" + dayKey + ":bonus"
}

func missedKey(dayKey string) string {
	return "daily-goal:" + dayKey + ":missed"
}

func todosKey(dayKey string) string {
	return "daily-goal:" + dayKey + ":todos"
}
