package gamification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/cache"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"go.uber.org/zap"
)

// Summary is the read model rendered for UI collaborators.
type Summary struct {
	UserID           string             `json:"userId"`
	Day              string             `json:"day"`
	XP               int                `json:"xp"`
	BadgeTier        scoring.BadgeTier  `json:"badgeTier"`
	NextBadge        *scoring.BadgeTier `json:"nextBadge"`
	XPToNext         int                `json:"xpToNext"`
	ProgressToNext   float64            `json:"progressToNext"`
	Streak           int                `json:"streak"`
	Today            TodayBreakdown     `json:"today"`
	OutstandingTodos int                `json:"outstandingTodos"`
	ProjectedPenalty int                `json:"projectedPenalty"`
	Suggestions      []string           `json:"suggestions"`
	Revision         int64              `json:"revision"`
}

// TodayBreakdown splits the current UTC day's XP by sign and kind.
type TodayBreakdown struct {
	PositiveXP  int                       `json:"positiveXp"`
	NegativeXP  int                       `json:"negativeXp"`
	ByKind      map[scoring.EventKind]int `json:"byKind"`
	SolvedCount int                       `json:"solvedCount"`
	Goal        int                       `json:"goal"`
	GoalStatus  dailygoal.Status          `json:"goalStatus"`
}

// Summary returns the user's gamification summary for the current UTC day,
// served from the cache when a fresh copy exists.
func (e *Engine) Summary(ctx context.Context, userID string) (Summary, error) {
	if userID == "" {
		return Summary{}, fmt.Errorf("%w: empty user id", ledger.ErrInvalidEvent)
	}
	now := e.clock().UTC()
	dayKey := scoring.DayKey(now)

	if cached, err := e.cache.Get(ctx, userID, dayKey); err == nil {
		var summary Summary
		if decodeErr := json.Unmarshal(cached, &summary); decodeErr == nil {
			return summary, nil
		}
		e.logger.Warn("discarding undecodable cached summary", zap.String("user_id", userID))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("summary cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	generation := e.generation(userID).Load()
	summary, err := e.buildSummary(ctx, userID, now)
	if err != nil {
		return Summary{}, err
	}
	e.storeSummary(ctx, summary, generation)
	return summary, nil
}

// storeSummary caches summary unless the user's state changed since it was
// built; the next read then rebuilds from the committed state.
func (e *Engine) storeSummary(ctx context.Context, summary Summary, generation uint64) {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return
	}
	release, err := e.cacheLocks.Acquire(ctx, summary.UserID)
	if err != nil {
		return
	}
	defer release()
	if e.generation(summary.UserID).Load() != generation {
		e.logger.Debug("skipping cache write for superseded summary",
			zap.String("user_id", summary.UserID),
			zap.Int64("revision", summary.Revision))
		return
	}
	if err := e.cache.Set(ctx, summary.UserID, summary.Day, encoded); err != nil {
		e.logger.Warn("summary cache write failed", zap.String("user_id", summary.UserID), zap.Error(err))
	}
}

func (e *Engine) buildSummary(ctx context.Context, userID string, now time.Time) (Summary, error) {
	dayKey := scoring.DayKey(now)
	dayStart := scoring.DayStart(now)

	state, _, err := e.ledger.State(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	todays, err := e.ledger.ListTransactions(ctx, userID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return Summary{}, err
	}
	record, err := e.goals.Record(ctx, userID, dayKey)
	if err != nil {
		return Summary{}, err
	}

	tiers := e.rules.Tiers()
	summary := Summary{
		UserID:           userID,
		Day:              dayKey,
		XP:               state.CurrentXP,
		BadgeTier:        tiers.TierFor(state.CurrentXP),
		ProgressToNext:   tiers.Progress(state.CurrentXP),
		Streak:           liveStreak(state, now),
		OutstandingTodos: record.OutstandingTodos,
		Revision:         state.Revision,
	}
	if next, ok := tiers.NextTierAfter(state.CurrentXP); ok {
		summary.NextBadge = &next
		summary.XPToNext = next.MinXP - state.CurrentXP
	}
	summary.Today = breakdown(todays, record, e.rules.ProblemsPerDay())
	summary.ProjectedPenalty = dailygoal.ProjectedPenalty(record, summary.Today.SolvedCount, e.rules)
	summary.Suggestions = suggestions(summary, e.rules)
	return summary, nil
}

func breakdown(records []ledger.XpTransaction, record dailygoal.DailyGoalRecord, goal int) TodayBreakdown {
	today := TodayBreakdown{
		ByKind:     make(map[scoring.EventKind]int),
		Goal:       goal,
		GoalStatus: record.Status,
	}
	for _, tx := range records {
		delta := tx.ResultingTotalXP - tx.PreviousTotalXP
		if delta >= 0 {
			today.PositiveXP += delta
		} else {
			today.NegativeXP += delta
		}
		today.ByKind[tx.Kind] += delta
		if tx.Kind == scoring.KindSolvedProblem {
			today.SolvedCount++
		}
	}
	return today
}

// liveStreak hides a streak that already lapsed: the stored counter only
// resets on the next scaled event.
func liveStreak(state ledger.UserXpState, now time.Time) int {
	if state.LastActivityAtSeconds == 0 {
		return 0
	}
	lastDay := scoring.DayStart(time.Unix(state.LastActivityAtSeconds, 0))
	if scoring.DayStart(now).Sub(lastDay) > 24*time.Hour {
		return 0
	}
	return state.StreakCount
}

func suggestions(summary Summary, rules *scoring.Ruleset) []string {
	rewards := rules.Rewards()
	var out []string
	remaining := summary.Today.Goal - summary.Today.SolvedCount
	if summary.Today.GoalStatus == dailygoal.StatusPending && remaining > 0 {
		out = append(out, fmt.Sprintf("Solve %d more %s today to earn the +%d XP daily goal bonus.",
			remaining, plural(remaining, "problem", "problems"), rewards.DailyGoalBonus))
	}
	if summary.OutstandingTodos > 0 {
		out = append(out, fmt.Sprintf("Finish %d outstanding %s to avoid %d XP at the end of the day.",
			summary.OutstandingTodos, plural(summary.OutstandingTodos, "todo", "todos"),
			rewards.UnfinishedTodoPenalty*summary.OutstandingTodos))
	}
	if summary.Streak > 0 && !activeToday(summary.Today) {
		out = append(out, fmt.Sprintf("Solve a problem today to keep your %d-day streak.", summary.Streak))
	}
	if summary.NextBadge != nil {
		out = append(out, fmt.Sprintf("Earn %d more XP to reach %s.", summary.XPToNext, summary.NextBadge.Name))
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func activeToday(today TodayBreakdown) bool {
	_, solved := today.ByKind[scoring.KindSolvedProblem]
	_, manual := today.ByKind[scoring.KindManualAction]
	return solved || manual
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
