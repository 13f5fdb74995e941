package dailygoal

import "github.com/MarcoPoloResearchLab/codestreak/internal/scoring"

type transition struct {
	next       Status
	events     []goalEvent
	rolledOver bool
}

// observe handles a solve during the day. Only a pending day that reached the
// goal moves, to Achieved with the bonus.
func observe(record DailyGoalRecord, solved, goal int) transition {
	if record.Status != StatusPending || solved < goal {
		return transition{next: record.Status, rolledOver: record.RolledOver}
	}
	return transition{
		next:       StatusAchieved,
		events:     []goalEvent{{kind: scoring.KindDailyGoalBonus, key: bonusKey(record.DayKey), count: 1}},
		rolledOver: record.RolledOver,
	}
}

// closeDay handles the day boundary. A pending day resolves to Achieved when
// the goal was reached without its bonus landing, otherwise to Missed. The
// unfinished todo penalty is independent of the goal outcome. A day that was
// already rolled over produces nothing.
func closeDay(record DailyGoalRecord, solved, goal int) transition {
	if record.RolledOver {
		return transition{next: record.Status, rolledOver: true}
	}
	result := transition{next: record.Status, rolledOver: true}
	if record.Status == StatusPending {
		if solved >= goal {
			result.next = StatusAchieved
			result.events = append(result.events, goalEvent{kind: scoring.KindDailyGoalBonus, key: bonusKey(record.DayKey), count: 1})
		} else {
			result.next = StatusMissed
			result.events = append(result.events, goalEvent{kind: scoring.KindMissedDailyGoal, key: missedKey(record.DayKey), count: 1})
		}
	}
	if record.OutstandingTodos > 0 {
		result.events = append(result.events, goalEvent{
			kind:  scoring.KindUnfinishedTodoPenalty,
			key:   todosKey(record.DayKey),
			count: record.OutstandingTodos,
		})
	}
	return result
}

// ProjectedPenalty is the XP the day would cost if it closed now. It is zero
// or negative.
func ProjectedPenalty(record DailyGoalRecord, solved int, rules *scoring.Ruleset) int {
	if record.RolledOver {
		return 0
	}
	rewards := rules.Rewards()
	penalty := 0
	if record.Status == StatusPending && solved < rules.ProblemsPerDay() {
		penalty += rewards.MissedDailyGoal
	}
	if record.OutstandingTodos > 0 {
		penalty += rewards.UnfinishedTodoPenalty * record.OutstandingTodos
	}
	return penalty
}
