package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
)

// applyToState computes the next state and the audit record for one event.
// It is pure; persistence and locking belong to Ledger.ApplyEvent.
func applyToState(state UserXpState, event Event, rules *scoring.Ruleset, appliedAt time.Time) (UserXpState, XpTransaction, error) {
	baseXP, err := rules.BaseXP(event.Kind, event.Difficulty, event.Count)
	if err != nil {
		return UserXpState{}, XpTransaction{}, err
	}

	occurredAt := event.OccurredAt.UTC()
	tiers := rules.Tiers()
	previousBadge := tiers.TierFor(state.CurrentXP).Name

	record := XpTransaction{
		UserID:            event.UserID,
		Kind:              event.Kind,
		Difficulty:        event.Difficulty,
		Count:             event.Count,
		BaseXP:            baseXP,
		AdjustedXP:        baseXP,
		ScalingMultiplier: 1,
		ComboMultiplier:   1,
		FinalDeltaXP:      baseXP,
		PreviousTotalXP:   state.CurrentXP,
		PreviousBadge:     previousBadge,
		OccurredAtSeconds: occurredAt.Unix(),
		AppliedAtSeconds:  appliedAt.Unix(),
	}
	if event.Key != "" {
		key := event.Key
		record.EventKey = &key
	}

	updated := state
	if event.Kind.Scaled() && baseXP > 0 {
		scaled := rules.Scale(baseXP, state.CurrentXP)
		window := scoring.ComboWindow{
			Start: unixOrZero(state.ComboWindowStartSeconds),
			Count: state.ComboCount,
		}.Advance(occurredAt.Truncate(time.Second), rules.ComboWindow())
		combo := rules.Combo(scaled.AdjustedXP, window.Count)

		record.AdjustedXP = scaled.AdjustedXP
		record.ScalingMultiplier = scaled.Multiplier
		record.ComboCount = window.Count
		record.ComboBonusXP = combo.BonusXP
		record.ComboMultiplier = combo.Multiplier
		record.FinalDeltaXP = scaled.AdjustedXP + combo.BonusXP

		updated.ComboWindowStartSeconds = window.Start.Unix()
		updated.ComboCount = window.Count
		updated.StreakCount = nextStreak(state.LastActivityAtSeconds, state.StreakCount, occurredAt)
		updated.LastActivityAtSeconds = max(state.LastActivityAtSeconds, occurredAt.Unix())
	}

	updated.CurrentXP = max(0, state.CurrentXP+record.FinalDeltaXP)
	updated.Badge = tiers.TierFor(updated.CurrentXP).Name
	updated.Revision = state.Revision + 1
	updated.UpdatedAtSeconds = appliedAt.Unix()
	if updated.CreatedAtSeconds == 0 {
		updated.CreatedAtSeconds = appliedAt.Unix()
	}

	record.ResultingTotalXP = updated.CurrentXP
	record.ResultingBadge = updated.Badge
	record.TierChanged = record.ResultingBadge != record.PreviousBadge
	record.Revision = updated.Revision

	return updated, record, nil
}

// nextStreak counts consecutive UTC days with activity. Activity on the same
// day keeps the streak; a backdated event never breaks it.
func nextStreak(lastActivitySeconds int64, streak int, occurredAt time.Time) int {
	if lastActivitySeconds == 0 || streak <= 0 {
		return 1
	}
	lastDay := scoring.DayStart(time.Unix(lastActivitySeconds, 0))
	day := scoring.DayStart(occurredAt)
	switch {
	case !day.After(lastDay):
		return streak
	case day.Equal(lastDay.AddDate(0, 0, 1)):
		return streak + 1
	default:
		return 1
	}
}

func unixOrZero(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
