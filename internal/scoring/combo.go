package scoring

import (
	"math"
	"time"
)

// ComboRules tune the session-streak bonus.
type ComboRules struct {
	BonusStep          float64 `yaml:"bonus_step"`
	MaxBonusMultiplier float64 `yaml:"max_bonus_multiplier"`
	WindowMinutes      int     `yaml:"window_minutes"`
}

// Window is the rolling window length.
func (r ComboRules) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// ComboResult is the outcome of CalculateComboBonus. Multiplier is 1 plus the
// applied bonus fraction.
type ComboResult struct {
	BonusXP    int
	Multiplier float64
}

// CalculateComboBonus rewards the comboCount-th qualifying event inside the
// window. The bonus fraction grows by BonusStep per extra event and is capped
// at MaxBonusMultiplier.
func CalculateComboBonus(adjustedXP, comboCount int, rules ComboRules) ComboResult {
	if adjustedXP <= 0 || comboCount <= 1 {
		return ComboResult{BonusXP: 0, Multiplier: 1}
	}
	bonus := min(rules.BonusStep*float64(comboCount-1), rules.MaxBonusMultiplier)
	bonus = max(bonus, 0)
	return ComboResult{
		BonusXP:    int(math.Round(float64(adjustedXP) * bonus)),
		Multiplier: 1 + bonus,
	}
}

// ComboWindow is the per-user rolling window state owned by the ledger.
type ComboWindow struct {
	Start time.Time
	Count int
}

// Advance registers a qualifying event at occurredAt. The window restarts
// when it was never opened or when occurredAt is more than window past its
// start; otherwise the count grows.
func (w ComboWindow) Advance(occurredAt time.Time, window time.Duration) ComboWindow {
	if w.Start.IsZero() || w.Count <= 0 || occurredAt.Sub(w.Start) > window || occurredAt.Before(w.Start) {
		return ComboWindow{Start: occurredAt, Count: 1}
	}
	return ComboWindow{Start: w.Start, Count: w.Count + 1}
}
