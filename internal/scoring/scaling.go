package scoring

import "math"

// minimumAward keeps every qualifying event visible on the progress bar.
const minimumAward = 5

// ScalingRules tune the diminishing-returns curve.
type ScalingRules struct {
	Interval      int     `yaml:"interval"`
	Decrement     float64 `yaml:"decrement"`
	MinMultiplier float64 `yaml:"min_multiplier"`
}

// ScalingResult is the outcome of ApplyProgressiveScaling.
type ScalingResult struct {
	AdjustedXP int
	Multiplier float64
}

// ApplyProgressiveScaling reduces baseXP by one decrement per interval of XP
// the user already holds, never below the minimum multiplier. A zero base
// stays zero; any positive base yields at least minimumAward.
func ApplyProgressiveScaling(baseXP, currentXP int, rules ScalingRules) ScalingResult {
	if baseXP <= 0 {
		return ScalingResult{AdjustedXP: 0, Multiplier: 0}
	}
	tier := 0
	if rules.Interval > 0 && currentXP > 0 {
		tier = currentXP / rules.Interval
	}
	multiplier := max(rules.MinMultiplier, 1-float64(tier)*rules.Decrement)
	adjusted := int(math.Round(float64(baseXP) * multiplier))
	return ScalingResult{
		AdjustedXP: max(minimumAward, adjusted),
		Multiplier: multiplier,
	}
}
