package scoring

import (
	"strings"
	"time"
)

// EventKind enumerates the scoring triggers collaborators may report.
type EventKind string

const (
	KindSolvedProblem         EventKind = "solved_problem"
	KindManualAction          EventKind = "manual_action"
	KindDailyGoalBonus        EventKind = "daily_goal_bonus"
	KindMissedDailyGoal       EventKind = "missed_daily_goal"
	KindUnfinishedTodoPenalty EventKind = "unfinished_todo_penalty"
	KindRegistrationBonus     EventKind = "registration_bonus"
)

// ParseEventKind normalizes raw input into a known kind.
func ParseEventKind(raw string) (EventKind, error) {
	kind := EventKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindSolvedProblem, KindManualAction, KindDailyGoalBonus,
		KindMissedDailyGoal, KindUnfinishedTodoPenalty, KindRegistrationBonus:
		return kind, nil
	default:
		return "", configurationError("event kind", "unknown kind %q", raw)
	}
}

// Scaled reports whether the kind runs through progressive scaling and the
// combo window. Fixed bonuses and penalties bypass both.
func (k EventKind) Scaled() bool {
	return k == KindSolvedProblem || k == KindManualAction
}

// Difficulty grades a solved problem.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty normalizes raw input. Empty input is allowed and resolves
// to the medium reward when scored.
func ParseDifficulty(raw string) (Difficulty, error) {
	difficulty := Difficulty(strings.ToLower(strings.TrimSpace(raw)))
	switch difficulty {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard:
		return difficulty, nil
	default:
		return "", configurationError("difficulty", "unknown difficulty %q", raw)
	}
}

// Rewards holds the base XP per event kind. Penalties are negative.
type Rewards struct {
	SolvedEasy            int `yaml:"solved_easy"`
	SolvedMedium          int `yaml:"solved_medium"`
	SolvedHard            int `yaml:"solved_hard"`
	ManualAction          int `yaml:"manual_action"`
	DailyGoalBonus        int `yaml:"daily_goal_bonus"`
	RegistrationBonus     int `yaml:"registration_bonus"`
	MissedDailyGoal       int `yaml:"missed_daily_goal"`
	UnfinishedTodoPenalty int `yaml:"unfinished_todo_penalty"`
}

// DailyGoalRules configure the once-per-day evaluation.
type DailyGoalRules struct {
	ProblemsPerDay int `yaml:"problems_per_day"`
}

// Rules is the plain, serializable form of the scoring configuration.
type Rules struct {
	Tiers     []BadgeTier    `yaml:"tiers"`
	Rewards   Rewards        `yaml:"rewards"`
	Scaling   ScalingRules   `yaml:"scaling"`
	Combo     ComboRules     `yaml:"combo"`
	DailyGoal DailyGoalRules `yaml:"daily_goal"`
}

// DefaultRules returns the production scoring constants.
func DefaultRules() Rules {
	return Rules{
		Tiers: []BadgeTier{
			{Name: "Novice", MinXP: 0, Color: "#9CA3AF", Description: "Just getting started"},
			{Name: "Apprentice", MinXP: 250, Color: "#34D399", Description: "Building a daily habit"},
			{Name: "Practitioner", MinXP: 750, Color: "#60A5FA", Description: "Solving problems with confidence"},
			{Name: "Specialist", MinXP: 1500, Color: "#A78BFA", Description: "Deep, focused practice"},
			{Name: "Expert", MinXP: 3000, Color: "#F59E0B", Description: "Consistently tackling hard problems"},
			{Name: "Master", MinXP: 5000, Color: "#EF4444", Description: "Top of the practice ladder"},
		},
		Rewards: Rewards{
			SolvedEasy:            50,
			SolvedMedium:          80,
			SolvedHard:            120,
			ManualAction:          10,
			DailyGoalBonus:        60,
			RegistrationBonus:     80,
			MissedDailyGoal:       -40,
			UnfinishedTodoPenalty: -10,
		},
		Scaling: ScalingRules{
			Interval:      900,
			Decrement:     0.10,
			MinMultiplier: 0.45,
		},
		Combo: ComboRules{
			BonusStep:          0.18,
			MaxBonusMultiplier: 0.75,
			WindowMinutes:      30,
		},
		DailyGoal: DailyGoalRules{
			ProblemsPerDay: 3,
		},
	}
}

// Ruleset is the validated, read-only form of Rules shared by the ledger and
// the daily goal evaluator.
type Ruleset struct {
	tiers     TierTable
	rewards   Rewards
	scaling   ScalingRules
	combo     ComboRules
	dailyGoal DailyGoalRules
}

// Compile validates rules and freezes them.
func Compile(rules Rules) (*Ruleset, error) {
	tiers, err := NewTierTable(rules.Tiers)
	if err != nil {
		return nil, err
	}
	if rules.Scaling.Interval <= 0 {
		return nil, configurationError("scaling.interval", "must be positive, got %d", rules.Scaling.Interval)
	}
	if rules.Scaling.Decrement < 0 {
		return nil, configurationError("scaling.decrement", "must not be negative, got %v", rules.Scaling.Decrement)
	}
	if rules.Scaling.MinMultiplier <= 0 || rules.Scaling.MinMultiplier > 1 {
		return nil, configurationError("scaling.min_multiplier", "must be in (0, 1], got %v", rules.Scaling.MinMultiplier)
	}
	if rules.Combo.BonusStep < 0 || rules.Combo.MaxBonusMultiplier < 0 {
		return nil, configurationError("combo", "bonus step and cap must not be negative")
	}
	if rules.Combo.WindowMinutes <= 0 {
		return nil, configurationError("combo.window_minutes", "must be positive, got %d", rules.Combo.WindowMinutes)
	}
	if rules.DailyGoal.ProblemsPerDay <= 0 {
		return nil, configurationError("daily_goal.problems_per_day", "must be positive, got %d", rules.DailyGoal.ProblemsPerDay)
	}
	if rules.Rewards.MissedDailyGoal > 0 || rules.Rewards.UnfinishedTodoPenalty > 0 {
		return nil, configurationError("rewards", "penalties must not be positive")
	}
	return &Ruleset{
		tiers:     tiers,
		rewards:   rules.Rewards,
		scaling:   rules.Scaling,
		combo:     rules.Combo,
		dailyGoal: rules.DailyGoal,
	}, nil
}

// MustCompile is Compile for constant inputs such as DefaultRules.
func MustCompile(rules Rules) *Ruleset {
	ruleset, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return ruleset
}

// Tiers returns the badge table.
func (r *Ruleset) Tiers() TierTable {
	return r.tiers
}

// ComboWindow returns the rolling window length.
func (r *Ruleset) ComboWindow() time.Duration {
	return r.combo.Window()
}

// ProblemsPerDay is the daily goal target.
func (r *Ruleset) ProblemsPerDay() int {
	return r.dailyGoal.ProblemsPerDay
}

// Rewards returns a copy of the reward table.
func (r *Ruleset) Rewards() Rewards {
	return r.rewards
}

// BaseXP resolves the unscaled award for one event. count multiplies per-unit
// kinds and is treated as 1 when not positive.
func (r *Ruleset) BaseXP(kind EventKind, difficulty Difficulty, count int) (int, error) {
	switch kind {
	case KindSolvedProblem:
		switch difficulty {
		case DifficultyEasy:
			return r.rewards.SolvedEasy, nil
		case DifficultyMedium, "":
			return r.rewards.SolvedMedium, nil
		case DifficultyHard:
			return r.rewards.SolvedHard, nil
		default:
			return 0, configurationError("difficulty", "unknown difficulty %q", difficulty)
		}
	case KindManualAction:
		return r.rewards.ManualAction, nil
	case KindDailyGoalBonus:
		return r.rewards.DailyGoalBonus, nil
	case KindRegistrationBonus:
		return r.rewards.RegistrationBonus, nil
	case KindMissedDailyGoal:
		return r.rewards.MissedDailyGoal, nil
	case KindUnfinishedTodoPenalty:
		return r.rewards.UnfinishedTodoPenalty * max(count, 1), nil
	default:
		return 0, configurationError("event kind", "unknown kind %q", kind)
	}
}

// Scale applies progressive scaling with the configured curve.
func (r *Ruleset) Scale(baseXP, currentXP int) ScalingResult {
	return ApplyProgressiveScaling(baseXP, currentXP, r.scaling)
}

// Combo applies the combo bonus with the configured step and cap.
func (r *Ruleset) Combo(adjustedXP, comboCount int) ComboResult {
	return CalculateComboBonus(adjustedXP, comboCount, r.combo)
}
