package scoring

// BadgeTier is a named rank unlocked once a user's XP reaches MinXP.
type BadgeTier struct {
	Name        string `yaml:"name" json:"name"`
	MinXP       int    `yaml:"min_xp" json:"minXp"`
	Color       string `yaml:"color" json:"color"`
	Description string `yaml:"description" json:"description"`
}

// TierTable is an immutable, ascending list of badge tiers.
type TierTable struct {
	tiers []BadgeTier
}

// NewTierTable validates the tiers and returns a table holding its own copy.
// The first tier must start at 0 and thresholds must strictly increase.
func NewTierTable(tiers []BadgeTier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, configurationError("tiers", "at least one tier is required")
	}
	if tiers[0].MinXP != 0 {
		return TierTable{}, configurationError("tiers", "first tier %q must have min_xp 0, got %d", tiers[0].Name, tiers[0].MinXP)
	}
	seen := make(map[string]bool, len(tiers))
	for index, tier := range tiers {
		if tier.Name == "" {
			return TierTable{}, configurationError("tiers", "tier at index %d has no name", index)
		}
		if seen[tier.Name] {
			return TierTable{}, configurationError("tiers", "duplicate tier name %q", tier.Name)
		}
		seen[tier.Name] = true
		if index > 0 && tier.MinXP <= tiers[index-1].MinXP {
			return TierTable{}, configurationError("tiers", "tier %q min_xp %d does not exceed %q min_xp %d",
				tier.Name, tier.MinXP, tiers[index-1].Name, tiers[index-1].MinXP)
		}
	}
	copied := make([]BadgeTier, len(tiers))
	copy(copied, tiers)
	return TierTable{tiers: copied}, nil
}

// TierFor returns the highest tier whose threshold is at or below xp.
func (t TierTable) TierFor(xp int) BadgeTier {
	if len(t.tiers) == 0 {
		return BadgeTier{}
	}
	current := t.tiers[0]
	for _, tier := range t.tiers[1:] {
		if tier.MinXP > xp {
			break
		}
		current = tier
	}
	return current
}

// NextTierAfter returns the lowest tier whose threshold is above xp. The
// boolean is false once xp has reached the last tier.
func (t TierTable) NextTierAfter(xp int) (BadgeTier, bool) {
	xp = max(xp, 0)
	for _, tier := range t.tiers {
		if tier.MinXP > xp {
			return tier, true
		}
	}
	return BadgeTier{}, false
}

// Tiers returns a copy of the table in ascending order.
func (t TierTable) Tiers() []BadgeTier {
	copied := make([]BadgeTier, len(t.tiers))
	copy(copied, t.tiers)
	return copied
}

// Progress reports how far xp is between its tier and the next one, clamped
// to [0, 1]. It is 1 when there is no next tier.
func (t TierTable) Progress(xp int) float64 {
	next, ok := t.NextTierAfter(xp)
	if !ok {
		return 1
	}
	current := t.TierFor(xp)
	span := next.MinXP - current.MinXP
	if span <= 0 {
		return 1
	}
	return min(max(float64(xp-current.MinXP)/float64(span), 0), 1)
}
