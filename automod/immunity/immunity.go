// Package immunity derives a reputation tier and its bypass capabilities
// from accumulated positive points and the current violation count. All
// functions are pure; the tier stored in the ledger must always be
// re-derivable from this package.
package immunity

type Tier string

const (
	TierNone     Tier = "none"
	TierTrusted  Tier = "trusted"
	TierVeteran  Tier = "veteran"
	TierGuardian Tier = "guardian"
)

const (
	ThresholdTrusted  = 100
	ThresholdVeteran  = 500
	ThresholdGuardian = 1000

	// recent bad behavior overrides accumulated reputation
	DisqualifyViolations = 3

	// guardian immunity never covers scores at or above this
	GuardianScoreCeiling = 0.85
)

type Status struct {
	Tier           Tier
	Points         int
	ViolationCount int
	// smallest unreached points threshold; nil at guardian
	NextThreshold *int

	CanBypassWarnings     bool
	CanBypassMinorFlags   bool
	CanBypassAllButSevere bool
}

// TierFor maps (points, violations) to a tier.
func TierFor(points, violations int) Tier {
	if violations >= DisqualifyViolations {
		return TierNone
	}
	switch {
	case points >= ThresholdGuardian:
		return TierGuardian
	case points >= ThresholdVeteran:
		return TierVeteran
	case points >= ThresholdTrusted:
		return TierTrusted
	default:
		return TierNone
	}
}

// Resolve computes the full immunity status for a user.
func Resolve(points, violations int) Status {
	tier := TierFor(points, violations)
	st := Status{
		Tier:           tier,
		Points:         points,
		ViolationCount: violations,

		CanBypassWarnings:     tier != TierNone,
		CanBypassMinorFlags:   tier == TierVeteran || tier == TierGuardian,
		CanBypassAllButSevere: tier == TierGuardian,
	}
	for _, threshold := range []int{ThresholdTrusted, ThresholdVeteran, ThresholdGuardian} {
		if points < threshold {
			t := threshold
			st.NextThreshold = &t
			break
		}
	}
	return st
}
