package policy

import "fmt"

// Tier is a protective equipment tier. Ordered by strength, so a
// requirement of SURGICAL is satisfied by SURGICAL or N95.
type Tier int

const (
	TierNone Tier = iota
	TierCloth
	TierSurgical
	TierN95
)

var tierNames = [...]string{"NONE", "CLOTH", "SURGICAL", "N95"}

func (t Tier) String() string {
	if t < TierNone || int(t) >= len(tierNames) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// Shedding is the multiplicative effect on outgoing transmission risk
// when the equipment is worn (1 = no protection).
func (t Tier) Shedding() float64 {
	switch t {
	case TierCloth:
		return 0.6
	case TierSurgical:
		return 0.3
	case TierN95:
		return 0.15
	default:
		return 1.0
	}
}

// Intake is the multiplicative effect on incoming transmission risk.
func (t Tier) Intake() float64 {
	switch t {
	case TierCloth:
		return 0.5
	case TierSurgical:
		return 0.3
	case TierN95:
		return 0.025
	default:
		return 1.0
	}
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown equipment tier: %q", s)
}
