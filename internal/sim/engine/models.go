package engine

import (
	"math/rand"

	"contagion.dev/internal/sim/params"
	"contagion.dev/internal/sim/policy"
)

// RelevanceModel decides whether a person takes part in contact dynamics
// at all (quarantine, participation suppression). Implementations may
// consume randomness from rnd; the default does not.
type RelevanceModel interface {
	Relevant(p *Person, c *Container, snap policy.Snapshot, rnd *rand.Rand) bool
}

// ImmunityModel is the cross-eligibility predicate: whether transmission
// between the two persons is possible at all (strain and immunity
// interactions live here).
type ImmunityModel interface {
	CanTransmit(a, b *Person) bool
}

// EquipmentModel is the protective equipment oracle: the multiplicative
// shedding and intake factors (in [0,1], 1 = no protection) for a person
// doing an activity under a restriction.
type EquipmentModel interface {
	Effect(p *Person, act params.ActivityParams, r policy.Restriction) (shedding, intake float64)
}

// DefaultRelevanceModel skips quarantined and recovered persons.
type DefaultRelevanceModel struct{}

func (DefaultRelevanceModel) Relevant(p *Person, _ *Container, _ policy.Snapshot, _ *rand.Rand) bool {
	if p.Quarantined {
		return false
	}
	return p.Status != Recovered
}

// DefaultImmunityModel allows transmission iff exactly one side is
// susceptible and the other is infectious.
type DefaultImmunityModel struct{}

func (DefaultImmunityModel) CanTransmit(a, b *Person) bool {
	if a.Status == Susceptible && b.Status.Infectious() {
		return true
	}
	if b.Status == Susceptible && a.Status.Infectious() {
		return true
	}
	return false
}

// DefaultEquipmentModel derives equipment from the active restriction:
// if a tier is required, each person decides once per day whether to
// comply (restriction compliance rate, falling back to the scenario
// default). The model owns its own random source so that per-person
// compliance draws never disturb the engine's sampling stream.
type DefaultEquipmentModel struct {
	rnd               *rand.Rand
	defaultCompliance float64

	day  int
	worn map[string]bool
}

func NewDefaultEquipmentModel(rnd *rand.Rand, defaultCompliance float64) *DefaultEquipmentModel {
	return &DefaultEquipmentModel{
		rnd:               rnd,
		defaultCompliance: defaultCompliance,
		worn:              map[string]bool{},
	}
}

// StartDay invalidates the per-person compliance decisions.
func (m *DefaultEquipmentModel) StartDay(day int) {
	m.day = day
	m.worn = map[string]bool{}
}

func (m *DefaultEquipmentModel) Effect(p *Person, _ params.ActivityParams, r policy.Restriction) (shedding, intake float64) {
	tier, ok := r.RequiredTier()
	if !ok || tier == policy.TierNone {
		return 1, 1
	}

	compliance := m.defaultCompliance
	if c, ok := r.ComplianceRate(); ok {
		compliance = c
	}

	wears, decided := m.worn[p.ID]
	if !decided {
		wears = m.rnd.Float64() < compliance
		m.worn[p.ID] = wears
	}
	if !wears {
		return 1, 1
	}
	return tier.Shedding(), tier.Intake()
}
