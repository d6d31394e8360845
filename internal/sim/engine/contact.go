package engine

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/params"
	"contagion.dev/internal/sim/policy"
	"contagion.dev/internal/sim/scenario"
)

// EventSink receives infection events as they happen.
type EventSink interface {
	RecordInfection(ev protocol.InfectionEvent)
}

// ContactModel decides, for sampled pairs of co-occupants, whether
// transmission occurs when a person leaves a container:
//
//	P = 1 - e^(-calibParam * contactIntensity * jointTime * exposure * shedding * intake)
//
// All randomness comes from the single *rand.Rand handed to the
// constructor; draws are strictly ordered, so two runs with the same
// seed and the same trip feed produce identical outcomes.
type ContactModel struct {
	rnd *rand.Rand
	sc  scenario.Scenario
	cat *params.Catalog

	day          int
	restrictions policy.Snapshot

	relevance RelevanceModel
	immunity  ImmunityModel
	equipment EquipmentModel

	sink EventSink
}

func NewContactModel(rnd *rand.Rand, sc scenario.Scenario, cat *params.Catalog) *ContactModel {
	return &ContactModel{
		rnd:       rnd,
		sc:        sc,
		cat:       cat,
		relevance: DefaultRelevanceModel{},
		immunity:  DefaultImmunityModel{},
		equipment: NewDefaultEquipmentModel(rand.New(rand.NewSource(sc.Seed+1)), sc.DefaultCompliance),
	}
}

// SetRelevanceModel replaces the participation/relevance predicate.
func (m *ContactModel) SetRelevanceModel(r RelevanceModel) { m.relevance = r }

// SetImmunityModel replaces the cross-eligibility predicate.
func (m *ContactModel) SetImmunityModel(i ImmunityModel) { m.immunity = i }

// SetEquipmentModel replaces the protective equipment oracle.
func (m *ContactModel) SetEquipmentModel(e EquipmentModel) { m.equipment = e }

// SetEventSink sets the infection event receiver (may be nil).
func (m *ContactModel) SetEventSink(s EventSink) { m.sink = s }

// StartDay installs the day's restriction snapshot. The snapshot is
// read-only for the whole day; it is rebuilt only here.
func (m *ContactModel) StartDay(day int, snap policy.Snapshot) {
	m.day = day
	m.restrictions = snap
	if e, ok := m.equipment.(interface{ StartDay(day int) }); ok {
		e.StartDay(day)
	}
}

// Restrictions returns the active snapshot.
func (m *ContactModel) Restrictions() policy.Snapshot { return m.restrictions }

// ProcessLeave runs the contact sampling for a person leaving a
// container at the given second of day. It must be called before the
// person is removed from the container, and calls against the same
// container must be serialized.
func (m *ContactModel) ProcessLeave(leaving *Person, c *Container, now float64) error {
	// Day 0 is reserved for seeding initial infections.
	if m.day == 0 {
		return nil
	}

	if !m.relevance.Relevant(leaving, c, m.restrictions, m.rnd) {
		return nil
	}

	pool := c.Persons()
	for i, p := range pool {
		if p.ID == leaving.ID {
			pool = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(pool) == 0 {
		return nil
	}

	// Persons are scaled to the number of agents via the sample size,
	// but at least 3 so small development scenarios still produce
	// contacts.
	contactWith := min(len(pool), max(int(m.sc.SampleSize*10), 3))

	for i := 0; i < contactWith; i++ {
		// Draw the contact and remove it so it cannot be drawn twice.
		// The draw happens before any filter: filtered-out candidates
		// must still consume the random index, or replays with toggled
		// features would diverge.
		idx := m.rnd.Intn(len(pool))
		contact := pool[idx]
		pool = append(pool[:idx], pool[idx+1:]...)

		if !m.relevance.Relevant(contact, c, m.restrictions, m.rnd) {
			continue
		}

		// The random numbers are already consumed, so without tracking
		// we can bail out on pairs that provably cannot produce a new
		// case.
		if !m.sc.TrackingEnabled {
			if leaving.Status == InfectedButNotContagious || contact.Status == InfectedButNotContagious {
				continue
			}
			if leaving.Status == contact.Status {
				continue
			}
		}

		leavingAct := leaving.CurrentActivity()
		contactAct := contact.CurrentActivity()
		infectionType, err := m.infectionType(c, leavingAct, contactAct)
		if err != nil {
			return err
		}

		if c.Kind() == KindFacility {
			// Home may only interact with home or leisure; education
			// only with work or education. This blocks implausible
			// paths like a household member infecting an unrelated
			// shopper through a shared facility record.
			if strings.Contains(infectionType, "home") && !strings.Contains(infectionType, "leis") &&
				!(strings.Contains(leavingAct, "home") && strings.Contains(contactAct, "home")) {
				continue
			}
			if strings.Contains(infectionType, "edu") && !strings.Contains(infectionType, "work") &&
				!(strings.Contains(leavingAct, "edu") && strings.Contains(contactAct, "edu")) {
				continue
			}
			if m.sc.TrackingEnabled {
				m.trackContact(leaving, contact, leavingAct)
			}
		}

		if !m.immunity.CanTransmit(leaving, contact) {
			continue
		}

		enterLeaving := c.EnterTimeOf(leaving.ID)
		enterContact := c.EnterTimeOf(contact.ID)

		// Persons leaving their first-ever activity have no entry time.
		// Both sides missing cannot happen: at the first activity
		// everyone is susceptible, so no such pair passes CanTransmit.
		if enterLeaving == EnteredBeforeDayStart && enterContact == EnteredBeforeDayStart {
			return fmt.Errorf("both entry times undefined for %s and %s in container %s at t=%v",
				leaving.ID, contact.ID, c.ID(), now)
		}

		jointTime := now - math.Max(enterLeaving, enterContact)
		if jointTime < 0 || jointTime > 86400 {
			return fmt.Errorf("implausible joint time %v for %s and %s in container %s at t=%v",
				jointTime, leaving.ID, contact.ID, c.ID(), now)
		}

		leavingParams, contactParams, err := m.sideParams(c, leavingAct, contactAct)
		if err != nil {
			return err
		}

		// Only a susceptible party can become newly infected; the other
		// party is the source.
		if leaving.Status == Susceptible {
			prob := m.infectionProbability(leaving, contact, leavingParams, contactParams, jointTime)
			if m.rnd.Float64() < prob {
				m.infect(leaving, contact, c, now, infectionType)
			}
		} else {
			prob := m.infectionProbability(contact, leaving, contactParams, leavingParams, jointTime)
			if m.rnd.Float64() < prob {
				m.infect(contact, leaving, c, now, infectionType)
			}
		}
	}
	return nil
}

// infectionType classifies the interaction: a fixed transit tag for
// vehicles, the ordered concatenation of both activity labels for
// facilities.
func (m *ContactModel) infectionType(c *Container, leavingAct, contactAct string) (string, error) {
	switch c.Kind() {
	case KindVehicle:
		return "tr", nil
	case KindFacility:
		return leavingAct + "_" + contactAct, nil
	default:
		return "", fmt.Errorf("unknown container kind %v for container %s", c.Kind(), c.ID())
	}
}

// sideParams resolves each party's infection parameters: vehicles use
// the container-level entry for both sides, facilities each person's own
// activity.
func (m *ContactModel) sideParams(c *Container, leavingAct, contactAct string) (leaving, contact params.ActivityParams, err error) {
	switch c.Kind() {
	case KindVehicle:
		p, err := m.cat.Select(c.ID())
		if err != nil {
			return params.ActivityParams{}, params.ActivityParams{}, err
		}
		return p, p, nil
	case KindFacility:
		lp, err := m.cat.Select(leavingAct)
		if err != nil {
			return params.ActivityParams{}, params.ActivityParams{}, err
		}
		cp, err := m.cat.Select(contactAct)
		if err != nil {
			return params.ActivityParams{}, params.ActivityParams{}, err
		}
		return lp, cp, nil
	default:
		return params.ActivityParams{}, params.ActivityParams{}, fmt.Errorf("unknown container kind %v for container %s", c.Kind(), c.ID())
	}
}

// infectionProbability evaluates the hazard for infector infecting
// target over jointTime seconds.
func (m *ContactModel) infectionProbability(target, infector *Person, targetParams, infectorParams params.ActivityParams, jointTime float64) float64 {
	rTarget := m.restrictions.Get(targetParams.Category)
	rInfector := m.restrictions.Get(infectorParams.Category)

	exposure := math.Max(rTarget.ExposureOrDefault(), rInfector.ExposureOrDefault())
	contactIntensity := math.Max(targetParams.ContactIntensity, infectorParams.ContactIntensity)

	shedding, _ := m.equipment.Effect(infector, infectorParams, rInfector)
	_, intake := m.equipment.Effect(target, targetParams, rTarget)

	return 1 - math.Exp(-m.sc.CalibrationParameter*contactIntensity*jointTime*exposure*shedding*intake)
}

func (m *ContactModel) infect(target, infector *Person, c *Container, now float64, infectionType string) {
	target.Status = InfectedButNotContagious
	if m.sink != nil {
		m.sink.RecordInfection(protocol.InfectionEvent{
			Type:            protocol.TypeInfection,
			ProtocolVersion: protocol.Version,
			Day:             m.day,
			Time:            now,
			Infector:        infector.ID,
			Infected:        target.ID,
			InfectionType:   infectionType,
			ContainerID:     c.ID(),
			ContainerKind:   c.Kind().String(),
		})
	}
}

// trackContact records a bidirectional traceable-contact edge for home
// and work activities, and for leisure with probability 0.8.
func (m *ContactModel) trackContact(leaving, contact *Person, leavingAct string) {
	if strings.Contains(leavingAct, "home") || strings.Contains(leavingAct, "work") ||
		(strings.Contains(leavingAct, "leisure") && m.rnd.Float64() < 0.8) {
		leaving.AddTraceableContact(contact)
		contact.AddTraceableContact(leaving)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
