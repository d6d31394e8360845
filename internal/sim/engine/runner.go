package engine

import (
	"fmt"
	"math/rand"

	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/params"
	"contagion.dev/internal/sim/policy"
	"contagion.dev/internal/sim/scenario"
)

type TripEventKind int

const (
	TripEnter TripEventKind = iota
	TripLeave
)

// TripEvent is one container entry or exit in a person's day. Events for
// one day must be ordered by time. An enter with negative time is an
// initial placement: the person has been in the container since before
// the day started.
type TripEvent struct {
	Time          float64
	Kind          TripEventKind
	PersonID      string
	ContainerID   string
	ContainerKind Kind

	// AdvanceTrajectory moves the person's activity cursor forward
	// before the event is applied. Set by the feed on facility entries
	// that begin the person's next activity.
	AdvanceTrajectory bool
}

// Runner executes the simulation one day at a time: it rebuilds the
// restriction snapshot at day start, feeds trip events through the
// contact model and aggregates the day report. All state is owned by
// the calling goroutine; parallelism across containers must partition
// runners with independently seeded random sources.
type Runner struct {
	sc       scenario.Scenario
	cat      *params.Catalog
	registry *policy.Registry
	model    *ContactModel
	rnd      *rand.Rand

	persons    map[string]*Person
	ordered    []*Person
	containers map[string]*Container

	sinks []EventSink

	day           int
	dayInfections []protocol.InfectionEvent
}

func NewRunner(sc scenario.Scenario, cat *params.Catalog, schedule policy.Schedule) (*Runner, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	rnd := rand.New(rand.NewSource(sc.Seed))
	r := &Runner{
		sc:         sc,
		cat:        cat,
		registry:   policy.NewRegistry(schedule, cat.Categories(), sc.CatchAllCategory),
		rnd:        rnd,
		persons:    map[string]*Person{},
		containers: map[string]*Container{},
	}
	r.model = NewContactModel(rnd, sc, cat)
	r.model.SetEventSink(r)
	return r, nil
}

// Model exposes the contact model for collaborator overrides.
func (r *Runner) Model() *ContactModel { return r.model }

func (r *Runner) AddPerson(p *Person) error {
	if _, dup := r.persons[p.ID]; dup {
		return fmt.Errorf("duplicate person id %s", p.ID)
	}
	r.persons[p.ID] = p
	r.ordered = append(r.ordered, p)
	return nil
}

// Persons returns all persons in insertion order.
func (r *Runner) Persons() []*Person {
	out := make([]*Person, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// AddSink registers an additional infection event receiver.
func (r *Runner) AddSink(s EventSink) { r.sinks = append(r.sinks, s) }

// RecordInfection implements EventSink: the runner collects the day's
// infections and fans them out.
func (r *Runner) RecordInfection(ev protocol.InfectionEvent) {
	r.dayInfections = append(r.dayInfections, ev)
	for _, s := range r.sinks {
		s.RecordInfection(ev)
	}
}

func (r *Runner) container(id string, kind Kind) (*Container, error) {
	if c, ok := r.containers[id]; ok {
		if c.Kind() != kind {
			return nil, fmt.Errorf("container %s is a %s, event says %s", id, c.Kind(), kind)
		}
		return c, nil
	}
	var c *Container
	switch kind {
	case KindVehicle:
		c = NewVehicle(id)
	case KindFacility:
		c = NewFacility(id)
	default:
		return nil, fmt.Errorf("unknown container kind %v for container %s", kind, id)
	}
	r.containers[id] = c
	return c, nil
}

// RunDay simulates one day from an ordered trip event stream and
// returns its report. Errors are fatal for the run: they indicate
// either bad configuration or an upstream bookkeeping bug.
func (r *Runner) RunDay(day int, trips []TripEvent) (protocol.DayReport, error) {
	date, err := r.sc.DateOfDay(day)
	if err != nil {
		return protocol.DayReport{}, err
	}

	// Single rebuild per day; the engine sees an immutable snapshot.
	snap := r.registry.ApplyOn(date)
	r.model.StartDay(day, snap)
	r.day = day
	r.dayInfections = nil

	for _, p := range r.ordered {
		p.TrajectoryPos = 0
	}

	if day == 0 {
		r.seedInfections()
	}

	prev := EnteredBeforeDayStart
	for i, ev := range trips {
		if ev.Time < prev {
			return protocol.DayReport{}, fmt.Errorf("day %d: trip event %d out of order: t=%v after t=%v", day, i, ev.Time, prev)
		}
		if ev.Time > 86400 {
			return protocol.DayReport{}, fmt.Errorf("day %d: trip event %d past midnight: t=%v", day, i, ev.Time)
		}
		prev = ev.Time

		p, ok := r.persons[ev.PersonID]
		if !ok {
			return protocol.DayReport{}, fmt.Errorf("day %d: trip event %d: unknown person %s", day, i, ev.PersonID)
		}
		c, err := r.container(ev.ContainerID, ev.ContainerKind)
		if err != nil {
			return protocol.DayReport{}, fmt.Errorf("day %d: %w", day, err)
		}

		switch ev.Kind {
		case TripEnter:
			if ev.AdvanceTrajectory && p.TrajectoryPos < len(p.Trajectory)-1 {
				p.TrajectoryPos++
			}
			t := ev.Time
			if t < 0 {
				t = EnteredBeforeDayStart
			}
			if err := c.Enter(p, t); err != nil {
				return protocol.DayReport{}, fmt.Errorf("day %d: %w", day, err)
			}
		case TripLeave:
			// Process contacts while the person is still an occupant.
			if err := r.model.ProcessLeave(p, c, ev.Time); err != nil {
				return protocol.DayReport{}, fmt.Errorf("day %d: %w", day, err)
			}
			if err := c.Leave(p); err != nil {
				return protocol.DayReport{}, fmt.Errorf("day %d: %w", day, err)
			}
		default:
			return protocol.DayReport{}, fmt.Errorf("day %d: trip event %d: unknown kind %v", day, i, ev.Kind)
		}
	}

	// Day rollover: containers are recycled.
	for _, c := range r.containers {
		c.Clear()
	}

	return r.report(day, date.Format("2006-01-02"), snap), nil
}

// seedInfections marks the configured number of initial infections on
// day 0. Seeds become contagious immediately so transmission can start
// on day 1.
func (r *Runner) seedInfections() {
	susceptible := 0
	for _, p := range r.ordered {
		if p.Status == Susceptible {
			susceptible++
		}
	}
	n := min(r.sc.InitialInfections, susceptible)
	for seeded := 0; seeded < n; {
		p := r.ordered[r.rnd.Intn(len(r.ordered))]
		if p.Status != Susceptible {
			continue
		}
		p.Status = Contagious
		seeded++
	}
}

func (r *Runner) report(day int, date string, snap policy.Snapshot) protocol.DayReport {
	rep := protocol.DayReport{
		Type:            protocol.TypeDayReport,
		ProtocolVersion: protocol.Version,
		Day:             day,
		Date:            date,
		NewInfections:   len(r.dayInfections),
	}
	for _, p := range r.ordered {
		switch p.Status {
		case Susceptible:
			rep.Susceptible++
		case InfectedButNotContagious:
			rep.InfectedButNotContagious++
		case Contagious:
			rep.Contagious++
		case ShowingSymptoms:
			rep.ShowingSymptoms++
		case SeriouslySick:
			rep.SeriouslySick++
		case Critical:
			rep.Critical++
		case Recovered:
			rep.Recovered++
		}
	}
	if len(r.dayInfections) > 0 {
		rep.InfectionsByType = map[string]int{}
		for _, ev := range r.dayInfections {
			rep.InfectionsByType[ev.InfectionType]++
		}
	}
	rep.Restrictions = map[string]string{}
	for _, cat := range snap.Categories() {
		rep.Restrictions[cat] = snap.Get(cat).String()
	}
	return rep
}
