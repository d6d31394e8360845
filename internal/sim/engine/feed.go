package engine

import (
	"fmt"
	"math/rand"
	"sort"
)

// TripFeed supplies the ordered trip events for each simulated day.
// Real populations come from external mobility data; the synthetic feed
// below exists for development scenarios and the demo daemon.
type TripFeed interface {
	Day(day int) ([]TripEvent, error)
}

// SyntheticFeed generates a small commuter population: households share
// a home facility, workers commute by transit line to a workplace, a
// share of them goes out in the evening, students attend an education
// facility. The same seed always yields the same population and the
// same daily event stream.
type SyntheticFeed struct {
	persons []*Person

	home    map[string]string
	work    map[string]string
	leisure map[string]string
	edu     map[string]string
	line    map[string]string

	// Per-person departure jitter in seconds, fixed at construction.
	jitter map[string]float64
}

func NewSyntheticFeed(seed int64, nPersons int) *SyntheticFeed {
	rnd := rand.New(rand.NewSource(seed))
	f := &SyntheticFeed{
		home:    map[string]string{},
		work:    map[string]string{},
		leisure: map[string]string{},
		edu:     map[string]string{},
		line:    map[string]string{},
		jitter:  map[string]float64{},
	}

	nHomes := nPersons/3 + 1
	nWorks := nPersons/10 + 1
	nLeisure := nPersons/20 + 1
	nEdu := nPersons/30 + 1
	nLines := nPersons/50 + 1

	for i := 0; i < nPersons; i++ {
		id := fmt.Sprintf("p%d", i+1)
		p := &Person{ID: id}

		switch {
		case rnd.Float64() < 0.2:
			p.Trajectory = []string{"home", "educ_higher", "home"}
			f.edu[id] = fmt.Sprintf("edu_%d", rnd.Intn(nEdu))
		case rnd.Float64() < 0.4:
			p.Trajectory = []string{"home", "work", "leisure", "home"}
			f.work[id] = fmt.Sprintf("work_%d", rnd.Intn(nWorks))
			f.leisure[id] = fmt.Sprintf("leis_%d", rnd.Intn(nLeisure))
		default:
			p.Trajectory = []string{"home", "work", "home"}
			f.work[id] = fmt.Sprintf("work_%d", rnd.Intn(nWorks))
		}

		f.home[id] = fmt.Sprintf("home_%d", rnd.Intn(nHomes))
		f.line[id] = fmt.Sprintf("tr_line_%d", rnd.Intn(nLines))
		f.jitter[id] = rnd.Float64() * 1800
		f.persons = append(f.persons, p)
	}
	return f
}

// Persons returns the generated population.
func (f *SyntheticFeed) Persons() []*Person {
	out := make([]*Person, len(f.persons))
	copy(out, f.persons)
	return out
}

// Day builds the day's event stream: overnight placements at home, a
// morning commute, the main activity, an optional evening leisure slot
// and the trip back.
func (f *SyntheticFeed) Day(day int) ([]TripEvent, error) {
	var evs []TripEvent

	add := func(t float64, kind TripEventKind, p *Person, id string, ck Kind, advance bool) {
		evs = append(evs, TripEvent{
			Time: t, Kind: kind, PersonID: p.ID,
			ContainerID: id, ContainerKind: ck,
			AdvanceTrajectory: advance,
		})
	}

	// Overnight placement: everyone starts the day at home with a
	// concrete entry at second 0, so home contacts accumulate joint time
	// from midnight on.
	for _, p := range f.persons {
		add(0, TripEnter, p, f.home[p.ID], KindFacility, false)
	}

	for _, p := range f.persons {
		j := f.jitter[p.ID]
		home := f.home[p.ID]
		line := f.line[p.ID]

		dest, ok := f.work[p.ID]
		if !ok {
			dest = f.edu[p.ID]
		}

		depart := 7*3600 + j
		add(depart, TripLeave, p, home, KindFacility, false)
		add(depart+60, TripEnter, p, line, KindVehicle, false)
		add(depart+1800, TripLeave, p, line, KindVehicle, false)
		add(depart+1860, TripEnter, p, dest, KindFacility, true)

		back := 17*3600 + j
		add(back, TripLeave, p, dest, KindFacility, false)
		add(back+60, TripEnter, p, line, KindVehicle, false)
		add(back+1800, TripLeave, p, line, KindVehicle, false)

		if leis, ok := f.leisure[p.ID]; ok {
			add(back+1860, TripEnter, p, leis, KindFacility, true)
			add(back+1860+2*3600, TripLeave, p, leis, KindFacility, false)
			add(back+1920+2*3600, TripEnter, p, home, KindFacility, true)
			add(back+1920+2*3600+300, TripLeave, p, home, KindFacility, false)
		} else {
			add(back+1860, TripEnter, p, home, KindFacility, true)
			add(back+1860+300, TripLeave, p, home, KindFacility, false)
		}
	}

	// Keep the build order for equal times so runs are reproducible.
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Time < evs[j].Time })
	return evs, nil
}
