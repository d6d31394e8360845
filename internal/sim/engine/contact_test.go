package engine

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/params"
	"contagion.dev/internal/sim/policy"
	"contagion.dev/internal/sim/scenario"
)

// scriptedSource feeds predetermined values to math/rand so tests can
// pin the exact uniform draws the engine sees.
type scriptedSource struct {
	vals []int64
	i    int
}

func (s *scriptedSource) Int63() int64 {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

func (s *scriptedSource) Seed(int64) {}

// float63 returns the Int63 value for which rand.Float64 yields f.
func float63(f float64) int64 {
	return int64(f * (1 << 63))
}

func testScenario() scenario.Scenario {
	sc := scenario.Defaults()
	sc.SampleSize = 0.25
	sc.CalibrationParameter = 2.5e-5
	sc.TrackingEnabled = false
	return sc
}

func testEngineCatalog(t *testing.T) *params.Catalog {
	t.Helper()
	c, err := params.Parse([]byte(`[
	  {"category": "home", "contact_intensity": 1.0},
	  {"category": "work", "contact_intensity": 1.47},
	  {"category": "leisure", "contact_intensity": 9.24},
	  {"category": "educ_higher", "contact_intensity": 5.5},
	  {"category": "shop_daily", "contact_intensity": 0.88},
	  {"category": "tr", "contact_intensity": 10.0},
	  {"category": "other", "contact_intensity": 1.0}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func openSnapshot(cat *params.Catalog, catchAll string) policy.Snapshot {
	return policy.NewRegistry(policy.Schedule{}, cat.Categories(), catchAll).ApplyOn(time.Time{})
}

type captureSink struct {
	events []protocol.InfectionEvent
}

func (s *captureSink) RecordInfection(ev protocol.InfectionEvent) {
	s.events = append(s.events, ev)
}

func newTestModel(t *testing.T, src rand.Source, mutate func(*scenario.Scenario)) (*ContactModel, *captureSink) {
	t.Helper()
	sc := testScenario()
	if mutate != nil {
		mutate(&sc)
	}
	cat := testEngineCatalog(t)
	m := NewContactModel(rand.New(src), sc, cat)
	m.StartDay(1, openSnapshot(cat, sc.CatchAllCategory))
	sink := &captureSink{}
	m.SetEventSink(sink)
	return m, sink
}

func pair(t *testing.T, c *Container, leavingStatus, contactStatus DiseaseStatus, leavingAct, contactAct string, enterLeaving, enterContact float64) (*Person, *Person) {
	t.Helper()
	a := &Person{ID: "p1", Status: leavingStatus, Trajectory: []string{leavingAct}}
	b := &Person{ID: "p2", Status: contactStatus, Trajectory: []string{contactAct}}
	enter := func(p *Person, et float64) {
		var err error
		if et == EnteredBeforeDayStart {
			err = c.EnterBeforeDayStart(p)
		} else {
			err = c.Enter(p, et)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	enter(a, enterLeaving)
	enter(b, enterContact)
	return a, b
}

func TestInfectionProbability_KnownScenario(t *testing.T) {
	m, _ := newTestModel(t, rand.NewSource(1), nil)

	target := &Person{ID: "p1", Status: Susceptible}
	infector := &Person{ID: "p2", Status: Contagious}
	work := params.ActivityParams{Category: "work", ContactIntensity: 1.47}

	got := m.infectionProbability(target, infector, work, work, 400)
	want := 1 - math.Exp(-2.5e-5*1.47*400)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("probability = %v, want %v", got, want)
	}
	if math.Abs(got-0.0146) > 1e-3 {
		t.Fatalf("probability = %v, want about 0.0145", got)
	}
}

func TestInfectionProbability_Properties(t *testing.T) {
	m, _ := newTestModel(t, rand.NewSource(1), nil)
	target := &Person{ID: "p1", Status: Susceptible}
	infector := &Person{ID: "p2", Status: Contagious}
	work := params.ActivityParams{Category: "work", ContactIntensity: 1.47}

	if got := m.infectionProbability(target, infector, work, work, 0); got != 0 {
		t.Fatalf("P(jointTime=0) = %v, want 0", got)
	}

	// Monotone non-decreasing in joint time, approaching 1.
	prev := 0.0
	for _, jt := range []float64{1, 10, 100, 1000, 10000, 86400} {
		p := m.infectionProbability(target, infector, work, work, jt)
		if p < prev {
			t.Fatalf("P not monotone in jointTime: %v < %v at jt=%v", p, prev, jt)
		}
		prev = p
	}
	if huge := m.infectionProbability(target, infector, work, work, 1e12); huge < 0.999999 {
		t.Fatalf("P(jointTime->inf) = %v, want ~1", huge)
	}

	// Monotone in contact intensity; the pair maximum governs.
	weak := params.ActivityParams{Category: "shop_daily", ContactIntensity: 0.88}
	pWeak := m.infectionProbability(target, infector, weak, weak, 400)
	pMixed := m.infectionProbability(target, infector, weak, work, 400)
	pStrong := m.infectionProbability(target, infector, work, work, 400)
	if !(pWeak < pMixed) || pMixed != pStrong {
		t.Fatalf("intensity max rule violated: weak=%v mixed=%v strong=%v", pWeak, pMixed, pStrong)
	}
}

func TestInfectionProbability_UsesMaxExposure(t *testing.T) {
	sc := testScenario()
	cat := testEngineCatalog(t)
	m := NewContactModel(rand.New(rand.NewSource(1)), sc, cat)

	raised, err := policy.OfExposure(4)
	if err != nil {
		t.Fatal(err)
	}
	var s policy.Schedule
	s = s.Restrict(time.Time{}, raised, "work")
	snap := policy.NewRegistry(s, cat.Categories(), sc.CatchAllCategory).ApplyOn(time.Now())
	m.StartDay(1, snap)

	target := &Person{ID: "p1", Status: Susceptible}
	infector := &Person{ID: "p2", Status: Contagious}
	work := params.ActivityParams{Category: "work", ContactIntensity: 1.47}
	home := params.ActivityParams{Category: "home", ContactIntensity: 1.47}

	pHome := m.infectionProbability(target, infector, home, home, 400)
	pMixed := m.infectionProbability(target, infector, home, work, 400)
	wantMixed := 1 - math.Exp(-2.5e-5*1.47*400*4)
	if math.Abs(pMixed-wantMixed) > 1e-12 {
		t.Fatalf("mixed exposure P = %v, want %v", pMixed, wantMixed)
	}
	if pHome >= pMixed {
		t.Fatalf("exposure max rule violated: home=%v mixed=%v", pHome, pMixed)
	}
}

func TestProcessLeave_EndToEndTransmission(t *testing.T) {
	// Two persons in a facility, entries at 0 and 100, leave at 500:
	// joint time 400, P ~ 0.0145. One Intn draw picks the single
	// candidate, then the uniform transmission draw decides.
	run := func(draw float64) DiseaseStatus {
		src := &scriptedSource{vals: []int64{0, float63(draw)}}
		m, _ := newTestModel(t, src, nil)
		c := NewFacility("work_1")
		leaving, _ := pair(t, c, Susceptible, Contagious, "work", "work", 0, 100)
		if err := m.ProcessLeave(leaving, c, 500); err != nil {
			t.Fatal(err)
		}
		return leaving.Status
	}

	if got := run(0.5); got != Susceptible {
		t.Fatalf("draw 0.5: status = %v, want susceptible", got)
	}
	if got := run(0.01); got != InfectedButNotContagious {
		t.Fatalf("draw 0.01: status = %v, want infectedButNotContagious", got)
	}
}

func TestProcessLeave_EmitsInfectionEvent(t *testing.T) {
	src := &scriptedSource{vals: []int64{0, float63(0.001)}}
	m, sink := newTestModel(t, src, nil)
	c := NewFacility("work_1")
	_, contact := pair(t, c, Contagious, Susceptible, "work", "work", 0, 100)

	leaving := c.Persons()[0]
	if err := m.ProcessLeave(leaving, c, 500); err != nil {
		t.Fatal(err)
	}
	if contact.Status != InfectedButNotContagious {
		t.Fatalf("contact status = %v, want infectedButNotContagious", contact.Status)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Infector != "p1" || ev.Infected != "p2" {
		t.Fatalf("event direction %s -> %s, want p1 -> p2", ev.Infector, ev.Infected)
	}
	if ev.InfectionType != "work_work" {
		t.Fatalf("infection type = %q, want work_work", ev.InfectionType)
	}
	if ev.Day != 1 || ev.Time != 500 || ev.ContainerID != "work_1" {
		t.Fatalf("event context = %+v", ev)
	}
}

func TestProcessLeave_FirstDayGuard(t *testing.T) {
	m, sink := newTestModel(t, rand.NewSource(7), func(sc *scenario.Scenario) {
		sc.CalibrationParameter = 10 // transmission certain if reached
	})
	m.StartDay(0, m.Restrictions())

	c := NewFacility("work_1")
	leaving, contact := pair(t, c, Susceptible, Contagious, "work", "work", 0, 0)
	if err := m.ProcessLeave(leaving, c, 500); err != nil {
		t.Fatal(err)
	}
	if leaving.Status != Susceptible || contact.Status != Contagious {
		t.Fatalf("day 0 mutated statuses: %v, %v", leaving.Status, contact.Status)
	}
	if len(sink.events) != 0 {
		t.Fatalf("day 0 produced %d events", len(sink.events))
	}
}

func TestProcessLeave_SampleSize(t *testing.T) {
	cases := []struct {
		pool       int
		sampleSize float64
		want       int
	}{
		{pool: 10, sampleSize: 0.25, want: 3}, // floor(2.5) below the minimum of 3
		{pool: 10, sampleSize: 0.9, want: 9},
		{pool: 2, sampleSize: 0.25, want: 2}, // pool smaller than the minimum
		{pool: 20, sampleSize: 1.0, want: 10},
	}
	for _, tc := range cases {
		m, _ := newTestModel(t, rand.NewSource(11), func(sc *scenario.Scenario) {
			sc.SampleSize = tc.sampleSize
		})
		counter := &countingRelevance{}
		m.SetRelevanceModel(counter)

		c := NewFacility("work_1")
		leaving := &Person{ID: "leaving", Status: Contagious, Trajectory: []string{"work"}}
		if err := c.Enter(leaving, 0); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < tc.pool; i++ {
			p := &Person{ID: "c" + string(rune('a'+i)), Status: Susceptible, Trajectory: []string{"work"}}
			if err := c.Enter(p, 0); err != nil {
				t.Fatal(err)
			}
		}

		if err := m.ProcessLeave(leaving, c, 500); err != nil {
			t.Fatal(err)
		}
		// One relevance call for the leaving person plus one per drawn
		// candidate, regardless of filtering.
		if got := counter.calls - 1; got != tc.want {
			t.Fatalf("pool=%d rate=%v: drew %d candidates, want %d", tc.pool, tc.sampleSize, got, tc.want)
		}
	}
}

// countingRelevance accepts the first person (the leaver) and rejects
// every candidate, counting calls.
type countingRelevance struct {
	calls int
}

func (r *countingRelevance) Relevant(p *Person, _ *Container, _ policy.Snapshot, _ *rand.Rand) bool {
	r.calls++
	return r.calls == 1
}

func TestProcessLeave_StreamAlignment(t *testing.T) {
	// Two identically seeded engines over pools that get filtered for
	// different reasons must consume the same random stream.
	build := func(status DiseaseStatus) (*ContactModel, *rand.Rand, *Container, *Person) {
		rnd := rand.New(rand.NewSource(99))
		sc := testScenario()
		cat := testEngineCatalog(t)
		m := NewContactModel(rnd, sc, cat)
		m.StartDay(1, openSnapshot(cat, sc.CatchAllCategory))

		c := NewFacility("work_1")
		leaving := &Person{ID: "leaving", Status: Contagious, Trajectory: []string{"work"}}
		if err := c.Enter(leaving, 0); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 8; i++ {
			p := &Person{ID: "c" + string(rune('a'+i)), Status: status, Trajectory: []string{"work"}}
			if err := c.Enter(p, 0); err != nil {
				t.Fatal(err)
			}
		}
		return m, rnd, c, leaving
	}

	// Recovered candidates fail the relevance predicate; exposed ones
	// hit the tracking-off short circuit. Both paths happen after the
	// draw, so the streams stay aligned.
	m1, rnd1, c1, l1 := build(Recovered)
	m2, rnd2, c2, l2 := build(InfectedButNotContagious)

	if err := m1.ProcessLeave(l1, c1, 500); err != nil {
		t.Fatal(err)
	}
	if err := m2.ProcessLeave(l2, c2, 500); err != nil {
		t.Fatal(err)
	}
	if a, b := rnd1.Int63(), rnd2.Int63(); a != b {
		t.Fatalf("random streams diverged: %d vs %d", a, b)
	}
}

func TestProcessLeave_CrossActivityFilters(t *testing.T) {
	certain := func(sc *scenario.Scenario) { sc.CalibrationParameter = 10 }

	run := func(leavingAct, contactAct string) DiseaseStatus {
		m, _ := newTestModel(t, rand.NewSource(3), certain)
		c := NewFacility("fac_1")
		_, contact := pair(t, c, Contagious, Susceptible, leavingAct, contactAct, 0, 100)
		leaving := c.Persons()[0]
		if err := m.ProcessLeave(leaving, c, 500); err != nil {
			t.Fatal(err)
		}
		return contact.Status
	}

	// Home may not meet an unrelated shopper.
	if got := run("home", "shop_daily"); got != Susceptible {
		t.Fatalf("home/shop_daily: status = %v, want filtered out", got)
	}
	// Home with leisure and home with home are plausible.
	if got := run("home", "leisure"); got != InfectedButNotContagious {
		t.Fatalf("home/leisure: status = %v, want infected", got)
	}
	if got := run("home", "home"); got != InfectedButNotContagious {
		t.Fatalf("home/home: status = %v, want infected", got)
	}
	// Education only pairs with work or education.
	if got := run("educ_higher", "shop_daily"); got != Susceptible {
		t.Fatalf("educ/shop_daily: status = %v, want filtered out", got)
	}
	if got := run("educ_higher", "work"); got != InfectedButNotContagious {
		t.Fatalf("educ/work: status = %v, want infected", got)
	}
	if got := run("educ_higher", "educ_higher"); got != InfectedButNotContagious {
		t.Fatalf("educ/educ: status = %v, want infected", got)
	}
}

func TestProcessLeave_VehicleUsesContainerParams(t *testing.T) {
	src := &scriptedSource{vals: []int64{0, float63(0.001)}}
	m, sink := newTestModel(t, src, func(sc *scenario.Scenario) {
		sc.CalibrationParameter = 10
	})

	c := NewVehicle("tr_line_7")
	leaving, _ := pair(t, c, Susceptible, Contagious, "work", "shop_daily", 0, 100)
	if err := m.ProcessLeave(leaving, c, 500); err != nil {
		t.Fatal(err)
	}
	if leaving.Status != InfectedButNotContagious {
		t.Fatalf("status = %v, want infected", leaving.Status)
	}
	if len(sink.events) != 1 || sink.events[0].InfectionType != "tr" {
		t.Fatalf("events = %+v, want one with type tr", sink.events)
	}
	if sink.events[0].ContainerKind != "vehicle" {
		t.Fatalf("container kind = %q, want vehicle", sink.events[0].ContainerKind)
	}
}

func TestProcessLeave_ContactTracing(t *testing.T) {
	m, _ := newTestModel(t, rand.NewSource(5), func(sc *scenario.Scenario) {
		sc.TrackingEnabled = true
	})

	c := NewFacility("work_1")
	// Same status on both sides: no transmission possible, but the
	// contact edge must still be recorded when tracking.
	leaving, contact := pair(t, c, Susceptible, Susceptible, "work", "work", 0, 100)
	if err := m.ProcessLeave(leaving, c, 500); err != nil {
		t.Fatal(err)
	}

	if got := leaving.TraceableContacts(); len(got) != 1 || got[0] != "p2" {
		t.Fatalf("leaving contacts = %v, want [p2]", got)
	}
	if got := contact.TraceableContacts(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("contact contacts = %v, want [p1]", got)
	}

	// Re-processing is idempotent on the edge set.
	if err := m.ProcessLeave(leaving, c, 600); err != nil {
		t.Fatal(err)
	}
	if got := leaving.TraceableContacts(); len(got) != 1 {
		t.Fatalf("contacts after repeat = %v, want still one", got)
	}
}

func TestProcessLeave_NoTracingOnVehicles(t *testing.T) {
	m, _ := newTestModel(t, rand.NewSource(5), func(sc *scenario.Scenario) {
		sc.TrackingEnabled = true
	})
	c := NewVehicle("tr_line_1")
	leaving, contact := pair(t, c, Susceptible, Susceptible, "work", "work", 0, 100)
	if err := m.ProcessLeave(leaving, c, 500); err != nil {
		t.Fatal(err)
	}
	if len(leaving.TraceableContacts()) != 0 || len(contact.TraceableContacts()) != 0 {
		t.Fatalf("vehicle leave recorded contacts: %v / %v",
			leaving.TraceableContacts(), contact.TraceableContacts())
	}
}

func TestProcessLeave_InvariantViolations(t *testing.T) {
	// Both entry times undefined cannot legitimately happen.
	m, _ := newTestModel(t, rand.NewSource(2), nil)
	c := NewFacility("work_1")
	leaving, _ := pair(t, c, Susceptible, Contagious, "work", "work", EnteredBeforeDayStart, EnteredBeforeDayStart)
	err := m.ProcessLeave(leaving, c, 500)
	if err == nil || !strings.Contains(err.Error(), "entry times") {
		t.Fatalf("expected entry-time invariant error, got %v", err)
	}

	// Entry after the leave time yields a negative joint time.
	m2, _ := newTestModel(t, rand.NewSource(2), nil)
	c2 := NewFacility("work_1")
	leaving2, _ := pair(t, c2, Susceptible, Contagious, "work", "work", 0, 600)
	err = m2.ProcessLeave(leaving2, c2, 500)
	if err == nil || !strings.Contains(err.Error(), "joint time") {
		t.Fatalf("expected joint-time invariant error, got %v", err)
	}
}

func TestProcessLeave_EmptyPoolAndIrrelevantLeaver(t *testing.T) {
	m, sink := newTestModel(t, rand.NewSource(2), nil)

	c := NewFacility("work_1")
	alone := &Person{ID: "p1", Status: Contagious, Trajectory: []string{"work"}}
	if err := c.Enter(alone, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.ProcessLeave(alone, c, 500); err != nil {
		t.Fatal(err)
	}

	// Quarantined leaver is skipped by the default relevance model.
	c2 := NewFacility("work_2")
	leaving, contact := pair(t, c2, Contagious, Susceptible, "work", "work", 0, 0)
	leaving.Quarantined = true
	if err := m.ProcessLeave(leaving, c2, 500); err != nil {
		t.Fatal(err)
	}
	if contact.Status != Susceptible || len(sink.events) != 0 {
		t.Fatalf("quarantined leaver transmitted: %v, events=%d", contact.Status, len(sink.events))
	}
}
