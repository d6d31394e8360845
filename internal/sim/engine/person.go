package engine

import "sort"

// DiseaseStatus is the disease state of a person. Transitions between
// the infected states are driven by an external progression model; the
// contact engine only reads statuses and performs the susceptible ->
// infectedButNotContagious transition on a successful transmission.
type DiseaseStatus int

const (
	Susceptible DiseaseStatus = iota
	InfectedButNotContagious
	Contagious
	ShowingSymptoms
	SeriouslySick
	Critical
	Recovered
)

var statusNames = [...]string{
	"susceptible",
	"infectedButNotContagious",
	"contagious",
	"showingSymptoms",
	"seriouslySick",
	"critical",
	"recovered",
}

func (s DiseaseStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Infectious reports whether a person in this state sheds virus.
func (s DiseaseStatus) Infectious() bool {
	switch s {
	case Contagious, ShowingSymptoms, SeriouslySick, Critical:
		return true
	default:
		return false
	}
}

// Person is a simulated agent. The contact engine never creates or
// destroys persons; it reads status and trajectory and may mark an
// infection or record a traceable contact.
type Person struct {
	ID string

	Status      DiseaseStatus
	Quarantined bool

	// Trajectory holds the day's activity labels in order; TrajectoryPos
	// is the cursor into it, advanced by the trip feed.
	Trajectory    []string
	TrajectoryPos int

	traceableContacts map[string]*Person
}

// CurrentActivity returns the activity label at the trajectory cursor.
func (p *Person) CurrentActivity() string {
	if p.TrajectoryPos < 0 || p.TrajectoryPos >= len(p.Trajectory) {
		return ""
	}
	return p.Trajectory[p.TrajectoryPos]
}

// AddTraceableContact records other as a traceable contact. Re-adding an
// existing contact is a no-op.
func (p *Person) AddTraceableContact(other *Person) {
	if p.traceableContacts == nil {
		p.traceableContacts = map[string]*Person{}
	}
	p.traceableContacts[other.ID] = other
}

// TraceableContacts returns the ids of recorded contacts, sorted.
func (p *Person) TraceableContacts() []string {
	out := make([]string, 0, len(p.traceableContacts))
	for id := range p.traceableContacts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClearTraceableContacts drops the recorded contacts (tracing window
// rollover, managed by the external tracing bookkeeping).
func (p *Person) ClearTraceableContacts() {
	p.traceableContacts = nil
}
