package engine

import "fmt"

// Kind tags a container as a transit vehicle or a facility. The enum is
// closed: every switch over it must handle both cases and fail on
// anything else.
type Kind int

const (
	KindVehicle Kind = iota
	KindFacility
)

func (k Kind) String() string {
	switch k {
	case KindVehicle:
		return "vehicle"
	case KindFacility:
		return "facility"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EnteredBeforeDayStart is the entry-time sentinel for persons who have
// been in the container since before the first recorded activity of the
// day.
const EnteredBeforeDayStart = -1.0

// Container is a shared physical space for one simulated day segment:
// the insertion-ordered set of present persons plus, per person, the
// second-of-day they entered.
type Container struct {
	id   string
	kind Kind

	persons    []*Person
	entryTimes map[string]float64
}

func NewVehicle(id string) *Container {
	return &Container{id: id, kind: KindVehicle, entryTimes: map[string]float64{}}
}

func NewFacility(id string) *Container {
	return &Container{id: id, kind: KindFacility, entryTimes: map[string]float64{}}
}

func (c *Container) ID() string { return c.id }
func (c *Container) Kind() Kind { return c.kind }
func (c *Container) Size() int  { return len(c.persons) }

// Enter adds a person at the given second of day. Entering a container
// the person is already in is a bookkeeping fault and fails; upstream
// must not mask it.
func (c *Container) Enter(p *Person, t float64) error {
	if _, present := c.entryTimes[p.ID]; present {
		return fmt.Errorf("person %s already in container %s", p.ID, c.id)
	}
	c.persons = append(c.persons, p)
	c.entryTimes[p.ID] = t
	return nil
}

// EnterBeforeDayStart adds a person whose presence predates the first
// recorded activity of the day.
func (c *Container) EnterBeforeDayStart(p *Person) error {
	return c.Enter(p, EnteredBeforeDayStart)
}

// Leave removes a person and its entry-time record.
func (c *Container) Leave(p *Person) error {
	if _, present := c.entryTimes[p.ID]; !present {
		return fmt.Errorf("person %s not in container %s", p.ID, c.id)
	}
	delete(c.entryTimes, p.ID)
	for i, o := range c.persons {
		if o.ID == p.ID {
			c.persons = append(c.persons[:i], c.persons[i+1:]...)
			break
		}
	}
	return nil
}

// Persons returns the current occupants in insertion order. The returned
// slice is a copy; sampling mutates its own working set.
func (c *Container) Persons() []*Person {
	out := make([]*Person, len(c.persons))
	copy(out, c.persons)
	return out
}

// EnterTimeOf returns the recorded entry time, or EnteredBeforeDayStart
// for persons present since before the day started.
func (c *Container) EnterTimeOf(personID string) float64 {
	if t, ok := c.entryTimes[personID]; ok {
		return t
	}
	return EnteredBeforeDayStart
}

// Clear recycles the container at day rollover.
func (c *Container) Clear() {
	c.persons = c.persons[:0]
	c.entryTimes = map[string]float64{}
}
