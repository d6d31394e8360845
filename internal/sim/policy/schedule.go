package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Directive is one policy change: from EffectiveDate on, the partial
// restriction is folded onto the category's current state.
type Directive struct {
	EffectiveDate time.Time
	Category      string
	Restriction   Restriction
}

// Schedule is an ordered list of directives. Directives are kept sorted
// by effective date; directives sharing a date keep insertion order so
// later additions win.
type Schedule struct {
	directives []Directive
}

// Restrict appends a directive for each given category.
func (s Schedule) Restrict(date time.Time, r Restriction, categories ...string) Schedule {
	for _, cat := range categories {
		s.directives = append(s.directives, Directive{EffectiveDate: date, Category: cat, Restriction: r})
	}
	sort.SliceStable(s.directives, func(i, j int) bool {
		return s.directives[i].EffectiveDate.Before(s.directives[j].EffectiveDate)
	})
	return s
}

// Directives returns the directives in chronological order.
func (s Schedule) Directives() []Directive {
	out := make([]Directive, len(s.directives))
	copy(out, s.directives)
	return out
}

// Registry derives the active restriction per activity category from a
// schedule. It holds no incremental state: every ApplyOn folds the full
// schedule from scratch, so replays and snapshot restores always see the
// same result for the same date.
type Registry struct {
	schedule   Schedule
	categories []string
	catchAll   string
}

func NewRegistry(schedule Schedule, categories []string, catchAll string) *Registry {
	cats := make([]string, 0, len(categories)+1)
	seen := map[string]bool{}
	for _, c := range append(categories, catchAll) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cats = append(cats, c)
	}
	return &Registry{schedule: schedule, categories: cats, catchAll: catchAll}
}

// ApplyOn rebuilds the category map for the given date: each category
// starts from None and every directive with an effective date on or
// before the given date is applied in chronological order.
func (reg *Registry) ApplyOn(date time.Time) Snapshot {
	m := make(map[string]Restriction, len(reg.categories))
	for _, cat := range reg.categories {
		m[cat] = None()
	}
	for _, d := range reg.schedule.directives {
		if d.EffectiveDate.After(date) {
			break
		}
		cur, ok := m[d.Category]
		if !ok {
			cur = None()
		}
		m[d.Category] = cur.Update(d.Restriction)
	}
	return Snapshot{m: m, catchAll: reg.catchAll}
}

// Snapshot is the read-only category view the engine consults for one
// simulated day. Lookups for unknown categories fall back to the
// catch-all entry.
type Snapshot struct {
	m        map[string]Restriction
	catchAll string
}

func (s Snapshot) Get(category string) Restriction {
	if r, ok := s.m[category]; ok {
		return r
	}
	if r, ok := s.m[s.catchAll]; ok {
		return r
	}
	return None()
}

// Categories returns the configured category names in sorted order.
func (s Snapshot) Categories() []string {
	out := make([]string, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

//go:embed schedule.schema.json
var scheduleSchema string

type scheduleDoc struct {
	Directives []directiveDoc `json:"directives"`
}

type directiveDoc struct {
	Date       string   `json:"date"`
	Categories []string `json:"categories"`

	Fraction   *float64 `json:"fraction,omitempty"`
	Exposure   *float64 `json:"exposure,omitempty"`
	Tier       *string  `json:"tier,omitempty"`
	Compliance *float64 `json:"compliance,omitempty"`
}

// LoadSchedule reads a schedule JSON document, validates it against the
// embedded schema and parses it into a Schedule.
func LoadSchedule(path string) (Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, err
	}
	return ParseSchedule(raw)
}

func ParseSchedule(raw []byte) (Schedule, error) {
	schema, err := jsonschema.CompileString("schedule.schema.json", scheduleSchema)
	if err != nil {
		return Schedule{}, fmt.Errorf("compile schedule schema: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Schedule{}, fmt.Errorf("schedule: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return Schedule{}, fmt.Errorf("schedule: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc scheduleDoc
	if err := dec.Decode(&doc); err != nil {
		return Schedule{}, fmt.Errorf("schedule: %w", err)
	}

	var s Schedule
	for i, d := range doc.Directives {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule directive %d: %w", i, err)
		}
		r, err := restrictionFromDoc(d)
		if err != nil {
			return Schedule{}, fmt.Errorf("schedule directive %d: %w", i, err)
		}
		s = s.Restrict(date, r, d.Categories...)
	}
	return s, nil
}

func restrictionFromDoc(d directiveDoc) (Restriction, error) {
	m := map[string]any{}
	if d.Fraction != nil {
		m["fraction"] = *d.Fraction
	}
	if d.Exposure != nil {
		m["exposure"] = *d.Exposure
	}
	if d.Tier != nil {
		m["tier"] = *d.Tier
	}
	if d.Compliance != nil {
		m["compliance"] = *d.Compliance
	}
	return FromMap(m)
}
