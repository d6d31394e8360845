// Package params holds the infection parameter catalog: per activity
// category (and per vehicle type) the contact intensity fed into the
// hazard function.
package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

type ActivityParams struct {
	// Category is the configured activity category name, e.g. "work" or
	// "leisure". Activity labels are matched against it by prefix, so a
	// label "work_part_time" resolves to the "work" entry.
	Category string `json:"category"`

	ContactIntensity float64 `json:"contact_intensity"`
}

// Catalog maps activity labels and vehicle container ids to their
// infection parameters.
type Catalog struct {
	ByCategory map[string]ActivityParams

	// Categories sorted by descending length so prefix matching picks
	// the most specific entry first.
	ordered []string

	Digest string
}

// Load reads params.json from the config directory.
func Load(configDir string) (*Catalog, error) {
	path := configDir + "/params.json"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("params.json: %w", err)
	}
	return c, nil
}

func Parse(raw []byte) (*Catalog, error) {
	var defs []ActivityParams
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, err
	}
	c := &Catalog{
		ByCategory: make(map[string]ActivityParams, len(defs)),
	}
	sum := sha256.Sum256(raw)
	c.Digest = hex.EncodeToString(sum[:])

	for _, d := range defs {
		if d.Category == "" {
			return nil, fmt.Errorf("empty category")
		}
		if d.ContactIntensity <= 0 {
			return nil, fmt.Errorf("category %s: contact intensity must be positive, is=%v", d.Category, d.ContactIntensity)
		}
		if _, dup := c.ByCategory[d.Category]; dup {
			return nil, fmt.Errorf("duplicate category %s", d.Category)
		}
		c.ByCategory[d.Category] = d
		c.ordered = append(c.ordered, d.Category)
	}
	sort.Slice(c.ordered, func(i, j int) bool {
		if len(c.ordered[i]) != len(c.ordered[j]) {
			return len(c.ordered[i]) > len(c.ordered[j])
		}
		return c.ordered[i] < c.ordered[j]
	})
	return c, nil
}

// Select resolves the parameters for an activity label or vehicle
// container id. Labels resolve to the longest configured category they
// start with. An unresolvable label is a configuration fault.
func (c *Catalog) Select(label string) (ActivityParams, error) {
	if p, ok := c.ByCategory[label]; ok {
		return p, nil
	}
	for _, cat := range c.ordered {
		if strings.HasPrefix(label, cat) {
			return c.ByCategory[cat], nil
		}
	}
	return ActivityParams{}, fmt.Errorf("no infection params for %q", label)
}

// Categories returns all configured category names, sorted.
func (c *Catalog) Categories() []string {
	out := make([]string, 0, len(c.ByCategory))
	for cat := range c.ByCategory {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}
