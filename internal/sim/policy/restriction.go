package policy

import (
	"fmt"
	"math"
)

// Restriction is the active policy state for one activity category.
// All four fields are optional; a directive that only sets the remaining
// fraction leaves the other fields unset so that later folding via Update
// never clobbers them by accident.
//
// Restriction is a value type and all operations are pure: they return a
// new value and never mutate the receiver.
type Restriction struct {
	fraction    float64
	hasFraction bool

	exposure    float64
	hasExposure bool

	tier    Tier
	hasTier bool

	compliance    float64
	hasCompliance bool
}

// MergeConflict records a field where a merged payload disagreed with an
// already-set value. The existing value wins; the caller decides whether
// to log.
type MergeConflict struct {
	Field    string
	Existing any
	Incoming any
}

func (c MergeConflict) String() string {
	return fmt.Sprintf("duplicated %s: keeping %v, ignoring %v", c.Field, c.Existing, c.Incoming)
}

// None allows everything: full participation, neutral exposure, no
// required equipment. Compliance stays unset.
func None() Restriction {
	return Restriction{
		fraction: 1, hasFraction: true,
		exposure: 1, hasExposure: true,
		tier: TierNone, hasTier: true,
	}
}

// Opened is the directive form of Open: full participation and an
// explicit "no equipment required", leaving exposure and compliance unset.
func Opened() Restriction {
	return Restriction{fraction: 1, hasFraction: true, tier: TierNone, hasTier: true}
}

// Of creates a restriction that only reduces the remaining fraction.
func Of(fraction float64) (Restriction, error) {
	if err := checkFraction(fraction); err != nil {
		return Restriction{}, err
	}
	return Restriction{fraction: fraction, hasFraction: true}, nil
}

// OfTier creates a restriction with only a required equipment tier.
func OfTier(tier Tier) Restriction {
	return Restriction{tier: tier, hasTier: true}
}

// OfTierCompliance creates a restriction with a required equipment tier
// and a compliance rate for it.
func OfTierCompliance(tier Tier, compliance float64) (Restriction, error) {
	if err := checkUnit("compliance", compliance); err != nil {
		return Restriction{}, err
	}
	return Restriction{tier: tier, hasTier: true, compliance: compliance, hasCompliance: true}, nil
}

// OfExposure creates a restriction with only the exposure set.
func OfExposure(exposure float64) (Restriction, error) {
	if err := checkExposure(exposure); err != nil {
		return Restriction{}, err
	}
	return Restriction{exposure: exposure, hasExposure: true}, nil
}

// New creates a restriction with fraction, exposure and tier set.
func New(fraction, exposure float64, tier Tier) (Restriction, error) {
	if err := checkFraction(fraction); err != nil {
		return Restriction{}, err
	}
	if err := checkExposure(exposure); err != nil {
		return Restriction{}, err
	}
	return Restriction{
		fraction: fraction, hasFraction: true,
		exposure: exposure, hasExposure: true,
		tier: tier, hasTier: true,
	}, nil
}

func checkFraction(f float64) error {
	if math.IsNaN(f) || f < 0 || f > 1 {
		return fmt.Errorf("remaining fraction must be between 0 and 1 but is=%v", f)
	}
	return nil
}

func checkExposure(e float64) error {
	if math.IsNaN(e) || e < 0 {
		return fmt.Errorf("exposure must not be negative but is=%v", e)
	}
	return nil
}

func checkUnit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be between 0 and 1 but is=%v", name, v)
	}
	return nil
}

// RemainingFraction reports the fraction of activities still performed.
func (r Restriction) RemainingFraction() (float64, bool) { return r.fraction, r.hasFraction }

// Exposure reports the exposure multiplier during this activity.
func (r Restriction) Exposure() (float64, bool) { return r.exposure, r.hasExposure }

// RequiredTier reports the minimum equipment tier persons must wear.
func (r Restriction) RequiredTier() (Tier, bool) { return r.tier, r.hasTier }

// ComplianceRate reports the equipment compliance rate, overriding the
// scenario-wide default when set.
func (r Restriction) ComplianceRate() (float64, bool) { return r.compliance, r.hasCompliance }

// ExposureOrDefault returns the exposure, or 1 when unset.
func (r Restriction) ExposureOrDefault() float64 {
	if r.hasExposure {
		return r.exposure
	}
	return 1
}

// Update overlays other onto r: every field set in other overwrites the
// corresponding field of r.
func (r Restriction) Update(other Restriction) Restriction {
	if other.hasFraction {
		r.fraction, r.hasFraction = other.fraction, true
	}
	if other.hasExposure {
		r.exposure, r.hasExposure = other.exposure, true
	}
	if other.hasTier {
		r.tier, r.hasTier = other.tier, true
	}
	if other.hasCompliance {
		r.compliance, r.hasCompliance = other.compliance, true
	}
	return r
}

// Merge combines a serialized payload into r. Fields already set in r are
// kept; a set field that disagrees with the payload is reported as a
// conflict and the existing value wins.
func (r Restriction) Merge(m map[string]any) (Restriction, []MergeConflict, error) {
	other, err := FromMap(m)
	if err != nil {
		return r, nil, err
	}

	var conflicts []MergeConflict
	if r.hasFraction && other.hasFraction && r.fraction != other.fraction {
		conflicts = append(conflicts, MergeConflict{"fraction", r.fraction, other.fraction})
	} else if !r.hasFraction && other.hasFraction {
		r.fraction, r.hasFraction = other.fraction, true
	}

	if r.hasExposure && other.hasExposure && r.exposure != other.exposure {
		conflicts = append(conflicts, MergeConflict{"exposure", r.exposure, other.exposure})
	} else if !r.hasExposure && other.hasExposure {
		r.exposure, r.hasExposure = other.exposure, true
	}

	if r.hasTier && other.hasTier && r.tier != other.tier {
		conflicts = append(conflicts, MergeConflict{"tier", r.tier, other.tier})
	} else if !r.hasTier && other.hasTier {
		r.tier, r.hasTier = other.tier, true
	}

	if r.hasCompliance && other.hasCompliance && r.compliance != other.compliance {
		conflicts = append(conflicts, MergeConflict{"compliance", r.compliance, other.compliance})
	} else if !r.hasCompliance && other.hasCompliance {
		r.compliance, r.hasCompliance = other.compliance, true
	}

	return r, conflicts, nil
}

// FullShutdown forces the remaining fraction to 0, leaving every other
// field untouched.
func (r Restriction) FullShutdown() Restriction {
	r.fraction, r.hasFraction = 0, true
	return r
}

// Open fully reopens the activity and removes the equipment requirement.
// Exposure and compliance are untouched.
func (r Restriction) Open() Restriction {
	r.fraction, r.hasFraction = 1, true
	r.tier, r.hasTier = TierNone, true
	return r
}

// String is the stable identity used in reports and CSV output:
// "<fraction to 2 decimals>_<tier-name>". Unset fields render as NaN and
// null, matching the historical output surface.
func (r Restriction) String() string {
	frac := math.NaN()
	if r.hasFraction {
		frac = r.fraction
	}
	tier := "null"
	if r.hasTier {
		tier = r.tier.String()
	}
	return fmt.Sprintf("%.2f_%s", frac, tier)
}

// AsMap serializes r to the fixed four-key payload used whenever
// restriction state crosses a process or snapshot boundary. Unset fields
// serialize as nil. The keys and their types are part of the persisted
// contract and must not change.
func (r Restriction) AsMap() map[string]any {
	m := make(map[string]any, 4)
	m["fraction"] = nil
	m["exposure"] = nil
	m["tier"] = nil
	m["compliance"] = nil
	if r.hasFraction {
		m["fraction"] = r.fraction
	}
	if r.hasExposure {
		m["exposure"] = r.exposure
	}
	if r.hasTier {
		m["tier"] = r.tier.String()
	}
	if r.hasCompliance {
		m["compliance"] = r.compliance
	}
	return m
}

// FromMap is the inverse of AsMap. Absent keys and nil values both mean
// unset. Numeric values may arrive as float64 or int (JSON decoding).
func FromMap(m map[string]any) (Restriction, error) {
	var r Restriction

	f, ok, err := numField(m, "fraction")
	if err != nil {
		return Restriction{}, err
	}
	if ok {
		if err := checkFraction(f); err != nil {
			return Restriction{}, err
		}
		r.fraction, r.hasFraction = f, true
	}

	e, ok, err := numField(m, "exposure")
	if err != nil {
		return Restriction{}, err
	}
	if ok {
		if err := checkExposure(e); err != nil {
			return Restriction{}, err
		}
		r.exposure, r.hasExposure = e, true
	}

	if v, present := m["tier"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return Restriction{}, fmt.Errorf("tier must be a string, got %T", v)
		}
		t, err := ParseTier(s)
		if err != nil {
			return Restriction{}, err
		}
		r.tier, r.hasTier = t, true
	}

	c, ok, err := numField(m, "compliance")
	if err != nil {
		return Restriction{}, err
	}
	if ok {
		if err := checkUnit("compliance", c); err != nil {
			return Restriction{}, err
		}
		r.compliance, r.hasCompliance = c, true
	}

	return r, nil
}

func numField(m map[string]any, key string) (float64, bool, error) {
	v, present := m[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
