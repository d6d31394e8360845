package scenario

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	doc := []byte(`
name: lockdown-study
seed: 99
days: 30
sample_size: 0.1
tracking_enabled: true
`)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		t.Fatal(err)
	}

	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sc.Name != "lockdown-study" || sc.Seed != 99 || sc.Days != 30 {
		t.Fatalf("overrides not applied: %+v", sc)
	}
	if sc.SampleSize != 0.1 || !sc.TrackingEnabled {
		t.Fatalf("overrides not applied: %+v", sc)
	}
	// Untouched fields keep their defaults.
	if sc.StartDate != "2020-02-18" || sc.CalibrationParameter != 2.5e-5 {
		t.Fatalf("defaults clobbered: %+v", sc)
	}
	if sc.CatchAllCategory != "other" || sc.DefaultCompliance != 1.0 {
		t.Fatalf("defaults clobbered: %+v", sc)
	}
}

func TestValidate(t *testing.T) {
	bad := func(mutate func(*Scenario)) Scenario {
		sc := Defaults()
		mutate(&sc)
		return sc
	}
	cases := []Scenario{
		bad(func(s *Scenario) { s.SampleSize = 0 }),
		bad(func(s *Scenario) { s.SampleSize = 1.5 }),
		bad(func(s *Scenario) { s.CalibrationParameter = 0 }),
		bad(func(s *Scenario) { s.Days = 0 }),
		bad(func(s *Scenario) { s.DefaultCompliance = -0.1 }),
		bad(func(s *Scenario) { s.StartDate = "18.02.2020" }),
	}
	for i, sc := range cases {
		if err := sc.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, sc)
		}
	}
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestDateOfDay(t *testing.T) {
	sc := Defaults()
	d, err := sc.DateOfDay(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Format("2006-01-02"); got != "2020-02-18" {
		t.Fatalf("day 0 = %s", got)
	}
	d, err = sc.DateOfDay(12)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Format("2006-01-02"); got != "2020-03-01" {
		t.Fatalf("day 12 = %s, want 2020-03-01", got)
	}
}
