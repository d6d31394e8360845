// Package scenario loads the run configuration for one simulation.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Scenario struct {
	Name string `yaml:"name"`
	Seed int64  `yaml:"seed"`

	StartDate string `yaml:"start_date"`
	Days      int    `yaml:"days"`

	// SampleSize is the fraction of the real population the simulated
	// agents represent, in (0,1].
	SampleSize float64 `yaml:"sample_size"`

	// CalibrationParameter is the single global scalar tuning overall
	// transmission against observed data.
	CalibrationParameter float64 `yaml:"calibration_parameter"`

	// TrackingEnabled turns on contact tracing bookkeeping, which is
	// considerably slower.
	TrackingEnabled bool `yaml:"tracking_enabled"`

	// InitialInfections seeds this many infections on day 0.
	InitialInfections int `yaml:"initial_infections"`

	// DefaultCompliance is the equipment compliance rate used when the
	// active restriction does not set one.
	DefaultCompliance float64 `yaml:"default_compliance"`

	// CatchAllCategory is the registry entry consulted for activity
	// categories without their own restriction.
	CatchAllCategory string `yaml:"catch_all_category"`
}

func Defaults() Scenario {
	return Scenario{
		Name:                 "base",
		Seed:                 4711,
		StartDate:            "2020-02-18",
		Days:                 90,
		SampleSize:           0.25,
		CalibrationParameter: 2.5e-5,
		InitialInfections:    10,
		DefaultCompliance:    1.0,
		CatchAllCategory:     "other",
	}
}

func Load(path string) (Scenario, error) {
	s := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("scenario: %w", err)
	}
	return s, nil
}

func (s Scenario) Validate() error {
	if s.SampleSize <= 0 || s.SampleSize > 1 {
		return fmt.Errorf("sample_size must be in (0,1] but is=%v", s.SampleSize)
	}
	if s.CalibrationParameter <= 0 {
		return fmt.Errorf("calibration_parameter must be positive but is=%v", s.CalibrationParameter)
	}
	if s.Days <= 0 {
		return fmt.Errorf("days must be positive but is=%d", s.Days)
	}
	if s.DefaultCompliance < 0 || s.DefaultCompliance > 1 {
		return fmt.Errorf("default_compliance must be between 0 and 1 but is=%v", s.DefaultCompliance)
	}
	if _, err := s.Start(); err != nil {
		return err
	}
	return nil
}

// Start parses the configured start date.
func (s Scenario) Start() (time.Time, error) {
	d, err := time.Parse("2006-01-02", s.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	return d, nil
}

// DateOfDay maps a simulated day index onto the calendar.
func (s Scenario) DateOfDay(day int) (time.Time, error) {
	start, err := s.Start()
	if err != nil {
		return time.Time{}, err
	}
	return start.AddDate(0, 0, day), nil
}
