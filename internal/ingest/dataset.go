package ingest

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// Columns maps canonical record fields to a dataset's CSV header names.
// Ensemble is empty for deterministic products.
type Columns struct {
	Ensemble     string `yaml:"ensemble"`
	BaseTime     string `yaml:"base_time"`
	Step         string `yaml:"step"`
	AbsoluteTime string `yaml:"absolute_time"`
	Latitude     string `yaml:"latitude"`
	Longitude    string `yaml:"longitude"`
	Pressure     string `yaml:"pressure"`
}

// DatasetSpec describes how one source product is normalized into
// domain.ForecastRecord values.
type DatasetSpec struct {
	Name     domain.Dataset  `yaml:"-"`
	Prefix   string          `yaml:"prefix"` // object-storage prefix holding this dataset's files
	TimeKind domain.TimeKind `yaml:"time_kind"`
	Columns  Columns         `yaml:"columns"`

	// PressureScale converts the raw pressure column to hPa (0.01 for Pa).
	PressureScale   float64       `yaml:"pressure_scale"`
	StepDuration    time.Duration `yaml:"step_duration"`
	DeterministicID string        `yaml:"deterministic_id"`
}

// Validate reports whether s can drive ParseCSV.
func (s DatasetSpec) Validate() error {
	if s.Name == "" {
		return errors.New("dataset name is required")
	}
	if s.PressureScale <= 0 {
		return fmt.Errorf("dataset %s: pressure_scale must be positive", s.Name)
	}
	if s.Columns.Latitude == "" || s.Columns.Longitude == "" || s.Columns.Pressure == "" {
		return fmt.Errorf("dataset %s: latitude, longitude and pressure columns are required", s.Name)
	}
	switch s.TimeKind {
	case domain.TimeKindStep:
		if s.Columns.BaseTime == "" || s.Columns.Step == "" {
			return fmt.Errorf("dataset %s: step datasets need base_time and step columns", s.Name)
		}
		if s.StepDuration <= 0 {
			return fmt.Errorf("dataset %s: step_duration must be positive", s.Name)
		}
	case domain.TimeKindAbsolute:
		if s.Columns.AbsoluteTime == "" {
			return fmt.Errorf("dataset %s: absolute datasets need an absolute_time column", s.Name)
		}
	default:
		return fmt.Errorf("dataset %s: unknown time_kind %q", s.Name, s.TimeKind)
	}
	return nil
}

func (s DatasetSpec) memberID() string {
	if s.DeterministicID != "" {
		return s.DeterministicID
	}
	return domain.DeterministicEnsembleID
}

// Registry holds the dataset specs known to the service.
type Registry struct {
	specs map[domain.Dataset]DatasetSpec
}

// DefaultRegistry returns the built-in dataset specs.
//
// Gencast MSLP exports store pressure in Pa with 12-hour steps. GEFS exports
// carry a valid time and Pa. IFS track exports carry the precomputed minimum
// MSLP already in hPa.
func DefaultRegistry() *Registry {
	r := &Registry{specs: make(map[domain.Dataset]DatasetSpec)}
	r.put(DatasetSpec{
		Name:     domain.DatasetGencast,
		Prefix:   "gencast_mslp/",
		TimeKind: domain.TimeKindStep,
		Columns: Columns{
			Ensemble:  "Sample",
			BaseTime:  "Datetime",
			Step:      "Time_Step",
			Latitude:  "Latitude",
			Longitude: "Longitude",
			Pressure:  "MSLP",
		},
		PressureScale: 0.01,
		StepDuration:  12 * time.Hour,
	})
	r.put(DatasetSpec{
		Name:     domain.DatasetGEFS,
		Prefix:   "gefs_mslp/",
		TimeKind: domain.TimeKindAbsolute,
		Columns: Columns{
			Ensemble:     "Member",
			BaseTime:     "Init_Time",
			AbsoluteTime: "Valid_Time",
			Latitude:     "Latitude",
			Longitude:    "Longitude",
			Pressure:     "MSLP",
		},
		PressureScale: 0.01,
	})
	r.put(DatasetSpec{
		Name:     domain.DatasetIFS,
		Prefix:   "ifs_mslp/",
		TimeKind: domain.TimeKindAbsolute,
		Columns: Columns{
			BaseTime:     "Init_Time",
			AbsoluteTime: "Valid_Time",
			Latitude:     "Latitude",
			Longitude:    "Longitude",
			Pressure:     "Min_MSLP",
		},
		PressureScale:   1,
		DeterministicID: domain.DeterministicEnsembleID,
	})
	return r
}

func (r *Registry) put(s DatasetSpec) {
	r.specs[s.Name] = s
}

// Get returns the DatasetSpec registered for name.
func (r *Registry) Get(name domain.Dataset) (DatasetSpec, error) {
	s, ok := r.specs[name]
	if !ok {
		return DatasetSpec{}, fmt.Errorf("unknown dataset %q", name)
	}
	return s, nil
}

// Datasets returns the registered dataset names in sorted order.
func (r *Registry) Datasets() []domain.Dataset {
	names := make([]domain.Dataset, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

type registryFile struct {
	Datasets map[string]DatasetSpec `yaml:"datasets"`
}

// LoadRegistry returns the default registry overlaid with the datasets
// declared in the YAML file at path. An empty path yields the defaults.
// A dataset named in the file replaces the built-in spec entirely.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read datasets file: %w", err)
	}
	if err := r.overlay(data); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) overlay(data []byte) error {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse datasets file: %w", err)
	}
	for name, spec := range file.Datasets {
		spec.Name = domain.Dataset(name)
		if err := spec.Validate(); err != nil {
			return err
		}
		r.put(spec)
	}
	return nil
}
