package domain

import "time"

// Dataset tags the source product a record came from.
type Dataset string

const (
	DatasetGencast Dataset = "gencast"
	DatasetGEFS    Dataset = "gefs"
	DatasetIFS     Dataset = "ifs"
)

// DeterministicEnsembleID is the default member id for runs without ensemble spread.
const DeterministicEnsembleID = "IFS"

// TimeKind selects how a record's forecast time is derived.
type TimeKind string

const (
	TimeKindStep     TimeKind = "step"
	TimeKindAbsolute TimeKind = "absolute"
)

// ForecastRecord is one normalized row of an ensemble forecast table.
type ForecastRecord struct {
	EnsembleID string
	Dataset    Dataset
	TimeKind   TimeKind

	BaseTime     time.Time
	StepIndex    *int       // set for step-based records
	AbsoluteTime *time.Time // set for absolute-time records

	Latitude  float64
	Longitude float64
	Pressure  float64 // hPa

	ForecastTime time.Time
}

// TrajectoryKey identifies one logical trajectory.
type TrajectoryKey struct {
	Dataset    Dataset
	EnsembleID string
}

func (r ForecastRecord) trajectory() TrajectoryKey {
	return TrajectoryKey{Dataset: r.Dataset, EnsembleID: r.EnsembleID}
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// MemberPoint is one point of a per-member time series.
type MemberPoint struct {
	ForecastTime time.Time `json:"forecast_time"`
	EnsembleID   string    `json:"ensemble_id"`
	Dataset      Dataset   `json:"dataset"`
	MeanPressure float64   `json:"mean_pressure"`
}

// SummaryPoint is one statistic computed over all members at a forecast time.
type SummaryPoint struct {
	ForecastTime time.Time `json:"forecast_time"`
	Statistic    Statistic `json:"statistic"`
	Value        float64   `json:"value"`
}

// TrajectoryPoint is one vertex of a trajectory path.
type TrajectoryPoint struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Pressure     float64   `json:"pressure"`
	ForecastTime time.Time `json:"forecast_time"`
}
