package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type memberBucket struct {
	traj TrajectoryKey
	at   int64
}

type memberAccumulator struct {
	forecastTime time.Time
	sum          float64
	count        int
}

// PerMemberSeries collapses records sharing (forecast time, ensemble id,
// dataset) to their mean pressure. The result is grouped by trajectory
// (dataset, then ensemble id) and sorted by forecast time inside each group.
func PerMemberSeries(records []ForecastRecord) []MemberPoint {
	buckets := make(map[memberBucket]*memberAccumulator)
	byTrajectory := make(map[TrajectoryKey][]memberBucket)

	for i := range records {
		r := &records[i]
		b := memberBucket{traj: r.trajectory(), at: r.ForecastTime.UnixNano()}
		acc, ok := buckets[b]
		if !ok {
			acc = &memberAccumulator{forecastTime: r.ForecastTime}
			buckets[b] = acc
			byTrajectory[b.traj] = append(byTrajectory[b.traj], b)
		}
		acc.sum += r.Pressure
		acc.count++
	}

	trajectories := make([]TrajectoryKey, 0, len(byTrajectory))
	for k := range byTrajectory {
		trajectories = append(trajectories, k)
	}
	sortTrajectories(trajectories)

	out := make([]MemberPoint, 0, len(buckets))
	for _, traj := range trajectories {
		bs := byTrajectory[traj]
		sort.Slice(bs, func(i, j int) bool { return bs[i].at < bs[j].at })
		for _, b := range bs {
			acc := buckets[b]
			out = append(out, MemberPoint{
				ForecastTime: acc.forecastTime,
				EnsembleID:   traj.EnsembleID,
				Dataset:      traj.Dataset,
				MeanPressure: acc.sum / float64(acc.count),
			})
		}
	}
	return out
}

// TrajectoryGeometry returns the path of one trajectory ordered by forecast
// time. Rows sharing a forecast time keep their input order. A trajectory with
// fewer than two distinct forecast times yields ErrInsufficientPoints.
func TrajectoryGeometry(records []ForecastRecord, ensembleID string, dataset Dataset) ([]TrajectoryPoint, error) {
	var points []TrajectoryPoint
	distinct := make(map[int64]struct{})
	for i := range records {
		r := &records[i]
		if r.EnsembleID != ensembleID || r.Dataset != dataset {
			continue
		}
		distinct[r.ForecastTime.UnixNano()] = struct{}{}
		points = append(points, TrajectoryPoint{
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			Pressure:     r.Pressure,
			ForecastTime: r.ForecastTime,
		})
	}

	if len(distinct) < 2 {
		return nil, fmt.Errorf("%w: trajectory %s/%s has %d distinct forecast times",
			ErrInsufficientPoints, dataset, ensembleID, len(distinct))
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].ForecastTime.Before(points[j].ForecastTime)
	})
	return points, nil
}

// OrderViolation records a row whose forecast time precedes an earlier row of
// the same trajectory.
type OrderViolation struct {
	Trajectory TrajectoryKey
	Index      int
	Previous   time.Time
	Current    time.Time
}

func (v OrderViolation) String() string {
	return fmt.Sprintf("%s/%s row %d: %s after %s", v.Trajectory.Dataset, v.Trajectory.EnsembleID,
		v.Index, v.Current.Format(time.RFC3339), v.Previous.Format(time.RFC3339))
}

// CheckTrajectoryOrder reports every row whose forecast time decreases
// relative to the latest time already seen for its trajectory.
func CheckTrajectoryOrder(records []ForecastRecord) []OrderViolation {
	latest := make(map[TrajectoryKey]time.Time)
	var violations []OrderViolation
	for i := range records {
		r := &records[i]
		key := r.trajectory()
		prev, seen := latest[key]
		if seen && r.ForecastTime.Before(prev) {
			violations = append(violations, OrderViolation{
				Trajectory: key,
				Index:      i,
				Previous:   prev,
				Current:    r.ForecastTime,
			})
			continue
		}
		latest[key] = r.ForecastTime
	}
	return violations
}

func sortTrajectories(keys []TrajectoryKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Dataset != keys[j].Dataset {
			return keys[i].Dataset < keys[j].Dataset
		}
		return CompareEnsembleIDs(keys[i].EnsembleID, keys[j].EnsembleID) < 0
	})
}

// CompareEnsembleIDs orders numeric member ids numerically and before any
// non-numeric id such as the deterministic sentinel.
func CompareEnsembleIDs(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return strings.Compare(a, b)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
