package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StatisticKind enumerates the supported cross-ensemble aggregates.
type StatisticKind string

const (
	StatMean       StatisticKind = "mean"
	StatMedian     StatisticKind = "median"
	StatPercentile StatisticKind = "percentile"
)

// Statistic is a requested aggregate. Percentile is only meaningful for
// StatPercentile and is expressed in [0, 100].
type Statistic struct {
	Kind       StatisticKind
	Percentile float64
}

// Mean, Median and Percentile build the supported statistics.
func Mean() Statistic { return Statistic{Kind: StatMean} }

func Median() Statistic { return Statistic{Kind: StatMedian} }

func Percentile(p float64) Statistic { return Statistic{Kind: StatPercentile, Percentile: p} }

// String renders the statistic in the form accepted by ParseStatistic.
func (s Statistic) String() string {
	if s.Kind == StatPercentile {
		return "p" + strconv.FormatFloat(s.Percentile, 'f', -1, 64)
	}
	return string(s.Kind)
}

func (s Statistic) MarshalText() ([]byte, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *Statistic) UnmarshalText(text []byte) error {
	parsed, err := ParseStatistic(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Statistic) validate() error {
	switch s.Kind {
	case StatMean, StatMedian:
		return nil
	case StatPercentile:
		if math.IsNaN(s.Percentile) || s.Percentile < 0 || s.Percentile > 100 {
			return fmt.Errorf("%w: percentile %g outside [0, 100]", ErrUnsupportedStatistic, s.Percentile)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedStatistic, s.Kind)
	}
}

// ParseStatistic accepts "mean", "median", "p90", "percentile(90)" and the
// quantile form "q0.9". Anything else fails with ErrUnsupportedStatistic.
func ParseStatistic(s string) (Statistic, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	var stat Statistic

	switch {
	case raw == string(StatMean):
		stat = Mean()
	case raw == string(StatMedian):
		stat = Median()
	case strings.HasPrefix(raw, "percentile(") && strings.HasSuffix(raw, ")"):
		p, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimPrefix(raw, "percentile("), ")"), 64)
		if err != nil {
			return Statistic{}, fmt.Errorf("%w: %q", ErrUnsupportedStatistic, s)
		}
		stat = Percentile(p)
	case strings.HasPrefix(raw, "p") && len(raw) > 1:
		p, err := strconv.ParseFloat(raw[1:], 64)
		if err != nil {
			return Statistic{}, fmt.Errorf("%w: %q", ErrUnsupportedStatistic, s)
		}
		stat = Percentile(p)
	case strings.HasPrefix(raw, "q") && len(raw) > 1:
		q, err := strconv.ParseFloat(raw[1:], 64)
		if err != nil {
			return Statistic{}, fmt.Errorf("%w: %q", ErrUnsupportedStatistic, s)
		}
		stat = Percentile(q * 100)
	default:
		return Statistic{}, fmt.Errorf("%w: %q", ErrUnsupportedStatistic, s)
	}

	if err := stat.validate(); err != nil {
		return Statistic{}, err
	}
	return stat, nil
}

// ParseStatistics parses every entry, failing on the first unsupported one.
func ParseStatistics(values []string) ([]Statistic, error) {
	stats := make([]Statistic, 0, len(values))
	for _, v := range values {
		s, err := ParseStatistic(v)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// SummaryStatistics groups records by forecast time across all members and
// datasets, and computes each requested statistic over the group's pressures.
// Output is sorted by forecast time, then by the order of stats. The whole
// request fails if any statistic is unsupported.
func SummaryStatistics(records []ForecastRecord, stats []Statistic) ([]SummaryPoint, error) {
	for _, s := range stats {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	groups := make(map[int64][]float64)
	times := make(map[int64]time.Time)
	for i := range records {
		key := records[i].ForecastTime.UnixNano()
		if _, ok := times[key]; !ok {
			times[key] = records[i].ForecastTime
		}
		groups[key] = append(groups[key], records[i].Pressure)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]SummaryPoint, 0, len(keys)*len(stats))
	for _, k := range keys {
		values := groups[k]
		sort.Float64s(values)
		for _, s := range stats {
			out = append(out, SummaryPoint{
				ForecastTime: times[k],
				Statistic:    s,
				Value:        computeStatistic(values, s),
			})
		}
	}
	return out, nil
}

// computeStatistic expects sorted, non-empty values.
func computeStatistic(sorted []float64, s Statistic) float64 {
	switch s.Kind {
	case StatMean:
		return mean(sorted)
	case StatMedian:
		return quantile(sorted, 0.5)
	default:
		return quantile(sorted, s.Percentile/100)
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// quantile interpolates linearly between order statistics at h = (n-1)q.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * q
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[hi]-sorted[lo])
}
