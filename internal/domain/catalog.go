package domain

import (
	"sort"
	"time"
)

// Catalog summarizes what a record set contains, for building selectors.
type Catalog struct {
	Records     int       `json:"records"`
	Datasets    []Dataset `json:"datasets"`
	EnsembleIDs []string  `json:"ensemble_ids"`
	Latitude    Range     `json:"latitude"`
	Longitude   Range     `json:"longitude"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Describe computes the catalog of records. An empty input yields a zero
// catalog with empty (non-nil) lists.
func Describe(records []ForecastRecord) Catalog {
	c := Catalog{Datasets: []Dataset{}, EnsembleIDs: []string{}}
	if len(records) == 0 {
		return c
	}

	datasets := make(map[Dataset]struct{})
	members := make(map[string]struct{})

	first := records[0]
	c.Latitude = Range{Min: first.Latitude, Max: first.Latitude}
	c.Longitude = Range{Min: first.Longitude, Max: first.Longitude}
	c.Start, c.End = first.ForecastTime, first.ForecastTime

	for i := range records {
		r := &records[i]
		datasets[r.Dataset] = struct{}{}
		members[r.EnsembleID] = struct{}{}
		c.Latitude.Min = min(c.Latitude.Min, r.Latitude)
		c.Latitude.Max = max(c.Latitude.Max, r.Latitude)
		c.Longitude.Min = min(c.Longitude.Min, r.Longitude)
		c.Longitude.Max = max(c.Longitude.Max, r.Longitude)
		if r.ForecastTime.Before(c.Start) {
			c.Start = r.ForecastTime
		}
		if r.ForecastTime.After(c.End) {
			c.End = r.ForecastTime
		}
	}

	c.Records = len(records)
	for d := range datasets {
		c.Datasets = append(c.Datasets, d)
	}
	sort.Slice(c.Datasets, func(i, j int) bool { return c.Datasets[i] < c.Datasets[j] })
	for m := range members {
		c.EnsembleIDs = append(c.EnsembleIDs, m)
	}
	sort.Slice(c.EnsembleIDs, func(i, j int) bool {
		return CompareEnsembleIDs(c.EnsembleIDs[i], c.EnsembleIDs[j]) < 0
	})
	return c
}
