package domain

// Filter returns the records whose ensemble id is in ensembleIDs and whose
// coordinates fall inside both inclusive ranges. Input order is preserved and
// the input slice is never modified. An empty id set matches nothing.
func Filter(records []ForecastRecord, ensembleIDs []string, lat, lon Range) []ForecastRecord {
	out := []ForecastRecord{}
	if len(ensembleIDs) == 0 {
		return out
	}

	keep := make(map[string]struct{}, len(ensembleIDs))
	for _, id := range ensembleIDs {
		keep[id] = struct{}{}
	}

	for i := range records {
		r := &records[i]
		if _, ok := keep[r.EnsembleID]; !ok {
			continue
		}
		if !lat.Contains(r.Latitude) || !lon.Contains(r.Longitude) {
			continue
		}
		out = append(out, *r)
	}
	return out
}
