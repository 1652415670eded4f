// Command validate performs data integrity checks on dataset CSV exports
// before they are uploaded to the forecast bucket. It verifies that every row
// normalizes, trajectories are time-ordered, pressures look like hPa after
// the dataset's unit factor, and the ensemble statistics are self-consistent.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -dataset gencast \
//	  -dir data/gencast_mslp
package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// file is one parsed export.
type file struct {
	name   string
	result ingest.Result
}

func main() {
	dataset := flag.String("dataset", "", "dataset name the exports belong to")
	datasetsFile := flag.String("datasets-file", "", "optional YAML dataset overlay")
	dir := flag.String("dir", "", "directory containing the dataset's CSV exports")
	flag.Parse()

	if *dataset == "" || *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(domain.Dataset(*dataset), *datasetsFile, *dir); code != 0 {
		os.Exit(code)
	}
}

func run(dataset domain.Dataset, datasetsFile, dir string) int {
	fmt.Println("=== Ensemble Forecast Integrity Validation ===")
	fmt.Println()

	registry, err := ingest.LoadRegistry(datasetsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load datasets: %v\n", err)
		return 1
	}
	spec, err := registry.Get(dataset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	files, err := loadAll(dir, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load CSVs: %v\n", err)
		return 1
	}

	// ── Run validation phases ──
	phases := []*phase{
		validateParsing(files),
		validateTrajectoryOrder(files),
		validatePressureUnits(files, spec),
		validateStatistics(files),
		validateTrajectories(files),
	}

	// ── Report results ──
	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	catalog := domain.Describe(allRecords(files))
	fmt.Println()
	fmt.Printf("Files: %d, records: %d, members: %d\n", len(files), catalog.Records, len(catalog.EnsembleIDs))
	if catalog.Records > 0 {
		fmt.Printf("Forecast times: %s .. %s\n", catalog.Start.Format(time.RFC3339), catalog.End.Format(time.RFC3339))
		fmt.Printf("Extent: lat %g..%g, lon %g..%g\n",
			catalog.Latitude.Min, catalog.Latitude.Max, catalog.Longitude.Min, catalog.Longitude.Max)
	}

	// Print detailed errors.
	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadAll(dir string, spec ingest.DatasetSpec) ([]file, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CSV files in %s", dir)
	}
	sort.Strings(paths)

	files := make([]file, 0, len(paths))
	for _, path := range paths {
		res, err := parse(path, spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		files = append(files, file{name: filepath.Base(path), result: res})
	}
	return files, nil
}

func parse(path string, spec ingest.DatasetSpec) (ingest.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Result{}, err
	}
	defer f.Close()
	return ingest.ParseCSV(f, spec)
}

func allRecords(files []file) []domain.ForecastRecord {
	var n int
	for _, f := range files {
		n += len(f.result.Records)
	}
	out := make([]domain.ForecastRecord, 0, n)
	for _, f := range files {
		out = append(out, f.result.Records...)
	}
	return out
}

// ── Phase 1: Parsing ──
// Every row must normalize into a record.

func validateParsing(files []file) *phase {
	p := &phase{name: "Phase 1: Parsing (row normalization)"}
	for _, f := range files {
		if len(f.result.Records) == 0 {
			p.errorf("%s: no valid rows", f.name)
		}
		for _, rej := range f.result.Rejected {
			p.errorf("%s %v", f.name, rej)
		}
	}
	return p
}

// ── Phase 2: Trajectory Order ──
// Rows of one trajectory must be sorted by forecast time within a file.

func validateTrajectoryOrder(files []file) *phase {
	p := &phase{name: "Phase 2: Trajectory Order (forecast time)"}
	for _, f := range files {
		for _, v := range domain.CheckTrajectoryOrder(f.result.Records) {
			p.errorf("%s: %s", f.name, v)
		}
	}
	return p
}

// ── Phase 3: Pressure Units ──
// Normalized pressure must fall in the sea-level hPa window.

func validatePressureUnits(files []file, spec ingest.DatasetSpec) *phase {
	p := &phase{name: "Phase 3: Pressure Units (hPa)"}
	for _, f := range files {
		var bad int
		var sample float64
		for i := range f.result.Records {
			if v := f.result.Records[i].Pressure; !ingest.PlausiblePressure(v) {
				if bad == 0 {
					sample = v
				}
				bad++
			}
		}
		if bad > 0 {
			p.errorf("%s: %d of %d records outside hPa range (first %g, pressure_scale %g)",
				f.name, bad, len(f.result.Records), sample, spec.PressureScale)
		}
	}
	return p
}

// ── Phase 4: Statistics ──
// At every forecast time min <= p10 <= median <= p90 <= max and the mean lies
// between min and max.

var checkedStats = []domain.Statistic{
	domain.Percentile(0),
	domain.Percentile(10),
	domain.Median(),
	domain.Percentile(90),
	domain.Percentile(100),
	domain.Mean(),
}

func validateStatistics(files []file) *phase {
	p := &phase{name: "Phase 4: Statistics (ensemble summary)"}

	points, err := domain.SummaryStatistics(allRecords(files), checkedStats)
	if err != nil {
		p.errorf("summary statistics: %v", err)
		return p
	}

	byTime := make(map[time.Time][]float64)
	var times []time.Time
	for _, pt := range points {
		if _, ok := byTime[pt.ForecastTime]; !ok {
			times = append(times, pt.ForecastTime)
		}
		byTime[pt.ForecastTime] = append(byTime[pt.ForecastTime], pt.Value)
	}

	for _, t := range times {
		v := byTime[t]
		if len(v) != len(checkedStats) {
			p.errorf("%s: expected %d statistics, got %d", t.Format(time.RFC3339), len(checkedStats), len(v))
			continue
		}
		for i := 1; i < 5; i++ {
			if v[i] < v[i-1] {
				p.errorf("%s: %s=%g below %s=%g", t.Format(time.RFC3339),
					checkedStats[i], v[i], checkedStats[i-1], v[i-1])
			}
		}
		if mean := v[5]; mean < v[0] || mean > v[4] || math.IsNaN(mean) {
			p.errorf("%s: mean %g outside [%g, %g]", t.Format(time.RFC3339), mean, v[0], v[4])
		}
	}
	return p
}

// ── Phase 5: Trajectories ──
// Every member should have a drawable path.

func validateTrajectories(files []file) *phase {
	p := &phase{name: "Phase 5: Trajectories (geometry)"}
	records := allRecords(files)
	catalog := domain.Describe(records)
	for _, ds := range catalog.Datasets {
		for _, id := range catalog.EnsembleIDs {
			_, err := domain.TrajectoryGeometry(records, id, ds)
			if errors.Is(err, domain.ErrInsufficientPoints) {
				p.errorf("%s/%s: %v", ds, id, err)
			}
		}
	}
	return p
}
