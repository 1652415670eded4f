// Command summarize normalizes one or more dataset CSV exports and prints
// member series, ensemble summary statistics, a trajectory, or a catalog as
// JSON. It runs the same ingest and domain code as the service, so its output
// is suitable for fixtures and for spot-checking new exports.
//
// Usage:
//
//	go run ./cmd/summarize \
//	  -dataset gencast -mode summary -stat mean,p10,p90 \
//	  -members 0,1,2 -lat 5:30 -lon 100:160 \
//	  -out data/fixtures/gencast_summary.json \
//	  data/gencast_mslp/mslp_2023071312.csv
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	dataset := flag.String("dataset", "", "dataset name (gencast, gefs, ifs or one declared in -datasets-file)")
	datasetsFile := flag.String("datasets-file", "", "optional YAML dataset overlay")
	mode := flag.String("mode", "summary", "output: members, summary, trajectory or catalog")
	members := flag.String("members", "*", "comma-separated ensemble ids, or * for all")
	stats := flag.String("stat", "mean,median", "comma-separated statistics for -mode summary")
	trajectory := flag.String("trajectory", "", "ensemble id for -mode trajectory")
	latFlag := flag.String("lat", "-90:90", "latitude range min:max")
	lonFlag := flag.String("lon", "-180:360", "longitude range min:max")
	out := flag.String("out", "", "output path (default stdout)")
	flag.Parse()

	if *dataset == "" || flag.NArg() == 0 {
		flag.Usage()
		return fmt.Errorf("missing required -dataset flag or input files")
	}

	registry, err := ingest.LoadRegistry(*datasetsFile)
	if err != nil {
		return err
	}
	spec, err := registry.Get(domain.Dataset(*dataset))
	if err != nil {
		return err
	}

	var records []domain.ForecastRecord //nolint:prealloc // size depends on CSV file contents
	for _, path := range flag.Args() {
		recs, err := parseFile(path, spec)
		if err != nil {
			return fmt.Errorf("processing %s: %w", path, err)
		}
		records = append(records, recs...)
	}
	log.Printf("total: %d records", len(records))

	lat, err := parseRange(*latFlag)
	if err != nil {
		return fmt.Errorf("-lat: %w", err)
	}
	lon, err := parseRange(*lonFlag)
	if err != nil {
		return fmt.Errorf("-lon: %w", err)
	}

	ids := splitList(*members)
	if *members == "*" {
		ids = domain.Describe(records).EnsembleIDs
	}
	selected := domain.Filter(records, ids, lat, lon)
	log.Printf("selected: %d records from %d members", len(selected), len(ids))

	var result any
	switch *mode {
	case "members":
		result = domain.PerMemberSeries(selected)
	case "summary":
		parsed, err := domain.ParseStatistics(splitList(*stats))
		if err != nil {
			return err
		}
		result, err = domain.SummaryStatistics(selected, parsed)
		if err != nil {
			return err
		}
	case "trajectory":
		if *trajectory == "" {
			return fmt.Errorf("-mode trajectory requires -trajectory")
		}
		result, err = domain.TrajectoryGeometry(selected, *trajectory, spec.Name)
		if err != nil {
			return err
		}
	case "catalog":
		result = domain.Describe(selected)
	default:
		return fmt.Errorf("unknown -mode %q", *mode)
	}

	if *out == "" {
		return encode(os.Stdout, result)
	}
	if err := writeJSON(*out, result); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	log.Printf("wrote %s: %s", *mode, *out)
	return nil
}

func parseFile(path string, spec ingest.DatasetSpec) ([]domain.ForecastRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	res, err := ingest.ParseCSV(f, spec)
	if err != nil {
		return nil, err
	}
	for _, rej := range res.Rejected {
		log.Printf("%s: rejected %v", filepath.Base(path), rej)
	}
	log.Printf("%s: %d records, %d rejected", filepath.Base(path), len(res.Records), len(res.Rejected))
	return res.Records, nil
}

func parseRange(s string) (domain.Range, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return domain.Range{}, fmt.Errorf("expected min:max, got %q", s)
	}
	minV, err := strconv.ParseFloat(lo, 64)
	if err != nil {
		return domain.Range{}, err
	}
	maxV, err := strconv.ParseFloat(hi, 64)
	if err != nil {
		return domain.Range{}, err
	}
	return domain.Range{Min: minV, Max: maxV}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
