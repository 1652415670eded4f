package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/loader"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
)

// RecordSource resolves sources to normalized records. *loader.Loader
// implements it.
type RecordSource interface {
	LoadMany(ctx context.Context, keys []loader.Key) ([]domain.ForecastRecord, error)
	List(ctx context.Context, dataset domain.Dataset) ([]storage.ObjectInfo, error)
}

// allMembers selects every ensemble member present in the sources.
const allMembers = "*"

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type api struct {
	source  RecordSource
	metrics *observability.Metrics
	logger  *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/objects", a.instrument("objects", a.handleObjects))
	mux.Handle("GET /api/v1/catalog", a.instrument("catalog", a.handleCatalog))
	mux.Handle("GET /api/v1/series/members", a.instrument("members", a.handleMembers))
	mux.Handle("GET /api/v1/series/summary", a.instrument("summary", a.handleSummary))
	mux.Handle("GET /api/v1/trajectory", a.instrument("trajectory", a.handleTrajectory))
}

type objectsResponse struct {
	Dataset domain.Dataset       `json:"dataset"`
	Objects []storage.ObjectInfo `json:"objects"`
}

func (a *api) handleObjects(w http.ResponseWriter, r *http.Request) error {
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		return badRequest("dataset is required")
	}
	objects, err := a.source.List(r.Context(), domain.Dataset(dataset))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, objectsResponse{Dataset: domain.Dataset(dataset), Objects: objects})
	return nil
}

func (a *api) handleCatalog(w http.ResponseWriter, r *http.Request) error {
	records, err := a.load(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, domain.Describe(records))
	return nil
}

type membersResponse struct {
	Points []domain.MemberPoint `json:"points"`
}

func (a *api) handleMembers(w http.ResponseWriter, r *http.Request) error {
	selected, err := a.selection(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, membersResponse{Points: domain.PerMemberSeries(selected)})
	return nil
}

type summaryResponse struct {
	Points []domain.SummaryPoint `json:"points"`
}

func (a *api) handleSummary(w http.ResponseWriter, r *http.Request) error {
	stats, err := domain.ParseStatistics(r.URL.Query()["stat"])
	if err != nil {
		return err
	}
	selected, err := a.selection(r)
	if err != nil {
		return err
	}
	points, err := domain.SummaryStatistics(selected, stats)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summaryResponse{Points: points})
	return nil
}

type trajectoryResponse struct {
	Dataset            domain.Dataset           `json:"dataset"`
	EnsembleID         string                   `json:"ensemble_id"`
	InsufficientPoints bool                     `json:"insufficient_points,omitempty"`
	Points             []domain.TrajectoryPoint `json:"points"`
}

func (a *api) handleTrajectory(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	member := q.Get("member")
	if member == "" {
		return badRequest("member is required")
	}
	keys, err := parseSources(q)
	if err != nil {
		return err
	}

	dataset := domain.Dataset(q.Get("dataset"))
	if dataset == "" {
		dataset = keys[0].Dataset
		for _, k := range keys[1:] {
			if k.Dataset != dataset {
				return badRequest("dataset is required when sources span datasets")
			}
		}
	}

	records, err := a.source.LoadMany(r.Context(), keys)
	if err != nil {
		return err
	}

	resp := trajectoryResponse{Dataset: dataset, EnsembleID: member}
	points, err := domain.TrajectoryGeometry(records, member, dataset)
	switch {
	case errors.Is(err, domain.ErrInsufficientPoints):
		resp.InsufficientPoints = true
		resp.Points = []domain.TrajectoryPoint{}
	case err != nil:
		return err
	default:
		resp.Points = points
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) load(r *http.Request) ([]domain.ForecastRecord, error) {
	keys, err := parseSources(r.URL.Query())
	if err != nil {
		return nil, err
	}
	return a.source.LoadMany(r.Context(), keys)
}

// selection loads the requested sources and applies the member and bounding
// box filters. member=* selects every member.
func (a *api) selection(r *http.Request) ([]domain.ForecastRecord, error) {
	q := r.URL.Query()
	lat, err := parseRange(q, "lat_min", "lat_max", -90, 90)
	if err != nil {
		return nil, err
	}
	lon, err := parseRange(q, "lon_min", "lon_max", -180, 360)
	if err != nil {
		return nil, err
	}

	records, err := a.load(r)
	if err != nil {
		return nil, err
	}

	members := q["member"]
	if len(members) == 1 && members[0] == allMembers {
		members = domain.Describe(records).EnsembleIDs
	}
	return domain.Filter(records, members, lat, lon), nil
}

func parseSources(q url.Values) ([]loader.Key, error) {
	values := q["source"]
	if len(values) == 0 {
		return nil, badRequest("at least one source is required")
	}
	keys := make([]loader.Key, 0, len(values))
	for _, v := range values {
		k, err := loader.ParseKey(v)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseRange(q url.Values, minKey, maxKey string, lo, hi float64) (domain.Range, error) {
	rng := domain.Range{Min: lo, Max: hi}
	for key, dst := range map[string]*float64{minKey: &rng.Min, maxKey: &rng.Max} {
		s := q.Get(key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return rng, badRequest("%s: not a number", key)
		}
		*dst = v
	}
	if rng.Min > rng.Max {
		return rng, badRequest("%s is greater than %s", minKey, maxKey)
	}
	return rng, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// instrument adapts an error-returning handler, maps errors to statuses,
// and counts requests by endpoint and status code.
func (a *api) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if err := h(rec, r); err != nil {
			a.writeError(rec, r, err)
		}
		if a.metrics != nil {
			a.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		}
	})
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil:
		// Client went away.
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrUnsupportedStatistic),
		errors.Is(err, loader.ErrUnknownDataset),
		errors.Is(err, storage.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, loader.ErrMalformedTable):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("query failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: storage.ErrUnavailable.Error()})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
