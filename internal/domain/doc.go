// Package domain models mean sea-level pressure (MSLP) ensemble forecasts and
// the aggregations used to plot them.
//
// # Data Source
//
// Forecast tables are CSV exports of weather-model output, one file per
// issuance (e.g. "gencast_mslp/mslp_2023071312.csv" for the 2023-07-13 12Z
// run). Each dataset arrives with its own column names, time encoding and
// pressure unit. The ingest package normalizes every row into a
// [ForecastRecord] before anything in this package sees it.
//
// # Forecast Conventions
//
// Time encoding (varies by dataset):
//
//	Step-based:  base time + step index * step duration
//	             e.g. Datetime=2023-07-13 12:00, Time_Step=2, 12h steps
//	             -> forecast time 2023-07-14 12:00
//	Absolute:    the row carries the valid time directly.
//
// Ensemble members:
//
//	Stochastic members are identified by a sample/member index ("0", "1", ...).
//	Deterministic runs have no spread and carry a fixed sentinel id, "IFS" by
//	default. A (dataset, ensemble id) pair identifies one trajectory.
//
// Pressure units:
//
//	Always hectopascals after ingestion. Sources disagree (Pa, hPa, or a
//	precomputed minimum in hPa), so the conversion factor is part of each
//	dataset's configuration and nothing downstream converts again.
//
// # Aggregation
//
// [PerMemberSeries] collapses rows sharing (forecast time, member, dataset) to
// their mean, since a bounding box usually spans several grid points.
// [SummaryStatistics] groups across all selected members and datasets by
// forecast time only. Percentiles use linear interpolation between order
// statistics (Hyndman & Fan type 7), so percentile(50) always equals the
// median and a single-sample group returns that sample for every statistic.
//
// All aggregation functions are pure: they never mutate their input and hold
// no state between calls.
package domain
