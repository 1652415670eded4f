package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testObject = "gencast_mslp/mslp_2023071312.csv"

func TestDescribe(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		c := Describe(nil)
		assert.Zero(t, c.Records)
		assert.NotNil(t, c.Datasets)
		assert.NotNil(t, c.EnsembleIDs)
	})

	t.Run("extents", func(t *testing.T) {
		records := []ForecastRecord{
			rec(DatasetGencast, "10", 1, 12.5, 115, 1000),
			rec(DatasetGencast, "2", 0, 10, 110, 1000),
			rec(DatasetIFS, DeterministicEnsembleID, 3, -5, 130, 1000),
		}
		c := Describe(records)

		assert.Equal(t, 3, c.Records)
		assert.Equal(t, []Dataset{DatasetGencast, DatasetIFS}, c.Datasets)
		assert.Equal(t, []string{"2", "10", "IFS"}, c.EnsembleIDs)
		assert.Equal(t, Range{Min: -5, Max: 12.5}, c.Latitude)
		assert.Equal(t, Range{Min: 110, Max: 130}, c.Longitude)
		assert.Equal(t, at(0), c.Start)
		assert.Equal(t, at(3), c.End)
	})
}

func TestSerializeSummary(t *testing.T) {
	publishedAt := time.Date(2023, time.July, 13, 18, 30, 0, 0, time.UTC)
	SetClock(clockwork.NewFakeClockAt(publishedAt))
	defer SetClock(nil)

	records := []ForecastRecord{
		rec(DatasetGencast, "0", 0, 10, 110, 1000),
		rec(DatasetGencast, "1", 0, 10, 110, 1008),
	}
	points, err := SummaryStatistics(records, []Statistic{Mean(), Percentile(90)})
	require.NoError(t, err)

	file := ForecastFile{Dataset: DatasetGencast, Object: testObject}
	msg := NewSummaryMessage(file, records, points)
	assert.Equal(t, publishedAt, msg.PublishedAt)
	assert.Equal(t, []string{"0", "1"}, msg.Members)

	out, err := SerializeSummary(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("gencast/"+testObject), out.Key)
	assert.Equal(t, file.Key(), string(out.Key))
	assert.Equal(t, "gencast", out.Headers["dataset"])
	assert.Equal(t, "2023-07-13T18:30:00Z", out.Headers["published_at"])
	assert.Contains(t, string(out.Value), `"statistic":"p90"`)

	var decoded SummaryMessage
	require.NoError(t, json.Unmarshal(out.Value, &decoded))
	require.Len(t, decoded.Points, 2)
	assert.Equal(t, Mean(), decoded.Points[0].Statistic)
	assert.Equal(t, 1004.0, decoded.Points[0].Value)
}
