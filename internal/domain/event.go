package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ForecastFile is a forecast table discovered in object storage and not yet
// published.
type ForecastFile struct {
	Dataset Dataset
	Object  string
	Updated time.Time
	Commit  func(ctx context.Context) error
}

// Key identifies the file across scans.
func (f ForecastFile) Key() string {
	return string(f.Dataset) + "/" + f.Object
}

// SummaryMessage is the published cross-ensemble summary of one forecast file.
type SummaryMessage struct {
	Dataset     Dataset        `json:"dataset"`
	Object      string         `json:"object"`
	Records     int            `json:"records"`
	Members     []string       `json:"members"`
	Latitude    Range          `json:"latitude"`
	Longitude   Range          `json:"longitude"`
	Points      []SummaryPoint `json:"points"`
	PublishedAt time.Time      `json:"published_at"`
}

// NewSummaryMessage builds the message for a file from its records and the
// already-computed summary points.
func NewSummaryMessage(file ForecastFile, records []ForecastRecord, points []SummaryPoint) SummaryMessage {
	catalog := Describe(records)
	return SummaryMessage{
		Dataset:     file.Dataset,
		Object:      file.Object,
		Records:     catalog.Records,
		Members:     catalog.EnsembleIDs,
		Latitude:    catalog.Latitude,
		Longitude:   catalog.Longitude,
		Points:      points,
		PublishedAt: clock.Now().UTC(),
	}
}

// OutputEvent is the serialized form destined for the sink topic.
type OutputEvent struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// SerializeSummary encodes a summary message for publication.
func SerializeSummary(msg SummaryMessage) (OutputEvent, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("serialize summary: %w", err)
	}
	return OutputEvent{
		Key:   []byte(string(msg.Dataset) + "/" + msg.Object),
		Value: data,
		Headers: map[string]string{
			"dataset":      string(msg.Dataset),
			"published_at": msg.PublishedAt.Format(time.RFC3339),
		},
	}, nil
}
