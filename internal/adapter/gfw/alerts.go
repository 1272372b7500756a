package gfw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/paulmach/orb"
)

// AlertDataset describes how one alert system is stored in the Data API.
// PackedField holds the provider's packed confidence/date integer and
// DateField is the column used to bound the window.
type AlertDataset struct {
	Source        domain.SourceSystem
	Dataset       string
	Version       string
	PackedField   string
	DateField     string
	ResolutionDeg float64
}

// DefaultAlertDatasets returns the datasets for GLAD, RADD and DIST-ALERT.
func DefaultAlertDatasets() []AlertDataset {
	return []AlertDataset{
		{
			Source:        domain.SourceGLAD,
			Dataset:       "umd_glad_landsat_alerts",
			Version:       "latest",
			PackedField:   "umd_glad_landsat_alerts__encoded",
			DateField:     "umd_glad_landsat_alerts__date",
			ResolutionDeg: 0.00025,
		},
		{
			Source:        domain.SourceRADD,
			Dataset:       "wur_radd_alerts",
			Version:       "latest",
			PackedField:   "wur_radd_alerts__encoded",
			DateField:     "wur_radd_alerts__date",
			ResolutionDeg: 0.0001,
		},
		{
			Source:        domain.SourceDISTAlert,
			Dataset:       "umd_glad_dist_alerts",
			Version:       "latest",
			PackedField:   "umd_glad_dist_alerts__encoded",
			DateField:     "umd_glad_dist_alerts__date",
			ResolutionDeg: 0.00027,
		},
	}
}

// AlertSource implements ingest.Source for one alert dataset.
type AlertSource struct {
	client  *Client
	dataset AlertDataset
}

// NewAlertSource binds a dataset to the client.
func NewAlertSource(client *Client, dataset AlertDataset) *AlertSource {
	return &AlertSource{client: client, dataset: dataset}
}

// Name implements ingest.Source.
func (s *AlertSource) Name() domain.SourceSystem { return s.dataset.Source }

type alertRow struct {
	Longitude float64     `json:"longitude"`
	Latitude  float64     `json:"latitude"`
	Packed    json.Number `json:"packed"`
}

// Pull implements ingest.Source.
func (s *AlertSource) Pull(ctx context.Context, bbox orb.Bound, window domain.TimeWindow) ([]domain.RawAlert, error) {
	d := s.dataset
	sql := fmt.Sprintf(
		"SELECT longitude, latitude, %s AS packed FROM results WHERE %s >= '%s' AND %s < '%s'",
		d.PackedField,
		d.DateField, window.Start.UTC().Format(time.DateOnly),
		d.DateField, window.End.UTC().Format(time.DateOnly),
	)

	rows, err := s.client.query(ctx, d.Dataset, d.Version, sql, bbox.ToPolygon())
	if err != nil {
		return nil, fmt.Errorf("pull %s %s: %w", d.Source, window, err)
	}

	alerts := make([]domain.RawAlert, 0, len(rows))
	for _, raw := range rows {
		var row alertRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("pull %s: decode row: %w", d.Source, err)
		}
		packed, err := row.Packed.Int64()
		if err != nil {
			return nil, fmt.Errorf("pull %s: packed value %q: %w", d.Source, row.Packed, err)
		}
		alerts = append(alerts, domain.RawAlert{
			Lon:           row.Longitude,
			Lat:           row.Latitude,
			ResolutionDeg: d.ResolutionDeg,
			Packed:        packed,
		})
	}
	return alerts, nil
}
