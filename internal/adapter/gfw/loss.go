package gfw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
)

const m2PerHa = 10_000

// LossDataset names the tree cover loss table and its columns.
type LossDataset struct {
	Dataset        string
	Version        string
	ThresholdField string
	YearField      string
}

// DefaultLossDataset is the Hansen/UMD Global Forest Change release.
func DefaultLossDataset() LossDataset {
	return LossDataset{
		Dataset:        "umd_tree_cover_loss",
		Version:        "v1.12",
		ThresholdField: "umd_tree_cover_density_2000__threshold",
		YearField:      "umd_tree_cover_loss__year",
	}
}

// LossSource implements baseline.LossSource over the Data API.
type LossSource struct {
	client  *Client
	dataset LossDataset
}

// NewLossSource binds the loss dataset to the client.
func NewLossSource(client *Client, dataset LossDataset) *LossSource {
	return &LossSource{client: client, dataset: dataset}
}

// DatasetVersion implements baseline.LossSource.
func (s *LossSource) DatasetVersion() string {
	return s.dataset.Dataset + "/" + s.dataset.Version
}

// CoverAreaM2 implements baseline.LossSource.
func (s *LossSource) CoverAreaM2(ctx context.Context, region domain.Region, threshold int) (float64, error) {
	sql := fmt.Sprintf("SELECT SUM(area__ha) AS area__ha FROM data WHERE %s >= %d", s.dataset.ThresholdField, threshold)
	return s.sumHa(ctx, region, sql)
}

// LossAreaM2 implements baseline.LossSource. yearCode 1 is 2001.
func (s *LossSource) LossAreaM2(ctx context.Context, region domain.Region, yearCode, threshold int) (float64, error) {
	sql := fmt.Sprintf("SELECT SUM(area__ha) AS area__ha FROM data WHERE %s = %d AND %s >= %d",
		s.dataset.YearField, 2000+yearCode, s.dataset.ThresholdField, threshold)
	return s.sumHa(ctx, region, sql)
}

type areaRow struct {
	AreaHa *float64 `json:"area__ha"`
}

func (s *LossSource) sumHa(ctx context.Context, region domain.Region, sql string) (float64, error) {
	if region.Geometry == nil {
		return 0, fmt.Errorf("region %s has no boundary", region.ID)
	}
	rows, err := s.client.query(ctx, s.dataset.Dataset, s.dataset.Version, sql, region.Geometry)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var row areaRow
	if err := json.Unmarshal(rows[0], &row); err != nil {
		return 0, fmt.Errorf("decode area: %w", err)
	}
	if row.AreaHa == nil {
		return 0, nil
	}
	return *row.AreaHa * m2PerHa, nil
}
