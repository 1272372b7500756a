package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(source SourceSystem, day int) DisturbanceRecord {
	date := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day)
	return DisturbanceRecord{
		Key:           DedupKey(testRegionID, source, "r0.001:1:1", date),
		Source:        source,
		DetectionDate: date,
		CellID:        "r0.001:1:1",
	}
}

func TestComputeTier(t *testing.T) {
	tests := []struct {
		name    string
		records []DisturbanceRecord
		want    ConfidenceTier
	}{
		{"empty", nil, ""},
		{"single record", []DisturbanceRecord{record(SourceGLAD, 0)}, TierLow},
		{"repeated single source", []DisturbanceRecord{record(SourceGLAD, 0), record(SourceGLAD, 8)}, TierHigh},
		{"two sources", []DisturbanceRecord{record(SourceGLAD, 0), record(SourceRADD, 3)}, TierHighest},
		{"two sources with repeats", []DisturbanceRecord{record(SourceGLAD, 0), record(SourceGLAD, 5), record(SourceRADD, 3)}, TierHighest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTier(tt.records))
		})
	}
}

// TestComputeTier_Property checks the tier rule over random record sets.
func TestComputeTier_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(6)
		records := make([]DisturbanceRecord, n)
		distinct := map[SourceSystem]bool{}
		for j := range records {
			src := KnownSources[rng.Intn(len(KnownSources))]
			records[j] = record(src, j)
			distinct[src] = true
		}

		got := ComputeTier(records)
		switch {
		case len(distinct) >= 2:
			require.Equal(t, TierHighest, got, "records=%v", records)
		case n >= 2:
			require.Equal(t, TierHigh, got, "records=%v", records)
		default:
			require.Equal(t, TierLow, got, "records=%v", records)
		}
	}
}

// TestComputeTier_GrowthNeverDowngrades adds records one at a time and
// checks the tier rank never drops.
func TestComputeTier_GrowthNeverDowngrades(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var records []DisturbanceRecord
		prev := 0
		for j := 0; j < 6; j++ {
			records = append(records, record(KnownSources[rng.Intn(len(KnownSources))], j))
			rank := ComputeTier(records).Rank()
			require.GreaterOrEqual(t, rank, prev)
			prev = rank
		}
	}
}

func TestFusedEvent_Derived(t *testing.T) {
	event := FusedEvent{
		Records: []Contribution{
			{Record: record(SourceRADD, 2), AreaM2: 900},
			{Record: record(SourceGLAD, 0), AreaM2: 1200},
		},
	}

	assert.Equal(t, TierHighest, event.Tier())
	assert.InDelta(t, 1200, event.AreaM2(), 1e-9)
	assert.Equal(t, []SourceSystem{SourceGLAD, SourceRADD}, event.Sources())
	assert.True(t, event.HasRecord(record(SourceGLAD, 0).Key))
	assert.False(t, event.HasRecord("glad-missing"))
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusProvisional.Rank(), StatusConfirmed.Rank())
	assert.Less(t, StatusConfirmed.Rank(), StatusHistorical.Rank())
	assert.Equal(t, 0, Status("retracted").Rank())
}
