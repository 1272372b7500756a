package fusion

import (
	"math/rand"
	"testing"
	"time"

	"github.com/couchcryptid/forest-disturbance-etl/internal/domain"
	"github.com/couchcryptid/forest-disturbance-etl/internal/spatial"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	regionID = "region-1"
	cellA    = domain.CellID("r0.00025:1:1")
	cellB    = domain.CellID("r0.00025:2:1")
)

var day0 = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

func piece(source domain.SourceSystem, cell domain.CellID, day int) spatial.AlignedRecord {
	date := day0.AddDate(0, 0, day)
	return spatial.AlignedRecord{
		Record: domain.DisturbanceRecord{
			Key:           domain.DedupKey(regionID, source, cell, date),
			RegionID:      regionID,
			Source:        source,
			DetectionDate: date,
			CellID:        cell,
		},
		Cell:     cell,
		Fraction: 1,
		AreaM2:   900,
	}
}

func TestFuse_GroupsWithinWindow(t *testing.T) {
	f := NewFuser(DefaultWindow)

	res := f.Fuse(regionID, nil, []spatial.AlignedRecord{
		piece(domain.SourceGLAD, cellA, 0),
		piece(domain.SourceRADD, cellA, 5),
		piece(domain.SourceGLAD, cellA, 40), // too far: new event
		piece(domain.SourceGLAD, cellB, 1),  // other cell: new event
	})

	require.Len(t, res.Events, 3)
	assert.Len(t, res.Changed, 3)

	first := res.Events[0]
	assert.Equal(t, cellA, first.CellID)
	assert.Len(t, first.Records, 2)
	assert.Equal(t, domain.TierHighest, first.Tier())
	assert.Equal(t, day0, first.FirstDetected)
	assert.Equal(t, day0.AddDate(0, 0, 5), first.LastConfirmed)
	assert.Equal(t, domain.StatusProvisional, first.Status)

	assert.Equal(t, domain.TierLow, res.Events[1].Tier())
	assert.Equal(t, cellB, res.Events[2].CellID)
}

func TestFuse_ChainsThroughAnyMember(t *testing.T) {
	f := NewFuser(DefaultWindow)

	// Day 26 is 26 days from the opener but 12 from the day-14 member.
	res := f.Fuse(regionID, nil, []spatial.AlignedRecord{
		piece(domain.SourceGLAD, cellA, 0),
		piece(domain.SourceGLAD, cellA, 14),
		piece(domain.SourceGLAD, cellA, 26),
	})

	require.Len(t, res.Events, 1)
	assert.Len(t, res.Events[0].Records, 3)
	assert.Equal(t, domain.TierHigh, res.Events[0].Tier())
}

func TestFuse_OrderIndependent(t *testing.T) {
	input := []spatial.AlignedRecord{
		piece(domain.SourceGLAD, cellA, 0),
		piece(domain.SourceRADD, cellA, 3),
		piece(domain.SourceDISTAlert, cellA, 20),
		piece(domain.SourceGLAD, cellA, 33),
		piece(domain.SourceRADD, cellB, 2),
		piece(domain.SourceGLAD, cellB, 60),
	}
	f := NewFuser(DefaultWindow)
	want := f.Fuse(regionID, nil, input)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]spatial.AlignedRecord(nil), input...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := f.Fuse(regionID, nil, shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("fusion depends on input order (-want +got):\n%s", diff)
		}
	}
}

func TestFuse_ExistingEventsGrowAndAreNotMutated(t *testing.T) {
	f := NewFuser(DefaultWindow)
	first := f.Fuse(regionID, nil, []spatial.AlignedRecord{piece(domain.SourceGLAD, cellA, 0)})
	require.Len(t, first.Events, 1)
	existing := first.Events

	second := f.Fuse(regionID, existing, []spatial.AlignedRecord{piece(domain.SourceRADD, cellA, 10)})

	require.Len(t, second.Events, 1)
	assert.Equal(t, existing[0].ID, second.Events[0].ID, "event identity is stable")
	assert.Len(t, second.Events[0].Records, 2)
	assert.Len(t, existing[0].Records, 1, "input slice untouched")
	assert.Equal(t, []string{existing[0].ID}, second.Changed)
}

func TestFuse_RefusingSameRecordsIsNoop(t *testing.T) {
	f := NewFuser(DefaultWindow)
	input := []spatial.AlignedRecord{piece(domain.SourceGLAD, cellA, 0), piece(domain.SourceRADD, cellA, 2)}
	first := f.Fuse(regionID, nil, input)

	second := f.Fuse(regionID, first.Events, input)

	assert.Empty(t, second.Changed)
	assert.Equal(t, first.Events, second.Events)
}

func TestFuse_TieBreakClosestThenEarlier(t *testing.T) {
	f := NewFuser(10 * 24 * time.Hour)
	// Two separate events in the same cell: days 0 and 16.
	base := f.Fuse(regionID, nil, []spatial.AlignedRecord{
		piece(domain.SourceGLAD, cellA, 0),
		piece(domain.SourceGLAD, cellA, 16),
	})
	require.Len(t, base.Events, 2)

	// Day 9 is 9 from the first and 7 from the second: joins the second.
	res := f.Fuse(regionID, base.Events, []spatial.AlignedRecord{piece(domain.SourceRADD, cellA, 9)})
	require.Len(t, res.Events, 2)
	assert.Len(t, res.Events[0].Records, 1)
	assert.Len(t, res.Events[1].Records, 2)

	// Day 8 is equidistant: joins the earlier-opened event.
	res = f.Fuse(regionID, base.Events, []spatial.AlignedRecord{piece(domain.SourceRADD, cellA, 8)})
	assert.Len(t, res.Events[0].Records, 2)
	assert.Len(t, res.Events[1].Records, 1)
}

func TestFuse_AreaIsMaxNotSum(t *testing.T) {
	a := piece(domain.SourceGLAD, cellA, 0)
	b := piece(domain.SourceRADD, cellA, 1)
	b.AreaM2 = 400

	res := NewFuser(0).Fuse(regionID, nil, []spatial.AlignedRecord{a, b})

	require.Len(t, res.Events, 1)
	assert.InDelta(t, 900, res.Events[0].AreaM2(), 1e-9)
}
