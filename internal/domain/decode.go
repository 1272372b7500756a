package domain

import (
	"fmt"
	"math"
	"time"
)

var (
	// gladEpoch is day zero of the GLAD date offset: 1 = 2015-01-01.
	gladEpoch = time.Date(2014, time.December, 31, 0, 0, 0, 0, time.UTC)

	// distEpoch is day zero of the DIST-ALERT date offset: 1 = 2021-01-01.
	distEpoch = time.Date(2020, time.December, 31, 0, 0, 0, 0, time.UTC)
)

// DecodeAlert unpacks a provider pixel into a DisturbanceRecord for the
// given region. It validates coordinates and resolution, splits the packed
// confidence/date integer according to the source's encoding, snaps the
// point to its native cell, and derives the dedup key.
func DecodeAlert(regionID string, source SourceSystem, raw RawAlert) (DisturbanceRecord, error) {
	if err := validateCoordinates(raw); err != nil {
		return DisturbanceRecord{}, fmt.Errorf("decode %s alert: %w", source, err)
	}

	conf, date, err := unpack(source, raw.Packed)
	if err != nil {
		return DisturbanceRecord{}, fmt.Errorf("decode %s alert: %w", source, err)
	}

	cell := CellAt(raw.Lon, raw.Lat, raw.ResolutionDeg).ID()
	return DisturbanceRecord{
		Key:           DedupKey(regionID, source, cell, date),
		RegionID:      regionID,
		Source:        source,
		DetectionDate: date,
		CellID:        cell,
		ConfidenceRaw: conf,
		Lon:           raw.Lon,
		Lat:           raw.Lat,
		ResolutionDeg: raw.ResolutionDeg,
		IngestedAt:    clock.Now().UTC(),
	}, nil
}

func validateCoordinates(raw RawAlert) error {
	if math.IsNaN(raw.Lon) || math.IsNaN(raw.Lat) || raw.Lon < -180 || raw.Lon > 180 || raw.Lat < -90 || raw.Lat > 90 {
		return fmt.Errorf("coordinates out of range: lon=%g lat=%g", raw.Lon, raw.Lat)
	}
	if raw.ResolutionDeg <= 0 || math.IsNaN(raw.ResolutionDeg) {
		return fmt.Errorf("invalid resolution %g", raw.ResolutionDeg)
	}
	return nil
}

// unpack selects the encoding for the source and returns (confidence, date).
func unpack(source SourceSystem, packed int64) (int, time.Time, error) {
	if packed <= 0 {
		return 0, time.Time{}, fmt.Errorf("packed value %d must be positive", packed)
	}
	switch source {
	case SourceGLAD:
		return unpackDayOffset(packed, gladEpoch, 2, 3)
	case SourceDISTAlert:
		return unpackDayOffset(packed, distEpoch, 1, 4)
	case SourceRADD:
		return unpackRADD(packed)
	default:
		return 0, time.Time{}, fmt.Errorf("unknown source system %q", source)
	}
}

// unpackDayOffset decodes conf*10000 + days-since-epoch.
func unpackDayOffset(packed int64, epoch time.Time, minConf, maxConf int) (int, time.Time, error) {
	conf := int(packed / 10000)
	days := int(packed % 10000)
	if conf < minConf || conf > maxConf {
		return 0, time.Time{}, fmt.Errorf("confidence %d outside %d..%d", conf, minConf, maxConf)
	}
	if days == 0 {
		return 0, time.Time{}, fmt.Errorf("packed value %d has no date offset", packed)
	}
	return conf, epoch.AddDate(0, 0, days), nil
}

// unpackRADD decodes conf*100000 + yy*1000 + day-of-year.
func unpackRADD(packed int64) (int, time.Time, error) {
	conf := int(packed / 100000)
	rest := int(packed % 100000)
	yy := rest / 1000
	doy := rest % 1000
	if conf < 2 || conf > 3 {
		return 0, time.Time{}, fmt.Errorf("confidence %d outside 2..3", conf)
	}
	year := 2000 + yy
	if doy < 1 || doy > daysInYear(year) {
		return 0, time.Time{}, fmt.Errorf("day of year %d invalid for %d", doy, year)
	}
	return conf, time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1), nil
}

func daysInYear(year int) int {
	return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC).YearDay()
}
