// Package domain models forest disturbance alerts, baselines, fused events,
// and the period metrics derived from them.
//
// # Data Sources
//
// Two layers of remote-sensing data feed the pipeline:
//
//	Baseline: a slow-changing forest-extent snapshot per region (Hansen/UMD
//	Global Forest Change tree cover for year 2000, plus annual lossyear
//	bands). Refreshed rarely; every refresh becomes a new immutable
//	BaselineSnapshot version.
//
//	Alerts: fast-moving disturbance detections from several independent
//	systems (GLAD optical, RADD radar, DIST-ALERT HLS). Each system has its
//	own native resolution, cadence, and confidence encoding.
//
// # Packed Alert Encodings
//
// Alert providers ship confidence and date packed into a single integer.
// The packed value is decoded exactly once, at the ingestion boundary, by
// [DecodeAlert]. Nothing downstream sees the packed form.
//
//	GLAD:       conf*10000 + days since 2014-12-31
//	            e.g. 32045 -> confidence 3 (high), 2020-08-06
//	            conf: 2 = nominal, 3 = high
//	RADD:       conf*100000 + yy*1000 + day-of-year (yy = years since 2000)
//	            e.g. 321045 -> confidence 3 (high), 2021-02-14
//	            conf: 2 = low, 3 = high
//	DIST-ALERT: conf*10000 + days since 2020-12-31
//	            conf: 1..4 (low .. high)
//
// # Grid Cells
//
// Cells are axis-aligned lat/lon squares anchored at (-180, -90). A cell id
// encodes its size in degrees and integer column/row:
//
//	"r0.00025:1234560:456789"
//
// Native cells (provider resolution) and canonical cells (analysis grid) use
// the same scheme with different sizes. See [CellAt] and [ParseCellID].
//
// # Confidence Tiers
//
// A fused event's tier is derived from its contributing records, first match
// wins:
//
//	highest: records from two or more distinct source systems
//	high:    two or more records from a single source system
//	low:     exactly one record
//
// The tier is never stored independently of the record set. See [ComputeTier].
//
// # ID Generation
//
// Record dedup keys and fused event IDs are deterministic SHA-256 hashes of
// their identifying fields. Re-pulling the same provider window yields the
// same keys, so inserts are idempotent (ON CONFLICT DO NOTHING). See
// [DedupKey] and [EventID].
package domain
