// Package export dumps rollup tiers for use outside the engine.
//
// The minute, hour, day, week and month tiers can be written as an indented
// JSON document with a metadata header, or as CSV with one row per tier row.
// CSV columns are fixed (see CSVHeader); values a tier does not carry are
// left empty or zero.
//
// # HTTP API
//
//	GET /v1/export?tier=hour&format=csv&start=1700000000&end=1700086400
//
// tier defaults to hour, format to json and the range to the last 24 hours.
// start and end accept epoch seconds or RFC3339. Minute exports are limited
// to MaxMinuteWindow.
//
// # Programmatic Usage
//
//	exp := export.NewExporter(store, time.Local)
//	f, _ := os.Create("hours.csv")
//	defer f.Close()
//	res, err := exp.Export(ctx, f, export.Options{
//	    Tier:   storage.TierHour,
//	    Start:  from,
//	    End:    to,
//	    Format: export.FormatCSV,
//	})
package export
