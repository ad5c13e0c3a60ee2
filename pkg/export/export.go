package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
)

// FormatVersion is written into JSON export metadata.
const FormatVersion = "1.0"

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Exportable lists the tiers that can be exported, finest first.
var Exportable = []storage.Tier{
	storage.TierMinute,
	storage.TierHour,
	storage.TierDay,
	storage.TierWeek,
	storage.TierMonth,
}

// Exporter writes tier rows to JSON or CSV.
type Exporter struct {
	store storage.Storage
	loc   *time.Location
}

// NewExporter creates an exporter. ISO times in CSV output are rendered in
// loc (UTC when nil).
func NewExporter(store storage.Storage, loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{store: store, loc: loc}
}

// Options configures one export. Start and End are epoch seconds, half-open.
type Options struct {
	Tier   storage.Tier
	Start  int64
	End    int64
	Format Format
}

// Result describes a finished export.
type Result struct {
	Tier       storage.Tier `json:"tier"`
	Format     Format       `json:"format"`
	Rows       int          `json:"rows"`
	Start      int64        `json:"start"`
	End        int64        `json:"end"`
	ExportedAt int64        `json:"exported_at"`
}

// Record is one tier row flattened to a common shape. Fields a tier does not
// carry are left zero (P95, Uptime) or nil (temperatures).
type Record struct {
	Timestamp     int64           `json:"timestamp"`
	Key           string          `json:"key,omitempty"`
	CPU           storage.Metrics `json:"cpu"`
	CPUP95        float64         `json:"cpu_p95,omitempty"`
	RAM           storage.Metrics `json:"ram"`
	GPU           storage.Metrics `json:"gpu"`
	CPUTemp       *float64        `json:"cpu_temp,omitempty"`
	GPUTemp       *float64        `json:"gpu_temp,omitempty"`
	UptimeMinutes int             `json:"uptime_minutes,omitempty"`
	SampleCount   int             `json:"sample_count"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt int64        `json:"exported_at"`
	Tier       storage.Tier `json:"tier"`
	Start      int64        `json:"start"`
	End        int64        `json:"end"`
	Rows       int          `json:"rows"`
	Timezone   string       `json:"timezone"`
	Version    string       `json:"version"`
}

// Document is the JSON export body.
type Document struct {
	Metadata Metadata `json:"metadata"`
	Records  []Record `json:"records"`
}

// Export reads opts.Tier in [Start, End) and encodes it to w.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (Result, error) {
	records, err := e.Records(ctx, opts.Tier, opts.Start, opts.End)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Tier:       opts.Tier,
		Format:     opts.Format,
		Rows:       len(records),
		Start:      opts.Start,
		End:        opts.End,
		ExportedAt: clock.Now().Unix(),
	}

	switch opts.Format {
	case FormatJSON, "":
		res.Format = FormatJSON
		err = e.writeJSON(w, res, records)
	case FormatCSV:
		err = e.writeCSV(w, records)
	default:
		return Result{}, fmt.Errorf("unknown export format %q", opts.Format)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Records reads tier in [from, to) as flattened records.
func (e *Exporter) Records(ctx context.Context, tier storage.Tier, from, to int64) ([]Record, error) {
	var out []Record
	switch tier {
	case storage.TierMinute:
		rows, err := e.store.MinuteRange(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("read minute tier: %w", err)
		}
		for _, r := range rows {
			out = append(out, Record{
				Timestamp: r.Timestamp, CPU: r.CPU, RAM: r.RAM, GPU: r.GPU,
				CPUTemp: r.CPUTemp, GPUTemp: r.GPUTemp, SampleCount: r.SampleCount,
			})
		}
	case storage.TierHour:
		rows, err := e.store.HourRange(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("read hour tier: %w", err)
		}
		for _, r := range rows {
			out = append(out, Record{
				Timestamp: r.Timestamp, CPU: r.CPU, CPUP95: r.CPUP95, RAM: r.RAM, GPU: r.GPU,
				CPUTemp: r.CPUTempAvg, GPUTemp: r.GPUTempAvg, SampleCount: r.SampleCount,
			})
		}
	case storage.TierDay:
		rows, err := e.store.DayRange(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("read day tier: %w", err)
		}
		for _, r := range rows {
			out = append(out, Record{
				Timestamp: r.Timestamp, Key: r.Date, CPU: r.CPU, CPUP95: r.CPUP95, RAM: r.RAM, GPU: r.GPU,
				CPUTemp: r.CPUTempAvg, GPUTemp: r.GPUTempAvg,
				UptimeMinutes: r.UptimeMinutes, SampleCount: r.SampleCount,
			})
		}
	case storage.TierWeek, storage.TierMonth:
		read := e.store.WeekRange
		if tier == storage.TierMonth {
			read = e.store.MonthRange
		}
		rows, err := read(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("read %s tier: %w", tier, err)
		}
		for _, r := range rows {
			out = append(out, Record{
				Timestamp: r.Timestamp, Key: r.Key, CPU: r.CPU, RAM: r.RAM, GPU: r.GPU,
				CPUTemp: r.CPUTempAvg, GPUTemp: r.GPUTempAvg,
				UptimeMinutes: r.UptimeMinutes, SampleCount: r.SampleCount,
			})
		}
	default:
		return nil, fmt.Errorf("tier %q cannot be exported", tier)
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func (e *Exporter) writeJSON(w io.Writer, res Result, records []Record) error {
	doc := Document{
		Metadata: Metadata{
			ExportedAt: res.ExportedAt,
			Tier:       res.Tier,
			Start:      res.Start,
			End:        res.End,
			Rows:       res.Rows,
			Timezone:   e.loc.String(),
			Version:    FormatVersion,
		},
		Records: records,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode JSON export: %w", err)
	}
	return nil
}

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{
	"timestamp", "iso_time", "key",
	"cpu_avg", "cpu_min", "cpu_max", "cpu_p95",
	"ram_avg", "ram_min", "ram_max",
	"gpu_avg", "gpu_min", "gpu_max",
	"cpu_temp", "gpu_temp",
	"uptime_minutes", "sample_count",
}

func (e *Exporter) writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Timestamp, 10),
			time.Unix(r.Timestamp, 0).In(e.loc).Format(time.RFC3339),
			r.Key,
			num(r.CPU.Avg), num(r.CPU.Min), num(r.CPU.Max), num(r.CPUP95),
			num(r.RAM.Avg), num(r.RAM.Min), num(r.RAM.Max),
			num(r.GPU.Avg), num(r.GPU.Min), num(r.GPU.Max),
			optional(r.CPUTemp), optional(r.GPUTemp),
			strconv.Itoa(r.UptimeMinutes), strconv.Itoa(r.SampleCount),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return num(*v)
}
