package query

import "github.com/nicktill/tinystats/pkg/storage"

// Point is one row of a usage series, whichever tier it came from.
type Point struct {
	Timestamp     int64           `json:"timestamp"`
	Tier          storage.Tier    `json:"tier"`
	Key           string          `json:"key,omitempty"` // date, week or month key on coarse tiers
	CPU           storage.Metrics `json:"cpu"`
	RAM           storage.Metrics `json:"ram"`
	GPU           storage.Metrics `json:"gpu"`
	CPUP95        *float64        `json:"cpu_p95,omitempty"`
	CPUTemp       *float64        `json:"cpu_temp,omitempty"`
	GPUTemp       *float64        `json:"gpu_temp,omitempty"`
	UptimeMinutes *int            `json:"uptime_minutes,omitempty"`
	SampleCount   int             `json:"sample_count"`
}

// ProcessPoint is one entry of a process timeline.
type ProcessPoint struct {
	Timestamp     int64   `json:"timestamp"`
	CPUAvg        float64 `json:"cpu_avg"`
	CPUMax        float64 `json:"cpu_max"`
	RAMAvgMB      float64 `json:"ram_avg_mb"`
	RAMMaxMB      float64 `json:"ram_max_mb"`
	ActiveSeconds int     `json:"active_seconds"`
}

// Timeline is a process's usage over a range at the granularity chosen for it.
type Timeline struct {
	Name   string         `json:"process_name"`
	Tier   storage.Tier   `json:"tier"`
	Points []ProcessPoint `json:"points"`
}

// DateRange spans every row in the minute, hour and day tiers.
type DateRange struct {
	EarliestTS   int64  `json:"earliest_ts"`
	LatestTS     int64  `json:"latest_ts"`
	EarliestDate string `json:"earliest_date"`
	LatestDate   string `json:"latest_date"`
	TotalDays    int    `json:"total_days"`
}

// Summary aggregates recent usage across the day, hour and minute tiers.
type Summary struct {
	CPUAvg           float64 `json:"cpu_avg"`
	RAMAvg           float64 `json:"ram_avg"`
	GPUAvg           float64 `json:"gpu_avg"`
	CPUMax           float64 `json:"cpu_max"`
	RAMMax           float64 `json:"ram_max"`
	GPUMax           float64 `json:"gpu_max"`
	TotalUptimeHours float64 `json:"total_uptime_hours"`
	DataPoints       int     `json:"data_points"`
	DaysWithData     int     `json:"days_with_data"`
}

// EventFilter narrows an event listing. Limit defaults to DefaultEventLimit.
type EventFilter struct {
	Start    *int64
	End      *int64
	Type     storage.EventType
	Severity storage.Severity
	Limit    int
}
