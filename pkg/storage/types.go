package storage

// Metrics holds the avg/min/max triple of one load metric.
type Metrics struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MinuteRow is one row of the minute tier.
type MinuteRow struct {
	Timestamp   int64    `json:"timestamp"`
	CPU         Metrics  `json:"cpu"`
	RAM         Metrics  `json:"ram"`
	GPU         Metrics  `json:"gpu"`
	CPUTemp     *float64 `json:"cpu_temp,omitempty"`
	GPUTemp     *float64 `json:"gpu_temp,omitempty"`
	SampleCount int      `json:"sample_count"`
}

// HourRow is one row of the hour tier.
type HourRow struct {
	Timestamp   int64    `json:"timestamp"`
	CPU         Metrics  `json:"cpu"`
	CPUP95      float64  `json:"cpu_p95"`
	RAM         Metrics  `json:"ram"`
	GPU         Metrics  `json:"gpu"`
	CPUTempAvg  *float64 `json:"cpu_temp_avg,omitempty"`
	GPUTempAvg  *float64 `json:"gpu_temp_avg,omitempty"`
	SampleCount int      `json:"sample_count"`
}

// DayRow is one row of the day tier, keyed by Date (YYYY-MM-DD).
type DayRow struct {
	Date          string   `json:"date"`
	Timestamp     int64    `json:"timestamp"`
	CPU           Metrics  `json:"cpu"`
	CPUP95        float64  `json:"cpu_p95"`
	RAM           Metrics  `json:"ram"`
	GPU           Metrics  `json:"gpu"`
	CPUTempAvg    *float64 `json:"cpu_temp_avg,omitempty"`
	GPUTempAvg    *float64 `json:"gpu_temp_avg,omitempty"`
	UptimeMinutes int      `json:"uptime_minutes"`
	SampleCount   int      `json:"sample_count"`
}

// PeriodRow is one row of the week or month tier. Key is YYYY-Www or YYYY-MM.
type PeriodRow struct {
	Key           string   `json:"key"`
	Timestamp     int64    `json:"timestamp"`
	CPU           Metrics  `json:"cpu"`
	RAM           Metrics  `json:"ram"`
	GPU           Metrics  `json:"gpu"`
	CPUTempAvg    *float64 `json:"cpu_temp_avg,omitempty"`
	GPUTempAvg    *float64 `json:"gpu_temp_avg,omitempty"`
	UptimeMinutes int      `json:"uptime_minutes"`
	SampleCount   int      `json:"sample_count"`
}

// ProcessInfo is the classification attached to a process name.
type ProcessInfo struct {
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	Category    string `json:"category"`
}

// ProcessHourRow is one process's usage during one hour.
type ProcessHourRow struct {
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"process_name"`
	ProcessInfo
	CPUAvg        float64 `json:"cpu_avg"`
	CPUMax        float64 `json:"cpu_max"`
	RAMAvgMB      float64 `json:"ram_avg_mb"`
	RAMMaxMB      float64 `json:"ram_max_mb"`
	SampleCount   int     `json:"sample_count"`
	ActiveSeconds int     `json:"active_seconds"`
}

// ProcessDayRow is one process's usage during one civil day.
type ProcessDayRow struct {
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
	Name      string `json:"process_name"`
	ProcessInfo
	CPUAvg        float64 `json:"cpu_avg"`
	CPUMax        float64 `json:"cpu_max"`
	RAMAvgMB      float64 `json:"ram_avg_mb"`
	RAMMaxMB      float64 `json:"ram_max_mb"`
	ActiveSeconds int     `json:"total_active_seconds"`
	SampleCount   int     `json:"sample_count"`
}

// EventType classifies an event row.
type EventType string

const (
	EventSpike    EventType = "spike"
	EventAnomaly  EventType = "anomaly"
	EventStartup  EventType = "startup"
	EventShutdown EventType = "shutdown"
	EventCustom   EventType = "custom"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a discrete detected condition or lifecycle marker.
type Event struct {
	ID          int64     `json:"id"`
	Timestamp   int64     `json:"timestamp"`
	Type        EventType `json:"event_type"`
	Severity    Severity  `json:"severity"`
	Metric      string    `json:"metric,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Baseline    *float64  `json:"baseline,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	Description string    `json:"description"`
	ResolvedAt  *int64    `json:"resolved_at,omitempty"`
}

// EventFilter narrows an event listing. Zero values mean no filter.
type EventFilter struct {
	Start    *int64
	End      *int64
	Type     EventType
	Severity Severity
	Limit    int
}

// AlertCounts tallies unresolved events by severity.
type AlertCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

// Baseline holds trailing averages. Temperatures are nil when no row had one.
type Baseline struct {
	CPU     float64
	RAM     float64
	GPU     float64
	CPUTemp *float64
	GPUTemp *float64
}
