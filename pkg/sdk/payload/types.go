// Package payload defines the JSON bodies a sampler sends to tinystats.
package payload

// Paths of the ingest endpoints.
const (
	SamplesPath = "/v1/samples"
	MinutesPath = "/v1/minutes"
	EventsPath  = "/v1/events"
)

// MaxBatchSamples caps how many samples one batch may carry.
const MaxBatchSamples = 3600

// Process is one process's usage during a sample.
type Process struct {
	Name  string  `json:"name"`
	CPU   float64 `json:"cpu_percent"`
	RAMMB float64 `json:"ram_mb"`
}

// Sample is one second of readings. Time is epoch seconds; zero means the
// receiver's clock.
type Sample struct {
	Time      float64   `json:"time"`
	CPU       float64   `json:"cpu_percent"`
	RAM       float64   `json:"ram_percent"`
	GPU       float64   `json:"gpu_percent"`
	CPUTemp   *float64  `json:"cpu_temp,omitempty"`
	GPUTemp   *float64  `json:"gpu_temp,omitempty"`
	Processes []Process `json:"processes,omitempty"`
}

// SampleBatch carries samples in time order.
type SampleBatch struct {
	Samples []Sample `json:"samples"`
}

// Minute is a minute summary computed by the sampler.
type Minute struct {
	Start     int64     `json:"start"`
	CPUAvg    float64   `json:"cpu_avg"`
	RAMAvg    float64   `json:"ram_avg"`
	GPUAvg    float64   `json:"gpu_avg"`
	CPUSeries []float64 `json:"cpu_series,omitempty"`
	RAMSeries []float64 `json:"ram_series,omitempty"`
	GPUSeries []float64 `json:"gpu_series,omitempty"`
	CPUTemp   *float64  `json:"cpu_temp,omitempty"`
	GPUTemp   *float64  `json:"gpu_temp,omitempty"`
}

// Event is a custom timeline marker.
type Event struct {
	Time        float64  `json:"time,omitempty"`
	Type        string   `json:"type,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	Description string   `json:"description"`
	Metric      string   `json:"metric,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	ProcessName string   `json:"process_name,omitempty"`
}

// Accepted acknowledges an ingest request.
type Accepted struct {
	Status   string `json:"status"`
	ID       int64  `json:"id,omitempty"`
	Accepted int    `json:"accepted,omitempty"`
}
