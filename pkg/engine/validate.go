package engine

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/process"
)

// Issue names a kind of malformed input.
type Issue string

const (
	IssueNonFinite       Issue = "non_finite"
	IssuePercentRange    Issue = "percent_out_of_range"
	IssueNegative        Issue = "negative_value"
	IssueMisalignedStart Issue = "misaligned_minute"
	IssueLateSample      Issue = "late_sample"
)

// validator cleans producer input. Each issue kind is logged the first time
// it is seen and counted every time.
type validator struct {
	log zerolog.Logger

	mu     sync.Mutex
	counts map[Issue]int64
}

func newValidator(log zerolog.Logger) *validator {
	return &validator{log: log, counts: make(map[Issue]int64)}
}

func (v *validator) report(kind Issue, field string, value float64) {
	v.mu.Lock()
	v.counts[kind]++
	first := v.counts[kind] == 1
	v.mu.Unlock()

	if first {
		v.log.Warn().
			Str("issue", string(kind)).
			Str("field", field).
			Float64("value", value).
			Msg("Malformed input corrected; further occurrences are counted silently")
	}
}

// Counts returns how often each issue was seen.
func (v *validator) Counts() map[Issue]int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[Issue]int64, len(v.counts))
	for k, n := range v.counts {
		out[k] = n
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// percent clamps v into [0, 100].
func (v *validator) percent(field string, x float64) float64 {
	if x < 0 || x > 100 {
		v.report(IssuePercentRange, field, x)
		return math.Min(math.Max(x, 0), 100)
	}
	return x
}

// nonNegative clamps v to at least zero.
func (v *validator) nonNegative(field string, x float64) float64 {
	if x < 0 {
		v.report(IssueNegative, field, x)
		return 0
	}
	return x
}

// temperature clamps an optional reading. It reports false when the reading
// is not finite.
func (v *validator) temperature(field string, t *float64) (*float64, bool) {
	if t == nil {
		return nil, true
	}
	if !finite(*t) {
		v.report(IssueNonFinite, field, *t)
		return nil, false
	}
	c := v.nonNegative(field, *t)
	return &c, true
}

// sample cleans s in place and reports whether it is usable.
func (v *validator) sample(s *Sample) bool {
	for _, f := range []struct {
		name string
		val  float64
	}{{"cpu", s.CPU}, {"ram", s.RAM}, {"gpu", s.GPU}} {
		if !finite(f.val) {
			v.report(IssueNonFinite, f.name, f.val)
			return false
		}
	}
	s.CPU = v.percent("cpu", s.CPU)
	s.RAM = v.percent("ram", s.RAM)
	s.GPU = v.percent("gpu", s.GPU)

	var ok bool
	if s.CPUTemp, ok = v.temperature("cpu_temp", s.CPUTemp); !ok {
		return false
	}
	if s.GPUTemp, ok = v.temperature("gpu_temp", s.GPUTemp); !ok {
		return false
	}

	s.Processes = v.processes(s.Processes)
	return true
}

// processes drops entries with non-finite values and clamps negatives.
// Process CPU may exceed 100 on multi-core machines and is not capped.
func (v *validator) processes(procs []process.Sample) []process.Sample {
	out := procs[:0:0]
	for _, p := range procs {
		if !finite(p.CPU) || !finite(p.RAMMB) {
			v.report(IssueNonFinite, "process", p.CPU)
			continue
		}
		p.CPU = v.nonNegative("process_cpu", p.CPU)
		p.RAMMB = v.nonNegative("process_ram_mb", p.RAMMB)
		out = append(out, p)
	}
	return out
}

// series cleans a per-second series, dropping non-finite entries.
func (v *validator) series(field string, xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !finite(x) {
			v.report(IssueNonFinite, field, x)
			continue
		}
		out = append(out, v.percent(field, x))
	}
	return out
}

// summary cleans m in place and reports whether it is usable.
func (v *validator) summary(m *MinuteSummary) bool {
	for _, f := range []struct {
		name string
		val  float64
	}{{"cpu_avg", m.CPUAvg}, {"ram_avg", m.RAMAvg}, {"gpu_avg", m.GPUAvg}} {
		if !finite(f.val) {
			v.report(IssueNonFinite, f.name, f.val)
			return false
		}
	}
	if m.Start%60 != 0 {
		v.report(IssueMisalignedStart, "start", float64(m.Start))
		m.Start -= ((m.Start % 60) + 60) % 60
	}

	m.CPUAvg = v.percent("cpu_avg", m.CPUAvg)
	m.RAMAvg = v.percent("ram_avg", m.RAMAvg)
	m.GPUAvg = v.percent("gpu_avg", m.GPUAvg)
	m.CPUSeries = v.series("cpu", m.CPUSeries)
	m.RAMSeries = v.series("ram", m.RAMSeries)
	m.GPUSeries = v.series("gpu", m.GPUSeries)

	var ok bool
	if m.CPUTemp, ok = v.temperature("cpu_temp", m.CPUTemp); !ok {
		return false
	}
	if m.GPUTemp, ok = v.temperature("gpu_temp", m.GPUTemp); !ok {
		return false
	}
	return true
}
