package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nicktill/tinystats/pkg/storage"
)

const scrapeTimeout = 5 * time.Second

// promSample is one line of a metric family.
type promSample struct {
	labels map[string]string
	value  float64
	ts     int64 // epoch ms, 0 omits
}

type promFamily struct {
	name    string
	help    string
	typ     string
	samples []promSample
}

// handlePrometheus exposes the latest minute and engine counters in the
// Prometheus text format so external scrapers can follow the workstation.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func handlePrometheus(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), scrapeTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, fam := range collectFamilies(ctx, svc) {
			writeFamily(w, fam)
		}
	}
}

func collectFamilies(ctx context.Context, svc *Service) []promFamily {
	var fams []promFamily
	store := svc.Engine.Store()

	if ts, ok, err := store.MaxTimestamp(ctx, storage.TierMinute); err == nil && ok {
		if rows, err := store.MinuteRange(ctx, ts, ts+1); err == nil && len(rows) == 1 {
			fams = append(fams, minuteFamilies(rows[0])...)
		}
	}

	if st, err := store.Stats(ctx); err == nil {
		rows := promFamily{name: "tinystats_tier_rows", help: "Rows stored per tier.", typ: "gauge"}
		for _, tier := range sortedKeys(st.Rows) {
			rows.samples = append(rows.samples, promSample{
				labels: map[string]string{"tier": string(tier)},
				value:  float64(st.Rows[tier]),
			})
		}
		fams = append(fams, rows)
	}

	status := svc.Registry.Status()
	succeeded := promFamily{name: "tinystats_component_successes_total", help: "Successful component runs.", typ: "counter"}
	failed := promFamily{name: "tinystats_component_failures_total", help: "Failed component runs.", typ: "counter"}
	healthy := promFamily{name: "tinystats_component_healthy", help: "1 when the component is healthy.", typ: "gauge"}
	for _, name := range sortedKeys(status) {
		cs := status[name]
		labels := map[string]string{"component": name}
		succeeded.samples = append(succeeded.samples, promSample{labels: labels, value: float64(cs.Successes)})
		failed.samples = append(failed.samples, promSample{labels: labels, value: float64(cs.Failures)})
		healthy.samples = append(healthy.samples, promSample{labels: labels, value: boolValue(cs.Healthy)})
	}
	fams = append(fams, succeeded, failed, healthy)

	issues := svc.Engine.Issues()
	corrected := promFamily{name: "tinystats_input_issues_total", help: "Malformed inputs corrected or dropped.", typ: "counter"}
	for _, issue := range sortedKeys(issues) {
		corrected.samples = append(corrected.samples, promSample{
			labels: map[string]string{"issue": string(issue)},
			value:  float64(issues[issue]),
		})
	}
	fams = append(fams, corrected, promFamily{
		name:    "tinystats_live_processes",
		help:    "Process-hour slots awaiting flush.",
		typ:     "gauge",
		samples: []promSample{{value: float64(svc.Engine.LiveProcesses())}},
	})
	return fams
}

func minuteFamilies(row storage.MinuteRow) []promFamily {
	ts := row.Timestamp * 1000
	load := func(name, help string, m storage.Metrics) promFamily {
		return promFamily{name: name, help: help, typ: "gauge", samples: []promSample{
			{labels: map[string]string{"stat": "avg"}, value: m.Avg, ts: ts},
			{labels: map[string]string{"stat": "min"}, value: m.Min, ts: ts},
			{labels: map[string]string{"stat": "max"}, value: m.Max, ts: ts},
		}}
	}
	fams := []promFamily{
		load("tinystats_cpu_percent", "CPU utilisation over the latest minute.", row.CPU),
		load("tinystats_ram_percent", "RAM utilisation over the latest minute.", row.RAM),
		load("tinystats_gpu_percent", "GPU utilisation over the latest minute.", row.GPU),
	}
	temps := promFamily{name: "tinystats_temperature_celsius", help: "Average temperature over the latest minute.", typ: "gauge"}
	if row.CPUTemp != nil {
		temps.samples = append(temps.samples, promSample{labels: map[string]string{"sensor": "cpu"}, value: *row.CPUTemp, ts: ts})
	}
	if row.GPUTemp != nil {
		temps.samples = append(temps.samples, promSample{labels: map[string]string{"sensor": "gpu"}, value: *row.GPUTemp, ts: ts})
	}
	if len(temps.samples) > 0 {
		fams = append(fams, temps)
	}
	return fams
}

func writeFamily(w io.Writer, fam promFamily) {
	if len(fam.samples) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", fam.name, fam.help)
	fmt.Fprintf(w, "# TYPE %s %s\n", fam.name, fam.typ)
	for _, s := range fam.samples {
		if s.ts != 0 {
			fmt.Fprintf(w, "%s%s %v %d\n", fam.name, formatLabels(s.labels), s.value, s.ts)
		} else {
			fmt.Fprintf(w, "%s%s %v\n", fam.name, formatLabels(s.labels), s.value)
		}
	}
	fmt.Fprintln(w)
}

// formatLabels renders {key="value",...} with keys sorted.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapeLabel(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapeLabel escapes backslash, double quote and line feed.
func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
