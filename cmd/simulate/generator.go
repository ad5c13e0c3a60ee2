package main

import (
	"math"
	"math/rand/v2"

	"github.com/nicktill/tinystats/pkg/sdk/payload"
)

// processMix is the synthetic workload: name and share of busy CPU.
var processMix = []struct {
	name  string
	share float64
	ramMB float64
}{
	{"chrome", 0.35, 1800},
	{"code", 0.20, 900},
	{"slack", 0.08, 450},
	{"docker", 0.15, 1200},
	{"spotify", 0.04, 300},
	{"kernel_task", 0.10, 200},
	{"python3", 0.08, 600},
}

const (
	burstChance   = 1.0 / 1800
	burstMinSecs  = 60
	burstMaxSecs  = 240
	burstCPU      = 55.0
	burstGPU      = 40.0
	gpuBurstRatio = 0.3
)

// generator produces plausible per-second readings: a daily CPU cycle with
// noise, a drifting RAM level and occasional load bursts.
type generator struct {
	rng *rand.Rand

	ram       float64
	burstLeft int
	burstGPU  bool
}

func newGenerator(seed uint64) *generator {
	return &generator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		ram: 55,
	}
}

// next returns the reading for epoch second ts.
func (g *generator) next(ts int64) payload.Sample {
	hour := float64(ts%86400) / 3600
	cpu := 18 + 12*math.Sin(2*math.Pi*(hour-9)/24) + g.rng.NormFloat64()*4

	if g.burstLeft == 0 && g.rng.Float64() < burstChance {
		g.burstLeft = burstMinSecs + g.rng.IntN(burstMaxSecs-burstMinSecs+1)
		g.burstGPU = g.rng.Float64() < gpuBurstRatio
	}
	gpu := 3 + g.rng.Float64()*4
	if g.burstLeft > 0 {
		g.burstLeft--
		cpu += burstCPU
		if g.burstGPU {
			gpu += burstGPU
		}
	}
	cpu = clamp(cpu, 0.5, 100)
	gpu = clamp(gpu, 0, 100)

	g.ram = clamp(g.ram+g.rng.NormFloat64()*0.3, 35, 90)

	cpuTemp := round1(38 + cpu*0.45 + g.rng.NormFloat64())
	gpuTemp := round1(34 + gpu*0.5 + g.rng.NormFloat64())

	procs := make([]payload.Process, 0, len(processMix))
	for _, p := range processMix {
		procs = append(procs, payload.Process{
			Name:  p.name,
			CPU:   round2(cpu * p.share * (0.7 + 0.6*g.rng.Float64())),
			RAMMB: round2(p.ramMB * (0.9 + 0.2*g.rng.Float64())),
		})
	}

	return payload.Sample{
		Time:      float64(ts),
		CPU:       round2(cpu),
		RAM:       round2(g.ram),
		GPU:       round2(gpu),
		CPUTemp:   &cpuTemp,
		GPUTemp:   &gpuTemp,
		Processes: procs,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
