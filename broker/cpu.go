package broker

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const processCPUMetric = "process_cpu_seconds_total"

// cpuSampler turns the process collector's CPU seconds counter into a load
// percentage over the interval since the previous sample. It reports 0 where
// the process collector is unsupported.
type cpuSampler struct {
	gatherer prometheus.Gatherer
	now      func() time.Time
	cores    float64

	mu       sync.Mutex
	lastCPU  float64
	lastTime time.Time
}

func newCPUSampler(g prometheus.Gatherer) *cpuSampler {
	return &cpuSampler{gatherer: g, now: time.Now, cores: float64(runtime.NumCPU())}
}

func (s *cpuSampler) Sample() float64 {
	seconds, ok := s.cpuSeconds()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	prevCPU, prevTime := s.lastCPU, s.lastTime
	s.lastCPU, s.lastTime = seconds, now
	if prevTime.IsZero() {
		return 0
	}

	elapsed := now.Sub(prevTime).Seconds()
	if elapsed <= 0 || seconds < prevCPU {
		return 0
	}
	load := (seconds - prevCPU) / elapsed / s.cores * 100
	if load > 100 {
		load = 100
	}
	return load
}

func (s *cpuSampler) cpuSeconds() (float64, bool) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != processCPUMetric {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				return c.GetValue(), true
			}
		}
	}
	return 0, false
}
