package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUSampler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: processCPUMetric, Help: "cpu"})
	require.NoError(t, reg.Register(counter))

	now := time.Unix(1700000000, 0)
	s := newCPUSampler(reg)
	s.cores = 2
	s.now = func() time.Time { return now }

	counter.Add(10)
	assert.Equal(t, 0.0, s.Sample(), "first sample has no baseline")

	// one busy core out of two over ten seconds
	now = now.Add(10 * time.Second)
	counter.Add(10)
	assert.InDelta(t, 50.0, s.Sample(), 0.001)

	now = now.Add(time.Second)
	counter.Add(100)
	assert.Equal(t, 100.0, s.Sample(), "load is capped")

	now = now.Add(time.Second)
	assert.Equal(t, 0.0, s.Sample())
}

func TestCPUSampler_NoProcessCollector(t *testing.T) {
	s := newCPUSampler(prometheus.NewRegistry())
	assert.Equal(t, 0.0, s.Sample())
	assert.Equal(t, 0.0, s.Sample())
}
