package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSampler struct {
	count int
}

func (f *fakeSampler) GuardianCount() int { return f.count }

func TestCollectorSamplesOnStart(t *testing.T) {
	sampler := &fakeSampler{count: 3}
	c := NewCollector(sampler)
	c.Start()
	defer c.Stop()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(GuardiansTotal))
}

func TestCollectorStopHaltsSampling(t *testing.T) {
	sampler := &fakeSampler{count: 1}
	c := NewCollector(sampler)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	sampler.count = 99
	time.Sleep(10 * time.Millisecond)
	assert.NotEqual(t, float64(99), testutil.ToFloat64(GuardiansTotal))
}
