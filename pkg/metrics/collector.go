package metrics

import "time"

// Sampler is anything Collector can periodically poll for gauge values.
// pkg/wallet's WalletFacade implements it to report its current guardian
// count; tests can supply a fake.
type Sampler interface {
	GuardianCount() int
}

// Collector periodically samples a Sampler and updates the package's gauge
// metrics, grounded on the teacher's ticker-driven Collector in
// pkg/metrics/collector.go, generalized from a concrete *manager.Manager
// dependency to the Sampler interface so it has no dependency on any one
// component.
type Collector struct {
	sampler Sampler
	stopCh  chan struct{}
}

// NewCollector returns a Collector that samples s every tick, once started.
func NewCollector(s Sampler) *Collector {
	return &Collector{
		sampler: s,
		stopCh:  make(chan struct{}),
	}
}

// Start begins sampling on a 15-second ticker, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's background goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	GuardiansTotal.Set(float64(c.sampler.GuardianCount()))
}
