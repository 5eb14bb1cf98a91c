package metrics

import (
	"time"

	"github.com/cuemby/flotilla/pkg/storage"
)

// Collector periodically samples the store to refresh gauge metrics
// that aren't naturally updated by the operation that changed them
// (fleet-wide counts, in particular).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection on its own goroutine.
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

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	services, err := c.store.ListServices()
	if err != nil {
		return
	}
	ServicesTotal.Set(float64(len(services)))

	for _, svc := range services {
		statuses, err := c.store.ListInstanceStatus(svc.Name)
		if err == nil {
			InstancesTotal.WithLabelValues(svc.Name).Set(float64(len(statuses)))
		}

		active, quarantined := 0, 0
		for _, weight := range svc.Weights {
			if weight < 0 {
				quarantined++
			} else {
				active++
			}
		}
		RevisionsTotal.WithLabelValues(svc.Name, "active").Set(float64(active))
		RevisionsTotal.WithLabelValues(svc.Name, "quarantined").Set(float64(quarantined))
	}
}
