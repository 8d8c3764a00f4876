package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/paasd/pkg/container"
)

// Collector periodically refreshes the container-state gauges from
// the container runtime, so paasd_containers_total stays current
// between deploys.
type Collector struct {
	driver *container.Driver
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(driver *container.Driver) *Collector {
	return &Collector{
		driver: driver,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	infos, err := c.driver.List(ctx)
	if err != nil {
		return
	}

	counts := map[string]map[string]int{}
	for _, info := range infos {
		service := serviceNameFromLabels(info.Labels, info.Name)
		if counts[service] == nil {
			counts[service] = map[string]int{}
		}
		counts[service]["running"]++
	}

	ContainersTotal.Reset()
	for service, states := range counts {
		for state, count := range states {
			ContainersTotal.WithLabelValues(service, state).Set(float64(count))
		}
	}
}

// serviceNameFromLabels recovers the logical service name a container
// belongs to, preferring the MYPAAS_SERVICE-derived label set by the
// deploy orchestrator and falling back to the base of its own name
// (stripping ".N" or ".old.<ts>.<i>" instance suffixes).
func serviceNameFromLabels(labels map[string]string, name string) string {
	if svc, ok := labels["paasd.service"]; ok && svc != "" {
		return svc
	}
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}
