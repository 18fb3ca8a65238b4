package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/quarry/pkg/types"
)

// StatsProvider is the narrow view the collector needs over the engine; it
// is satisfied by pkg/engine.Engine without metrics importing engine and
// creating an import cycle.
type StatsProvider interface {
	TaskCountsByStatus() (map[types.TaskStatus]int, error)
	IndexCount() (int, error)
	APIKeyCount() (int, error)
}

// Collector periodically samples gauges from a StatsProvider.
type Collector struct {
	stats  StatsProvider
	stopCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewCollector creates a new metrics collector.
func NewCollector(stats StatsProvider) *Collector {
	return &Collector{
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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

// Stop stops the collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectIndexMetrics()
	c.collectAPIKeyMetrics()
}

func (c *Collector) collectTaskMetrics() {
	counts, err := c.stats.TaskCountsByStatus()
	if err != nil {
		return
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectIndexMetrics() {
	n, err := c.stats.IndexCount()
	if err != nil {
		return
	}
	IndexesTotal.Set(float64(n))
}

func (c *Collector) collectAPIKeyMetrics() {
	n, err := c.stats.APIKeyCount()
	if err != nil {
		return
	}
	APIKeysTotal.Set(float64(n))
}
