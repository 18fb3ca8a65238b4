/*
Package metrics provides Prometheus metrics collection and exposition for the
indexing engine: task queue depth, batch latency, index-builder merge
duration, and storage transaction counts. Metrics are exposed via Handler()
for scraping by a Prometheus server.

Collector periodically samples gauges (task counts, index counts, key counts)
from anything satisfying StatsProvider; counters and histograms are updated
inline by the scheduler and index builder as they do work.
*/
package metrics
