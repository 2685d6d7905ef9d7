/*
Package metrics defines the Prometheus collectors for the ingestion pipeline.

Collectors are package-level variables registered once in init(), matching
the counter and gauge set exposed by GET /api/metrics: ingested, sent,
dropped (by policy), spooled, drained, dlq, retries, breaker trips, and the
queue depth / spool bytes / inflight gauges.

The package also keeps an atomic counters snapshot (see Counters) so the
management API can serve the same numbers as JSON without scraping the
Prometheus registry.
*/
package metrics
