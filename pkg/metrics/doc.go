/*
Package metrics exposes CoralKM's Prometheus metrics: counters for messages,
problem reports, namespace sync operations, and recovery ceremony outcomes;
a histogram for resplit latency; and a gauge for guardian count.

Handler returns the promhttp handler for wiring into an HTTP mux. Collector
samples a Sampler (typically a WalletFacade) on a ticker and is what sets
coralkm_guardians_total; guardian add/remove does not update it directly.
*/
package metrics
