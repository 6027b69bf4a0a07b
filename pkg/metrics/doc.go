/*
Package metrics provides Prometheus metrics collection and exposition for
Aurora.

The metrics package defines and registers all Aurora metrics using the
Prometheus client library: job queue depth and throughput, reconciliation
duration and outcome, traffic-collector cycle time and observed byte
counts, limit-enforcer actions fired, Stream Bus subscriber count, SSH
connector latency, and API request metrics. Metrics are exposed via
Handler() for scraping by a Prometheus server.

Timer is a small helper for timing an operation and recording it to a
histogram or histogram vector once the operation completes:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, string(rule.Method))
*/
package metrics
