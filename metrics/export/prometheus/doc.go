// Package prometheus exposes authgate metrics through a
// prometheus.Collector.
//
// [NewCollector] reads [authgate.Gateway.MetricsSnapshot] on every scrape.
// Counter names are authgate_*_total and the single histogram is
// authgate_authenticate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry. [Handler] builds its own.
//   - Mutate gateway state.
package prometheus
