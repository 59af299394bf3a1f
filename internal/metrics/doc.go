// Package metrics exposes a run on a Prometheus endpoint.
//
// The exporter reads everything at scrape time, so it never competes with
// the request path:
//
//	exp := metrics.NewExporter(runner, env.Stats, metrics.WithNodes(master.Nodes))
//	if err := exp.Listen(":9646"); err != nil {
//		return err
//	}
//	defer exp.Close(ctx)
//
// # Metrics
//
//   - swarmfire_users: current population
//   - swarmfire_runner_state{state}: 1 for the current state, 0 otherwise
//   - swarmfire_requests_total{method,name}: requests per entry
//   - swarmfire_failures_total{method,name}: failures per entry
//   - swarmfire_current_rps / swarmfire_current_failures_per_second: trailing window
//   - swarmfire_response_time_percentile_ms{quantile}: aggregate percentiles
//   - swarmfire_worker_cpu_percent{node_id}, swarmfire_worker_users{node_id}: master only
package metrics
