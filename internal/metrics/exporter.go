package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/cluster"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/stats"
)

const namespace = "swarmfire"

var states = []runner.State{
	runner.StateReady, runner.StateSpawning, runner.StateRunning,
	runner.StateCleanup, runner.StateStopping, runner.StateStopped,
}

// Source is the runner being observed.
type Source interface {
	State() runner.State
	UserCount() int
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithNodes adds per-worker gauges read from nodes at scrape time.
func WithNodes(nodes func() []cluster.WorkerNode) Option {
	return func(e *Exporter) { e.nodes = nodes }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Exporter serves the run's metrics from its own registry.
type Exporter struct {
	source   Source
	stats    *stats.RequestStats
	nodes    func() []cluster.WorkerNode
	logger   *zap.Logger
	registry *prometheus.Registry
	srv      *http.Server

	users       *prometheus.Desc
	state       *prometheus.Desc
	requests    *prometheus.Desc
	failures    *prometheus.Desc
	rps         *prometheus.Desc
	failRate    *prometheus.Desc
	percentile  *prometheus.Desc
	workerCPU   *prometheus.Desc
	workerUsers *prometheus.Desc
}

// NewExporter registers the run collector on a fresh registry.
func NewExporter(source Source, rs *stats.RequestStats, opts ...Option) *Exporter {
	e := &Exporter{
		source:   source,
		stats:    rs,
		logger:   zap.NewNop(),
		registry: prometheus.NewRegistry(),

		users: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "users"),
			"Current number of running users.", nil, nil),
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "runner", "state"),
			"Runner state, 1 for the current state.", []string{"state"}, nil),
		requests: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "requests_total"),
			"Requests logged per entry.", []string{"method", "name"}, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "failures_total"),
			"Failures logged per entry.", []string{"method", "name"}, nil),
		rps: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "current_rps"),
			"Requests per second over the trailing window.", nil, nil),
		failRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "current_failures_per_second"),
			"Failures per second over the trailing window.", nil, nil),
		percentile: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "response_time_percentile_ms"),
			"Aggregate response time percentiles in milliseconds.", []string{"quantile"}, nil),
		workerCPU: prometheus.NewDesc(prometheus.BuildFQName(namespace, "worker", "cpu_percent"),
			"Last CPU usage reported by a worker.", []string{"node_id"}, nil),
		workerUsers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "worker", "users"),
			"Users running on a worker.", []string{"node_id"}, nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry.MustRegister(e)
	return e
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// Listen serves /metrics on addr in the background.
func (e *Exporter) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	e.srv = &http.Server{Handler: mux}
	e.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Close shuts the listener down, if any.
func (e *Exporter) Close(ctx context.Context) error {
	if e.srv == nil {
		return nil
	}
	return e.srv.Shutdown(ctx)
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.users
	ch <- e.state
	ch <- e.requests
	ch <- e.failures
	ch <- e.rps
	ch <- e.failRate
	ch <- e.percentile
	ch <- e.workerCPU
	ch <- e.workerUsers
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(e.users, prometheus.GaugeValue, float64(e.source.UserCount()))
	current := e.source.State()
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(e.state, prometheus.GaugeValue, v, string(s))
	}

	if e.stats != nil {
		snap := e.stats.Snapshot()
		for _, entry := range snap.Entries {
			ch <- prometheus.MustNewConstMetric(e.requests, prometheus.CounterValue,
				float64(entry.NumRequests), entry.Method, entry.Name)
			ch <- prometheus.MustNewConstMetric(e.failures, prometheus.CounterValue,
				float64(entry.NumFailures), entry.Method, entry.Name)
		}
		ch <- prometheus.MustNewConstMetric(e.rps, prometheus.GaugeValue, snap.Total.CurrentRPS())
		ch <- prometheus.MustNewConstMetric(e.failRate, prometheus.GaugeValue, snap.Total.CurrentFailPerSec())
		if snap.Total.NumRequests > 0 {
			for _, p := range stats.PercentilesToReport {
				ch <- prometheus.MustNewConstMetric(e.percentile, prometheus.GaugeValue,
					float64(snap.Total.ResponseTimePercentile(p)), strconv.FormatFloat(p, 'f', -1, 64))
			}
		}
	}

	if e.nodes != nil {
		for _, n := range e.nodes() {
			ch <- prometheus.MustNewConstMetric(e.workerCPU, prometheus.GaugeValue, n.CPU, n.ID)
			ch <- prometheus.MustNewConstMetric(e.workerUsers, prometheus.GaugeValue, float64(n.UserCount), n.ID)
		}
	}
}
