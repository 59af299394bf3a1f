package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/auth"
	"github.com/torosent/swarmfire/internal/cluster"
	"github.com/torosent/swarmfire/internal/config"
	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/httpclient"
	"github.com/torosent/swarmfire/internal/logging"
	"github.com/torosent/swarmfire/internal/metrics"
	"github.com/torosent/swarmfire/internal/output"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/shape"
	"github.com/torosent/swarmfire/internal/sysmon"
	"github.com/torosent/swarmfire/internal/threshold"
	"github.com/torosent/swarmfire/internal/tracing"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 3
	shutdownWait = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.NewLoader().Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node := nodeFor(cfg)
	tp, err := tracing.Init(ctx, cfg.Tracing, node)
	if err != nil {
		logger.Error("tracing setup failed", zap.Error(err))
		return exitConfig
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownWait)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	provider, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Error("auth setup failed", zap.Error(err))
		return exitConfig
	}
	if provider != nil {
		defer provider.Close()
	}

	env, err := newEnvironment(cfg, logger, tp, provider)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitConfig
	}

	s := &session{cfg: cfg, env: env, logger: logger, stdout: stdout, thresholds: thresholds, nodeID: node.ID}
	switch {
	case cfg.Worker:
		return s.runWorker(ctx)
	case cfg.Master:
		return s.runMaster(ctx)
	default:
		return s.runLocal(ctx)
	}
}

// newEnvironment builds the user classes and the load shape for cfg.
func newEnvironment(cfg *config.Config, logger *zap.Logger, tp *tracing.Provider, provider auth.Provider) (*runner.Environment, error) {
	opts := httpclient.Options{Propagate: tp.ShouldPropagate(), Auth: provider}
	env := runner.Environment{
		Host:               cfg.Host,
		StopTimeout:        cfg.StopTimeout,
		CatchExceptions:    cfg.CatchExceptions,
		ResetStats:         cfg.ResetStats,
		CPUMonitorInterval: sysmon.DefaultInterval,
		Logger:             logger,
	}
	if cfg.Tracing.Enabled() {
		tracer := tp.Tracer()
		opts.Tracer = tracer
		env.Tracer = tracer
		env.Middleware = tracing.TaskMiddleware(tracer)
	}

	classes, err := httpclient.UserClasses(cfg, httpclient.NewClient(cfg.Timeout), opts)
	if err != nil {
		return nil, err
	}
	env.UserClasses = classes

	sh, err := buildShape(cfg)
	if err != nil {
		return nil, err
	}
	env.Shape = sh
	return runner.NewEnvironment(env), nil
}

// buildShape returns the shape selected by --shape-file or --step-load, or
// nil for a fixed population.
func buildShape(cfg *config.Config) (shape.Shape, error) {
	switch {
	case cfg.ShapeFile != "":
		return shape.LoadFile(cfg.ShapeFile)
	case cfg.StepLoad:
		return &shape.StepLoad{
			MaxUsers:  cfg.Users,
			StepUsers: cfg.StepUsers,
			StepTime:  cfg.StepTime,
			SpawnRate: cfg.SpawnRate,
		}, nil
	default:
		return nil, nil
	}
}

// nodeFor names this process for trace export. Only workers get an ID up
// front; it is the one they register with the master.
func nodeFor(cfg *config.Config) tracing.Node {
	switch {
	case cfg.Worker:
		return tracing.Node{ID: cluster.NewNodeID(), Role: tracing.RoleWorker}
	case cfg.Master:
		return tracing.Node{Role: tracing.RoleMaster}
	default:
		return tracing.Node{Role: tracing.RoleLocal}
	}
}

// bindAddr turns --master-bind-host/port into a listen address; "*" binds
// every interface.
func bindAddr(cfg *config.Config) string {
	host := strings.TrimSpace(cfg.MasterBindHost)
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.MasterBindPort))
}

func masterURL(cfg *config.Config) string {
	return "ws://" + net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.MasterPort))
}

type session struct {
	cfg        *config.Config
	env        *runner.Environment
	logger     *zap.Logger
	stdout     io.Writer
	thresholds []threshold.Threshold
	nodeID     string
}

func (s *session) runLocal(ctx context.Context) int {
	r := runner.NewLocal(s.env)
	return s.drive(ctx, r, nil, nil)
}

func (s *session) runMaster(ctx context.Context) int {
	srv := cluster.NewServer(s.logger)
	if err := srv.Listen(bindAddr(s.cfg)); err != nil {
		s.logger.Error("master cannot listen", zap.String("addr", bindAddr(s.cfg)), zap.Error(err))
		return exitConfig
	}
	defer srv.Close()

	m := cluster.NewMaster(s.env, srv)
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	expect := s.cfg.ExpectWorkers
	if expect <= 0 {
		expect = 1
	}
	wait := func(ctx context.Context) error {
		if s.cfg.ExpectWorkersMaxWait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ExpectWorkersMaxWait)
			defer cancel()
		}
		return m.WaitForWorkers(ctx, expect)
	}

	code := s.drive(ctx, m, m.Nodes, wait)
	if err := <-runErr; err != nil {
		s.logger.Error("master stopped with error", zap.Error(err))
		if code == exitOK {
			code = exitFailure
		}
	}
	return code
}

func (s *session) runWorker(ctx context.Context) int {
	nodeID := s.nodeID
	logger := s.logger.With(zap.String("node_id", nodeID))
	transport, err := cluster.Dial(ctx, masterURL(s.cfg), nodeID, cluster.WithClientLogger(logger))
	if err != nil {
		logger.Error("cannot connect to master", zap.String("url", masterURL(s.cfg)), zap.Error(err))
		return exitFailure
	}
	defer transport.Close()

	w := cluster.NewWorker(s.env, transport, nodeID)
	exporter, code := s.startMetrics(w.Local(), nil)
	if code != exitOK {
		return code
	}
	if exporter != nil {
		s.env.Events.Quitting.Add(func(event.Lifecycle) error { return closeExporter(exporter) })
	}

	err = w.Run(ctx)
	w.Quit()
	s.fireQuitting()
	if err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return exitFailure
	}
	return exitOK
}

// drive starts r, waits for it to finish and reports the result. ready, when
// set, gates the start of a headless run.
func (s *session) drive(ctx context.Context, r runner.Runner, nodes func() []cluster.WorkerNode, ready func(context.Context) error) int {
	cfg := s.cfg

	exporter, code := s.startMetrics(r, nodes)
	if code != exitOK {
		r.Quit()
		return code
	}
	if exporter != nil {
		s.env.Events.Quitting.Add(func(event.Lifecycle) error { return closeExporter(exporter) })
	}

	if cfg.CSVPrefix != "" {
		csvw, err := output.NewCSVWriter(cfg.CSVPrefix, s.env.Stats, r.UserCount, cfg.CSVFullHistory)
		if err != nil {
			s.logger.Error("csv output unavailable", zap.Error(err))
			r.Quit()
			s.fireQuitting()
			return exitConfig
		}
		csvCtx, stopCSV := context.WithCancel(context.Background())
		go func() {
			if err := csvw.Run(csvCtx, output.DefaultCSVInterval); err != nil {
				s.logger.Error("csv write failed", zap.Error(err))
			}
		}()
		s.env.Events.Quitting.Add(func(event.Lifecycle) error {
			stopCSV()
			return csvw.Close()
		})
	}

	if cfg.Headless {
		s.env.Events.TestStop.Add(func(event.Lifecycle) error {
			go r.Quit()
			return nil
		})
	}

	var printer *output.StatsPrinter
	if cfg.Headless && !cfg.OnlySummary {
		printer = output.NewStatsPrinter(s.env.Stats, output.DefaultConsoleInterval, s.stdout)
		printer.Start()
	}

	if ready != nil {
		if err := ready(ctx); err != nil {
			s.logger.Error("gave up waiting for workers to connect", zap.Error(err))
			return s.finish(r, printer, exitFailure)
		}
	}

	driveCtx, stopDrive := context.WithCancel(ctx)
	defer stopDrive()
	if s.env.Shape != nil {
		ctl := &runner.ShapeController{Runner: r, Shape: s.env.Shape, Logger: s.logger}
		go func() {
			if err := ctl.Run(driveCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("load shape failed", zap.Error(err))
				r.Quit()
			}
		}()
	} else if err := r.Start(cfg.Users, cfg.SpawnRate); err != nil {
		s.logger.Error("cannot start users", zap.Error(err))
		return s.finish(r, printer, exitFailure)
	}

	if cfg.RunTime > 0 {
		s.logger.Info("run time limit set", zap.Duration("run_time", cfg.RunTime))
		timer := time.AfterFunc(cfg.RunTime, func() {
			s.logger.Info("run time limit reached, stopping")
			if cfg.Headless {
				r.Quit()
				return
			}
			r.Stop()
		})
		defer timer.Stop()
	}

	select {
	case <-r.Done():
	case <-ctx.Done():
		s.logger.Info("interrupted, shutting down")
		r.Quit()
	}
	stopDrive()

	return s.finish(r, printer, r.Outcome().ExitCode(cfg.ExitCodeOnError))
}

// finish quits r, tears the output down and prints the final report. Failed
// thresholds turn a clean exit into ExitCodeOnError.
func (s *session) finish(r runner.Runner, printer *output.StatsPrinter, code int) int {
	r.Quit()
	if printer != nil {
		printer.Stop()
	}
	s.fireQuitting()

	snap := s.env.Stats.Snapshot()
	output.PrintSummary(s.stdout, snap)
	if len(s.thresholds) > 0 {
		results := threshold.NewEvaluator(s.thresholds).Evaluate(snap)
		output.PrintThresholds(s.stdout, results)
		if failed := threshold.Failed(results); failed > 0 {
			s.logger.Warn("thresholds failed", zap.Int("failed", failed), zap.Int("total", len(results)))
			if code == exitOK {
				code = s.cfg.ExitCodeOnError
			}
		}
	}

	outcome := r.Outcome()
	if outcome.Exceptions > 0 {
		s.logger.Warn("task errors were logged during the run", zap.Int("distinct", outcome.Exceptions))
	}
	if outcome.Unhandled > 0 {
		s.logger.Error("users aborted on unhandled task errors", zap.Int64("count", outcome.Unhandled))
	}
	s.logger.Info("shutting down", zap.Int("exit_code", code))
	return code
}

func (s *session) startMetrics(source metrics.Source, nodes func() []cluster.WorkerNode) (*metrics.Exporter, int) {
	if s.cfg.MetricsAddr == "" {
		return nil, exitOK
	}
	opts := []metrics.Option{metrics.WithLogger(s.logger)}
	if nodes != nil {
		opts = append(opts, metrics.WithNodes(nodes))
	}
	exporter := metrics.NewExporter(source, s.env.Stats, opts...)
	if err := exporter.Listen(s.cfg.MetricsAddr); err != nil {
		s.logger.Error("metrics endpoint cannot listen", zap.String("addr", s.cfg.MetricsAddr), zap.Error(err))
		return nil, exitConfig
	}
	return exporter, exitOK
}

func (s *session) fireQuitting() {
	if err := s.env.Events.Quitting.Fire(event.Lifecycle{At: time.Now()}); err != nil {
		s.logger.Error("quitting handler failed", zap.Error(err))
	}
}

func closeExporter(e *metrics.Exporter) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	return e.Close(ctx)
}
