package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/runner"
)

const DefaultStatsInterval = 3 * time.Second

// NewNodeID returns hostname_ulid.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s_%s", host, strings.ToLower(ulid.Make().String()))
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

func WithIntervals(heartbeat, stats time.Duration) WorkerOption {
	return func(w *Worker) {
		if heartbeat > 0 {
			w.heartbeatInterval = heartbeat
		}
		if stats > 0 {
			w.statsInterval = stats
		}
	}
}

// Worker runs users locally on behalf of a master.
type Worker struct {
	local     *runner.Local
	env       *runner.Environment
	transport WorkerTransport
	nodeID    string
	logger    *zap.Logger

	heartbeatInterval time.Duration
	statsInterval     time.Duration

	// cmds serializes spawn, stop and quit handling.
	cmds     sync.Mutex
	done     chan struct{}
	quitOnce sync.Once
}

// NewWorker wraps a local runner named nodeID. The worker forwards spawn
// completion, task errors and statistics to the master.
func NewWorker(env *runner.Environment, transport WorkerTransport, nodeID string, opts ...WorkerOption) *Worker {
	w := &Worker{
		env:               env,
		transport:         transport,
		nodeID:            nodeID,
		logger:            env.Logger.Named("worker").With(zap.String("node_id", nodeID)),
		heartbeatInterval: DefaultHeartbeatInterval,
		statsInterval:     DefaultStatsInterval,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.local = runner.NewLocal(env, runner.WithNodeID(nodeID))

	env.Events.SpawningComplete.Add(func(ev event.SpawningComplete) error {
		w.send(context.Background(), MsgSpawningComplete, SpawningCompleteData{
			UserCount: ev.UserCount,
			Classes:   w.local.ClassCounts(),
		})
		return nil
	})
	env.Events.UserError.Add(func(ue event.UserError) error {
		if ue.Err == nil {
			return nil
		}
		w.send(context.Background(), MsgException, ExceptionData{Msg: ue.Err.Error(), Traceback: ue.Stack})
		return nil
	})
	env.Events.ReportToMaster.Add(func(r event.Report) error {
		if err := r.Set(ReportKeyUserCount, w.local.UserCount()); err != nil {
			return err
		}
		if err := r.Set(ReportKeyUserClasses, w.local.ClassCounts()); err != nil {
			return err
		}
		return r.Set(ReportKeyUnhandled, w.local.Outcome().Unhandled)
	})
	return w
}

func (w *Worker) NodeID() string        { return w.nodeID }
func (w *Worker) Local() *runner.Local  { return w.local }
func (w *Worker) Done() <-chan struct{} { return w.done }
func (w *Worker) State() runner.State   { return w.local.State() }

// Run announces the worker and serves the master until it says quit, Quit
// is called or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := w.sendErr(ctx, MsgClientReady, nil); err != nil {
		return fmt.Errorf("announce worker: %w", err)
	}
	w.logger.Info("connected to master, waiting for spawn")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.receiveLoop(ctx) })
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	g.Go(func() error { return w.statsLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) receiveLoop(ctx context.Context) error {
	for {
		msg, err := w.transport.Recv(ctx)
		if err != nil {
			return err
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgSpawn:
		var data SpawnData
		if err := msg.Decode(&data); err != nil {
			w.logger.Warn("bad spawn message", zap.Error(err))
			return
		}
		w.cmds.Lock()
		defer w.cmds.Unlock()
		if data.Host != "" {
			w.local.SetHost(data.Host)
		}
		w.send(ctx, MsgSpawning, nil)
		if err := w.local.Start(data.UserCount, data.SpawnRate); err != nil {
			w.logger.Error("spawn failed", zap.Error(err))
		}

	case MsgStop:
		w.cmds.Lock()
		defer w.cmds.Unlock()
		w.local.Stop()
		w.send(ctx, MsgClientStopped, nil)
		w.send(ctx, MsgClientReady, nil)

	case MsgQuit:
		w.logger.Info("got quit message from master, shutting down")
		w.shutdown(ctx, false)

	case MsgReconnect:
		w.logger.Info("master asked to reconnect")
		if err := w.transport.Reset(ctx); err != nil {
			w.logger.Error("reconnect failed", zap.Error(err))
			return
		}
		w.send(ctx, MsgClientReady, nil)

	default:
		w.logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		err := w.sendErr(ctx, MsgHeartbeat, HeartbeatData{
			State: w.local.State(),
			CPU:   w.local.CPU().Usage(),
		})
		if err == nil || ctx.Err() != nil {
			continue
		}
		w.logger.Error("heartbeat failed, resetting connection", zap.Error(err))
		if err := w.transport.Reset(ctx); err != nil {
			w.logger.Error("reconnect failed", zap.Error(err))
			continue
		}
		w.send(ctx, MsgClientReady, nil)
	}
}

func (w *Worker) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		w.sendStats(ctx)
	}
}

// sendStats ships everything logged since the previous report.
func (w *Worker) sendStats(ctx context.Context) {
	report := event.NewReport(w.nodeID)
	if err := w.env.Events.ReportToMaster.Fire(report); err != nil {
		w.logger.Error("report_to_master handler failed", zap.Error(err))
	}
	w.send(ctx, MsgStats, report.Data)
}

// Quit stops the users, flushes the final statistics and tells the master
// this worker is leaving.
func (w *Worker) Quit() {
	w.shutdown(context.Background(), true)
}

func (w *Worker) shutdown(ctx context.Context, announce bool) {
	w.quitOnce.Do(func() {
		w.cmds.Lock()
		defer w.cmds.Unlock()
		w.local.Quit()
		ctx := context.WithoutCancel(ctx)
		w.sendStats(ctx)
		if announce {
			w.send(ctx, MsgQuit, nil)
		}
		close(w.done)
	})
}

func (w *Worker) send(ctx context.Context, typ string, data any) {
	if err := w.sendErr(ctx, typ, data); err != nil {
		w.logger.Warn("send to master failed", zap.String("type", typ), zap.Error(err))
	}
}

func (w *Worker) sendErr(ctx context.Context, typ string, data any) error {
	msg, err := NewMessage(typ, w.nodeID, data)
	if err != nil {
		return err
	}
	return w.transport.Send(ctx, msg)
}
