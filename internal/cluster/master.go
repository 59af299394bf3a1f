package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/sysmon"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatLiveness = 3

	quitGrace = 500 * time.Millisecond
)

// WorkerNode is the master's view of one worker.
type WorkerNode struct {
	ID        string         `json:"id"`
	State     runner.State   `json:"state"`
	Liveness  int            `json:"-"`
	UserCount int            `json:"user_count"`
	Classes   map[string]int `json:"user_classes_count,omitempty"`
	CPU       float64        `json:"cpu_usage"`
	CPUWarned bool           `json:"cpu_warned"`
	Unhandled int64          `json:"-"`
}

// MasterOption customizes a Master.
type MasterOption func(*Master)

// WithHeartbeat sets how often liveness is checked and how many missed
// heartbeats mark a worker missing.
func WithHeartbeat(interval time.Duration, liveness int) MasterOption {
	return func(m *Master) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
		if liveness > 0 {
			m.liveness = liveness
		}
	}
}

// Master coordinates workers. It implements runner.Runner.
type Master struct {
	env       *runner.Environment
	transport MasterTransport
	logger    *zap.Logger

	heartbeatInterval time.Duration
	liveness          int

	ctl sync.Mutex

	mu         sync.Mutex
	state      runner.State
	nodes      []*WorkerNode
	target     int
	spawnRate  float64
	stopped    chan struct{}
	exceptions *runner.Exceptions

	done     chan struct{}
	quitOnce sync.Once
}

var _ runner.Runner = (*Master)(nil)

func NewMaster(env *runner.Environment, transport MasterTransport, opts ...MasterOption) *Master {
	m := &Master{
		env:               env,
		transport:         transport,
		logger:            env.Logger.Named("master"),
		heartbeatInterval: DefaultHeartbeatInterval,
		liveness:          DefaultHeartbeatLiveness,
		state:             runner.StateReady,
		exceptions:        runner.NewExceptions(),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Master) Done() <-chan struct{}          { return m.done }
func (m *Master) Exceptions() *runner.Exceptions { return m.exceptions }

func (m *Master) State() runner.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Nodes returns a copy of every known worker in connection order.
func (m *Master) Nodes() []WorkerNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerNode, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = *n
		if n.Classes != nil {
			out[i].Classes = make(map[string]int, len(n.Classes))
			for k, v := range n.Classes {
				out[i].Classes[k] = v
			}
		}
	}
	return out
}

// WorkerCount counts workers that are not missing.
func (m *Master) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, node := range m.nodes {
		if node.State != runner.StateMissing {
			n++
		}
	}
	return n
}

// UserCount sums the users reported by live workers.
func (m *Master) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.nodes {
		if n.State != runner.StateMissing {
			total += n.UserCount
		}
	}
	return total
}

func (m *Master) Outcome() runner.Outcome {
	var failures int64
	if total := m.env.Stats.Total(); total != nil {
		failures = total.NumFailures
	}
	m.mu.Lock()
	var unhandled int64
	for _, n := range m.nodes {
		unhandled += n.Unhandled
	}
	m.mu.Unlock()
	return runner.Outcome{
		Failures:   failures,
		Exceptions: m.exceptions.Len(),
		Unhandled:  unhandled,
	}
}

// Run processes worker messages and heartbeats until ctx is done or Quit is
// called.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.receiveLoop(ctx) })
	g.Go(func() error { return m.heartbeatLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// WaitForWorkers blocks until at least n workers are connected.
func (m *Master) WaitForWorkers(ctx context.Context, n int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	lastLog := time.Time{}
	for {
		have := m.WorkerCount()
		if have >= n {
			return nil
		}
		if time.Since(lastLog) >= time.Second {
			m.logger.Info("waiting for workers to be ready", zap.Int("connected", have), zap.Int("expected", n))
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d workers (%d connected): %w", n, have, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Master) receiveLoop(ctx context.Context) error {
	for {
		msg, err := m.transport.Recv(ctx)
		if err != nil {
			return err
		}
		m.handle(ctx, msg)
	}
}

func (m *Master) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m.checkHeartbeats()
	}
}

// checkHeartbeats ages every worker by one interval. A worker whose
// liveness drops to zero is marked missing; losing the last worker stops
// the run.
func (m *Master) checkHeartbeats() {
	m.mu.Lock()
	var lost []string
	for _, n := range m.nodes {
		if n.State == runner.StateMissing {
			continue
		}
		n.Liveness--
		if n.Liveness <= 0 {
			n.State = runner.StateMissing
			n.UserCount = 0
			lost = append(lost, n.ID)
		}
	}
	allMissing := len(m.nodes) > 0
	for _, n := range m.nodes {
		if n.State != runner.StateMissing {
			allMissing = false
			break
		}
	}
	active := m.state.Active()
	m.mu.Unlock()

	for _, id := range lost {
		m.logger.Warn("worker failed to send heartbeat, marking as missing", zap.String("node_id", id))
	}
	if len(lost) > 0 && allMissing && active {
		m.logger.Warn("the last worker went missing, stopping test")
		go m.Stop()
		return
	}
	m.checkStopped()
}

func (m *Master) node(id string) *WorkerNode {
	for _, n := range m.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (m *Master) removeNode(id string) bool {
	for i, n := range m.nodes {
		if n.ID == id {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Master) handle(ctx context.Context, msg Message) {
	log := m.logger.With(zap.String("node_id", msg.NodeID), zap.String("type", msg.Type))
	switch msg.Type {
	case MsgClientReady:
		m.mu.Lock()
		if n := m.node(msg.NodeID); n != nil {
			n.State = runner.StateReady
			n.Liveness = m.liveness
			n.UserCount = 0
		} else {
			m.nodes = append(m.nodes, &WorkerNode{ID: msg.NodeID, State: runner.StateReady, Liveness: m.liveness})
		}
		count := 0
		for _, n := range m.nodes {
			if n.State != runner.StateMissing {
				count++
			}
		}
		rebalance := m.state.Active()
		m.mu.Unlock()
		log.Info("worker reported as ready", zap.Int("workers", count))
		if rebalance {
			m.dispatch(ctx)
		}

	case MsgClientStopped:
		m.mu.Lock()
		removed := m.removeNode(msg.NodeID)
		m.mu.Unlock()
		if !removed {
			log.Warn("stop reported by unknown worker")
		} else {
			log.Info("removing stopped worker from running workers")
		}
		m.checkStopped()

	case MsgHeartbeat:
		var hb HeartbeatData
		if err := msg.Decode(&hb); err != nil {
			log.Warn("bad heartbeat", zap.Error(err))
			return
		}
		m.mu.Lock()
		n := m.node(msg.NodeID)
		if n == nil {
			m.mu.Unlock()
			log.Info("heartbeat from unknown worker, asking it to reconnect")
			m.send(ctx, msg.NodeID, MsgReconnect, nil)
			return
		}
		wasMissing := n.State == runner.StateMissing
		n.Liveness = m.liveness
		n.State = hb.State
		n.CPU = hb.CPU
		warn := hb.CPU > sysmon.DefaultThreshold && !n.CPUWarned
		if warn {
			n.CPUWarned = true
		}
		m.mu.Unlock()
		if warn {
			log.Warn("worker CPU usage above threshold", zap.Float64("cpu_percent", hb.CPU))
		}
		if wasMissing {
			log.Info("missing worker is back")
		}

	case MsgStats:
		report := event.NewReport(msg.NodeID)
		if err := msg.Decode(&report.Data); err != nil {
			log.Warn("bad stats report", zap.Error(err))
			return
		}
		m.applyNodeReport(report)
		if err := m.env.Events.WorkerReport.Fire(report); err != nil {
			log.Error("worker_report handler failed", zap.Error(err))
		}

	case MsgSpawning:
		m.mu.Lock()
		if n := m.node(msg.NodeID); n != nil {
			n.State = runner.StateSpawning
		}
		m.mu.Unlock()

	case MsgSpawningComplete:
		var data SpawningCompleteData
		if err := msg.Decode(&data); err != nil {
			log.Warn("bad spawning_complete", zap.Error(err))
			return
		}
		m.mu.Lock()
		if n := m.node(msg.NodeID); n != nil {
			n.State = runner.StateRunning
			n.UserCount = data.UserCount
			n.Classes = data.Classes
		}
		complete := m.state == runner.StateSpawning
		total := 0
		for _, n := range m.nodes {
			switch n.State {
			case runner.StateReady, runner.StateSpawning:
				complete = false
			case runner.StateRunning:
				total += n.UserCount
			}
		}
		if complete {
			m.state = runner.StateRunning
		}
		m.mu.Unlock()
		if complete {
			m.logger.Info("all users spawned", zap.Int("user_count", total))
			if err := m.env.Events.SpawningComplete.Fire(event.SpawningComplete{UserCount: total}); err != nil {
				m.logger.Error("spawning_complete handler failed", zap.Error(err))
			}
			if m.env.ResetStats {
				m.env.Stats.ResetAll()
			}
		}

	case MsgQuit:
		m.mu.Lock()
		removed := m.removeNode(msg.NodeID)
		remaining := 0
		for _, n := range m.nodes {
			if n.State != runner.StateMissing {
				remaining++
			}
		}
		active := m.state.Active()
		m.mu.Unlock()
		if removed {
			log.Info("worker quit", zap.Int("workers", remaining))
		}
		if active && remaining == 0 {
			m.logger.Info("the last worker quit, stopping test")
			go m.Stop()
		}

	case MsgException:
		var data ExceptionData
		if err := msg.Decode(&data); err != nil {
			log.Warn("bad exception report", zap.Error(err))
			return
		}
		m.exceptions.Log(msg.NodeID, data.Msg, data.Traceback)

	default:
		log.Warn("unknown message type")
	}
}

func (m *Master) applyNodeReport(report event.Report) {
	var users int
	hasUsers, err := report.Get(ReportKeyUserCount, &users)
	if err != nil {
		m.logger.Debug("bad user count in report", zap.Error(err))
	}
	var classes map[string]int
	hasClasses, _ := report.Get(ReportKeyUserClasses, &classes)
	var unhandled int64
	hasUnhandled, _ := report.Get(ReportKeyUnhandled, &unhandled)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.node(report.NodeID)
	if n == nil {
		return
	}
	if hasUsers {
		n.UserCount = users
	}
	if hasClasses {
		n.Classes = classes
	}
	if hasUnhandled {
		n.Unhandled = unhandled
	}
}

// Partition splits users and spawnRate over n workers. Each worker gets
// users/n users, the first users%n workers one more, and an equal share of
// the rate.
func Partition(users int, spawnRate float64, n int) []SpawnData {
	if n <= 0 {
		return nil
	}
	out := make([]SpawnData, n)
	base, rem := users/n, users%n
	for i := range out {
		out[i] = SpawnData{UserCount: base, SpawnRate: spawnRate / float64(n)}
		if i < rem {
			out[i].UserCount++
		}
	}
	return out
}

// Start partitions users across the ready, spawning and running workers.
// Without workers it only logs a warning.
func (m *Master) Start(users int, spawnRate float64) error {
	if users < 0 {
		return fmt.Errorf("user count must be >= 0, got %d", users)
	}
	if spawnRate <= 0 {
		return fmt.Errorf("spawn rate must be > 0, got %g", spawnRate)
	}

	m.ctl.Lock()
	defer m.ctl.Unlock()
	select {
	case <-m.done:
		return runner.ErrQuitting
	default:
	}

	m.mu.Lock()
	if len(m.eligibleLocked()) == 0 {
		m.mu.Unlock()
		m.logger.Warn("you can't start a distributed test before at least one worker processes has connected")
		return nil
	}
	fresh := !m.state.Active()
	if fresh {
		m.env.Stats.ClearAll()
		m.exceptions.Reset()
		for _, n := range m.nodes {
			n.CPUWarned = false
			n.Unhandled = 0
		}
	}
	m.target = users
	m.spawnRate = spawnRate
	m.state = runner.StateSpawning
	m.mu.Unlock()

	if spawnRate > runner.HighSpawnRate {
		m.logger.Warn("spawn rate is very high; it may not be reached and can distort response times",
			zap.Float64("spawn_rate", spawnRate))
	}
	if fresh {
		if err := m.env.Events.TestStart.Fire(event.Lifecycle{At: time.Now()}); err != nil {
			m.logger.Error("test_start handler failed", zap.Error(err))
		}
	}
	m.logger.Info("sending spawn jobs", zap.Int("users", users), zap.Float64("spawn_rate", spawnRate))
	m.dispatch(context.Background())
	return nil
}

func (m *Master) eligibleLocked() []*WorkerNode {
	var out []*WorkerNode
	for _, n := range m.nodes {
		switch n.State {
		case runner.StateReady, runner.StateSpawning, runner.StateRunning:
			out = append(out, n)
		}
	}
	return out
}

// dispatch sends every eligible worker its share of the current target.
func (m *Master) dispatch(ctx context.Context) {
	m.mu.Lock()
	if !m.state.Active() {
		m.mu.Unlock()
		return
	}
	nodes := m.eligibleLocked()
	if len(nodes) == 0 {
		m.mu.Unlock()
		m.logger.Warn("no workers available for the running test")
		return
	}
	parts := Partition(m.target, m.spawnRate, len(nodes))
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		n.State = runner.StateSpawning
	}
	m.state = runner.StateSpawning
	host := m.env.Host
	m.mu.Unlock()

	for i, id := range ids {
		parts[i].Host = host
		m.send(ctx, id, MsgSpawn, parts[i])
	}
}

func (m *Master) send(ctx context.Context, nodeID, typ string, data any) {
	msg, err := NewMessage(typ, "", data)
	if err != nil {
		m.logger.Error("encode message", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := m.transport.Send(ctx, nodeID, msg); err != nil {
		m.logger.Warn("send to worker failed", zap.String("node_id", nodeID), zap.String("type", typ), zap.Error(err))
	}
}

// checkStopped completes a pending stop once no worker is running or
// spawning.
func (m *Master) checkStopped() {
	m.mu.Lock()
	if m.state != runner.StateStopping {
		m.mu.Unlock()
		return
	}
	for _, n := range m.nodes {
		if n.State == runner.StateRunning || n.State == runner.StateSpawning {
			m.mu.Unlock()
			return
		}
	}
	m.markStoppedLocked()
	m.mu.Unlock()
	m.fireTestStop()
}

func (m *Master) markStoppedLocked() {
	m.state = runner.StateStopped
	m.target = 0
	if m.stopped != nil {
		close(m.stopped)
		m.stopped = nil
	}
}

func (m *Master) fireTestStop() {
	m.logger.Info("all workers stopped")
	if err := m.env.Events.TestStop.Fire(event.Lifecycle{At: time.Now()}); err != nil {
		m.logger.Error("test_stop handler failed", zap.Error(err))
	}
}

// Stop tells every worker to stop and waits until they all report back or
// the stop timeout (plus a heartbeat allowance) expires.
func (m *Master) Stop() {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	m.stop()
}

func (m *Master) stop() {
	m.mu.Lock()
	switch m.state {
	case runner.StateReady, runner.StateStopped, runner.StateCleanup:
		m.mu.Unlock()
		return
	}
	if m.state == runner.StateStopping && m.stopped != nil {
		m.mu.Unlock()
		return
	}
	m.state = runner.StateStopping
	stopped := make(chan struct{})
	m.stopped = stopped
	var ids []string
	for _, n := range m.nodes {
		if n.State != runner.StateMissing {
			ids = append(ids, n.ID)
		}
	}
	m.mu.Unlock()

	m.logger.Info("stopping workers", zap.Int("workers", len(ids)))
	for _, id := range ids {
		m.send(context.Background(), id, MsgStop, nil)
	}
	m.checkStopped()

	wait := m.env.StopTimeout + time.Duration(m.liveness+1)*m.heartbeatInterval
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-stopped:
	case <-t.C:
		m.mu.Lock()
		forced := m.state == runner.StateStopping
		if forced {
			for _, n := range m.nodes {
				if n.State == runner.StateRunning || n.State == runner.StateSpawning {
					n.State = runner.StateMissing
					n.UserCount = 0
				}
			}
			m.markStoppedLocked()
		}
		m.mu.Unlock()
		if forced {
			m.logger.Warn("workers did not confirm stop in time", zap.Duration("waited", wait))
			m.fireTestStop()
		}
	}
}

// Quit stops the run, tells every worker to quit and releases Run.
func (m *Master) Quit() {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	m.quitOnce.Do(func() {
		m.stop()
		m.mu.Lock()
		var ids []string
		for _, n := range m.nodes {
			if n.State != runner.StateMissing {
				ids = append(ids, n.ID)
			}
		}
		m.state = runner.StateCleanup
		m.mu.Unlock()
		for _, id := range ids {
			m.send(context.Background(), id, MsgQuit, nil)
		}
		if len(ids) > 0 {
			time.Sleep(quitGrace)
		}
		close(m.done)
	})
}
