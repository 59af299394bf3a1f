package runner

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/sysmon"
	"github.com/torosent/swarmfire/internal/task"
)

// LocalOption customizes a Local runner.
type LocalOption func(*Local)

// WithNodeID sets the node name attached to logged exceptions.
func WithNodeID(id string) LocalOption {
	return func(r *Local) {
		if id != "" {
			r.nodeID = id
		}
	}
}

// WithSeed makes class selection deterministic.
func WithSeed(seed int64) LocalOption {
	return func(r *Local) { r.rng = rand.New(rand.NewSource(seed)) }
}

// WithCPUMonitor replaces the process CPU monitor.
func WithCPUMonitor(m *sysmon.Monitor) LocalOption {
	return func(r *Local) { r.cpu = m }
}

type userHandle struct {
	user     *task.User
	cancel   context.CancelFunc
	done     chan struct{}
	classIdx int
	stopping bool
}

// Local runs every user in the current process.
type Local struct {
	env    *Environment
	logger *zap.Logger
	nodeID string

	// ctl serializes Start, Stop and Quit.
	ctl sync.Mutex

	mu         sync.Mutex
	state      State
	host       string
	users      map[int]*userHandle
	nextID     int
	target     int
	spawnRate  float64
	rampCancel context.CancelFunc
	rampDone   chan struct{}
	rng        *rand.Rand
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}
	quitOnce   sync.Once
	unhandled  atomic.Int64
	exceptions *Exceptions
	cpu        *sysmon.Monitor
	cpuStarted bool
}

// NewLocal builds a runner in the ready state.
func NewLocal(env *Environment, opts ...LocalOption) *Local {
	if env == nil {
		env = NewEnvironment(Environment{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Local{
		env:        env,
		logger:     env.Logger.Named("runner"),
		nodeID:     "local",
		state:      StateReady,
		host:       env.Host,
		users:      map[int]*userHandle{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		baseCtx:    ctx,
		baseCancel: cancel,
		done:       make(chan struct{}),
		exceptions: NewExceptions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cpu == nil && env.CPUMonitorInterval > 0 {
		m, err := sysmon.New(r.logger, env.CPUMonitorInterval)
		if err != nil {
			r.logger.Debug("cpu monitor unavailable", zap.Error(err))
		} else {
			r.cpu = m
		}
	}

	env.Events.SpawningComplete.Add(func(event.SpawningComplete) error {
		if env.ResetStats {
			env.Stats.ResetAll()
		}
		r.mu.Lock()
		if r.state == StateSpawning {
			r.state = StateRunning
		}
		r.mu.Unlock()
		return nil
	})
	env.Events.UserError.Add(func(ue event.UserError) error {
		if ue.Err == nil {
			return nil
		}
		r.exceptions.Log(r.nodeID, ue.Err.Error(), ue.Stack)
		return nil
	})
	return r
}

func (r *Local) Environment() *Environment { return r.env }
func (r *Local) NodeID() string            { return r.nodeID }
func (r *Local) Exceptions() *Exceptions   { return r.exceptions }
func (r *Local) CPU() *sysmon.Monitor      { return r.cpu }
func (r *Local) Done() <-chan struct{}     { return r.done }

func (r *Local) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetHost points users spawned from now on at host. Running users keep the
// host they started with; user classes are never modified.
func (r *Local) SetHost(host string) {
	r.mu.Lock()
	r.host = strings.TrimSpace(host)
	r.mu.Unlock()
}

// Target returns the population requested by the last Start.
func (r *Local) Target() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// UserCount returns the number of users that are running and not being
// stopped.
func (r *Local) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.users {
		if !h.stopping {
			n++
		}
	}
	return n
}

// ClassCounts returns the running users per class name.
func (r *Local) ClassCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.env.UserClasses))
	for _, c := range r.env.UserClasses {
		out[c.Name()] = 0
	}
	for _, h := range r.users {
		if !h.stopping {
			out[r.env.UserClasses[h.classIdx].Name()]++
		}
	}
	return out
}

func (r *Local) Outcome() Outcome {
	var failures int64
	if total := r.env.Stats.Total(); total != nil {
		failures = total.NumFailures
	}
	return Outcome{
		Failures:   failures,
		Exceptions: r.exceptions.Len(),
		Unhandled:  r.unhandled.Load(),
	}
}

// Start moves the population towards users. Starting from an inactive state
// clears the statistics and fires TestStart; starting while active only
// rebalances.
func (r *Local) Start(users int, spawnRate float64) error {
	if users < 0 {
		return fmt.Errorf("user count must be >= 0, got %d", users)
	}
	if spawnRate <= 0 {
		return fmt.Errorf("spawn rate must be > 0, got %g", spawnRate)
	}
	if err := r.env.ValidateClasses(); err != nil {
		return err
	}

	r.ctl.Lock()
	defer r.ctl.Unlock()

	select {
	case <-r.done:
		return ErrQuitting
	default:
	}

	r.haltRamp()

	r.mu.Lock()
	fresh := !r.state.Active()
	if fresh {
		r.env.Stats.ClearAll()
		r.exceptions.Reset()
		r.unhandled.Store(0)
		r.cpu.ResetWarning()
		r.startCPUMonitor()
	}
	if spawnRate > HighSpawnRate {
		r.logger.Warn("spawn rate is very high; it may not be reached and can distort response times",
			zap.Float64("spawn_rate", spawnRate))
	}
	r.state = StateSpawning
	r.target = users
	r.spawnRate = spawnRate

	running := r.runningPerClassLocked()
	have := 0
	for _, n := range running {
		have += n
	}
	delta := users - have
	plan := reconcilePlan(ComputeDistribution(r.env.UserClasses, users), running, delta)

	ctx, cancel := context.WithCancel(r.baseCtx)
	done := make(chan struct{})
	r.rampCancel = cancel
	r.rampDone = done
	r.mu.Unlock()

	if fresh {
		if err := r.env.Events.TestStart.Fire(event.Lifecycle{At: time.Now()}); err != nil {
			r.logger.Error("test_start handler failed", zap.Error(err))
		}
	}

	r.logger.Info("ramping users",
		zap.Int("target", users),
		zap.Int("delta", delta),
		zap.Float64("spawn_rate", spawnRate))
	go r.ramp(ctx, done, plan, users, delta, spawnRate)
	return nil
}

func (r *Local) startCPUMonitor() {
	if r.cpu == nil || r.cpuStarted {
		return
	}
	r.cpuStarted = true
	go r.cpu.Run(r.baseCtx)
}

func (r *Local) runningPerClassLocked() []int {
	running := make([]int, len(r.env.UserClasses))
	for _, h := range r.users {
		if !h.stopping {
			running[h.classIdx]++
		}
	}
	return running
}

// haltRamp cancels an in-flight ramp and waits for it to return.
func (r *Local) haltRamp() {
	r.mu.Lock()
	cancel, done := r.rampCancel, r.rampDone
	r.rampCancel, r.rampDone = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Local) ramp(ctx context.Context, done chan struct{}, plan []int, target, delta int, spawnRate float64) {
	defer close(done)

	ctx, span := r.env.Tracer.Start(ctx, "ramp", trace.WithAttributes(
		attribute.Int("swarmfire.users.target", target),
		attribute.Int("swarmfire.users.delta", delta),
		attribute.Float64("swarmfire.spawn_rate", spawnRate),
	))
	defer span.End()

	if delta > 0 {
		p := newPacer(spawnRate)
		for _, idx := range r.bucket(plan) {
			if err := p.Wait(ctx); err != nil {
				span.SetStatus(codes.Error, "ramp interrupted")
				return
			}
			r.startUser(idx)
		}
	} else if delta < 0 {
		r.shrink(ctx, plan, -delta, spawnRate)
	}

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "ramp interrupted")
		return
	}
	count := r.UserCount()
	r.logger.Info("all users spawned", zap.Int("user_count", count), zap.Any("classes", r.ClassCounts()))
	if err := r.env.Events.SpawningComplete.Fire(event.SpawningComplete{UserCount: count}); err != nil {
		r.logger.Error("spawning_complete handler failed", zap.Error(err))
	}
}

// shrink stops the users named by plan, one every 1/stopRate seconds. A rate
// of at least count stops them all at once. Stops already dispatched finish
// even when ctx is cancelled.
func (r *Local) shrink(ctx context.Context, plan []int, count int, stopRate float64) {
	p := newPacer(stopRate)
	if stopRate >= float64(count) {
		p = newPacer(0)
	}
	var g errgroup.Group
	for _, idx := range r.bucket(plan) {
		if err := p.Wait(ctx); err != nil {
			break
		}
		for _, h := range r.pickVictims(idx, 1) {
			g.Go(func() error {
				r.stopUser(h)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// bucket lists one class index per user to spawn or stop, in random order.
func (r *Local) bucket(plan []int) []int {
	var out []int
	for idx, n := range plan {
		for i := 0; i < n; i++ {
			out = append(out, idx)
		}
	}
	r.mu.Lock()
	r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	r.mu.Unlock()
	return out
}

func (r *Local) startUser(classIdx int) {
	class := r.env.UserClasses[classIdx]

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	seed := r.rng.Int63()
	ctx, cancel := context.WithCancel(r.baseCtx)
	u := task.NewUser(class, task.UserOptions{
		ID:              id,
		Events:          r.env.Events,
		Logger:          r.env.Logger,
		CatchExceptions: r.env.CatchExceptions,
		Seed:            seed,
		Middleware:      r.env.Middleware,
		Host:            r.host,
	})
	h := &userHandle{user: u, cancel: cancel, done: make(chan struct{}), classIdx: classIdx}
	r.users[id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(h.done)
		err := u.Run(ctx)
		cancel()
		r.mu.Lock()
		delete(r.users, id)
		r.mu.Unlock()
		if err != nil {
			r.unhandled.Add(1)
			r.logger.Error("user aborted on unhandled error",
				zap.String("user_class", class.Name()),
				zap.Int("user_id", id),
				zap.Error(err))
		}
	}()
}

// pickVictims marks the n most recently spawned users of a class as stopping.
func (r *Local) pickVictims(classIdx, n int) []*userHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*userHandle
	for n > 0 {
		var best *userHandle
		bestID := -1
		for id, h := range r.users {
			if h.classIdx == classIdx && !h.stopping && id > bestID {
				best, bestID = h, id
			}
		}
		if best == nil {
			break
		}
		best.stopping = true
		out = append(out, best)
		n--
	}
	return out
}

// stopUser asks the user to finish its current task within StopTimeout and
// cancels it afterwards. Without a timeout the user is cancelled at once.
func (r *Local) stopUser(h *userHandle) {
	timeout := r.env.StopTimeout
	if timeout <= 0 {
		h.cancel()
		<-h.done
		return
	}
	h.user.RequestStop()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		r.logger.Info("stop timeout reached, interrupting user", zap.Int("user_id", h.user.ID()))
		h.cancel()
		<-h.done
	}
}

// Stop halts any ramp, stops every user and waits for all of them. It is a
// no-op unless load is being generated.
func (r *Local) Stop() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.stop()
}

func (r *Local) stop() {
	r.mu.Lock()
	switch r.state {
	case StateReady, StateStopped, StateCleanup:
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	r.mu.Unlock()

	r.haltRamp()

	r.mu.Lock()
	handles := make([]*userHandle, 0, len(r.users))
	for _, h := range r.users {
		h.stopping = true
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			r.stopUser(h)
			return nil
		})
	}
	_ = g.Wait()
	r.wg.Wait()

	r.mu.Lock()
	r.state = StateStopped
	r.target = 0
	r.mu.Unlock()

	r.logger.Info("all users stopped")
	if err := r.env.Events.TestStop.Fire(event.Lifecycle{At: time.Now()}); err != nil {
		r.logger.Error("test_stop handler failed", zap.Error(err))
	}
	if r.cpu.Warned() {
		r.logger.Warn("CPU usage exceeded the threshold during the run; results may be unreliable")
	}
}

// Quit stops the run and releases the runner. Further Starts fail with
// ErrQuitting.
func (r *Local) Quit() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	r.quitOnce.Do(func() {
		r.stop()
		r.mu.Lock()
		r.state = StateCleanup
		r.mu.Unlock()
		r.baseCancel()
		close(r.done)
	})
}
