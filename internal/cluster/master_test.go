package cluster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/torosent/swarmfire/internal/cluster"
	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/stats"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func send(t *testing.T, c *cluster.MemoryConn, typ string, data any) {
	t.Helper()
	msg, err := cluster.NewMessage(typ, "", data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := c.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send %s: %v", typ, err)
	}
}

func recvType(t *testing.T, c *cluster.MemoryConn, typ string) cluster.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func startMaster(t *testing.T, env *runner.Environment, opts ...cluster.MasterOption) (*cluster.Master, *cluster.MemoryHub) {
	t.Helper()
	hub := cluster.NewMemoryHub()
	m := cluster.NewMaster(env, hub, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = hub.Close()
	})
	return m, hub
}

func TestMasterStartWithoutWorkersWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	env := runner.NewEnvironment(runner.Environment{Logger: zap.New(core)})
	m, _ := startMaster(t, env)

	if err := m.Start(10, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != runner.StateReady {
		t.Fatalf("state = %s, want ready", m.State())
	}
	if logs.FilterMessageSnippet("at least one worker").Len() != 1 {
		t.Fatalf("expected a warning about missing workers, got %v", logs.All())
	}
}

func TestMasterPartitionsAcrossWorkers(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env)

	conns := []*cluster.MemoryConn{hub.Connect("w1"), hub.Connect("w2"), hub.Connect("w3")}
	for _, c := range conns {
		send(t, c, cluster.MsgClientReady, nil)
	}
	waitFor(t, "workers", func() bool { return m.WorkerCount() == 3 })

	var started sync.WaitGroup
	started.Add(1)
	env.Events.TestStart.Add(func(event.Lifecycle) error { started.Done(); return nil })

	if err := m.Start(10, 9); err != nil {
		t.Fatalf("Start: %v", err)
	}
	started.Wait()

	want := []int{4, 3, 3}
	for i, c := range conns {
		var data cluster.SpawnData
		if err := recvType(t, c, cluster.MsgSpawn).Decode(&data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if data.UserCount != want[i] || data.SpawnRate != 3 {
			t.Fatalf("worker %d got %+v, want %d users at 3/s", i, data, want[i])
		}
	}

	var completed []int
	var mu sync.Mutex
	env.Events.SpawningComplete.Add(func(ev event.SpawningComplete) error {
		mu.Lock()
		completed = append(completed, ev.UserCount)
		mu.Unlock()
		return nil
	})
	for i, c := range conns {
		send(t, c, cluster.MsgSpawning, nil)
		send(t, c, cluster.MsgSpawningComplete, cluster.SpawningCompleteData{UserCount: want[i]})
	}
	waitFor(t, "running", func() bool { return m.State() == runner.StateRunning })
	if m.UserCount() != 10 {
		t.Fatalf("UserCount = %d, want 10", m.UserCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 || completed[0] != 10 {
		t.Fatalf("spawning_complete fired with %v", completed)
	}
}

func TestMasterMissingWorkersStopTheRun(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env, cluster.WithHeartbeat(10*time.Millisecond, 20))

	var stateAtStop runner.State
	stopped := make(chan struct{})
	env.Events.TestStop.Add(func(event.Lifecycle) error {
		stateAtStop = m.State()
		close(stopped)
		return nil
	})

	w := hub.Connect("w1")
	send(t, w, cluster.MsgClientReady, nil)
	waitFor(t, "worker", func() bool { return m.WorkerCount() == 1 })
	if err := m.Start(2, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	recvType(t, w, cluster.MsgSpawn)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("test_stop never fired")
	}
	if stateAtStop != runner.StateStopped {
		t.Fatalf("state during test_stop = %s, want stopped", stateAtStop)
	}
	nodes := m.Nodes()
	if len(nodes) != 1 || nodes[0].State != runner.StateMissing || nodes[0].UserCount != 0 {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestMasterHeartbeatKeepsWorkerAlive(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env, cluster.WithHeartbeat(20*time.Millisecond, 3))

	w := hub.Connect("w1")
	send(t, w, cluster.MsgClientReady, nil)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		send(t, w, cluster.MsgHeartbeat, cluster.HeartbeatData{State: runner.StateReady, CPU: 12})
		time.Sleep(10 * time.Millisecond)
	}
	nodes := m.Nodes()
	if len(nodes) != 1 || nodes[0].State != runner.StateReady || nodes[0].CPU != 12 {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestMasterUnknownHeartbeatAsksToReconnect(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	_, hub := startMaster(t, env)

	w := hub.Connect("stranger")
	send(t, w, cluster.MsgHeartbeat, cluster.HeartbeatData{State: runner.StateRunning})
	recvType(t, w, cluster.MsgReconnect)
}

func TestMasterMergesWorkerReports(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env)

	w := hub.Connect("w1")
	send(t, w, cluster.MsgClientReady, nil)

	workerBus := event.NewBus()
	workerStats := stats.New()
	workerStats.Attach(workerBus)
	workerStats.LogRequest("GET", "/a", 10, 100)
	workerStats.LogRequest("GET", "/a", 20, 100)
	workerStats.LogError("GET", "/a", errTest("boom"))

	report := event.NewReport("w1")
	if err := workerBus.ReportToMaster.Fire(report); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := report.Set(cluster.ReportKeyUserCount, 7); err != nil {
		t.Fatalf("Set: %v", err)
	}
	send(t, w, cluster.MsgStats, report.Data)

	waitFor(t, "merged stats", func() bool {
		e, ok := env.Stats.Entry("/a", "GET")
		return ok && e.NumRequests == 2
	})
	waitFor(t, "user count", func() bool { return m.UserCount() == 7 })
	if errs := env.Stats.Errors(); len(errs) != 1 || errs[0].Occurrences != 1 {
		t.Fatalf("errors = %+v", errs)
	}
}

func TestMasterAggregatesExceptions(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env)

	for _, id := range []string{"w1", "w2"} {
		c := hub.Connect(id)
		send(t, c, cluster.MsgClientReady, nil)
		send(t, c, cluster.MsgException, cluster.ExceptionData{Msg: "boom", Traceback: "trace"})
	}
	waitFor(t, "exceptions", func() bool {
		list := m.Exceptions().List()
		return len(list) == 1 && list[0].Count == 2
	})
	if nodes := m.Exceptions().List()[0].Nodes; len(nodes) != 2 {
		t.Fatalf("nodes = %v", nodes)
	}
	if m.Outcome().ExitCode(1) != 1 {
		t.Fatalf("expected exit code 1 after exceptions")
	}
}

func TestMasterStopWaitsForWorkers(t *testing.T) {
	env := runner.NewEnvironment(runner.Environment{})
	m, hub := startMaster(t, env)

	w := hub.Connect("w1")
	send(t, w, cluster.MsgClientReady, nil)
	waitFor(t, "worker", func() bool { return m.WorkerCount() == 1 })
	if err := m.Start(1, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	recvType(t, w, cluster.MsgSpawn)
	send(t, w, cluster.MsgSpawning, nil)
	send(t, w, cluster.MsgSpawningComplete, cluster.SpawningCompleteData{UserCount: 1})
	waitFor(t, "running", func() bool { return m.State() == runner.StateRunning })

	go func() {
		ctx := context.Background()
		for {
			msg, err := w.Recv(ctx)
			if err != nil {
				return
			}
			if msg.Type == cluster.MsgStop {
				break
			}
		}
		stoppedMsg, _ := cluster.NewMessage(cluster.MsgClientStopped, "", nil)
		readyMsg, _ := cluster.NewMessage(cluster.MsgClientReady, "", nil)
		_ = w.Send(ctx, stoppedMsg)
		_ = w.Send(ctx, readyMsg)
	}()
	m.Stop()
	if m.State() != runner.StateStopped {
		t.Fatalf("state = %s, want stopped", m.State())
	}
	waitFor(t, "worker back to ready", func() bool {
		nodes := m.Nodes()
		return len(nodes) == 1 && nodes[0].State == runner.StateReady
	})
}

type errTest string

func (e errTest) Error() string { return string(e) }
