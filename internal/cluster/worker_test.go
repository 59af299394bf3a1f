package cluster_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/cluster"
	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/task"
)

func requestingClass() *task.UserClass {
	return task.NewUserClass("api").
		WithWait(task.Constant(2*time.Millisecond)).
		Task("get", 1, task.Simple(func(ctx context.Context, u *task.User) error {
			u.ReportRequest(event.Request{Method: "GET", Name: "/ping", ResponseTime: 3, ContentLength: 10})
			return nil
		}))
}

func hubRecv(t *testing.T, hub *cluster.MemoryHub, typ string) cluster.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := hub.Recv(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func hubSend(t *testing.T, hub *cluster.MemoryHub, nodeID, typ string, data any) {
	t.Helper()
	msg, err := cluster.NewMessage(typ, "", data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := hub.Send(context.Background(), nodeID, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestWorkerSpawnsAndFlushesOnQuit(t *testing.T) {
	hub := cluster.NewMemoryHub()
	defer hub.Close()
	conn := hub.Connect("w1")

	env := runner.NewEnvironment(runner.Environment{UserClasses: []*task.UserClass{requestingClass()}})
	w := cluster.NewWorker(env, conn, "w1", cluster.WithIntervals(time.Hour, time.Hour))

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(context.Background()) }()

	ready := hubRecv(t, hub, cluster.MsgClientReady)
	if ready.NodeID != "w1" {
		t.Fatalf("node id = %q", ready.NodeID)
	}

	hubSend(t, hub, "w1", cluster.MsgSpawn, cluster.SpawnData{UserCount: 2, SpawnRate: 100})
	hubRecv(t, hub, cluster.MsgSpawning)
	var complete cluster.SpawningCompleteData
	if err := hubRecv(t, hub, cluster.MsgSpawningComplete).Decode(&complete); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if complete.UserCount != 2 || complete.Classes["api"] != 2 {
		t.Fatalf("unexpected spawning_complete %+v", complete)
	}
	waitFor(t, "requests", func() bool { return env.Stats.Total().NumRequests > 0 })

	hubSend(t, hub, "w1", cluster.MsgQuit, nil)
	statsMsg := hubRecv(t, hub, cluster.MsgStats)

	report := event.NewReport("w1")
	if err := statsMsg.Decode(&report.Data); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	var users int
	if ok, err := report.Get(cluster.ReportKeyUserCount, &users); !ok || err != nil {
		t.Fatalf("user_count missing: %v", err)
	}
	if users != 0 {
		t.Fatalf("final report user count = %d, want 0 after stop", users)
	}
	if _, ok := report.Data["stats_total"]; !ok {
		t.Fatalf("final report lacks totals: %v", report.Data)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after quit")
	}
	if w.State() != runner.StateCleanup {
		t.Fatalf("state = %s, want cleanup", w.State())
	}
}

func TestWorkerStopReportsBack(t *testing.T) {
	hub := cluster.NewMemoryHub()
	defer hub.Close()
	conn := hub.Connect("w1")

	env := runner.NewEnvironment(runner.Environment{UserClasses: []*task.UserClass{requestingClass()}})
	w := cluster.NewWorker(env, conn, "w1", cluster.WithIntervals(time.Hour, time.Hour))
	go func() { _ = w.Run(context.Background()) }()
	defer w.Quit()

	hubRecv(t, hub, cluster.MsgClientReady)
	hubSend(t, hub, "w1", cluster.MsgSpawn, cluster.SpawnData{UserCount: 1, SpawnRate: 100})
	hubRecv(t, hub, cluster.MsgSpawningComplete)

	hubSend(t, hub, "w1", cluster.MsgStop, nil)
	hubRecv(t, hub, cluster.MsgClientStopped)
	hubRecv(t, hub, cluster.MsgClientReady)
	if w.State() != runner.StateStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
}

func TestWorkerSpawnHostLeavesClassesUntouched(t *testing.T) {
	hub := cluster.NewMemoryHub()
	defer hub.Close()
	conn := hub.Connect("w1")

	var mu sync.Mutex
	seen := map[string]int{}
	class := task.NewUserClass("api").
		WithHost("http://class").
		WithWait(task.Constant(time.Millisecond)).
		Task("get", 1, task.Simple(func(ctx context.Context, u *task.User) error {
			mu.Lock()
			seen[u.Host()]++
			mu.Unlock()
			return nil
		}))
	saw := func(host string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return seen[host] > 0
		}
	}

	env := runner.NewEnvironment(runner.Environment{UserClasses: []*task.UserClass{class}})
	w := cluster.NewWorker(env, conn, "w1", cluster.WithIntervals(time.Hour, time.Hour))
	go func() { _ = w.Run(context.Background()) }()
	defer w.Quit()

	hubRecv(t, hub, cluster.MsgClientReady)
	hubSend(t, hub, "w1", cluster.MsgSpawn, cluster.SpawnData{UserCount: 1, SpawnRate: 100, Host: "http://a"})
	hubRecv(t, hub, cluster.MsgSpawningComplete)
	waitFor(t, "user on first host", saw("http://a"))

	hubSend(t, hub, "w1", cluster.MsgSpawn, cluster.SpawnData{UserCount: 3, SpawnRate: 100, Host: "http://b"})
	hubRecv(t, hub, cluster.MsgSpawningComplete)
	waitFor(t, "user on second host", saw("http://b"))

	if class.Host() != "http://class" {
		t.Fatalf("class host = %q, want it untouched", class.Host())
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["http://class"] != 0 {
		t.Fatalf("a user ran against the class host: %v", seen)
	}
}

func TestWorkerHeartbeats(t *testing.T) {
	hub := cluster.NewMemoryHub()
	defer hub.Close()
	conn := hub.Connect("w1")

	env := runner.NewEnvironment(runner.Environment{UserClasses: []*task.UserClass{requestingClass()}})
	w := cluster.NewWorker(env, conn, "w1", cluster.WithIntervals(5*time.Millisecond, time.Hour))
	go func() { _ = w.Run(context.Background()) }()
	defer w.Quit()

	var hb cluster.HeartbeatData
	if err := hubRecv(t, hub, cluster.MsgHeartbeat).Decode(&hb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hb.State != runner.StateReady {
		t.Fatalf("heartbeat state = %s", hb.State)
	}
}

func TestMasterAndWorkerOverWebsocket(t *testing.T) {
	server := cluster.NewServer(nil)
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Close()

	masterEnv := runner.NewEnvironment(runner.Environment{})
	master := cluster.NewMaster(masterEnv, server)
	masterDone := make(chan struct{})
	go func() {
		defer close(masterDone)
		_ = master.Run(context.Background())
	}()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, err := cluster.Dial(context.Background(), url, "w1", cluster.WithMaxElapsed(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	workerEnv := runner.NewEnvironment(runner.Environment{UserClasses: []*task.UserClass{requestingClass()}})
	worker := cluster.NewWorker(workerEnv, client, "w1", cluster.WithIntervals(20*time.Millisecond, 20*time.Millisecond))
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(context.Background()) }()

	waitFor(t, "worker registration", func() bool { return master.WorkerCount() == 1 })
	if err := master.Start(3, 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "running", func() bool { return master.State() == runner.StateRunning && master.UserCount() == 3 })
	waitFor(t, "aggregated stats", func() bool {
		e, ok := masterEnv.Stats.Entry("/ping", "GET")
		return ok && e.NumRequests > 0
	})

	master.Quit()
	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("worker Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not quit")
	}
	<-masterDone
	if master.State() != runner.StateCleanup {
		t.Fatalf("master state = %s", master.State())
	}
}

func TestDialRejectsMissingMaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := cluster.Dial(ctx, "ws://127.0.0.1:1", "w1", cluster.WithMaxElapsed(200*time.Millisecond)); err == nil {
		t.Fatalf("expected dial error")
	}
}
