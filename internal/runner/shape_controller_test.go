package runner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/torosent/swarmfire/internal/runner"
	"github.com/torosent/swarmfire/internal/shape"
)

type recordingRunner struct {
	mu     sync.Mutex
	starts []shape.Target
	stops  int
	state  runner.State
}

func (r *recordingRunner) Start(users int, rate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, shape.Target{Users: users, SpawnRate: rate})
	r.state = runner.StateRunning
	return nil
}

func (r *recordingRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.state = runner.StateStopped
}

func (r *recordingRunner) Quit()                  {}
func (r *recordingRunner) UserCount() int          { return 0 }
func (r *recordingRunner) Outcome() runner.Outcome { return runner.Outcome{} }
func (r *recordingRunner) Done() <-chan struct{}   { return nil }

func (r *recordingRunner) State() runner.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return runner.StateReady
	}
	return r.state
}

// scriptedShape replays targets, one per tick.
type scriptedShape struct {
	targets []shape.Target
	i       int
	resets  int
}

func (s *scriptedShape) Tick() (shape.Target, bool) {
	if s.i >= len(s.targets) {
		return shape.Target{}, false
	}
	t := s.targets[s.i]
	s.i++
	return t, true
}

func (s *scriptedShape) Reset() { s.resets++; s.i = 0 }

func TestShapeControllerFollowsTargets(t *testing.T) {
	sh := &scriptedShape{targets: []shape.Target{
		{Users: 10, SpawnRate: 5},
		{Users: 10, SpawnRate: 5},
		{Users: 20, SpawnRate: 5},
		{Users: 0, SpawnRate: 5},
	}}
	rr := &recordingRunner{}
	c := &runner.ShapeController{Runner: rr, Shape: sh, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []shape.Target{{Users: 10, SpawnRate: 5}, {Users: 20, SpawnRate: 5}, {Users: 0, SpawnRate: 5}}
	if len(rr.starts) != len(want) {
		t.Fatalf("starts = %v, want %v", rr.starts, want)
	}
	for i := range want {
		if rr.starts[i] != want[i] {
			t.Fatalf("start %d = %v, want %v", i, rr.starts[i], want[i])
		}
	}
	if rr.stops != 1 {
		t.Fatalf("stops = %d, want 1", rr.stops)
	}
	if sh.resets != 1 {
		t.Fatalf("shape reset %d times", sh.resets)
	}
}

func TestShapeControllerExitsWhenRunnerStops(t *testing.T) {
	sh := &scriptedShape{targets: make([]shape.Target, 1000)}
	for i := range sh.targets {
		sh.targets[i] = shape.Target{Users: 1, SpawnRate: 1}
	}
	rr := &recordingRunner{}
	c := &runner.ShapeController{Runner: rr, Shape: sh, Interval: time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	waitFor(t, "first start", func() bool {
		rr.mu.Lock()
		defer rr.mu.Unlock()
		return len(rr.starts) == 1
	})
	rr.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("controller did not exit")
	}
}
