// Package shape provides load shapes: time-based policies that replace a
// static user count and spawn rate. A runner ticks the active shape once per
// second and applies the returned target whenever it changes.
package shape

import (
	"sync"
	"time"
)

// Target is the population a shape asks for.
type Target struct {
	Users     int
	SpawnRate float64
}

// Shape is ticked by the runner. ok == false ends the run.
type Shape interface {
	Tick() (target Target, ok bool)
	Reset()
}

// Timer measures run time from the last Reset. Embed it in custom shapes.
type Timer struct {
	mu    sync.Mutex
	start time.Time
	Clock func() time.Time
}

func (t *Timer) now() time.Time {
	if t.Clock == nil {
		return time.Now()
	}
	return t.Clock()
}

// Reset restarts the timer.
func (t *Timer) Reset() {
	t.mu.Lock()
	t.start = t.now()
	t.mu.Unlock()
}

// RunTime returns the elapsed time since Reset. An unreset timer starts on
// first use.
func (t *Timer) RunTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		t.start = t.now()
	}
	return t.now().Sub(t.start)
}

// Stage holds Users at SpawnRate until the run time reaches Duration.
// Durations are cumulative end times, not lengths.
type Stage struct {
	Duration  time.Duration `yaml:"duration"`
	Users     int           `yaml:"users"`
	SpawnRate float64       `yaml:"spawn_rate"`
}

// Stages walks a list of stages and stops after the last one.
type Stages struct {
	Timer
	List []Stage
}

func (s *Stages) Tick() (Target, bool) {
	runTime := s.RunTime()
	for _, st := range s.List {
		if runTime < st.Duration {
			return Target{Users: st.Users, SpawnRate: st.SpawnRate}, true
		}
	}
	return Target{}, false
}

// StepLoad adds StepUsers every StepTime until MaxUsers is reached, then
// holds. It never stops the run on its own.
type StepLoad struct {
	Timer
	MaxUsers  int
	StepUsers int
	StepTime  time.Duration
	SpawnRate float64
}

func (s *StepLoad) Tick() (Target, bool) {
	if s.StepTime <= 0 || s.StepUsers <= 0 {
		return Target{Users: s.MaxUsers, SpawnRate: s.SpawnRate}, true
	}
	step := int(s.RunTime()/s.StepTime) + 1
	users := step * s.StepUsers
	if users > s.MaxUsers {
		users = s.MaxUsers
	}
	return Target{Users: users, SpawnRate: s.SpawnRate}, true
}
