// Package task defines what a simulated user does: weighted or sequential
// task sets, user classes with weights and wait-time policies, and the
// per-user execution loop.
package task

import (
	"context"
	"errors"
	"fmt"
)

// Signal tells the scheduler what to do after a task returns.
type Signal int

const (
	// Continue waits according to the active wait policy, then picks the next task.
	Continue Signal = iota
	// RescheduleNow interrupts the current task set; the parent picks its next task immediately.
	RescheduleNow
	// RescheduleAfterWait interrupts the current task set; the parent waits before picking.
	RescheduleAfterWait
	// Stop ends the user.
	Stop
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case RescheduleNow:
		return "reschedule_now"
	case RescheduleAfterWait:
		return "reschedule_after_wait"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Func is the body of a task.
type Func func(ctx context.Context, u *User) (Signal, error)

// Simple adapts a body that never steers scheduling.
func Simple(fn func(ctx context.Context, u *User) error) Func {
	return func(ctx context.Context, u *User) (Signal, error) {
		return Continue, fn(ctx, u)
	}
}

// Hook runs when a user or task set starts or stops.
type Hook func(ctx context.Context, u *User) error

// ErrNoTasks is returned when a task set has nothing schedulable.
var ErrNoTasks = errors.New("no tasks defined")

type entry struct {
	name   string
	weight int
	fn     Func
	set    *TaskSet
}

// TaskSet is an ordered collection of tasks and nested task sets. A weighted
// set picks randomly in proportion to weight; a sequential set cycles through
// its entries in declaration order and ignores weight.
type TaskSet struct {
	name       string
	entries    []entry
	sequential bool
	wait       WaitFunc
	onStart    Hook
	onStop     Hook
}

// NewTaskSet returns an empty weighted task set.
func NewTaskSet(name string) *TaskSet {
	return &TaskSet{name: name}
}

// NewSequence returns an empty sequential task set.
func NewSequence(name string) *TaskSet {
	return &TaskSet{name: name, sequential: true}
}

// Add appends a task. Negative weights are treated as zero.
func (s *TaskSet) Add(name string, weight int, fn Func) *TaskSet {
	if weight < 0 {
		weight = 0
	}
	s.entries = append(s.entries, entry{name: name, weight: weight, fn: fn})
	return s
}

// AddSet nests child under s.
func (s *TaskSet) AddSet(weight int, child *TaskSet) *TaskSet {
	if weight < 0 {
		weight = 0
	}
	s.entries = append(s.entries, entry{name: child.name, weight: weight, set: child})
	return s
}

// WithWait overrides the user class wait policy while this set is active.
func (s *TaskSet) WithWait(w WaitFunc) *TaskSet {
	s.wait = w
	return s
}

// OnStart registers a hook run each time the set is scheduled.
func (s *TaskSet) OnStart(h Hook) *TaskSet {
	s.onStart = h
	return s
}

// OnStop registers a hook run when the set is interrupted or the user stops.
func (s *TaskSet) OnStop(h Hook) *TaskSet {
	s.onStop = h
	return s
}

func (s *TaskSet) Name() string     { return s.name }
func (s *TaskSet) Len() int         { return len(s.entries) }
func (s *TaskSet) Sequential() bool { return s.sequential }

// Validate reports whether every reachable set can schedule a task.
func (s *TaskSet) Validate() error {
	return s.validate(map[*TaskSet]bool{})
}

func (s *TaskSet) validate(seen map[*TaskSet]bool) error {
	if seen[s] {
		return fmt.Errorf("task set %q: cycle detected", s.name)
	}
	seen[s] = true
	defer delete(seen, s)

	if len(s.entries) == 0 {
		return fmt.Errorf("task set %q: %w", s.name, ErrNoTasks)
	}
	total := 0
	for _, e := range s.entries {
		if e.fn == nil && e.set == nil {
			return fmt.Errorf("task set %q: task %q has no body", s.name, e.name)
		}
		total += e.weight
		if e.set != nil {
			if err := e.set.validate(seen); err != nil {
				return err
			}
		}
	}
	if !s.sequential && total == 0 {
		return fmt.Errorf("task set %q: all task weights are zero: %w", s.name, ErrNoTasks)
	}
	return nil
}

// taskState is the per-user runtime state of a scheduled set.
type taskState struct {
	set    *TaskSet
	cursor int
	total  int
}

func newTaskState(set *TaskSet) *taskState {
	st := &taskState{set: set}
	for _, e := range set.entries {
		st.total += e.weight
	}
	return st
}

func (st *taskState) next(u *User) entry {
	entries := st.set.entries
	if st.set.sequential {
		e := entries[st.cursor%len(entries)]
		st.cursor++
		return e
	}
	pick := u.rng.Intn(st.total)
	for _, e := range entries {
		if pick < e.weight {
			return e
		}
		pick -= e.weight
	}
	return entries[len(entries)-1]
}
