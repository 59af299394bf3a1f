package task

import (
	"fmt"
	"strings"
)

// UserClass describes one kind of simulated user. It is built before a run
// and must not be modified once spawning starts.
type UserClass struct {
	name    string
	weight  int
	host    string
	root    *TaskSet
	wait    WaitFunc
	onStart Hook
	onStop  Hook
}

// NewUserClass returns a class with weight 1 and an empty weighted root set.
func NewUserClass(name string) *UserClass {
	return &UserClass{
		name:   name,
		weight: 1,
		root:   NewTaskSet(name),
	}
}

// WithWeight sets the relative spawn weight. Negative values become zero.
func (c *UserClass) WithWeight(w int) *UserClass {
	if w < 0 {
		w = 0
	}
	c.weight = w
	return c
}

func (c *UserClass) WithHost(host string) *UserClass {
	c.host = strings.TrimSpace(host)
	return c
}

func (c *UserClass) WithWait(w WaitFunc) *UserClass {
	c.wait = w
	return c
}

// Sequential makes the root set run its tasks in declaration order.
func (c *UserClass) Sequential() *UserClass {
	c.root.sequential = true
	return c
}

// Task adds a task to the root set.
func (c *UserClass) Task(name string, weight int, fn Func) *UserClass {
	c.root.Add(name, weight, fn)
	return c
}

// TaskSet nests set under the root set.
func (c *UserClass) TaskSet(weight int, set *TaskSet) *UserClass {
	c.root.AddSet(weight, set)
	return c
}

// WithTasks replaces the root set.
func (c *UserClass) WithTasks(set *TaskSet) *UserClass {
	if set != nil {
		c.root = set
	}
	return c
}

func (c *UserClass) OnStart(h Hook) *UserClass {
	c.onStart = h
	return c
}

func (c *UserClass) OnStop(h Hook) *UserClass {
	c.onStop = h
	return c
}

func (c *UserClass) Name() string    { return c.name }
func (c *UserClass) Weight() int     { return c.weight }
func (c *UserClass) Host() string    { return c.host }
func (c *UserClass) Tasks() *TaskSet { return c.root }

// Validate checks that the class can be scheduled.
func (c *UserClass) Validate() error {
	if strings.TrimSpace(c.name) == "" {
		return fmt.Errorf("user class name is required")
	}
	if err := c.root.Validate(); err != nil {
		return fmt.Errorf("user class %q: %w", c.name, err)
	}
	return nil
}
