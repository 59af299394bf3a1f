package runner

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/event"
	"github.com/torosent/swarmfire/internal/shape"
	"github.com/torosent/swarmfire/internal/stats"
	"github.com/torosent/swarmfire/internal/task"
)

// State is the lifecycle state of a runner or a worker node.
type State string

const (
	StateReady    State = "ready"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateCleanup  State = "cleanup"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateMissing  State = "missing"
)

// Active reports whether load is (or is about to be) generated.
func (s State) Active() bool {
	return s == StateSpawning || s == StateRunning
}

var (
	ErrNoUserClasses = errors.New("no user classes defined")
	ErrQuitting      = errors.New("runner is shutting down")
)

// HighSpawnRate is the per-process spawn rate above which a warning is logged.
const HighSpawnRate = 100

// Runner is implemented by the local runner and by the master.
type Runner interface {
	// Start reconciles the population towards users, ramping at spawnRate
	// users per second. It returns once the ramp is scheduled.
	Start(users int, spawnRate float64) error
	// Stop stops every user and returns once all of them exited. Idempotent.
	Stop()
	// Quit stops and tears the runner down.
	Quit()
	State() State
	UserCount() int
	Outcome() Outcome
	// Done is closed by Quit.
	Done() <-chan struct{}
}

// Environment carries everything a run needs. Build one with NewEnvironment
// and pass it by pointer; there are no package-level registries.
type Environment struct {
	UserClasses        []*task.UserClass
	Shape              shape.Shape
	Events             *event.Bus
	Stats              *stats.RequestStats
	Host               string
	StopTimeout        time.Duration
	CatchExceptions    bool
	ResetStats         bool
	CPUMonitorInterval time.Duration
	Logger             *zap.Logger
	Tracer             trace.Tracer
	Middleware         task.Middleware
}

// NewEnvironment fills defaults, applies the host override to every class
// and attaches the statistics to the event bus.
func NewEnvironment(env Environment) *Environment {
	if env.Events == nil {
		env.Events = event.NewBus()
	}
	if env.Stats == nil {
		env.Stats = stats.New()
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Tracer == nil {
		env.Tracer = noop.NewTracerProvider().Tracer("swarmfire")
	}
	if env.Host != "" {
		for _, c := range env.UserClasses {
			c.WithHost(env.Host)
		}
	}
	env.Stats.Attach(env.Events)
	return &env
}

// ValidateClasses reports the first user class that cannot schedule a task.
func (e *Environment) ValidateClasses() error {
	if len(e.UserClasses) == 0 {
		return ErrNoUserClasses
	}
	for _, c := range e.UserClasses {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Outcome summarizes a finished run for the exit code.
type Outcome struct {
	Failures   int64
	Exceptions int
	Unhandled  int64
}

// ExitCode is 2 when a user aborted on an unhandled error, onError when any
// request failed or any task error was logged, and 0 otherwise.
func (o Outcome) ExitCode(onError int) int {
	switch {
	case o.Unhandled > 0:
		return 2
	case o.Failures > 0 || o.Exceptions > 0:
		return onError
	default:
		return 0
	}
}
