package task

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/event"
)

// Middleware wraps every task body a user executes.
type Middleware func(class, task string, next Func) Func

// UserOptions configure a single simulated user.
type UserOptions struct {
	ID              int
	Events          *event.Bus
	Logger          *zap.Logger
	CatchExceptions bool
	Seed            int64
	Middleware      Middleware
	Host            string           // overrides the class host when set
	Clock           func() time.Time // optional injection for tests
}

// User is one running instance of a UserClass. All methods other than
// RequestStop must be called from the user's own goroutine.
type User struct {
	class  *UserClass
	id     int
	host   string
	events *event.Bus
	logger *zap.Logger
	catch  bool
	rng    *rand.Rand
	mw     Middleware
	clock  func() time.Time
	values map[string]any

	lastTaskStart time.Time

	stopOnce sync.Once
	stopping chan struct{}
}

// NewUser binds class to a fresh runtime state.
func NewUser(class *UserClass, opt UserOptions) *User {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if opt.Seed == 0 {
		opt.Seed = time.Now().UnixNano() + int64(opt.ID)
	}
	host := class.host
	if opt.Host != "" {
		host = opt.Host
	}
	return &User{
		class:    class,
		id:       opt.ID,
		host:     host,
		events:   opt.Events,
		logger:   opt.Logger.With(zap.String("user_class", class.name), zap.Int("user_id", opt.ID)),
		catch:    opt.CatchExceptions,
		rng:      rand.New(rand.NewSource(opt.Seed)),
		mw:       opt.Middleware,
		clock:    opt.Clock,
		values:   map[string]any{},
		stopping: make(chan struct{}),
	}
}

func (u *User) Class() *UserClass { return u.class }
func (u *User) ID() int           { return u.id }
func (u *User) Host() string      { return u.host }
func (u *User) Rand() *rand.Rand  { return u.rng }
func (u *User) Logger() *zap.Logger {
	return u.logger
}

// Get returns a per-user value stored with Set.
func (u *User) Get(key string) (any, bool) {
	v, ok := u.values[key]
	return v, ok
}

func (u *User) Set(key string, value any) {
	u.values[key] = value
}

// RequestStop asks the user to exit once its current task returns. Safe for
// concurrent use and idempotent.
func (u *User) RequestStop() {
	u.stopOnce.Do(func() { close(u.stopping) })
}

// Stopping reports whether a cooperative stop was requested.
func (u *User) Stopping() bool {
	select {
	case <-u.stopping:
		return true
	default:
		return false
	}
}

// ReportRequest fires a Request event on the run's bus.
func (u *User) ReportRequest(req event.Request) {
	if u.events == nil {
		return
	}
	if req.StartTime.IsZero() {
		req.StartTime = u.now()
	}
	if err := u.events.Request.Fire(req); err != nil {
		u.logger.Debug("request handler failed", zap.Error(err))
	}
}

// Measure times fn and reports it as a request named name. The returned
// content length is recorded; fn's error marks the request failed and is
// returned unchanged.
func (u *User) Measure(ctx context.Context, method, name string, fn func(ctx context.Context) (int64, error)) error {
	start := u.now()
	length, err := fn(ctx)
	elapsed := float64(u.now().Sub(start)) / float64(time.Millisecond)
	u.ReportRequest(event.Request{
		Method:        method,
		Name:          name,
		ResponseTime:  elapsed,
		ContentLength: length,
		Err:           err,
		StartTime:     start,
	})
	return err
}

// Run executes the class's tasks until the user is stopped, the context is
// cancelled, a task returns Stop, or an error escapes with CatchExceptions
// disabled. Only the last case returns a non-nil error.
func (u *User) Run(ctx context.Context) error {
	if u.class.onStart != nil {
		if err := u.runHook(ctx, "on_start", u.class.onStart); err != nil {
			return err
		}
	}
	_, err := u.runSet(ctx, u.class.root, true)
	if u.class.onStop != nil && ctx.Err() == nil {
		if hookErr := u.runHook(ctx, "on_stop", u.class.onStop); hookErr != nil && err == nil {
			err = hookErr
		}
	}
	return err
}

func (u *User) runSet(ctx context.Context, set *TaskSet, root bool) (Signal, error) {
	st := newTaskState(set)
	if set.onStart != nil {
		if err := u.runHook(ctx, set.name+".on_start", set.onStart); err != nil {
			return Stop, err
		}
	}
	if set.onStop != nil {
		defer func() {
			if ctx.Err() == nil {
				_ = u.runHook(ctx, set.name+".on_stop", set.onStop)
			}
		}()
	}

	for {
		if u.halted(ctx) {
			return Stop, nil
		}
		e := st.next(u)
		u.lastTaskStart = u.now()

		if e.set != nil {
			sig, err := u.runSet(ctx, e.set, false)
			if err != nil || sig == Stop {
				return Stop, err
			}
			if sig == RescheduleNow {
				continue
			}
			if !u.wait(ctx, set) {
				return Stop, nil
			}
			continue
		}

		sig, err := u.execute(ctx, e)
		if err != nil {
			if ctx.Err() != nil {
				return Stop, nil
			}
			if !u.catch {
				return Stop, err
			}
			sig = Continue
		}

		switch sig {
		case Stop:
			return Stop, nil
		case RescheduleNow:
			if !root {
				return RescheduleNow, nil
			}
			continue
		case RescheduleAfterWait:
			if !root {
				return RescheduleAfterWait, nil
			}
		}
		if !u.wait(ctx, set) {
			return Stop, nil
		}
	}
}

func (u *User) execute(ctx context.Context, e entry) (Signal, error) {
	fn := e.fn
	if u.mw != nil {
		fn = u.mw(u.class.name, e.name, fn)
	}
	sig, err := safeCall(ctx, u, fn)
	if err != nil && ctx.Err() == nil {
		u.reportError(e.name, err)
	}
	return sig, err
}

func (u *User) runHook(ctx context.Context, name string, h Hook) error {
	_, err := safeCall(ctx, u, func(ctx context.Context, u *User) (Signal, error) {
		return Continue, h(ctx, u)
	})
	if err == nil || ctx.Err() != nil {
		return nil
	}
	u.reportError(name, err)
	if u.catch {
		return nil
	}
	return err
}

func (u *User) reportError(taskName string, err error) {
	var stack string
	var pe *event.PanicError
	if errors.As(err, &pe) {
		stack = pe.Stack
	}
	if u.events != nil {
		if fireErr := u.events.UserError.Fire(event.UserError{
			UserClass: u.class.name,
			Task:      taskName,
			Err:       err,
			Stack:     stack,
		}); fireErr != nil {
			u.logger.Debug("user_error handler failed", zap.Error(fireErr))
		}
	}
	if u.catch {
		u.logger.Error("task failed", zap.String("task", taskName), zap.Error(err))
	}
}

func safeCall(ctx context.Context, u *User, fn Func) (sig Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig = Stop
			err = &event.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, u)
}

func (u *User) halted(ctx context.Context) bool {
	return ctx.Err() != nil || u.Stopping()
}

// wait sleeps per the active policy and reports false if the user was
// stopped or cancelled meanwhile.
func (u *User) wait(ctx context.Context, set *TaskSet) bool {
	policy := set.wait
	if policy == nil {
		policy = u.class.wait
	}
	var d time.Duration
	if policy != nil {
		d = policy(u)
	}
	if d <= 0 {
		return !u.halted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-u.stopping:
		return false
	case <-timer.C:
		return true
	}
}

func (u *User) now() time.Time {
	return u.clock()
}
