// Package event provides the in-process publish/subscribe hooks used to
// observe a load test: requests, user errors, spawning and lifecycle changes.
//
// Handlers run synchronously in registration order. A handler that returns an
// error or panics does not prevent the remaining handlers from running; the
// failures are joined and returned by Fire.
package event

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Handler receives a fired payload.
type Handler[T any] func(T) error

// Hook is a typed event channel with an ordered list of handlers.
type Hook[T any] struct {
	mu       sync.RWMutex
	handlers []Handler[T]
	reverse  bool
}

// Add registers a handler. Handlers added while Fire is running take effect
// on the next Fire.
func (h *Hook[T]) Add(fn Handler[T]) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

// Len reports the number of registered handlers.
func (h *Hook[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// Fire invokes every handler with payload.
func (h *Hook[T]) Fire(payload T) error {
	h.mu.RLock()
	handlers := append([]Handler[T](nil), h.handlers...)
	reverse := h.reverse
	h.mu.RUnlock()

	var errs []error
	for i := range handlers {
		idx := i
		if reverse {
			idx = len(handlers) - 1 - i
		}
		if err := invoke(handlers[idx], payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke[T any](fn Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(payload)
}

// PanicError wraps a value recovered from a panicking handler or task.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Request describes one completed (or failed) simulated request.
type Request struct {
	Method        string
	Name          string
	ResponseTime  float64 // milliseconds; negative when there is no meaningful latency
	ContentLength int64
	Err           error
	StartTime     time.Time
}

// UserError is fired when a task body returns an error or panics.
type UserError struct {
	UserClass string
	Task      string
	Err       error
	Stack     string
}

// Report is the payload a worker sends to the master with every stats
// message. Handlers of ReportToMaster add keys; handlers of WorkerReport read
// them back on the master.
type Report struct {
	NodeID string
	Data   map[string]jsoniter.RawMessage
}

// NewReport returns an empty report for node.
func NewReport(nodeID string) Report {
	return Report{NodeID: nodeID, Data: map[string]jsoniter.RawMessage{}}
}

// Set encodes v under key.
func (r Report) Set(key string, v any) error {
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", key, err)
	}
	r.Data[key] = raw
	return nil
}

// Get decodes key into v. It reports false when the key is absent.
func (r Report) Get(key string, v any) (bool, error) {
	raw, ok := r.Data[key]
	if !ok {
		return false, nil
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode report %s: %w", key, err)
	}
	return true, nil
}

// Lifecycle carries no payload beyond the moment it happened.
type Lifecycle struct {
	At time.Time
}

// SpawningComplete is fired once the target population has been spawned.
type SpawningComplete struct {
	UserCount int
}

// Bus groups every hook of a run. The zero value is ready to use.
type Bus struct {
	Request          Hook[Request]
	UserError        Hook[UserError]
	ReportToMaster   Hook[Report]
	WorkerReport     Hook[Report]
	SpawningComplete Hook[SpawningComplete]
	TestStart        Hook[Lifecycle]
	TestStop         Hook[Lifecycle]
	Quitting         Hook[Lifecycle]
}

// NewBus returns a Bus whose Quitting hook runs handlers last-registered-first,
// so that teardown mirrors setup.
func NewBus() *Bus {
	b := &Bus{}
	b.Quitting.reverse = true
	return b
}
