package event_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/torosent/swarmfire/internal/event"
)

func TestHookRunsHandlersInRegistrationOrder(t *testing.T) {
	var hook event.Hook[int]
	var order []string
	hook.Add(func(int) error { order = append(order, "a"); return nil })
	hook.Add(func(int) error { order = append(order, "b"); return nil })
	hook.Add(func(int) error { order = append(order, "c"); return nil })

	if err := hook.Fire(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(order, ""); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
}

func TestHookIsolatesFailingHandlers(t *testing.T) {
	var hook event.Hook[string]
	var calls int
	boom := errors.New("boom")
	hook.Add(func(string) error { calls++; return boom })
	hook.Add(func(string) error { calls++; panic("kaboom") })
	hook.Add(func(string) error { calls++; return nil })

	err := hook.Fire("x")
	if calls != 3 {
		t.Fatalf("expected all handlers to run, got %d", calls)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	var pe *event.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected panic error in %v", err)
	}
	if pe.Value != "kaboom" || pe.Stack == "" {
		t.Fatalf("unexpected panic error %+v", pe)
	}
}

func TestQuittingRunsInReverse(t *testing.T) {
	bus := event.NewBus()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Quitting.Add(func(event.Lifecycle) error { order = append(order, i); return nil })
	}
	_ = bus.Quitting.Fire(event.Lifecycle{})
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Fatalf("expected reverse order, got %v", order)
	}
}

func TestAddIgnoresNil(t *testing.T) {
	var hook event.Hook[int]
	hook.Add(nil)
	if hook.Len() != 0 {
		t.Fatalf("expected no handlers")
	}
}
