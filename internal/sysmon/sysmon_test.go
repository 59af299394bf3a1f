package sysmon_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/torosent/swarmfire/internal/sysmon"
)

type fixedSampler struct{ values []float64 }

func (f *fixedSampler) PercentWithContext(context.Context, time.Duration) (float64, error) {
	v := f.values[0]
	if len(f.values) > 1 {
		f.values = f.values[1:]
	}
	return v, nil
}

func TestMonitorWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := sysmon.NewWithSampler(&fixedSampler{values: []float64{50, 95, 99}}, zap.New(core), time.Second)

	ctx := context.Background()
	m.Sample(ctx)
	if m.Warned() || m.Usage() != 50 {
		t.Fatalf("unexpected state after normal sample: warned=%v usage=%v", m.Warned(), m.Usage())
	}
	m.Sample(ctx)
	m.Sample(ctx)
	if !m.Warned() || m.Usage() != 99 {
		t.Fatalf("expected warning, usage=%v", m.Usage())
	}
	if logs.Len() != 1 {
		t.Fatalf("expected exactly one warning, got %d", logs.Len())
	}

	m.ResetWarning()
	if m.Warned() {
		t.Fatalf("reset did not clear warning")
	}
}

func TestNewMonitorsCurrentProcess(t *testing.T) {
	m, err := sysmon.New(zap.NewNop(), time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Sample(context.Background())
	if m.Usage() < 0 {
		t.Fatalf("negative usage")
	}
}
