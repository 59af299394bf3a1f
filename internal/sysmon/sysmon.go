// Package sysmon samples the CPU usage of the current process.
package sysmon

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultThreshold = 90.0
)

// Sampler returns the CPU percentage used since the previous call.
type Sampler interface {
	PercentWithContext(ctx context.Context, interval time.Duration) (float64, error)
}

// Monitor periodically samples CPU usage and warns once when it crosses the
// threshold.
type Monitor struct {
	sampler   Sampler
	interval  time.Duration
	threshold float64
	logger    *zap.Logger

	usage  atomic.Uint64
	warned atomic.Bool
}

// New monitors the current process.
func New(logger *zap.Logger, interval time.Duration) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return NewWithSampler(proc, logger, interval), nil
}

// NewWithSampler monitors an arbitrary sampler.
func NewWithSampler(s Sampler, logger *zap.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{sampler: s, interval: interval, threshold: DefaultThreshold, logger: logger}
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample takes a single reading.
func (m *Monitor) Sample(ctx context.Context) {
	pct, err := m.sampler.PercentWithContext(ctx, 0)
	if err != nil {
		m.logger.Debug("cpu sample failed", zap.Error(err))
		return
	}
	m.usage.Store(math.Float64bits(pct))
	if pct > m.threshold && m.warned.CompareAndSwap(false, true) {
		m.logger.Warn("CPU usage above threshold, this may constrain throughput and skew response time measurements; consider distributing the load over more workers",
			zap.Float64("cpu_percent", pct),
			zap.Float64("threshold", m.threshold))
	}
}

// Usage returns the latest reading in percent.
func (m *Monitor) Usage() float64 {
	if m == nil {
		return 0
	}
	return math.Float64frombits(m.usage.Load())
}

// Warned reports whether the threshold was crossed since the last reset.
func (m *Monitor) Warned() bool {
	return m != nil && m.warned.Load()
}

func (m *Monitor) ResetWarning() {
	if m != nil {
		m.warned.Store(false)
	}
}
