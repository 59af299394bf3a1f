package output

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/swarmfire/internal/stats"
)

// DefaultConsoleInterval is how often StatsPrinter redraws the table.
const DefaultConsoleInterval = 2 * time.Second

// SnapshotSource supplies consistent copies of the statistics.
type SnapshotSource interface {
	Snapshot() stats.Snapshot
}

// StatsPrinter periodically writes the current stats table.
type StatsPrinter struct {
	source   SnapshotSource
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewStatsPrinter creates a printer that redraws at the given interval.
func NewStatsPrinter(source SnapshotSource, interval time.Duration, writer io.Writer) *StatsPrinter {
	if writer == nil {
		writer = io.Discard
	}
	if interval <= 0 {
		interval = DefaultConsoleInterval
	}
	return &StatsPrinter{
		source:   source,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins printing in a background goroutine.
func (p *StatsPrinter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts printing and waits for an in-flight table to finish.
func (p *StatsPrinter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *StatsPrinter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			PrintStats(p.writer, p.source.Snapshot(), true)
		case <-p.done:
			return
		}
	}
}
