package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/torosent/swarmfire/internal/stats"
)

// DefaultCSVInterval is how often CSVWriter refreshes its files.
const DefaultCSVInterval = time.Second

// ErrCSVLocked is returned when another process holds the prefix lock.
var ErrCSVLocked = errors.New("csv output is locked by another process")

var (
	statsColumns = []string{
		"Type", "Name", "Request Count", "Failure Count",
		"Median Response Time", "Average Response Time", "Min Response Time", "Max Response Time",
		"Average Content Size", "Requests/s", "Failures/s",
	}
	historyColumns = []string{
		"Timestamp", "User Count", "Type", "Name", "Requests/s", "Failures/s",
	}
	historyTotalColumns = []string{
		"Total Request Count", "Total Failure Count", "Total Median Response Time",
		"Total Average Response Time", "Total Min Response Time", "Total Max Response Time",
		"Total Average Content Size",
	}
	failureColumns = []string{"Method", "Name", "Error", "Occurrences"}
)

// CSVWriter keeps <prefix>_stats.csv and <prefix>_failures.csv current and
// appends to <prefix>_stats_history.csv. It holds an exclusive lock on
// <prefix>.lock until Close.
type CSVWriter struct {
	source      SnapshotSource
	userCount   func() int
	prefix      string
	fullHistory bool

	mu         sync.Mutex
	lock       *flock.Flock
	history    *os.File
	historyCSV *csv.Writer
	closed     bool
}

// NewCSVWriter locks the prefix, truncates the output files and writes the
// history header. userCount reports the population for history rows.
func NewCSVWriter(prefix string, source SnapshotSource, userCount func() int, fullHistory bool) (*CSVWriter, error) {
	lock := flock.New(prefix + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock csv prefix: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrCSVLocked, lock.Path())
	}

	history, err := os.Create(prefix + "_stats_history.csv")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create history csv: %w", err)
	}
	w := &CSVWriter{
		source:      source,
		userCount:   userCount,
		prefix:      prefix,
		fullHistory: fullHistory,
		lock:        lock,
		history:     history,
		historyCSV:  csv.NewWriter(history),
	}
	if w.userCount == nil {
		w.userCount = func() int { return 0 }
	}

	header := append(append(append([]string{}, historyColumns...),
		ReadablePercentiles(stats.PercentilesToReport)...), historyTotalColumns...)
	if err := w.historyCSV.Write(header); err != nil {
		w.closeFiles()
		return nil, err
	}
	w.historyCSV.Flush()
	if err := w.historyCSV.Error(); err != nil {
		w.closeFiles()
		return nil, err
	}
	return w, nil
}

// Run refreshes the files every interval until ctx is done.
func (w *CSVWriter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCSVInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Write(); err != nil {
				return err
			}
		}
	}
}

// Write rewrites the stats and failures files and appends history rows.
func (w *CSVWriter) Write() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	snap := w.source.Snapshot()

	if err := writeCSVFile(w.prefix+"_stats.csv", statsRows(snap)); err != nil {
		return err
	}
	if err := writeCSVFile(w.prefix+"_failures.csv", failureRows(snap)); err != nil {
		return err
	}

	users := w.userCount()
	var entries []*stats.Entry
	if w.fullHistory {
		entries = append(entries, snap.Entries...)
	}
	if snap.Total != nil {
		entries = append(entries, snap.Total)
	}
	for _, e := range entries {
		if err := w.historyCSV.Write(historyRow(snap.At, users, e)); err != nil {
			return err
		}
	}
	w.historyCSV.Flush()
	return w.historyCSV.Error()
}

// Close writes the final rows and releases the lock.
func (w *CSVWriter) Close() error {
	err := w.Write()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return err
	}
	w.closed = true
	return errors.Join(err, w.closeFiles())
}

func (w *CSVWriter) closeFiles() error {
	err := w.history.Close()
	if uerr := w.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	_ = os.Remove(w.lock.Path())
	return err
}

func writeCSVFile(path string, rows [][]string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func statsRows(snap stats.Snapshot) [][]string {
	header := append(append([]string{}, statsColumns...), ReadablePercentiles(stats.PercentilesToReport)...)
	rows := [][]string{header}
	entries := snap.Entries
	if snap.Total != nil {
		entries = append(append([]*stats.Entry{}, entries...), snap.Total)
	}
	for _, e := range entries {
		row := []string{
			e.Method,
			e.Name,
			formatInt(e.NumRequests),
			formatInt(e.NumFailures),
			formatFloat(e.MedianResponseTime()),
			formatFloat(e.AvgResponseTime()),
			formatFloat(e.MinResponseTimeOrZero()),
			formatFloat(e.MaxResponseTime),
			formatFloat(e.AvgContentLength()),
			formatFloat(e.TotalRPS()),
			formatFloat(e.TotalFailPerSec()),
		}
		rows = append(rows, append(row, percentileFields(e, false)...))
	}
	return rows
}

func historyRow(at time.Time, users int, e *stats.Entry) []string {
	row := []string{
		strconv.FormatInt(at.Unix(), 10),
		strconv.Itoa(users),
		e.Method,
		e.Name,
		fmt.Sprintf("%.2f", e.CurrentRPS()),
		fmt.Sprintf("%.2f", e.CurrentFailPerSec()),
	}
	row = append(row, percentileFields(e, true)...)
	return append(row,
		formatInt(e.NumRequests),
		formatInt(e.NumFailures),
		formatFloat(e.MedianResponseTime()),
		formatFloat(e.AvgResponseTime()),
		formatFloat(e.MinResponseTimeOrZero()),
		formatFloat(e.MaxResponseTime),
		formatFloat(e.AvgContentLength()),
	)
}

// percentileFields renders N/A for entries without requests. current prefers
// the trailing window and falls back to the whole run.
func percentileFields(e *stats.Entry, current bool) []string {
	out := make([]string, len(stats.PercentilesToReport))
	for i, p := range stats.PercentilesToReport {
		if e.NumRequests == 0 {
			out[i] = "N/A"
			continue
		}
		v := e.ResponseTimePercentile(p)
		if current {
			if cv, ok := e.CurrentResponseTimePercentile(p); ok {
				v = cv
			}
		}
		out[i] = formatInt(v)
	}
	return out
}

func failureRows(snap stats.Snapshot) [][]string {
	rows := [][]string{failureColumns}
	for _, e := range snap.Errors {
		rows = append(rows, []string{e.Method, e.Name, e.Error, formatInt(e.Occurrences)})
	}
	return rows
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
