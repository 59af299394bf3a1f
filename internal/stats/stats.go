// Package stats records the outcome of every simulated request into rounded,
// mergeable per-endpoint aggregates.
//
// # Recording
//
//	rs := stats.New()
//	rs.LogRequest("GET", "/items", 12.5, 512)
//	rs.LogError("GET", "/items", err)
//
// # Distribution
//
// A worker periodically sends StrippedReport, which serializes and then
// resets its counters so that consecutive reports carry disjoint deltas. The
// master folds each report into its own RequestStats with MergeReport.
// Merging is associative and commutative, so reports may arrive in any order.
//
// # Percentiles
//
// Latencies are kept in a rounded histogram (see RoundResponseTime), so
// percentiles are approximations bounded by the bucket width. The "current"
// percentile is computed over roughly the last ten seconds by diffing the
// live histogram against a per-second snapshot cache.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/torosent/swarmfire/internal/event"
)

// TotalName is the name of the aggregate entry.
const TotalName = "Aggregated"

type entryKey struct {
	name   string
	method string
}

// RequestStats is safe for concurrent use.
type RequestStats struct {
	mu       sync.Mutex
	entries  map[entryKey]*Entry
	errors   map[string]*Error
	total    *Entry
	useCache bool
	clock    func() time.Time
}

// Option configures RequestStats.
type Option func(*RequestStats)

// WithResponseTimesCache toggles the per-second histogram cache required by
// CurrentResponseTimePercentile. Enabled by default.
func WithResponseTimesCache(enabled bool) Option {
	return func(s *RequestStats) { s.useCache = enabled }
}

// WithClock injects the time source; intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *RequestStats) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns an empty RequestStats.
func New(opts ...Option) *RequestStats {
	s := &RequestStats{
		entries:  map[entryKey]*Entry{},
		errors:   map[string]*Error{},
		useCache: true,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.total = newEntry(TotalName, "", s.useCache, s.clock)
	return s
}

func (s *RequestStats) get(name, method string) *Entry {
	key := entryKey{name: name, method: method}
	e, ok := s.entries[key]
	if !ok {
		e = newEntry(name, method, s.useCache, s.clock)
		e.ref = s.total
		s.entries[key] = e
	}
	return e
}

// LogRequest records one request. Pass NoResponseTime when the request has
// no meaningful latency.
func (s *RequestStats) LogRequest(method, name string, responseTime float64, contentLength int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.log(responseTime, contentLength)
	s.get(name, method).log(responseTime, contentLength)
}

// LogError records a failure and folds it into the deduplicated error table.
func (s *RequestStats) LogError(method, name string, err error) {
	s.logErrorText(method, name, NormalizeError(err))
}

func (s *RequestStats) logErrorText(method, name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.logError()
	s.get(name, method).logError()

	key := ErrorKey(method, name, text)
	rec, ok := s.errors[key]
	if !ok {
		rec = &Error{Method: method, Name: name, Error: text}
		s.errors[key] = rec
	}
	rec.Occurrences++
}

// Entry returns a copy of the entry for (name, method), if any.
func (s *RequestStats) Entry(name, method string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey{name: name, method: method}]
	if !ok {
		return nil, false
	}
	c := e.Clone()
	c.ref = s.total.Clone()
	return c, true
}

// Total returns a copy of the aggregate entry.
func (s *RequestStats) Total() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.Clone()
}

// Errors returns a copy of the deduplicated error table, most frequent first.
func (s *RequestStats) Errors() []Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedErrors()
}

func (s *RequestStats) sortedErrors() []Error {
	out := make([]Error, 0, len(s.errors))
	for _, e := range s.errors {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Snapshot is a consistent, detached copy of the statistics.
type Snapshot struct {
	At      time.Time
	Entries []*Entry
	Total   *Entry
	Errors  []Error
}

// Snapshot copies every entry under the lock. Entries are sorted by name,
// then method.
func (s *RequestStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.total.Clone()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		c := e.Clone()
		c.ref = total
		entries = append(entries, c)
	}
	sortEntries(entries)
	return Snapshot{
		At:      s.clock(),
		Entries: entries,
		Total:   total,
		Errors:  s.sortedErrors(),
	}
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Method < entries[j].Method
	})
}

// HasFailures reports whether any request failed.
func (snap Snapshot) HasFailures() bool {
	return snap.Total != nil && snap.Total.NumFailures > 0
}

// ResetAll zeroes every counter but keeps the set of known entries.
func (s *RequestStats) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.reset()
	s.errors = map[string]*Error{}
	for _, e := range s.entries {
		e.reset()
	}
}

// ClearAll drops every entry and error.
func (s *RequestStats) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = newEntry(TotalName, "", s.useCache, s.clock)
	s.entries = map[entryKey]*Entry{}
	s.errors = map[string]*Error{}
}

// Report is the incremental payload a worker ships to the master.
type Report struct {
	Stats  []*Entry         `json:"stats"`
	Total  *Entry           `json:"stats_total"`
	Errors map[string]Error `json:"errors"`
}

// StrippedReport serializes every entry that saw traffic since the previous
// report and resets it, so each report carries only new data.
func (s *RequestStats) StrippedReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Errors: make(map[string]Error, len(s.errors))}
	for _, e := range s.entries {
		if e.NumRequests == 0 && e.NumFailures == 0 {
			continue
		}
		report.Stats = append(report.Stats, e.Clone())
		e.reset()
	}
	sortEntries(report.Stats)
	report.Total = s.total.Clone()
	s.total.reset()
	for k, e := range s.errors {
		report.Errors[k] = *e
	}
	s.errors = map[string]*Error{}
	return report
}

// MergeReport folds a worker report into s.
func (s *RequestStats) MergeReport(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range r.Stats {
		if e == nil {
			continue
		}
		s.get(e.Name, e.Method).Extend(e)
	}
	for k, e := range r.Errors {
		if rec, ok := s.errors[k]; ok {
			rec.Occurrences += e.Occurrences
			continue
		}
		rec := e
		s.errors[k] = &rec
	}
	if r.Total != nil {
		s.total.Extend(r.Total)
	}
}

// Report payload keys.
const (
	ReportKeyStats  = "stats"
	ReportKeyTotal  = "stats_total"
	ReportKeyErrors = "errors"
)

// Attach wires s to a run's event bus: requests are logged, outgoing worker
// reports carry stripped stats, and incoming worker reports are merged.
func (s *RequestStats) Attach(bus *event.Bus) {
	bus.Request.Add(func(r event.Request) error {
		s.LogRequest(r.Method, r.Name, r.ResponseTime, r.ContentLength)
		if r.Err != nil {
			s.LogError(r.Method, r.Name, r.Err)
		}
		return nil
	})
	bus.ReportToMaster.Add(func(r event.Report) error {
		report := s.StrippedReport()
		if err := r.Set(ReportKeyStats, report.Stats); err != nil {
			return err
		}
		if err := r.Set(ReportKeyTotal, report.Total); err != nil {
			return err
		}
		return r.Set(ReportKeyErrors, report.Errors)
	})
	bus.WorkerReport.Add(func(r event.Report) error {
		var report Report
		if _, err := r.Get(ReportKeyStats, &report.Stats); err != nil {
			return err
		}
		if _, err := r.Get(ReportKeyTotal, &report.Total); err != nil {
			return err
		}
		if _, err := r.Get(ReportKeyErrors, &report.Errors); err != nil {
			return err
		}
		s.MergeReport(report)
		return nil
	})
}
