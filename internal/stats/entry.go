package stats

import (
	"math"
	"sort"
	"time"
)

const (
	// CurrentResponseTimePercentileWindow is the trailing window, in seconds,
	// used by CurrentResponseTimePercentile.
	CurrentResponseTimePercentileWindow = 10

	cacheSize = CurrentResponseTimePercentileWindow + 10
)

// NoResponseTime marks a request without a meaningful latency. Such requests
// count towards NumRequests and NumNoneRequests but not the histogram.
const NoResponseTime = -1.0

// PercentilesToReport lists the percentiles printed and written to CSV.
var PercentilesToReport = []float64{0.50, 0.66, 0.75, 0.80, 0.90, 0.95, 0.98, 0.99, 0.999, 0.9999, 1.0}

// Entry aggregates every request logged under one (name, method) pair, or,
// for the total entry, across all of them.
//
// Response times are milliseconds. The histogram keys are rounded response
// times (see RoundResponseTime) and the per-second maps are keyed by unix
// second.
type Entry struct {
	Name                 string          `json:"name"`
	Method               string          `json:"method"`
	NumRequests          int64           `json:"num_requests"`
	NumNoneRequests      int64           `json:"num_none_requests"`
	NumFailures          int64           `json:"num_failures"`
	TotalResponseTime    float64         `json:"total_response_time"`
	MinResponseTime      float64         `json:"min_response_time"`
	MaxResponseTime      float64         `json:"max_response_time"`
	TotalContentLength   int64           `json:"total_content_length"`
	ResponseTimes        map[int64]int64 `json:"response_times"`
	NumReqsPerSec        map[int64]int64 `json:"num_reqs_per_sec"`
	NumFailPerSec        map[int64]int64 `json:"num_fail_per_sec"`
	StartTime            time.Time       `json:"start_time"`
	LastRequestTimestamp time.Time       `json:"last_request_timestamp"`

	useCache bool
	cache    *responseTimesCache
	clock    func() time.Time
	// ref supplies the run-wide timestamps used by the rate calculations.
	ref *Entry
}

type cachedResponseTimes struct {
	responseTimes map[int64]int64
	numRequests   int64
}

// responseTimesCache keeps one histogram snapshot per second, oldest first.
type responseTimesCache struct {
	keys  []int64
	items map[int64]cachedResponseTimes
}

func newEntry(name, method string, useCache bool, clock func() time.Time) *Entry {
	e := &Entry{Name: name, Method: method, useCache: useCache, clock: clock}
	e.reset()
	return e
}

func (e *Entry) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Entry) reset() {
	now := e.now()
	e.StartTime = now
	e.NumRequests = 0
	e.NumNoneRequests = 0
	e.NumFailures = 0
	e.TotalResponseTime = 0
	e.MinResponseTime = 0
	e.MaxResponseTime = 0
	e.TotalContentLength = 0
	e.ResponseTimes = map[int64]int64{}
	e.NumReqsPerSec = map[int64]int64{}
	e.NumFailPerSec = map[int64]int64{}
	e.LastRequestTimestamp = time.Time{}
	if e.useCache {
		e.cache = &responseTimesCache{items: map[int64]cachedResponseTimes{}}
		e.cacheResponseTimes(now.Unix())
	}
}

// timedRequests is the number of requests that contributed a latency.
func (e *Entry) timedRequests() int64 {
	return e.NumRequests - e.NumNoneRequests
}

func (e *Entry) log(responseTime float64, contentLength int64) {
	now := e.now()
	t := now.Unix()
	if e.useCache && !e.LastRequestTimestamp.IsZero() && t > e.LastRequestTimestamp.Unix() {
		e.cacheResponseTimes(t - 1)
	}

	e.NumRequests++
	e.NumReqsPerSec[t]++
	e.LastRequestTimestamp = now
	e.logResponseTime(responseTime)
	e.TotalContentLength += contentLength
}

func (e *Entry) logResponseTime(responseTime float64) {
	if responseTime < 0 {
		e.NumNoneRequests++
		return
	}
	e.TotalResponseTime += responseTime
	if e.timedRequests() == 1 || responseTime < e.MinResponseTime {
		e.MinResponseTime = responseTime
	}
	if responseTime > e.MaxResponseTime {
		e.MaxResponseTime = responseTime
	}
	e.ResponseTimes[RoundResponseTime(responseTime)]++
}

func (e *Entry) logError() {
	e.NumFailures++
	e.NumFailPerSec[e.now().Unix()]++
}

// RoundResponseTime buckets a latency: exact below 100ms, to 10ms below 1s,
// to 100ms below 10s and to whole seconds above. Halves round to even.
func RoundResponseTime(ms float64) int64 {
	switch {
	case ms < 100:
		return int64(math.RoundToEven(ms))
	case ms < 1000:
		return int64(math.RoundToEven(ms/10) * 10)
	case ms < 10000:
		return int64(math.RoundToEven(ms/100) * 100)
	default:
		return int64(math.RoundToEven(ms/1000) * 1000)
	}
}

// Extend merges other into e. Merging is associative and commutative over
// the exported fields.
func (e *Entry) Extend(other *Entry) {
	oldLast := e.LastRequestTimestamp
	if other.LastRequestTimestamp.After(e.LastRequestTimestamp) {
		e.LastRequestTimestamp = other.LastRequestTimestamp
	}
	if !other.StartTime.IsZero() && (e.StartTime.IsZero() || other.StartTime.Before(e.StartTime)) {
		e.StartTime = other.StartTime
	}

	selfTimed := e.timedRequests()
	otherTimed := other.timedRequests()

	e.NumRequests += other.NumRequests
	e.NumNoneRequests += other.NumNoneRequests
	e.NumFailures += other.NumFailures
	e.TotalResponseTime += other.TotalResponseTime
	e.TotalContentLength += other.TotalContentLength
	if other.MaxResponseTime > e.MaxResponseTime {
		e.MaxResponseTime = other.MaxResponseTime
	}
	switch {
	case selfTimed > 0 && otherTimed > 0:
		e.MinResponseTime = math.Min(e.MinResponseTime, other.MinResponseTime)
	case otherTimed > 0:
		e.MinResponseTime = other.MinResponseTime
	}

	e.ensureMaps()
	for k, v := range other.ResponseTimes {
		e.ResponseTimes[k] += v
	}
	for k, v := range other.NumReqsPerSec {
		e.NumReqsPerSec[k] += v
	}
	for k, v := range other.NumFailPerSec {
		e.NumFailPerSec[k] += v
	}

	if e.useCache && !e.LastRequestTimestamp.IsZero() {
		last := e.LastRequestTimestamp.Unix()
		var old int64
		if !oldLast.IsZero() {
			old = oldLast.Unix()
		}
		if last > old {
			e.cacheResponseTimes(last)
		}
	}
}

func (e *Entry) ensureMaps() {
	if e.ResponseTimes == nil {
		e.ResponseTimes = map[int64]int64{}
	}
	if e.NumReqsPerSec == nil {
		e.NumReqsPerSec = map[int64]int64{}
	}
	if e.NumFailPerSec == nil {
		e.NumFailPerSec = map[int64]int64{}
	}
}

func (e *Entry) cacheResponseTimes(t int64) {
	if e.cache == nil {
		return
	}
	if _, exists := e.cache.items[t]; !exists {
		e.cache.keys = append(e.cache.keys, t)
	}
	e.cache.items[t] = cachedResponseTimes{
		responseTimes: copyCounts(e.ResponseTimes),
		numRequests:   e.NumRequests,
	}
	for len(e.cache.keys) > cacheSize {
		delete(e.cache.items, e.cache.keys[0])
		e.cache.keys = e.cache.keys[1:]
	}
}

// Clone returns a deep copy, including the response time cache.
func (e *Entry) Clone() *Entry {
	c := *e
	c.ResponseTimes = copyCounts(e.ResponseTimes)
	c.NumReqsPerSec = copyCounts(e.NumReqsPerSec)
	c.NumFailPerSec = copyCounts(e.NumFailPerSec)
	c.ref = nil
	if e.cache != nil {
		cc := &responseTimesCache{
			keys:  append([]int64(nil), e.cache.keys...),
			items: make(map[int64]cachedResponseTimes, len(e.cache.items)),
		}
		for k, v := range e.cache.items {
			cc.items[k] = v
		}
		c.cache = cc
	}
	return &c
}

func copyCounts(in map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (e *Entry) reference() *Entry {
	if e.ref != nil {
		return e.ref
	}
	return e
}

// FailRatio is failures over requests; 1 when only failures were seen.
func (e *Entry) FailRatio() float64 {
	if e.NumRequests == 0 {
		if e.NumFailures > 0 {
			return 1
		}
		return 0
	}
	return float64(e.NumFailures) / float64(e.NumRequests)
}

func (e *Entry) AvgResponseTime() float64 {
	timed := e.timedRequests()
	if timed == 0 {
		return 0
	}
	return e.TotalResponseTime / float64(timed)
}

// MinResponseTimeOrZero returns zero for entries with no timed requests.
func (e *Entry) MinResponseTimeOrZero() float64 {
	if e.timedRequests() == 0 {
		return 0
	}
	return e.MinResponseTime
}

// MedianResponseTime is computed from the histogram and clamped to the exact
// min and max so that a handful of slow requests never report a median
// outside the observed range.
func (e *Entry) MedianResponseTime() float64 {
	if len(e.ResponseTimes) == 0 {
		return 0
	}
	median := float64(medianFromCounts(e.timedRequests(), e.ResponseTimes))
	if median > e.MaxResponseTime {
		median = e.MaxResponseTime
	} else if median < e.MinResponseTime {
		median = e.MinResponseTime
	}
	return median
}

func (e *Entry) AvgContentLength() float64 {
	if e.NumRequests == 0 {
		return 0
	}
	return float64(e.TotalContentLength) / float64(e.NumRequests)
}

// CurrentRPS averages requests per second over the trailing window that ends
// two seconds before the last request of the run.
func (e *Entry) CurrentRPS() float64 {
	return e.currentPerSec(e.NumReqsPerSec)
}

func (e *Entry) CurrentFailPerSec() float64 {
	return e.currentPerSec(e.NumFailPerSec)
}

func (e *Entry) currentPerSec(counts map[int64]int64) float64 {
	ref := e.reference()
	if ref.LastRequestTimestamp.IsZero() {
		return 0
	}
	last := ref.LastRequestTimestamp.Unix()
	start := last - 12
	if s := ref.StartTime.Unix(); s > start {
		start = s
	}
	var sum float64
	n := 0
	for t := start; t < last-2; t++ {
		sum += float64(counts[t])
		n++
	}
	if n == 0 {
		n = 1
	}
	return sum / float64(n)
}

func (e *Entry) TotalRPS() float64 {
	return e.totalPerSec(e.NumRequests)
}

func (e *Entry) TotalFailPerSec() float64 {
	return e.totalPerSec(e.NumFailures)
}

func (e *Entry) totalPerSec(n int64) float64 {
	ref := e.reference()
	if ref.LastRequestTimestamp.IsZero() || ref.StartTime.IsZero() {
		return 0
	}
	elapsed := ref.LastRequestTimestamp.Sub(ref.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed
}

// ResponseTimePercentile returns the rounded response time that percent
// (0.0-1.0) of requests finished within.
func (e *Entry) ResponseTimePercentile(percent float64) int64 {
	return calculatePercentile(e.ResponseTimes, e.NumRequests, percent)
}

// CurrentResponseTimePercentile is ResponseTimePercentile restricted to
// roughly the last CurrentResponseTimePercentileWindow seconds. ok is false
// when the entry keeps no cache or no suitable snapshot exists yet.
func (e *Entry) CurrentResponseTimePercentile(percent float64) (int64, bool) {
	if e.cache == nil {
		return 0, false
	}
	t := e.now().Unix()
	candidates := make([]int64, 0, 17)
	candidates = append(candidates, t-CurrentResponseTimePercentileWindow)
	for i := int64(1); i <= 8; i++ {
		candidates = append(candidates,
			t-CurrentResponseTimePercentileWindow-i,
			t-CurrentResponseTimePercentileWindow+i)
	}
	for _, ts := range candidates {
		cached, ok := e.cache.items[ts]
		if !ok {
			continue
		}
		return calculatePercentile(
			diffCounts(e.ResponseTimes, cached.responseTimes),
			e.NumRequests-cached.numRequests,
			percent,
		), true
	}
	return 0, false
}

func calculatePercentile(responseTimes map[int64]int64, numRequests int64, percent float64) int64 {
	target := int64(float64(numRequests) * percent)
	keys := make([]int64, 0, len(responseTimes))
	for k := range responseTimes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	var processed int64
	for _, k := range keys {
		processed += responseTimes[k]
		if numRequests-processed <= target {
			return k
		}
	}
	return 0
}

func medianFromCounts(total int64, counts map[int64]int64) int64 {
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	pos := float64(total-1) / 2
	for _, k := range keys {
		if pos < float64(counts[k]) {
			return k
		}
		pos -= float64(counts[k])
	}
	return 0
}

func diffCounts(latest, old map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(latest))
	for k, v := range latest {
		if d := v - old[k]; d > 0 {
			out[k] = d
		}
	}
	return out
}
