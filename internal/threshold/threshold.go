// Package threshold checks pass/fail criteria against the final request
// statistics of a run.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/swarmfire/internal/stats"
)

const (
	MetricResponseTime = "response_time"
	MetricFailures     = "failures"
	MetricRequests     = "requests"
)

// Threshold is a performance assertion such as "response_time:p95 < 500".
type Threshold struct {
	Metric    string  // response_time, failures or requests
	Entry     string  // optional "[METHOD name]" or "[name]" selector; empty means the aggregate
	Aggregate string  // e.g. p95, avg, max, rate, count
	Operator  string  // <, <=, >, >=, ==
	Value     float64 // the threshold value to compare against
	Raw       string  // original text for display
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against a stats snapshot.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks every threshold against snap.
func (e *Evaluator) Evaluate(snap stats.Snapshot) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, snap))
	}
	return results
}

// Failed counts the results that did not pass.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.Pass {
			n++
		}
	}
	return n
}

func evaluateOne(t Threshold, snap stats.Snapshot) Result {
	actual, err := metricValue(t, snap)
	if err != nil {
		return Result{
			Threshold: t,
			Message:   fmt.Sprintf("FAIL %s: %v", t.Raw, err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "PASS"
	if !pass {
		status = "FAIL"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

var pattern = regexp.MustCompile(`^([a-z_]+)(?:\[([^\]]+)\])?:([a-z0-9.]+)\s*(<=|>=|==|<|>)\s*([0-9.]+)$`)

// Parse parses one threshold. Supported forms:
//   - "response_time:p95 < 500"          (percentile in ms, any pNN or pNN.N)
//   - "response_time:avg < 200"          (also min, max, median)
//   - "failures:rate < 0.01"             (failure ratio)
//   - "failures:count < 10"
//   - "requests:rate > 100"              (requests per second)
//   - "response_time[GET /login]:p99 < 800" scopes the check to one entry
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected metric:aggregate operator value, e.g. 'response_time:p95 < 500')", s)
	}
	metric, entry, aggregate, operator, valueStr := matches[1], strings.TrimSpace(matches[2]), matches[3], matches[4], matches[5]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}
	if !isValidMetric(metric) {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: response_time, failures, requests)", metric)
	}
	if !isValidAggregate(metric, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s", aggregate, metric)
	}

	return Threshold{
		Metric:    metric,
		Entry:     entry,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses every threshold and reports all malformed ones at once.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errs []string
	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

func isValidMetric(metric string) bool {
	switch metric {
	case MetricResponseTime, MetricFailures, MetricRequests:
		return true
	}
	return false
}

func isValidAggregate(metric, aggregate string) bool {
	if metric != MetricResponseTime {
		return aggregate == "rate" || aggregate == "count"
	}
	switch aggregate {
	case "avg", "min", "max", "median":
		return true
	}
	_, err := percentile(aggregate)
	return err == nil
}

// percentile turns "p95" into 0.95 and "p99.9" into 0.999.
func percentile(aggregate string) (float64, error) {
	if !strings.HasPrefix(aggregate, "p") {
		return 0, fmt.Errorf("not a percentile: %q", aggregate)
	}
	pct, err := strconv.ParseFloat(aggregate[1:], 64)
	if err != nil || pct <= 0 || pct > 100 {
		return 0, fmt.Errorf("invalid percentile %q", aggregate)
	}
	return pct / 100, nil
}

func selectEntry(t Threshold, snap stats.Snapshot) (*stats.Entry, error) {
	if t.Entry == "" {
		if snap.Total == nil {
			return nil, fmt.Errorf("no requests recorded")
		}
		return snap.Total, nil
	}
	method, name, scoped := strings.Cut(t.Entry, " ")
	for _, e := range snap.Entries {
		if scoped && strings.EqualFold(e.Method, method) && e.Name == strings.TrimSpace(name) {
			return e, nil
		}
		if !scoped && e.Name == t.Entry {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no requests recorded for %q", t.Entry)
}

func metricValue(t Threshold, snap stats.Snapshot) (float64, error) {
	e, err := selectEntry(t, snap)
	if err != nil {
		return 0, err
	}
	switch t.Metric {
	case MetricResponseTime:
		return responseTimeValue(t.Aggregate, e)
	case MetricFailures:
		if t.Aggregate == "count" {
			return float64(e.NumFailures), nil
		}
		return e.FailRatio(), nil
	case MetricRequests:
		if t.Aggregate == "count" {
			return float64(e.NumRequests), nil
		}
		return e.TotalRPS(), nil
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

func responseTimeValue(aggregate string, e *stats.Entry) (float64, error) {
	switch aggregate {
	case "avg":
		return e.AvgResponseTime(), nil
	case "min":
		return e.MinResponseTimeOrZero(), nil
	case "max":
		return e.MaxResponseTime, nil
	case "median":
		return e.MedianResponseTime(), nil
	}
	p, err := percentile(aggregate)
	if err != nil {
		return 0, err
	}
	return float64(e.ResponseTimePercentile(p)), nil
}

func compareValues(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
