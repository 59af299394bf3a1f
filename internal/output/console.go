// Package output renders request statistics to the console and to CSV files.
package output

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/torosent/swarmfire/internal/stats"
	"github.com/torosent/swarmfire/internal/threshold"
)

const (
	nameWidth = 60
	typeWidth = 8
)

var separator = strings.Repeat("-", 80+nameWidth)

// ReadablePercentiles renders fractions as column headers, e.g. 0.999 as
// "99.9%".
func ReadablePercentiles(ps []float64) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		pct := p * 100
		if pct == math.Trunc(pct) {
			out[i] = strconv.Itoa(int(pct)) + "%"
			continue
		}
		out[i] = strconv.FormatFloat(math.Round(pct*1e6)/1e6, 'f', -1, 64) + "%"
	}
	return out
}

// PrintStats writes the request table. With current set, rates cover the
// trailing window; otherwise the whole run.
func PrintStats(w io.Writer, snap stats.Snapshot, current bool) {
	fmt.Fprintf(w, " %-*s %7s %12s  | %7s %7s %7s %7s  | %7s %7s\n",
		nameWidth, "Name", "# reqs", "# fails", "Avg", "Min", "Max", "Median", "req/s", "failures/s")
	fmt.Fprintln(w, separator)
	for _, e := range snap.Entries {
		writeEntryLine(w, e, current)
	}
	fmt.Fprintln(w, separator)
	if snap.Total != nil {
		writeEntryLine(w, snap.Total, current)
	}
	fmt.Fprintln(w)
}

func writeEntryLine(w io.Writer, e *stats.Entry, current bool) {
	rps, fails := e.TotalRPS(), e.TotalFailPerSec()
	if current {
		rps, fails = e.CurrentRPS(), e.CurrentFailPerSec()
	}
	name := e.Name
	if e.Method != "" {
		name = e.Method + " " + e.Name
	}
	fmt.Fprintf(w, " %-*s %7d %12s  | %7d %7d %7d %7d  | %7.2f %7.2f\n",
		nameWidth, name,
		e.NumRequests,
		fmt.Sprintf("%d(%.2f%%)", e.NumFailures, e.FailRatio()*100),
		int64(e.AvgResponseTime()),
		int64(e.MinResponseTimeOrZero()),
		int64(e.MaxResponseTime),
		int64(e.MedianResponseTime()),
		rps,
		fails,
	)
}

// PrintPercentiles writes the approximated response time percentile table.
// Entries without timed requests are skipped.
func PrintPercentiles(w io.Writer, snap stats.Snapshot) {
	ps := stats.PercentilesToReport
	fmt.Fprintln(w, "Response time percentiles (approximated)")

	header := fmt.Sprintf(" %-*s %-*s %8s", typeWidth, "Type", nameWidth, "Name", "# reqs")
	for _, label := range ReadablePercentiles(ps) {
		header += fmt.Sprintf(" %6s", label)
	}
	fmt.Fprintln(w, header)

	sep := strings.Repeat("-", typeWidth) + "|" + strings.Repeat("-", nameWidth) + "|" +
		strings.Repeat("-", 9) + "|" + strings.Repeat(strings.Repeat("-", 6)+"|", len(ps))
	fmt.Fprintln(w, sep)
	for _, e := range snap.Entries {
		if len(e.ResponseTimes) > 0 {
			writePercentileLine(w, e, ps)
		}
	}
	fmt.Fprintln(w, sep)
	if snap.Total != nil && len(snap.Total.ResponseTimes) > 0 {
		writePercentileLine(w, snap.Total, ps)
	}
	fmt.Fprintln(w)
}

func writePercentileLine(w io.Writer, e *stats.Entry, ps []float64) {
	line := fmt.Sprintf(" %-*s %-*s %8d", typeWidth, e.Method, nameWidth, e.Name, e.NumRequests)
	for _, p := range ps {
		line += fmt.Sprintf(" %6d", e.ResponseTimePercentile(p))
	}
	fmt.Fprintln(w, line)
}

// PrintErrors writes the deduplicated error table. Nothing is written when no
// request failed.
func PrintErrors(w io.Writer, snap stats.Snapshot) {
	if len(snap.Errors) == 0 {
		return
	}
	fmt.Fprintln(w, "Error report")
	fmt.Fprintf(w, " %-18s %-100s\n", "# occurrences", "Error")
	fmt.Fprintln(w, separator)
	for _, e := range snap.Errors {
		fmt.Fprintf(w, " %-18d %-100s\n", e.Occurrences, e.String())
	}
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}

// PrintSummary writes the final report: totals over the whole run,
// percentiles and errors.
func PrintSummary(w io.Writer, snap stats.Snapshot) {
	PrintStats(w, snap, false)
	PrintPercentiles(w, snap)
	PrintErrors(w, snap)
}

// PrintThresholds writes one PASS/FAIL line per threshold and a tally.
func PrintThresholds(w io.Writer, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintln(w, "Thresholds")
	fmt.Fprintln(w, separator)
	for _, r := range results {
		fmt.Fprintf(w, " %s\n", r.Message)
	}
	fmt.Fprintln(w, separator)
	fmt.Fprintf(w, " %d/%d thresholds passed\n\n", len(results)-threshold.Failed(results), len(results))
}
