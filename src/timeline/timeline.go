// Package timeline assigns absolute timestamps to a batch of samples whose
// device-side capture times are unknown.
package timeline

import (
	"time"

	"github.com/nhirsama/picolog/src/inter"
)

// Result is the reconstruction of one batch.
type Result struct {
	Batch inter.Batch
	// End is the end time to carry into the next cycle.
	End time.Time
	// Gap is how far the naive start lies after the previous end. A gap
	// means an interval no batch reported, usually samples overwritten on
	// the device before they could be drained.
	Gap time.Duration
	// Overlap is how far the naive start was pulled forward to keep the
	// timeline monotonic.
	Overlap time.Duration
}

// Reconstruct back-dates count samples from requestTime, assuming the last
// one was captured just before the poll, and clamps the start so it never
// precedes prevEnd. An empty batch leaves prevEnd unchanged.
func Reconstruct(requestTime time.Time, values []uint16, period time.Duration, prevEnd time.Time) Result {
	n := len(values)
	if n == 0 {
		return Result{Batch: inter.Batch{Start: prevEnd, Period: period}, End: prevEnd}
	}

	naiveStart := requestTime.Add(-time.Duration(n) * period)
	start := naiveStart
	var res Result
	switch {
	case naiveStart.Before(prevEnd):
		start = prevEnd
		res.Overlap = prevEnd.Sub(naiveStart)
	case naiveStart.After(prevEnd):
		res.Gap = naiveStart.Sub(prevEnd)
	}

	samples := make([]inter.Sample, n)
	for i, v := range values {
		samples[i] = inter.Sample{Timestamp: start.Add(time.Duration(i) * period), Value: v}
	}
	res.Batch = inter.Batch{Start: start, Period: period, Samples: samples}
	res.End = start.Add(time.Duration(n) * period)
	return res
}
