package matchedfilter

import (
	"fmt"

	"github.com/xaionaro-go/aecdelay/pkg/echopath"
)

// historyLength is the number of recent lag reports the aggregator keeps; a
// candidate must dominate this window to be reported.
const historyLength = 250

// LagAggregator accumulates per-block lag reports in a histogram over a
// sliding window and reports a delay candidate once one lag value has been
// seen often enough. It only ever receives reliable reports, so confidence
// rises over hundreds of blocks and falls away as soon as those stop
// arriving.
type LagAggregator struct {
	minLag    int
	histogram []int
	window    []int
	pos       int
	threshold int
}

// NewLagAggregator creates an aggregator over lags in [minLag, maxLag]. The
// threshold is the occurrence count required before a candidate is reported.
func NewLagAggregator(minLag, maxLag, threshold int) *LagAggregator {
	if maxLag < minLag {
		panic(fmt.Sprintf("invalid lag range: [%d, %d]", minLag, maxLag))
	}
	a := &LagAggregator{
		minLag:    minLag,
		histogram: make([]int, maxLag-minLag+1),
		window:    make([]int, historyLength),
		threshold: threshold,
	}
	for i := range a.window {
		a.window[i] = -1
	}
	return a
}

// Reset clears the accumulated history.
func (a *LagAggregator) Reset() {
	for i := range a.histogram {
		a.histogram[i] = 0
	}
	for i := range a.window {
		a.window[i] = -1
	}
	a.pos = 0
}

// Aggregate records one reliable lag report and returns the current delay
// candidate in the same lag units, or nil while no lag dominates the recent
// history. Lags outside the configured range are ignored.
func (a *LagAggregator) Aggregate(lag int) *echopath.DelayEstimate {
	idx := lag - a.minLag
	if idx < 0 || idx >= len(a.histogram) {
		return a.candidate()
	}
	if old := a.window[a.pos]; old >= 0 {
		a.histogram[old]--
	}
	a.window[a.pos] = idx
	a.histogram[idx]++
	a.pos = (a.pos + 1) % len(a.window)
	return a.candidate()
}

func (a *LagAggregator) candidate() *echopath.DelayEstimate {
	best := 0
	for i, c := range a.histogram {
		if c > a.histogram[best] {
			best = i
		}
	}
	count := a.histogram[best]
	if count <= a.threshold {
		return nil
	}
	quality := echopath.DelayQualityCoarse
	if count > 2*a.threshold {
		quality = echopath.DelayQualityRefined
	}
	return &echopath.DelayEstimate{
		Quality: quality,
		Delay:   best + a.minLag,
	}
}
