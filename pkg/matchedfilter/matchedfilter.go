// Package matchedfilter implements the candidate correlators of the delay
// estimator: a bank of adaptive filters, each tuned to detect the render
// signal at a different slice of the searchable lag range, and an aggregator
// that turns their per-block lag reports into a stable delay candidate.
package matchedfilter

import (
	"fmt"

	"github.com/xaionaro-go/aecdelay/pkg/echopath"
)

const (
	// WindowSizeSamples is the length of one matched filter in downsampled
	// samples, i.e. the lag span a single filter can resolve.
	WindowSizeSamples = 512

	// AlignmentShiftSamples is the lag distance between the anchors of two
	// neighboring filters in the bank. It is smaller than the window so
	// that the covered ranges overlap.
	AlignmentShiftSamples = 448

	// stepSize is the normalized LMS adaptation step.
	stepSize = 0.7

	// activationPower is the minimum mean square per sample required in
	// the render window for the filter to adapt at all. Silent or
	// near-silent render never adapts a filter, and therefore never
	// produces a confident lag.
	activationPower = 1e-4

	// reliabilityLimit is the smoothed error-to-signal ratio below which a
	// filter's lag report counts as reliable. Uncorrelated capture keeps
	// the ratio near (or above) one and never crosses it.
	reliabilityLimit = 0.5

	epsilon = 1e-10
)

// HistorySizeSamples returns the downsampled render history needed to update
// a bank of numFilters filters fed subBlockSize capture samples per block.
func HistorySizeSamples(numFilters, subBlockSize int) int {
	return AlignmentShiftSamples*(numFilters-1) + WindowSizeSamples + subBlockSize
}

// LagEstimate is one filter's report for the current block.
type LagEstimate struct {
	// Accuracy grows towards 1 as the filter's prediction error vanishes.
	Accuracy float32
	// Reliable is set once the filter has seen enough correlated signal
	// for its lag to be trusted.
	Reliable bool
	// Lag is the filter's current best lag in downsampled samples,
	// relative to the most recently written render sample.
	Lag int
	// Updated reports whether the filter adapted this block, i.e. whether
	// both signals carried enough energy.
	Updated bool
}

// MatchedFilter estimates the impulse response between the downsampled
// render history at its assigned lag offset and the incoming downsampled
// capture, using normalized LMS. The magnitude peak of the adapted response
// marks the lag of best match.
type MatchedFilter struct {
	// anchor is the lag of the newest tap, in downsampled samples behind
	// the render write head.
	anchor    int
	smoothing float32

	// coeffs is ordered oldest-to-newest: coeffs[m] multiplies the render
	// sample (anchor + WindowSizeSamples - 1 - m) behind the write head.
	coeffs []float32

	// errorRatio is the smoothed prediction-error-to-capture-energy ratio;
	// it starts pessimistic and must be driven down by evidence.
	errorRatio float32

	scratch []float32
}

// New creates a matched filter anchored at the given lag offset (in
// downsampled samples) that will be updated with subBlockSize capture
// samples per block.
func New(anchor, subBlockSize int, smoothing float32) *MatchedFilter {
	if anchor < 0 {
		panic(fmt.Sprintf("the filter anchor cannot be negative: got %d", anchor))
	}
	return &MatchedFilter{
		anchor:     anchor,
		smoothing:  smoothing,
		coeffs:     make([]float32, WindowSizeSamples),
		errorRatio: 1,
		scratch:    make([]float32, WindowSizeSamples+subBlockSize-1),
	}
}

// Reset drops the adapted response and the accumulated confidence.
func (f *MatchedFilter) Reset() {
	for i := range f.coeffs {
		f.coeffs[i] = 0
	}
	f.errorRatio = 1
}

// Update feeds one block of downsampled capture samples (oldest first)
// through the filter against the current render history and returns the
// filter's lag report.
func (f *MatchedFilter) Update(render echopath.DownsampledRenderBuffer, capture []float32) LagEstimate {
	n := len(capture)
	x := f.scratch[:WindowSizeSamples+n-1]
	// x is ordered oldest-to-newest; the prediction window for capture
	// sample o is x[o : o+WindowSizeSamples].
	for i := range x {
		x[i] = render.At(f.anchor + len(x) - 1 - i)
	}

	var x2 float32
	for _, v := range x[:WindowSizeSamples] {
		x2 += v * v
	}

	var e2Sum, y2Sum float64
	adapted := false
	for o, y := range capture {
		w := x[o : o+WindowSizeSamples]
		var pred float32
		for j, c := range f.coeffs {
			pred += c * w[j]
		}
		e := y - pred
		e2Sum += float64(e) * float64(e)
		y2Sum += float64(y) * float64(y)

		if x2 > activationPower*WindowSizeSamples {
			adapted = true
			mu := stepSize * e / (x2 + epsilon)
			for j := range f.coeffs {
				f.coeffs[j] += mu * w[j]
			}
		}

		if o+1 < n {
			newest := x[o+WindowSizeSamples]
			oldest := x[o]
			x2 += newest*newest - oldest*oldest
		}
	}

	updated := adapted && y2Sum > activationPower*float64(n)
	if updated {
		ratio := float32(e2Sum / (y2Sum + epsilon))
		if ratio > 1 {
			ratio = 1
		}
		f.errorRatio = f.smoothing*f.errorRatio + (1-f.smoothing)*ratio
	} else {
		// Without fresh evidence the confidence decays, it never grows.
		f.errorRatio = f.smoothing*f.errorRatio + (1 - f.smoothing)
	}

	return LagEstimate{
		Accuracy: 1 - f.errorRatio,
		Reliable: updated && f.errorRatio < reliabilityLimit,
		Lag:      f.anchor + WindowSizeSamples - 1 - f.peakTap(),
		Updated:  updated,
	}
}

func (f *MatchedFilter) peakTap() int {
	peak := 0
	var peakValue float32 = -1
	for i, c := range f.coeffs {
		if c < 0 {
			c = -c
		}
		if c > peakValue {
			peakValue = c
			peak = i
		}
	}
	return peak
}
