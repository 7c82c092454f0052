// Package delayestimator estimates the echo path delay between the render
// and capture signals. It decimates the capture signal, runs it through the
// matched filter bank against the decimated render history and aggregates
// the per-filter lag reports into a delay estimate in full-rate samples.
package delayestimator

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/aecdelay/pkg/decimator"
	"github.com/xaionaro-go/aecdelay/pkg/echopath"
	"github.com/xaionaro-go/aecdelay/pkg/matchedfilter"
)

// Estimator owns the capture-side decimation, a short capture look-ahead and
// the matched filter bank. All state is allocated at construction.
//
// The capture signal is processed with a look-ahead of DefaultDelayBlocks
// blocks: the filters compare each capture sample against render written
// slightly after it, which keeps apparent capture-leads-render lags of up to
// that many blocks inside the searchable (non-negative) lag range. The
// resulting offset is subtracted again before aggregation, so the aggregated
// delay is expressed relative to the true render-to-capture alignment and
// comes out negative exactly when capture statistically precedes render.
type Estimator struct {
	cfg          echopath.Config
	dec          *decimator.Decimator
	subBlockSize int

	lookahead []float32
	filters   []*matchedfilter.MatchedFilter
	agg       *matchedfilter.LagAggregator

	dsCapture []float32
	delayed   []float32
}

// New creates an estimator for the given configuration and sample rate.
// Panics on an invalid configuration or unsupported rate, like the rest of
// the core: these are integration errors, not runtime conditions.
func New(cfg echopath.Config, rate int) *Estimator {
	cfg.MustValidate()
	if !echopath.ValidFullBandRate(rate) {
		panic(fmt.Sprintf("unsupported sample rate: %d (supported: 16000, 32000, 48000)", rate))
	}

	dec := decimator.New(cfg.Delay.DownSamplingFactor)
	subBlockSize := dec.OutputSize()

	filters := make([]*matchedfilter.MatchedFilter, cfg.Delay.NumFilters)
	for i := range filters {
		filters[i] = matchedfilter.New(
			i*matchedfilter.AlignmentShiftSamples,
			subBlockSize,
			cfg.Delay.DelayEstimateSmoothing,
		)
	}

	maxLag := matchedfilter.AlignmentShiftSamples*(cfg.Delay.NumFilters-1) +
		matchedfilter.WindowSizeSamples
	lookaheadSamples := cfg.Delay.DefaultDelayBlocks * subBlockSize

	return &Estimator{
		cfg:          cfg,
		dec:          dec,
		subBlockSize: subBlockSize,
		lookahead:    make([]float32, lookaheadSamples),
		filters:      filters,
		agg: matchedfilter.NewLagAggregator(
			-lookaheadSamples-subBlockSize,
			maxLag,
			cfg.Delay.CandidateDetectionThreshold,
		),
		dsCapture: make([]float32, subBlockSize),
		delayed:   make([]float32, subBlockSize),
	}
}

// Reset drops all adaptation state and accumulated confidence.
func (e *Estimator) Reset() {
	e.dec.Reset()
	for i := range e.lookahead {
		e.lookahead[i] = 0
	}
	for _, f := range e.filters {
		f.Reset()
	}
	e.agg.Reset()
}

// EstimateDelay updates the estimator with one capture block (a single
// channel of BlockSize full-rate samples) and the current downsampled render
// history, and returns the aggregated delay estimate in full-rate samples,
// or nil while the evidence is insufficient. A negative delay means the
// capture signal statistically precedes the render signal.
//
// bufferDelayBlocks is the render buffer's currently reported buffering
// delay; deviations from the configured default (bursty call cadence) rewind
// the render view before the filters run, which is what makes the estimate
// converge identically under jittered and regular call timing.
func (e *Estimator) EstimateDelay(
	ctx context.Context,
	render echopath.DownsampledRenderBuffer,
	bufferDelayBlocks int,
	capture []float32,
) *echopath.DelayEstimate {
	if len(capture) != echopath.BlockSize {
		panic(fmt.Sprintf("capture block must hold %d samples: got %d", echopath.BlockSize, len(capture)))
	}

	e.dec.Decimate(capture, e.dsCapture)

	// Rotate the capture look-ahead: process the oldest buffered samples,
	// stash the fresh ones.
	if len(e.lookahead) > 0 {
		copy(e.delayed, e.lookahead[:e.subBlockSize])
		copy(e.lookahead, e.lookahead[e.subBlockSize:])
		copy(e.lookahead[len(e.lookahead)-e.subBlockSize:], e.dsCapture)
	} else {
		copy(e.delayed, e.dsCapture)
	}

	// Anchor the filter reads at the capture-aligned position of the render
	// history: under a bursty call cadence the buffering delay deviates from
	// the configured default, and without the rewind that deviation would
	// shift the lag the filters see on every call.
	jitterOffset := (bufferDelayBlocks - e.cfg.Delay.DefaultDelayBlocks) * e.subBlockSize
	aligned := render.Rewound(jitterOffset)

	best := -1
	var bestEstimate matchedfilter.LagEstimate
	for i, f := range e.filters {
		estimate := f.Update(aligned, e.delayed)
		if !estimate.Updated || !estimate.Reliable {
			continue
		}
		if best < 0 || estimate.Accuracy > bestEstimate.Accuracy {
			best = i
			bestEstimate = estimate
		}
	}
	if best < 0 {
		return nil
	}

	corrected := bestEstimate.Lag - len(e.lookahead)

	aggregated := e.agg.Aggregate(corrected)
	if aggregated == nil {
		return nil
	}
	return &echopath.DelayEstimate{
		Quality: aggregated.Quality,
		Delay:   aggregated.Delay * e.cfg.Delay.DownSamplingFactor,
	}
}
