package echopath

// DelayQuality describes how much evidence backs a delay estimate.
type DelayQuality int

const (
	// DelayQualityCoarse marks an estimate that has just crossed the
	// detection threshold.
	DelayQualityCoarse DelayQuality = iota
	// DelayQualityRefined marks an estimate confirmed by a dominant share
	// of the recent correlation history.
	DelayQualityRefined
)

func (q DelayQuality) String() string {
	switch q {
	case DelayQualityCoarse:
		return "coarse"
	case DelayQualityRefined:
		return "refined"
	}
	return "unknown"
}

// DelayEstimate is a delay estimate together with the confidence it carries.
// The unit of Delay depends on the producer: the delay estimator reports
// full-rate samples (possibly negative, meaning capture leads render), the
// delay controller publishes non-negative whole blocks.
//
// The absent estimate is a nil *DelayEstimate: silence, uncorrelated signals,
// a non-causal relationship or a not-yet-converged estimator all look the
// same to the consumer, and none of them is an error.
type DelayEstimate struct {
	Quality DelayQuality
	Delay   int
}

// DownsampledRenderBuffer is a read-only view over the decimated render
// history owned by the render delay buffer. Buffer is a ring; Write is the
// ring index one past the most recently written sample and Count is the
// total number of samples written so far.
type DownsampledRenderBuffer struct {
	Buffer []float32
	Write  int
	Count  int64
}

// Rewound returns a view whose newest sample lies `samples` positions
// behind this view's newest one. The delay estimator uses it to anchor the
// matched filter reads at the capture-aligned position of the render
// history, so a bursty call cadence does not move the lag the filters see.
func (b DownsampledRenderBuffer) Rewound(samples int) DownsampledRenderBuffer {
	if len(b.Buffer) == 0 || samples == 0 {
		return b
	}
	write := (b.Write - samples) % len(b.Buffer)
	if write < 0 {
		write += len(b.Buffer)
	}
	return DownsampledRenderBuffer{
		Buffer: b.Buffer,
		Write:  write,
		Count:  b.Count - int64(samples),
	}
}

// At returns the downsampled render sample `back` positions behind the most
// recently written one (back of 0 being the newest). Positions older than
// the written history read as silence.
func (b DownsampledRenderBuffer) At(back int) float32 {
	if back < 0 || int64(back) >= b.Count || back >= len(b.Buffer) {
		return 0
	}
	idx := b.Write - 1 - back
	if idx < 0 {
		idx += len(b.Buffer)
	}
	return b.Buffer[idx]
}
