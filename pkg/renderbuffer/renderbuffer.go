// Package renderbuffer buffers the render signal between the moment the
// audio pipeline produces it and the moment capture processing needs it.
// It keeps two parallel histories: the full-band blocks handed out for echo
// filtering, and a decimated single-band, single-channel history used as the
// correlation reference by the delay estimator.
package renderbuffer

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/xaionaro-go/aecdelay/pkg/decimator"
	"github.com/xaionaro-go/aecdelay/pkg/echopath"
	"github.com/xaionaro-go/aecdelay/pkg/matchedfilter"
)

// RenderDelayBuffer is a fixed-capacity ring of render blocks plus the
// decimated render history. All memory is allocated at construction; the
// steady state is allocation free.
//
// The caller serializes all calls: insertion of render blocks may happen in
// bursts, but must logically precede the capture step they pair with.
type RenderDelayBuffer struct {
	cfg         echopath.Config
	numBands    int
	numChannels int
	maxDelay    int

	blocks []echopath.Block
	head   int
	delay  int

	overruns  int
	underruns int

	dec       *decimator.Decimator
	ds        []float32
	dsWrite   int
	dsCount   int64
	dsScratch []float32
}

// New creates a render delay buffer bound to one sample rate and render
// channel count. Panics on an invalid configuration or unsupported rate.
func New(cfg echopath.Config, rate int, numRenderChannels int) *RenderDelayBuffer {
	cfg.MustValidate()
	numBands := echopath.NumBandsForRate(rate)
	if numRenderChannels < 1 {
		panic(fmt.Sprintf("at least one render channel is required: got %d", numRenderChannels))
	}

	maxDelay := cfg.Delay.DefaultDelayBlocks + cfg.Delay.MaxAPICallJitterBlocks
	dec := decimator.New(cfg.Delay.DownSamplingFactor)

	b := &RenderDelayBuffer{
		cfg:         cfg,
		numBands:    numBands,
		numChannels: numRenderChannels,
		maxDelay:    maxDelay,
		blocks:      make([]echopath.Block, maxDelay+1),
		dec:         dec,
		// The matched filters read the decimated history from a
		// capture-aligned anchor, so the ring additionally holds the worst
		// case rewind allowed by the jitter budget.
		ds: make([]float32, matchedfilter.HistorySizeSamples(cfg.Delay.NumFilters, dec.OutputSize())+
			cfg.Delay.MaxAPICallJitterBlocks*dec.OutputSize()),
		dsScratch: make([]float32, dec.OutputSize()),
	}
	for i := range b.blocks {
		b.blocks[i] = echopath.NewBlock(rate, numRenderChannels)
	}
	b.Reset()
	return b
}

// Reset re-arms the initial state: a silent history and the default
// buffering delay.
func (b *RenderDelayBuffer) Reset() {
	for _, block := range b.blocks {
		for _, band := range block {
			for _, channel := range band {
				for i := range channel {
					channel[i] = 0
				}
			}
		}
	}
	for i := range b.ds {
		b.ds[i] = 0
	}
	b.dec.Reset()
	b.head = b.cfg.Delay.DefaultDelayBlocks % len(b.blocks)
	b.delay = b.cfg.Delay.DefaultDelayBlocks
	b.dsWrite = 0
	b.dsCount = 0
	b.overruns = 0
	b.underruns = 0
}

// Insert appends one render block. The block is copied; the caller may
// reuse its backing storage. A block whose shape does not match the session
// configuration is a contract violation and panics.
//
// If the caller exceeds the configured jitter budget, the oldest buffered
// block is dropped and the event is logged: the estimate degrades, the
// pipeline does not stop.
func (b *RenderDelayBuffer) Insert(ctx context.Context, block echopath.Block) {
	if !block.HasShape(b.numBands, b.numChannels) {
		panic(fmt.Sprintf(
			"render block shape mismatch: expected %d band(s) x %d channel(s) x %d samples",
			b.numBands, b.numChannels, echopath.BlockSize))
	}

	dst := b.blocks[b.head]
	for band := range block {
		for ch := range block[band] {
			copy(dst[band][ch], block[band][ch])
		}
	}
	b.head = (b.head + 1) % len(b.blocks)
	if b.delay < b.maxDelay {
		b.delay++
	} else {
		b.overruns++
		logger.Warnf(ctx, "render buffer overrun (%d so far): dropping the oldest block", b.overruns)
	}

	b.dec.Decimate(block[0][0], b.dsScratch)
	for _, v := range b.dsScratch {
		b.ds[b.dsWrite] = v
		b.dsWrite = (b.dsWrite + 1) % len(b.ds)
	}
	b.dsCount += int64(len(b.dsScratch))
}

// PrepareCaptureProcessing advances the read position by one block; it must
// be called exactly once per processed capture block. Calling it with no
// buffered render degrades the estimate rather than failing.
func (b *RenderDelayBuffer) PrepareCaptureProcessing(ctx context.Context) {
	if b.delay == 0 {
		b.underruns++
		logger.Warnf(ctx, "render buffer underrun (%d so far): capture is running ahead of render", b.underruns)
		return
	}
	b.delay--
}

// GetDownsampledRenderBuffer returns a read-only view of the decimated
// render history. The view shares storage with the buffer and is only valid
// until the next Insert.
func (b *RenderDelayBuffer) GetDownsampledRenderBuffer() echopath.DownsampledRenderBuffer {
	return echopath.DownsampledRenderBuffer{
		Buffer: b.ds,
		Write:  b.dsWrite,
		Count:  b.dsCount,
	}
}

// Delay returns the current buffering delay in blocks: how many render
// blocks are held between insertion and the position exposed for alignment.
func (b *RenderDelayBuffer) Delay() int {
	return b.delay
}

// AlignFromDelay applies an externally decided buffering delay, clamped to
// the buffer capacity. The echo canceller side uses it to re-align the
// buffer once a delay estimate has been published.
func (b *RenderDelayBuffer) AlignFromDelay(ctx context.Context, delayBlocks int) {
	clamped := delayBlocks
	if clamped < 0 {
		clamped = 0
	}
	if clamped > b.maxDelay {
		clamped = b.maxDelay
	}
	if clamped != b.delay {
		logger.Debugf(ctx, "re-aligning the render buffer delay: %d -> %d blocks", b.delay, clamped)
	}
	b.delay = clamped
}

// AlignedRenderBlock returns the render block at the current read position,
// i.e. the render context the echo filter should process against the next
// capture block. The returned block is owned by the buffer; treat it as
// read-only.
func (b *RenderDelayBuffer) AlignedRenderBlock() echopath.Block {
	idx := b.head - 1 - b.delay
	for idx < 0 {
		idx += len(b.blocks)
	}
	return b.blocks[idx]
}

// Overruns and Underruns report how often the caller broke the expected
// call cadence since construction (or the last Reset).
func (b *RenderDelayBuffer) Overruns() int  { return b.overruns }
func (b *RenderDelayBuffer) Underruns() int { return b.underruns }
