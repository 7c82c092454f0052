package delayestimator

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaionaro-go/aecdelay/pkg/echopath"
	"github.com/xaionaro-go/aecdelay/pkg/renderbuffer"
)

// signalDelay shifts a sample stream by a fixed number of samples,
// delivering zeros until enough history exists.
type signalDelay struct {
	buf []float32
	pos int
}

func newSignalDelay(samples int) *signalDelay {
	return &signalDelay{buf: make([]float32, samples)}
}

func (d *signalDelay) process(in, out []float32) {
	for i := range in {
		if len(d.buf) == 0 {
			out[i] = in[i]
			continue
		}
		out[i] = d.buf[d.pos]
		d.buf[d.pos] = in[i]
		d.pos = (d.pos + 1) % len(d.buf)
	}
}

func randomize(rng *rand.Rand, samples []float32) {
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}
}

func TestNewValidatesSession(t *testing.T) {
	assert.Panics(t, func() { New(echopath.Default(), 8000) })
	broken := echopath.Default()
	broken.Delay.NumFilters = 0
	assert.Panics(t, func() { New(broken, 16000) })
	assert.NotPanics(t, func() { New(echopath.Default(), 48000) })
}

func TestEstimateDelayRejectsWrongCaptureSize(t *testing.T) {
	e := New(echopath.Default(), 16000)
	b := renderbuffer.New(echopath.Default(), 16000, 1)
	assert.Panics(t, func() {
		e.EstimateDelay(context.Background(), b.GetDownsampledRenderBuffer(), b.Delay(),
			make([]float32, echopath.BlockSize-1))
	})
}

func runAligned(t *testing.T, cfg echopath.Config, rate, delaySamples, numBlocks int) *echopath.DelayEstimate {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	e := New(cfg, rate)
	b := renderbuffer.New(cfg, rate, 1)
	sd := newSignalDelay(delaySamples)

	render := echopath.NewBlock(rate, 1)
	capture := make([]float32, echopath.BlockSize)
	var estimate *echopath.DelayEstimate
	for k := 0; k < numBlocks; k++ {
		for band := range render {
			randomize(rng, render[band][0])
		}
		sd.process(render[0][0], capture)
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		estimate = e.EstimateDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture)
	}
	return estimate
}

func TestEstimatorConvergesToDelay(t *testing.T) {
	for _, factor := range []int{2, 4, 8} {
		for _, delaySamples := range []int{0, 400, 800, 2400} {
			t.Run(fmt.Sprintf("factor-%d/delay-%d", factor, delaySamples), func(t *testing.T) {
				cfg := echopath.Default()
				cfg.Delay.DownSamplingFactor = factor
				estimate := runAligned(t, cfg, 16000, delaySamples, 400)
				require.NotNil(t, estimate)
				// The configured delays are multiples of every supported
				// down-sampling factor, so the decimated grid resolves
				// them exactly.
				assert.Equal(t, delaySamples, estimate.Delay)
			})
		}
	}
}

func TestEstimatorReportsNegativeDelayWhenCaptureLeads(t *testing.T) {
	const lead = 160 // one block; within the look-ahead window
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	cfg := echopath.Default()

	e := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)
	sd := newSignalDelay(lead)

	render := echopath.NewBlock(16000, 1)
	capture := make([]float32, echopath.BlockSize)
	var estimate *echopath.DelayEstimate
	for k := 0; k < 400; k++ {
		randomize(rng, capture)
		sd.process(capture, render[0][0])
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		estimate = e.EstimateDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture)
	}
	require.NotNil(t, estimate)
	assert.Equal(t, -lead, estimate.Delay)
}

func TestEstimatorStaysSilentOnSilence(t *testing.T) {
	ctx := context.Background()
	cfg := echopath.Default()
	e := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)

	render := echopath.NewBlock(16000, 1)
	capture := make([]float32, echopath.BlockSize)
	for k := 0; k < 200; k++ {
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		assert.Nil(t, e.EstimateDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture))
	}
}

func TestEstimatorStaysSilentOnUncorrelatedSignals(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	cfg := echopath.Default()
	e := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)

	render := echopath.NewBlock(16000, 1)
	capture := make([]float32, echopath.BlockSize)
	for k := 0; k < 400; k++ {
		randomize(rng, render[0][0])
		randomize(rng, capture)
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		assert.Nil(t, e.EstimateDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture))
	}
}

func TestEstimatorResetDropsConvergence(t *testing.T) {
	cfg := echopath.Default()
	estimate := runAligned(t, cfg, 16000, 400, 400)
	require.NotNil(t, estimate)

	e := New(cfg, 16000)
	e.Reset() // resetting a fresh estimator is a no-op
	b := renderbuffer.New(cfg, 16000, 1)
	capture := make([]float32, echopath.BlockSize)
	b.Insert(context.Background(), echopath.NewBlock(16000, 1))
	b.PrepareCaptureProcessing(context.Background())
	assert.Nil(t, e.EstimateDelay(context.Background(), b.GetDownsampledRenderBuffer(), b.Delay(), capture))
}
