package delaycontroller

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

// pipeline wires a controller to a render delay buffer and a simulated echo
// path, mirroring how the echo canceller drives the two in production.
type pipeline struct {
	ctx     context.Context
	rng     *rand.Rand
	c       *RenderDelayController
	b       *renderbuffer.RenderDelayBuffer
	sd      *signalDelay
	render  echopath.Block
	capture [][]float32
}

func newPipeline(cfg echopath.Config, rate, delaySamples int) *pipeline {
	return &pipeline{
		ctx:     context.Background(),
		rng:     rand.New(rand.NewSource(42)),
		c:       New(cfg, rate),
		b:       renderbuffer.New(cfg, rate, 1),
		sd:      newSignalDelay(delaySamples),
		render:  echopath.NewBlock(rate, 1),
		capture: [][]float32{make([]float32, echopath.BlockSize)},
	}
}

// step pushes one render block through the simulated echo path and runs one
// capture processing step, returning the published estimate.
func (p *pipeline) step() *echopath.DelayEstimate {
	for band := range p.render {
		randomize(p.rng, p.render[band][0])
	}
	p.sd.process(p.render[0][0], p.capture[0])
	p.b.Insert(p.ctx, p.render)
	p.b.PrepareCaptureProcessing(p.ctx)
	return p.c.GetDelay(p.ctx, p.b.GetDownsampledRenderBuffer(), p.b.Delay(), p.capture)
}

// expectedDelayBlocks applies the publication policy to a true echo path
// delay: headroom subtraction followed by the dead zone around zero.
func expectedDelayBlocks(cfg echopath.Config, delaySamples int) int {
	blocks := delaySamples/echopath.BlockSize - cfg.Delay.DelayHeadroomBlocks
	if blocks < cfg.Delay.DeadZoneBlocks {
		return 0
	}
	return blocks
}

func TestNewValidatesSession(t *testing.T) {
	for _, rate := range []int{-1, 0, 8001, 16001} {
		t.Run(fmt.Sprintf("rate-%d", rate), func(t *testing.T) {
			assert.Panics(t, func() { New(echopath.Default(), rate) })
		})
	}
	broken := echopath.Default()
	broken.Delay.DownSamplingFactor = 3
	assert.Panics(t, func() { New(broken, 16000) })
}

func TestNewAcrossConfigurations(t *testing.T) {
	for _, rate := range []int{16000, 32000, 48000} {
		for _, factor := range []int{2, 4, 8} {
			t.Run(fmt.Sprintf("rate-%d/factor-%d", rate, factor), func(t *testing.T) {
				cfg := echopath.Default()
				cfg.Delay.DownSamplingFactor = factor
				p := newPipeline(cfg, rate, 0)
				assert.NotPanics(t, func() { p.step() })
			})
		}
	}
}

func TestGetDelayRejectsMalformedCapture(t *testing.T) {
	cfg := echopath.Default()
	c := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)
	view := b.GetDownsampledRenderBuffer()

	assert.Panics(t, func() { c.GetDelay(context.Background(), view, b.Delay(), nil) })
	assert.Panics(t, func() {
		c.GetDelay(context.Background(), view, b.Delay(),
			[][]float32{make([]float32, echopath.BlockSize-1)})
	})
	assert.Panics(t, func() {
		c.GetDelay(context.Background(), view, b.Delay(),
			[][]float32{make([]float32, echopath.BlockSize+1)})
	})
}

func TestNoDelayForSilence(t *testing.T) {
	cfg := echopath.Default()
	c := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)
	ctx := context.Background()

	render := echopath.NewBlock(16000, 1)
	capture := [][]float32{make([]float32, echopath.BlockSize)}
	for k := 0; k < 150; k++ {
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		assert.Nil(t, c.GetDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture))
	}
}

func TestNoDelayForUncorrelatedSignals(t *testing.T) {
	cfg := echopath.Default()
	c := New(cfg, 16000)
	b := renderbuffer.New(cfg, 16000, 1)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))

	render := echopath.NewBlock(16000, 1)
	capture := [][]float32{make([]float32, echopath.BlockSize)}
	for k := 0; k < 400; k++ {
		randomize(rng, render[0][0])
		randomize(rng, capture[0])
		b.Insert(ctx, render)
		b.PrepareCaptureProcessing(ctx)
		assert.Nil(t, c.GetDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture))
	}
}

func TestNoDelayDuringInitialBlocks(t *testing.T) {
	p := newPipeline(echopath.Default(), 16000, 320)
	for k := 0; k < 10; k++ {
		assert.Nil(t, p.step())
	}
}

func TestConvergesToAlignedDelay(t *testing.T) {
	for _, rate := range []int{16000, 32000, 48000} {
		for _, factor := range []int{2, 4, 8} {
			for _, delaySamples := range []int{15, 50, 150, 200, 800, 4000} {
				t.Run(fmt.Sprintf("rate-%d/factor-%d/delay-%d", rate, factor, delaySamples), func(t *testing.T) {
					cfg := echopath.Default()
					cfg.Delay.DownSamplingFactor = factor
					p := newPipeline(cfg, rate, delaySamples)

					var estimate *echopath.DelayEstimate
					for k := 0; k < 400+delaySamples/echopath.BlockSize; k++ {
						estimate = p.step()
					}
					require.NotNil(t, estimate)
					assert.Equal(t, expectedDelayBlocks(cfg, delaySamples), estimate.Delay)
				})
			}
		}
	}
}

func TestNonCausalDelayIsNeverReported(t *testing.T) {
	for _, leadSamples := range []int{15, 50, 150, 200} {
		t.Run(fmt.Sprintf("lead-%d", leadSamples), func(t *testing.T) {
			cfg := echopath.Default()
			c := New(cfg, 16000)
			b := renderbuffer.New(cfg, 16000, 1)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			sd := newSignalDelay(leadSamples)

			render := echopath.NewBlock(16000, 1)
			capture := [][]float32{make([]float32, echopath.BlockSize)}
			for k := 0; k < 500; k++ {
				// The render signal trails the capture signal.
				randomize(rng, capture[0])
				sd.process(capture[0], render[0][0])
				b.Insert(ctx, render)
				b.PrepareCaptureProcessing(ctx)
				estimate := c.GetDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture)
				if k >= 300 {
					assert.Nil(t, estimate)
				}
			}
		})
	}
}

func TestConvergesUnderJitteredCallCadence(t *testing.T) {
	const burst = 26
	for _, delaySamples := range []int{15, 50, 300, 800} {
		t.Run(fmt.Sprintf("delay-%d", delaySamples), func(t *testing.T) {
			cfg := echopath.Default()
			require.GreaterOrEqual(t, cfg.Delay.MaxAPICallJitterBlocks, burst)
			c := New(cfg, 16000)
			b := renderbuffer.New(cfg, 16000, 1)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			sd := newSignalDelay(delaySamples)

			render := echopath.NewBlock(16000, 1)
			pending := make([][]float32, burst)
			for i := range pending {
				pending[i] = make([]float32, echopath.BlockSize)
			}
			capture := [][]float32{nil}

			var estimate *echopath.DelayEstimate
			rounds := (1000+delaySamples/echopath.BlockSize)/burst + 1
			for round := 0; round < rounds; round++ {
				for i := 0; i < burst; i++ {
					randomize(rng, render[0][0])
					sd.process(render[0][0], pending[i])
					b.Insert(ctx, render)
				}
				for i := 0; i < burst; i++ {
					b.PrepareCaptureProcessing(ctx)
					capture[0] = pending[i]
					estimate = c.GetDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), capture)
				}
			}
			require.NotNil(t, estimate)
			assert.Equal(t, expectedDelayBlocks(cfg, delaySamples), estimate.Delay)
			assert.Zero(t, b.Overruns())
		})
	}
}

func TestHysteresisAbsorbsSmallIncreases(t *testing.T) {
	cfg := echopath.Default()
	p := newPipeline(cfg, 16000, 800)
	var estimate *echopath.DelayEstimate
	for k := 0; k < 450; k++ {
		estimate = p.step()
	}
	require.NotNil(t, estimate)
	require.Equal(t, 4, estimate.Delay)

	// One extra block of true delay stays within the hysteresis limit: the
	// published value must not move.
	p.sd = newSignalDelay(960)
	for k := 0; k < 600; k++ {
		estimate = p.step()
	}
	require.NotNil(t, estimate)
	assert.Equal(t, 4, estimate.Delay)

	// A jump well past the limit is published.
	p.sd = newSignalDelay(1600)
	for k := 0; k < 600; k++ {
		estimate = p.step()
	}
	require.NotNil(t, estimate)
	assert.Equal(t, 9, estimate.Delay)
}

func TestResetReturnsToUnresolved(t *testing.T) {
	p := newPipeline(echopath.Default(), 16000, 800)
	var estimate *echopath.DelayEstimate
	for k := 0; k < 450; k++ {
		estimate = p.step()
	}
	require.NotNil(t, estimate)

	p.c.Reset()
	p.b.Reset()
	assert.Nil(t, p.step())
}
