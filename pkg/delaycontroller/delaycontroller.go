// Package delaycontroller publishes the externally consumed delay estimate.
// It orchestrates the delay estimator per capture block and applies the
// alignment policy on top of the raw estimate: headroom subtraction, a dead
// zone around zero, hysteresis against estimate flicker and a causality
// screen that refuses to publish whenever capture statistically precedes
// render.
package delaycontroller

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/xaionaro-go/aecdelay/pkg/delayestimator"
	"github.com/xaionaro-go/aecdelay/pkg/echopath"
)

// alignmentState is the controller's state machine: it starts unresolved
// and becomes aligned on the first confident causal detection. Evidence of a
// non-causal relationship sends it back to unresolved.
type alignmentState int

const (
	stateUnresolved alignmentState = iota
	stateAligned
)

func (s alignmentState) String() string {
	switch s {
	case stateUnresolved:
		return "unresolved"
	case stateAligned:
		return "aligned"
	}
	return "invalid"
}

// RenderDelayController turns raw echo-path-delay estimates into the block
// delay consumed by the echo canceller. Single-threaded; every call does
// bounded work and the steady state allocates nothing but the returned
// estimate.
type RenderDelayController struct {
	cfg       echopath.Config
	estimator *delayestimator.Estimator

	state     alignmentState
	published echopath.DelayEstimate
}

// New creates a controller bound to one sample rate. Panics on an invalid
// configuration or unsupported sample rate.
func New(cfg echopath.Config, rate int) *RenderDelayController {
	cfg.MustValidate()
	if !echopath.ValidFullBandRate(rate) {
		panic(fmt.Sprintf("unsupported sample rate: %d (supported: 16000, 32000, 48000)", rate))
	}
	return &RenderDelayController{
		cfg:       cfg,
		estimator: delayestimator.New(cfg, rate),
	}
}

// Reset returns the controller to the unresolved state and drops all
// estimator adaptation.
func (c *RenderDelayController) Reset() {
	c.estimator.Reset()
	c.state = stateUnresolved
	c.published = echopath.DelayEstimate{}
}

// GetDelay processes one capture block (indexed [channel][sample], first
// channel used for estimation) against the current downsampled render
// history and the render buffer's reported buffering delay, and returns the
// published delay estimate in whole blocks, or nil while unresolved.
//
// A capture block of the wrong size is a contract violation and panics. An
// absent return value is a normal operating condition; the caller simply
// asks again on the next block.
func (c *RenderDelayController) GetDelay(
	ctx context.Context,
	render echopath.DownsampledRenderBuffer,
	bufferDelayBlocks int,
	capture [][]float32,
) *echopath.DelayEstimate {
	if len(capture) < 1 {
		panic("capture block must carry at least one channel")
	}
	if len(capture[0]) != echopath.BlockSize {
		panic(fmt.Sprintf("capture block must hold %d samples per channel: got %d", echopath.BlockSize, len(capture[0])))
	}

	raw := c.estimator.EstimateDelay(ctx, render, bufferDelayBlocks, capture[0])
	if raw == nil {
		// Insufficient evidence: the previously published state persists.
		return c.current()
	}

	if raw.Delay < 0 {
		// Capture precedes render: no causal delay exists, whatever the
		// confidence. Nothing is published while this holds.
		if c.state == stateAligned {
			logger.Debugf(ctx, "non-causal delay of %d sample(s) detected: unresolving the previous alignment", raw.Delay)
		}
		c.state = stateUnresolved
		c.published = echopath.DelayEstimate{}
		return nil
	}

	delayBlocks := raw.Delay/echopath.BlockSize - c.cfg.Delay.DelayHeadroomBlocks
	if delayBlocks < 0 {
		delayBlocks = 0
	}
	if delayBlocks < c.cfg.Delay.DeadZoneBlocks {
		// Below the dead zone the quantization noise of the decimated
		// lag grid dominates; collapse to zero rather than oscillate.
		delayBlocks = 0
	}

	if c.state == stateAligned &&
		delayBlocks > c.published.Delay &&
		delayBlocks <= c.published.Delay+c.cfg.Delay.HysteresisLimitBlocks {
		delayBlocks = c.published.Delay
	}

	if c.state != stateAligned || c.published.Delay != delayBlocks || c.published.Quality != raw.Quality {
		logger.Debugf(ctx, "delay estimate: %s -> aligned at %d block(s) (%s, raw %d sample(s))",
			c.state, delayBlocks, raw.Quality, raw.Delay)
	}
	c.state = stateAligned
	c.published = echopath.DelayEstimate{Quality: raw.Quality, Delay: delayBlocks}
	return c.current()
}

func (c *RenderDelayController) current() *echopath.DelayEstimate {
	if c.state != stateAligned {
		return nil
	}
	estimate := c.published
	return &estimate
}
