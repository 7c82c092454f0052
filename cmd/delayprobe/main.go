// Command delayprobe estimates the delay between two recordings of the same
// session: the render signal (what was played) and the capture signal (what
// the microphone recorded). It prints a one-shot cross-correlation estimate
// over the whole files and the converged block-wise estimate of the delay
// controller.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/aecdelay/pkg/align"
	"github.com/xaionaro-go/aecdelay/pkg/delaycontroller"
	"github.com/xaionaro-go/aecdelay/pkg/echopath"
	"github.com/xaionaro-go/aecdelay/pkg/renderbuffer"
	"github.com/xaionaro-go/aecdelay/pkg/wave"
)

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	renderPath := pflag.String("render", "", "path to the render (far end) WAV file")
	capturePath := pflag.String("capture", "", "path to the capture (microphone) WAV file")
	downSamplingFactor := pflag.Int("down-sampling-factor", echopath.Default().Delay.DownSamplingFactor, "delay estimation down-sampling factor (2, 4 or 8)")
	numFilters := pflag.Int("num-filters", echopath.Default().Delay.NumFilters, "number of matched filters in the bank")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()

	if *renderPath == "" || *capturePath == "" {
		fmt.Fprintln(os.Stderr, "both --render and --capture are required")
		pflag.Usage()
		os.Exit(2)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	cfg := echopath.Default()
	cfg.Delay.DownSamplingFactor = *downSamplingFactor
	cfg.Delay.NumFilters = *numFilters
	assertNoError(cfg.Validate())
	logger.Debugf(ctx, "configuration: %s", spew.Sdump(cfg))

	render, renderRate := readWave(*renderPath)
	capture, captureRate := readWave(*capturePath)
	if renderRate != captureRate {
		assertNoError(fmt.Errorf("sample rate mismatch: render is %d Hz, capture is %d Hz", renderRate, captureRate))
	}
	if !echopath.ValidFullBandRate(renderRate) {
		assertNoError(fmt.Errorf("unsupported sample rate: %d Hz", renderRate))
	}

	oneShot, err := align.EstimateShift(toFloat64(render), toFloat64(capture))
	assertNoError(err)
	fmt.Printf("cross-correlation: shift %.1f sample(s) (%.1f ms), confidence %.2f\n",
		oneShot.ShiftSamples, oneShot.ShiftSamples*1000/float64(renderRate), oneShot.Confidence)

	estimate := runController(ctx, cfg, renderRate, render, capture)
	if estimate == nil {
		fmt.Println("delay controller: no confident estimate")
		return
	}
	fmt.Printf("delay controller: %d block(s) (%d samples, %d ms, quality %s)\n",
		estimate.Delay,
		estimate.Delay*echopath.BlockSize,
		estimate.Delay*echopath.BlockSize*1000/renderRate,
		estimate.Quality)
}

// runController feeds both recordings through the block-wise pipeline. Only
// the lowest band matters for delay estimation, so wide-band rates reuse the
// full-band samples as band 0.
func runController(
	ctx context.Context,
	cfg echopath.Config,
	rate int,
	render, capture []float32,
) *echopath.DelayEstimate {
	c := delaycontroller.New(cfg, rate)
	b := renderbuffer.New(cfg, rate, 1)

	renderBlock := echopath.NewBlock(rate, 1)
	captureBlock := [][]float32{make([]float32, echopath.BlockSize)}

	numBlocks := min(len(render), len(capture)) / echopath.BlockSize
	var estimate *echopath.DelayEstimate
	for k := 0; k < numBlocks; k++ {
		copy(renderBlock[0][0], render[k*echopath.BlockSize:])
		copy(captureBlock[0], capture[k*echopath.BlockSize:])
		b.Insert(ctx, renderBlock)
		b.PrepareCaptureProcessing(ctx)
		if e := c.GetDelay(ctx, b.GetDownsampledRenderBuffer(), b.Delay(), captureBlock); e != nil {
			estimate = e
		}
	}
	return estimate
}

func readWave(path string) ([]float32, int) {
	data, err := os.ReadFile(path)
	assertNoError(err)
	samples, rate, err := wave.Decode(data)
	assertNoError(err)
	return samples, rate
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
