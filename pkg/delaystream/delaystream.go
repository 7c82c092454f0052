// Package delaystream adapts the block-wise delay controller to stream
// consumers: it pulls the render and capture signals from two io.Readers of
// mono 16 kHz PCM, slices them into blocks and republishes the latest delay
// estimate. The render reader carries the signal sent to the loudspeaker,
// the capture reader the signal recorded by the microphone.
package delaystream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/iamcalledrob/circular"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"

	"github.com/xaionaro-go/aecdelay/pkg/delaycontroller"
	"github.com/xaionaro-go/aecdelay/pkg/echopath"
	"github.com/xaionaro-go/aecdelay/pkg/renderbuffer"
)

// SampleRate is the only sample rate the stream wrapper accepts. Callers
// with wide-band material resample before feeding the stream.
const SampleRate = 16000

// stagingBlocks sizes the per-signal staging buffers; it bounds how far the
// render reader may run ahead of the pump.
const stagingBlocks = 64

// SampleFormat identifies the PCM encoding of both input streams.
type SampleFormat int

const (
	SampleFormatS16LE SampleFormat = iota
	SampleFormatF32LE
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatS16LE:
		return "s16le"
	case SampleFormatF32LE:
		return "f32le"
	}
	return "unknown"
}

// BytesPerSample returns the width of one sample in the given format.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatS16LE:
		return 2
	case SampleFormatF32LE:
		return 4
	}
	panic(fmt.Sprintf("unknown sample format: %d", int(f)))
}

func (f SampleFormat) decode(src []byte, dst []float32) {
	switch f {
	case SampleFormatS16LE:
		for i := range dst {
			dst[i] = float32(int16(uint16(src[i*2])|uint16(src[i*2+1])<<8)) / 32768
		}
	case SampleFormatF32LE:
		for i := range dst {
			bits := uint32(src[i*4]) | uint32(src[i*4+1])<<8 | uint32(src[i*4+2])<<16 | uint32(src[i*4+3])<<24
			dst[i] = math.Float32frombits(bits)
		}
	}
}

// DelayStream drives a delay controller from two PCM streams. Three worker
// goroutines run until both inputs are exhausted or the stream is closed:
// one per input filling a staging buffer, and a pump that consumes one block
// from each per step.
type DelayStream struct {
	format     SampleFormat
	controller *delaycontroller.RenderDelayController
	buffer     *renderbuffer.RenderDelayBuffer

	renderCounter  *datacounter.ReaderCounter
	captureCounter *datacounter.ReaderCounter

	locker         sync.Mutex
	renderStaging  *circular.Buffer
	captureStaging *circular.Buffer
	renderDone     bool
	captureDone    bool
	readProgressed chan struct{}
	pumpProgressed chan struct{}
	latest         *echopath.DelayEstimate
	blocks         uint64
	resultErr      *multierror.Error

	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

// New starts the stream workers. The readers are wrapped with byte counters;
// a reader that returns io.EOF ends its signal cleanly. Stop the stream with
// Close.
func New(
	ctx context.Context,
	cfg echopath.Config,
	render io.Reader,
	capture io.Reader,
	format SampleFormat,
) (*DelayStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if format != SampleFormatS16LE && format != SampleFormatF32LE {
		return nil, fmt.Errorf("unknown sample format: %d", int(format))
	}

	ctx, cancelFunc := context.WithCancel(ctx)
	stagingSize := stagingBlocks * echopath.BlockSize * format.BytesPerSample()
	s := &DelayStream{
		format:         format,
		controller:     delaycontroller.New(cfg, SampleRate),
		buffer:         renderbuffer.New(cfg, SampleRate, 1),
		renderCounter:  datacounter.NewReaderCounter(render),
		captureCounter: datacounter.NewReaderCounter(capture),
		renderStaging:  circular.NewBuffer(stagingSize),
		captureStaging: circular.NewBuffer(stagingSize),
		readProgressed: make(chan struct{}),
		pumpProgressed: make(chan struct{}),
		cancelFunc:     cancelFunc,
	}

	s.workers.Add(3)
	observability.Go(ctx, func(ctx context.Context) {
		defer s.workers.Done()
		s.finish("render reader", s.readerLoop(ctx, s.renderCounter, s.renderStaging, &s.renderDone))
	})
	observability.Go(ctx, func(ctx context.Context) {
		defer s.workers.Done()
		s.finish("capture reader", s.readerLoop(ctx, s.captureCounter, s.captureStaging, &s.captureDone))
	})
	observability.Go(ctx, func(ctx context.Context) {
		defer cancelFunc()
		defer s.workers.Done()
		s.finish("pump", s.pumpLoop(ctx))
	})
	return s, nil
}

func (s *DelayStream) finish(loop string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.locker.Lock()
	defer s.locker.Unlock()
	s.resultErr = multierror.Append(s.resultErr, fmt.Errorf("%s: %w", loop, err))
}

// signalLocked wakes everyone waiting on the channel and re-arms it. Must
// be called with the locker held.
func (s *DelayStream) signalLocked(ch *chan struct{}) {
	old := *ch
	*ch = make(chan struct{})
	close(old)
}

func (s *DelayStream) waitLocked(ctx context.Context, ch chan struct{}) {
	s.locker.Unlock()
	defer s.locker.Lock()
	select {
	case <-ctx.Done():
	case <-ch:
	}
}

func (s *DelayStream) readerLoop(
	ctx context.Context,
	src io.Reader,
	staging *circular.Buffer,
	done *bool,
) (_err error) {
	logger.Tracef(ctx, "readerLoop")
	defer func() { logger.Tracef(ctx, "/readerLoop: %v", _err) }()
	defer func() {
		s.locker.Lock()
		defer s.locker.Unlock()
		*done = true
		s.signalLocked(&s.readProgressed)
	}()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			if err := s.stage(ctx, staging, buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("unable to read the input: %w", err)
		}
	}
}

func (s *DelayStream) stage(ctx context.Context, staging *circular.Buffer, data []byte) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	for len(data) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := staging.Write(data)
		if err != nil {
			if errors.Is(err, circular.ErrNoSpace) {
				s.waitLocked(ctx, s.pumpProgressed)
				continue
			}
			return fmt.Errorf("unable to write to the staging buffer: %w", err)
		}
		data = data[n:]
		s.signalLocked(&s.readProgressed)
	}
	return nil
}

// errDrained reports that an input hit EOF and its staged data cannot fill
// another whole block.
var errDrained = errors.New("input drained")

// nextBlock blocks until one whole block is staged, or the input is
// drained, or ctx is canceled.
func (s *DelayStream) nextBlock(ctx context.Context, staging *circular.Buffer, done *bool, dst []byte) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	received := 0
	for received < len(dst) {
		if err := ctx.Err(); err != nil {
			return err
		}
		waitCh := s.readProgressed
		n, err := staging.Read(dst[received:])
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("unable to read from the staging buffer: %w", err)
		}
		if n > 0 {
			received += n
			s.signalLocked(&s.pumpProgressed)
			continue
		}
		if *done {
			if received > 0 {
				logger.Debugf(ctx, "dropping a %d-byte partial trailing block", received)
			}
			return errDrained
		}
		s.waitLocked(ctx, waitCh)
	}
	return nil
}

func (s *DelayStream) pumpLoop(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "pumpLoop")
	defer func() { logger.Tracef(ctx, "/pumpLoop: %v", _err) }()

	blockBytes := echopath.BlockSize * s.format.BytesPerSample()
	renderBytes := make([]byte, blockBytes)
	captureBytes := make([]byte, blockBytes)
	renderBlock := echopath.NewBlock(SampleRate, 1)
	captureBlock := [][]float32{make([]float32, echopath.BlockSize)}

	for {
		if err := s.nextBlock(ctx, s.renderStaging, &s.renderDone, renderBytes); err != nil {
			if errors.Is(err, errDrained) {
				return nil
			}
			return err
		}
		if err := s.nextBlock(ctx, s.captureStaging, &s.captureDone, captureBytes); err != nil {
			if errors.Is(err, errDrained) {
				return nil
			}
			return err
		}

		s.format.decode(renderBytes, renderBlock[0][0])
		s.format.decode(captureBytes, captureBlock[0])

		s.buffer.Insert(ctx, renderBlock)
		s.buffer.PrepareCaptureProcessing(ctx)
		estimate := s.controller.GetDelay(ctx, s.buffer.GetDownsampledRenderBuffer(), s.buffer.Delay(), captureBlock)

		s.locker.Lock()
		s.latest = estimate
		s.blocks++
		s.locker.Unlock()
	}
}

// LatestEstimate returns the most recently published delay estimate in
// whole blocks, or nil while the controller is unresolved.
func (s *DelayStream) LatestEstimate() *echopath.DelayEstimate {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.latest == nil {
		return nil
	}
	estimate := *s.latest
	return &estimate
}

// ProcessedBlocks returns how many render/capture block pairs the pump has
// consumed so far.
func (s *DelayStream) ProcessedBlocks() uint64 {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.blocks
}

// RenderBytesRead and CaptureBytesRead report how much has been consumed
// from the underlying readers, including data still staged.
func (s *DelayStream) RenderBytesRead() uint64  { return s.renderCounter.Count() }
func (s *DelayStream) CaptureBytesRead() uint64 { return s.captureCounter.Count() }

// Close stops the workers and returns their aggregated errors. It waits for
// the worker goroutines; a reader blocked inside the underlying Read only
// returns once the caller closes that stream.
func (s *DelayStream) Close() error {
	s.cancelFunc()
	s.workers.Wait()
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.resultErr.ErrorOrNil()
}
